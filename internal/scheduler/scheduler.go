package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

const pollBatchLimit = 50

// Dispatcher starts the matching run for a trip entering search.
type Dispatcher interface {
	Dispatch(ctx context.Context, tripID string)
}

// Trigger promotes scheduled trips into search once their time comes.
// Promotion goes through the state machine's conditional transition, so
// several instances polling the same store hand each due trip to
// exactly one dispatch run.
type Trigger struct {
	Store    storage.Store
	Machine  *lifecycle.Machine
	Engine   Dispatcher
	Interval time.Duration
	Log      *slog.Logger
}

func NewTrigger(store storage.Store, machine *lifecycle.Machine, engine Dispatcher, interval time.Duration, log *slog.Logger) *Trigger {
	return &Trigger{Store: store, Machine: machine, Engine: engine, Interval: interval, Log: log}
}

// Run polls until the context ends. An immediate first poll catches
// trips that came due while no instance was running.
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	t.poll(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.poll(ctx, now)
		}
	}
}

func (t *Trigger) poll(ctx context.Context, now time.Time) {
	due, err := t.Store.DueScheduledTrips(ctx, now, pollBatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			t.Log.Error("scheduled trip poll failed", "error", err)
		}
		return
	}
	for _, trip := range due {
		t.promote(ctx, trip)
	}
}

func (t *Trigger) promote(ctx context.Context, trip *models.Trip) {
	_, err := t.Machine.Advance(ctx, trip.ID, models.StatusSearching, "scheduler", "scheduled time reached")
	if err != nil {
		// Another instance promoted it, or the rider cancelled between
		// the poll and the transition.
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrInvalidTransition) {
			t.Log.Info("scheduled trip already handled", "trip_id", trip.ID)
			return
		}
		t.Log.Error("scheduled trip promotion failed", "trip_id", trip.ID, "error", err)
		return
	}
	t.Log.Info("scheduled trip entering search", "trip_id", trip.ID, "scheduled_at", trip.ScheduledAt)
	t.Engine.Dispatch(ctx, trip.ID)
}
