package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

var ErrUnknownDecision = errors.New("unknown decision")

const (
	acceptRetries = 3
	acceptBackoff = 100 * time.Millisecond
)

// Arbiter resolves worker responses to dispatch offers. Accepts race
// through the store's conditional bind, so at most one worker ever
// wins a trip regardless of how many instances process responses.
type Arbiter struct {
	Store  storage.Store
	Events notify.Publisher
	Log    *slog.Logger
}

func New(store storage.Store, events notify.Publisher, log *slog.Logger) *Arbiter {
	return &Arbiter{Store: store, Events: events, Log: log}
}

// Respond applies one worker's decision on their pending offer. For an
// accept it returns the trip bound to the worker; losers of the race
// get ErrAlreadyAssigned or ErrOfferExpired depending on how the offer
// was resolved.
func (a *Arbiter) Respond(ctx context.Context, tripID, workerID string, decision Decision, reason string) (*models.Trip, error) {
	switch decision {
	case DecisionAccept:
		return a.accept(ctx, tripID, workerID)
	case DecisionDecline:
		return nil, a.decline(ctx, tripID, workerID, reason)
	default:
		return nil, ErrUnknownDecision
	}
}

func (a *Arbiter) accept(ctx context.Context, tripID, workerID string) (*models.Trip, error) {
	var (
		trip *models.Trip
		err  error
	)
	backoff := acceptBackoff
	for attempt := 0; ; attempt++ {
		trip, err = a.Store.AcceptOffer(ctx, tripID, workerID, time.Now())
		if errors.Is(err, storage.ErrConflict) && attempt < acceptRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		break
	}
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyAssigned) || errors.Is(err, storage.ErrOfferExpired) {
			observability.AcceptRaceLost.Inc()
			a.Log.Info("accept lost", "trip_id", tripID, "worker_id", workerID, "reason", err)
		}
		return nil, err
	}

	observability.TripsMatched.Inc()
	a.Log.Info("trip assigned", "trip_id", tripID, "worker_id", workerID)

	ev := notify.Event{
		Type:   notify.EventTripAssigned,
		TripID: tripID,
		Data: map[string]any{
			"worker_id": workerID,
			"status":    string(trip.Status),
		},
	}
	a.Events.Publish(trip.RequesterID, ev)
	a.Events.Publish(workerID, ev)
	return trip, nil
}

func (a *Arbiter) decline(ctx context.Context, tripID, workerID, reason string) error {
	if err := a.Store.DeclineOffer(ctx, tripID, workerID, time.Now()); err != nil {
		return err
	}
	a.Log.Info("offer declined", "trip_id", tripID, "worker_id", workerID, "reason", reason)
	return nil
}
