package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

const advanceAttempts = 3

// Machine validates and timestamps every status transition for the life
// of a trip. The store performs the transition conditionally, so a
// concurrent writer surfaces as ErrConflict and is re-validated here.
type Machine struct {
	Store storage.Store
	Log   *slog.Logger
}

func NewMachine(store storage.Store, log *slog.Logger) *Machine {
	return &Machine{Store: store, Log: log}
}

// Advance moves the trip to the target status if the edge is legal.
// Re-reads and retries a small number of times when the trip moved
// under us; an illegal edge after a concurrent move is surfaced as
// ErrInvalidTransition, not retried.
func (m *Machine) Advance(ctx context.Context, tripID string, to models.TripStatus, actor, note string) (*models.Trip, error) {
	for attempt := 0; attempt < advanceAttempts; attempt++ {
		trip, err := m.Store.GetTrip(ctx, tripID)
		if err != nil {
			return nil, err
		}
		if trip.Status == to {
			return trip, nil // already there, duplicate advance is a no-op
		}
		if !ValidTransition(trip.Status, to) {
			return nil, storage.ErrInvalidTransition
		}
		updated, err := m.Store.TransitionTrip(ctx, tripID, trip.Status, to, actor, note, time.Now().UTC())
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.Log.Info("trip transition", "trip_id", tripID, "from", trip.Status, "to", to, "actor", actor)
		return updated, nil
	}
	return nil, storage.ErrConflict
}
