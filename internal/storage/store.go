package storage

import (
	"context"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Store defines persistence operations for trips, offers and the wallet
// ledger. The trip row and its offers are the only resources requiring
// transactional mutation; every conditional method below must stay
// race-safe across process instances, not just goroutines.
type Store interface {
	// CreateTripWithHold atomically verifies the one-active-trip
	// invariant, checks the wallet balance (non-cash methods), inserts
	// the trip and inserts a hold ledger entry referencing it. The
	// trip's ID, HoldID and CreatedAt are filled in on success.
	// holdRef carries an external processor reference (e.g. a card
	// payment intent id) onto the hold row.
	CreateTripWithHold(ctx context.Context, trip *models.Trip, holdRef string) error
	// HoldEntry returns the trip's hold ledger row, or nil for cash
	// trips.
	HoldEntry(ctx context.Context, tripID string) (*models.LedgerEntry, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)

	// TransitionTrip conditionally moves a trip from one status to
	// another, stamps the milestone timestamp and appends a history
	// row. Returns ErrConflict when the trip is no longer in `from`.
	TransitionTrip(ctx context.Context, id string, from, to models.TripStatus, actor, note string, at time.Time) (*models.Trip, error)

	// CancelTrip marks a non-terminal trip cancelled and resolves all
	// of its pending offers to cancelled in the same operation. The
	// bool reports whether this call performed the cancellation.
	CancelTrip(ctx context.Context, id, actor, reason string, at time.Time) (*models.Trip, bool, error)

	// Ledger.
	AvailableBalance(ctx context.Context, accountID string) (int64, error)
	InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	// ConvertHoldToDebit voids the trip's hold and posts a debit for
	// the final fare. RefundHold posts a refund neutralizing the hold.
	// Each is a no-op returning the existing entry when already done.
	ConvertHoldToDebit(ctx context.Context, trip *models.Trip, finalFare int64) (*models.LedgerEntry, error)
	RefundHold(ctx context.Context, trip *models.Trip) (*models.LedgerEntry, error)

	// Offers.
	CreateOffers(ctx context.Context, offers []*models.DispatchOffer) error
	GetOffer(ctx context.Context, tripID, workerID string) (*models.DispatchOffer, error)
	// AcceptOffer is the arbiter's conditional bind: mark the offer
	// accepted and set the trip's worker, only if the offer is still
	// pending and the trip has no bound worker. All other pending
	// offers for the trip become cancelled in the same operation.
	AcceptOffer(ctx context.Context, tripID, workerID string, at time.Time) (*models.Trip, error)
	DeclineOffer(ctx context.Context, tripID, workerID string, at time.Time) error
	// ExpireBatch resolves still-pending offers of one batch to
	// expired. SweepExpiredOffers does the same store-wide for offers
	// past their deadline; both are idempotent.
	ExpireBatch(ctx context.Context, tripID string, batch int, at time.Time) (int, error)
	SweepExpiredOffers(ctx context.Context, now time.Time) (int, error)
	PendingOfferCount(ctx context.Context, workerID string) (int, error)
	// PendingOffersForTrip counts a trip's unresolved offers; zero on a
	// searching trip means no window is open and nobody is waiting.
	PendingOffersForTrip(ctx context.Context, tripID string) (int, error)
	OfferedWorkers(ctx context.Context, tripID string) (map[string]bool, error)

	// Recovery and scheduling.
	SearchingTrips(ctx context.Context) ([]*models.Trip, error)
	MaxBatch(ctx context.Context, tripID string) (int, error)
	DueScheduledTrips(ctx context.Context, now time.Time, limit int) ([]*models.Trip, error)

	// Locations, history, tracking.
	AppendLocation(ctx context.Context, loc *models.WorkerLocation) error
	LatestLocation(ctx context.Context, workerID string) (*models.WorkerLocation, error)
	StatusHistory(ctx context.Context, tripID string) ([]models.StatusChange, error)
	CreateTrackingToken(ctx context.Context, tripID string) (string, error)
	TripByTrackingToken(ctx context.Context, token string) (*models.Trip, error)
}

// milestone returns the timestamp slot written for a target status.
func milestone(t *models.Trip, to models.TripStatus, at time.Time) {
	ts := at
	switch to {
	case models.StatusSearching:
		t.SearchingAt = &ts
	case models.StatusAssigned:
		t.AssignedAt = &ts
	case models.StatusArrivedPickup:
		t.ArrivedAt = &ts
	case models.StatusInProgress:
		t.StartedAt = &ts
	case models.StatusCompleted:
		t.CompletedAt = &ts
	case models.StatusCancelled:
		t.CancelledAt = &ts
	}
	t.UpdatedAt = at
}
