package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// CardHolder is the external card processor surface for hold/capture/
// cancel flows. Wallet holds never touch it.
type CardHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, reference string) error
	Cancel(ctx context.Context, reference string) error
}

// TripDraft is the caller's request; the coordinator fills in fare and
// status.
type TripDraft struct {
	RequesterID    string
	Pickup         models.Coord
	PickupAddress  string
	Dropoff        models.Coord
	DropoffAddress string
	VehicleType    string
	PaymentMethod  models.PaymentMethod
	ScheduledAt    *time.Time
}

const (
	conflictRetries = 3
	conflictBackoff = 100 * time.Millisecond
)

// Coordinator creates the trip row and its funds hold in one atomic
// store operation, and finishes the hold exactly once on completion or
// cancellation.
type Coordinator struct {
	Store    storage.Store
	ETA      *eta.Estimator
	Cards    CardHolder // optional; required for the card method
	Currency string
	Log      *slog.Logger
}

// CreateTrip validates the draft, estimates the fare, and atomically
// inserts the trip plus a hold covering the estimate. Store conflicts
// are retried with doubling backoff before surfacing.
func (c *Coordinator) CreateTrip(ctx context.Context, d TripDraft) (*models.Trip, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}

	distanceM := geo.Haversine(d.Pickup.Lat, d.Pickup.Lng, d.Dropoff.Lat, d.Dropoff.Lng)
	durationSec := c.ETA.Seconds(d.Pickup, d.Dropoff)
	fare, err := eta.EstimateFare(d.VehicleType, distanceM, durationSec)
	if err != nil {
		return nil, err
	}

	status := models.StatusSearching
	if d.ScheduledAt != nil && d.ScheduledAt.After(time.Now()) {
		status = models.StatusScheduled
	}

	trip := &models.Trip{
		RequesterID:    d.RequesterID,
		Status:         status,
		Pickup:         d.Pickup,
		PickupAddress:  d.PickupAddress,
		Dropoff:        d.Dropoff,
		DropoffAddress: d.DropoffAddress,
		VehicleType:    d.VehicleType,
		EstimatedFare:  fare,
		Currency:       c.Currency,
		PaymentMethod:  d.PaymentMethod,
		ScheduledAt:    d.ScheduledAt,
	}

	holdRef := ""
	if d.PaymentMethod == models.PayCard {
		if c.Cards == nil {
			return nil, fmt.Errorf("card payments not configured")
		}
		holdRef, err = c.Cards.Hold(ctx, fare, c.Currency, d.RequesterID)
		if err != nil {
			return nil, fmt.Errorf("card hold: %w", err)
		}
	}

	backoff := conflictBackoff
	for attempt := 0; ; attempt++ {
		err = c.Store.CreateTripWithHold(ctx, trip, holdRef)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt < conflictRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if holdRef != "" {
			if cerr := c.Cards.Cancel(ctx, holdRef); cerr != nil {
				c.Log.Error("card hold orphaned after store failure", "reference", holdRef, "error", cerr)
			}
		}
		return nil, err
	}

	observability.TripsCreated.Inc()
	if status == models.StatusScheduled {
		observability.TripsScheduled.Inc()
	}
	if trip.HoldID != nil {
		observability.HoldsCreated.Inc()
	}
	c.Log.Info("trip created", "trip_id", trip.ID, "requester_id", trip.RequesterID,
		"status", trip.Status, "fare", fare, "method", trip.PaymentMethod)
	return trip, nil
}

// Settle converts the hold to a debit for the final fare. Safe to call
// again; the store returns the previously posted debit.
func (c *Coordinator) Settle(ctx context.Context, trip *models.Trip, finalFare int64) error {
	debit, err := c.Store.ConvertHoldToDebit(ctx, trip, finalFare)
	if err != nil {
		return err
	}
	if debit == nil {
		return nil // cash trip
	}
	observability.HoldsSettled.Inc()
	if trip.PaymentMethod == models.PayCard && c.Cards != nil {
		hold, err := c.Store.HoldEntry(ctx, trip.ID)
		if err == nil && hold != nil && hold.Reference != "" {
			if err := c.Cards.Capture(ctx, hold.Reference); err != nil {
				c.Log.Error("card capture failed", "trip_id", trip.ID, "reference", hold.Reference, "error", err)
			}
		}
	}
	return nil
}

// Release reverses the hold on cancellation so the requester is never
// charged for an unfulfilled trip. Idempotent.
func (c *Coordinator) Release(ctx context.Context, trip *models.Trip) error {
	refund, err := c.Store.RefundHold(ctx, trip)
	if err != nil {
		return err
	}
	if refund == nil {
		return nil
	}
	observability.HoldsReleased.Inc()
	if trip.PaymentMethod == models.PayCard && c.Cards != nil {
		hold, err := c.Store.HoldEntry(ctx, trip.ID)
		if err == nil && hold != nil && hold.Reference != "" {
			if err := c.Cards.Cancel(ctx, hold.Reference); err != nil {
				c.Log.Error("card hold release failed", "trip_id", trip.ID, "reference", hold.Reference, "error", err)
			}
		}
	}
	return nil
}

// ErrInvalidRequest marks draft validation failures so transport layers
// can tell a caller mistake apart from a store outage.
var ErrInvalidRequest = errors.New("invalid trip request")

func validateDraft(d TripDraft) error {
	if d.RequesterID == "" {
		return fmt.Errorf("%w: requester id required", ErrInvalidRequest)
	}
	for _, c := range []models.Coord{d.Pickup, d.Dropoff} {
		if math.Abs(c.Lat) > 90 {
			return fmt.Errorf("%w: latitude out of range [-90, 90]", ErrInvalidRequest)
		}
		if math.Abs(c.Lng) > 180 {
			return fmt.Errorf("%w: longitude out of range [-180, 180]", ErrInvalidRequest)
		}
	}
	if !eta.KnownVehicleType(d.VehicleType) {
		return fmt.Errorf("%w: unknown vehicle type %q", ErrInvalidRequest, d.VehicleType)
	}
	switch d.PaymentMethod {
	case models.PayCash, models.PayWallet, models.PayCard:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, d.PaymentMethod)
	}
	return nil
}
