package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/ledger"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/storage"
)

const (
	ActorSystem = "system"

	ReasonNoMatch = "no_match"
)

type Config struct {
	OfferWindow    time.Duration
	MaxEscalations int
	SweepInterval  time.Duration
}

// Engine drives the offer lifecycle for searching trips: one goroutine
// per trip walks the escalation tiers, sending a batch of offers and
// waiting out the response window before widening the search. The
// worker bind itself happens in the store, so the engine only ever
// observes the outcome.
type Engine struct {
	Store    storage.Store
	Selector *selector.Selector
	Ledger   *ledger.Coordinator
	Events   notify.Publisher
	Cfg      Config
	Log      *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func NewEngine(store storage.Store, sel *selector.Selector, led *ledger.Coordinator, events notify.Publisher, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		Store:    store,
		Selector: sel,
		Ledger:   led,
		Events:   events,
		Cfg:      cfg,
		Log:      log,
		running:  make(map[string]bool),
	}
}

// Dispatch starts the matching run for a searching trip. Duplicate
// calls for a trip already being worked are ignored, which makes
// startup recovery safe to run alongside live traffic.
func (e *Engine) Dispatch(ctx context.Context, tripID string) {
	e.dispatchFrom(ctx, tripID, 0)
}

func (e *Engine) dispatchFrom(ctx context.Context, tripID string, doneBatches int) {
	e.mu.Lock()
	if e.running[tripID] {
		e.mu.Unlock()
		return
	}
	e.running[tripID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, tripID)
			e.mu.Unlock()
		}()
		e.run(ctx, tripID, doneBatches)
	}()
}

func (e *Engine) run(ctx context.Context, tripID string, doneBatches int) {
	for batch := doneBatches + 1; batch <= e.Cfg.MaxEscalations; batch++ {
		trip, err := e.Store.GetTrip(ctx, tripID)
		if err != nil {
			e.Log.Error("dispatch load failed", "trip_id", tripID, "error", err)
			return
		}
		// Cancellation wins over in-flight batches, and an assigned
		// trip needs no more offers.
		if trip.Status != models.StatusSearching {
			return
		}

		candidates, err := e.Selector.Batch(ctx, trip, batch-1)
		if err != nil {
			e.Log.Error("candidate selection failed", "trip_id", tripID, "batch", batch, "error", err)
			return
		}
		if len(candidates) == 0 {
			e.Log.Info("empty batch, escalating", "trip_id", tripID, "batch", batch)
			continue
		}

		if err := e.sendBatch(ctx, trip, batch, candidates); err != nil {
			e.Log.Error("offer batch failed", "trip_id", tripID, "batch", batch, "error", err)
			return
		}

		if !e.wait(ctx, e.Cfg.OfferWindow) {
			return
		}

		expired, err := e.Store.ExpireBatch(ctx, tripID, batch, time.Now())
		if err != nil {
			e.Log.Error("batch expiry failed", "trip_id", tripID, "batch", batch, "error", err)
			return
		}
		observability.OffersExpired.Add(float64(expired))
		if expired < len(candidates) {
			// Someone responded; check whether the trip got bound.
			trip, err = e.Store.GetTrip(ctx, tripID)
			if err != nil || trip.Status != models.StatusSearching {
				return
			}
		}
	}

	// Every tier exhausted. A bind in the final window still counts,
	// so re-check before declaring no match.
	trip, err := e.Store.GetTrip(ctx, tripID)
	if err != nil || trip.Status != models.StatusSearching {
		return
	}
	observability.TripsNoMatch.Inc()
	if _, err := e.Cancel(ctx, tripID, ActorSystem, ReasonNoMatch); err != nil {
		e.Log.Error("no-match cancel failed", "trip_id", tripID, "error", err)
	}
}

func (e *Engine) sendBatch(ctx context.Context, trip *models.Trip, batch int, candidates []models.Candidate) error {
	now := time.Now()
	expires := now.Add(e.Cfg.OfferWindow)
	offers := make([]*models.DispatchOffer, 0, len(candidates))
	for _, c := range candidates {
		offers = append(offers, &models.DispatchOffer{
			TripID:     trip.ID,
			WorkerID:   c.WorkerID,
			Status:     models.OfferPending,
			Batch:      batch,
			DistanceKm: c.DistanceKm,
			EtaSeconds: c.EtaSeconds,
			SentAt:     now,
			ExpiresAt:  expires,
		})
	}
	if err := e.Store.CreateOffers(ctx, offers); err != nil {
		return err
	}

	observability.OffersSent.Add(float64(len(offers)))
	observability.BatchesDispatched.Observe(float64(batch))
	e.Log.Info("offer batch sent", "trip_id", trip.ID, "batch", batch, "offers", len(offers))

	for _, o := range offers {
		e.Events.Publish(o.WorkerID, notify.Event{
			Type:   notify.EventOfferCreated,
			TripID: trip.ID,
			Data: map[string]any{
				"pickup":         trip.Pickup,
				"pickup_address": trip.PickupAddress,
				"vehicle_type":   trip.VehicleType,
				"estimated_fare": trip.EstimatedFare,
				"distance_km":    o.DistanceKm,
				"eta_seconds":    o.EtaSeconds,
				"expires_at":     o.ExpiresAt,
			},
		})
	}
	return nil
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cancel terminates a non-terminal trip, resolves its pending offers,
// releases the funds hold and notifies both parties. Calling it on an
// already-terminal trip is a no-op.
func (e *Engine) Cancel(ctx context.Context, tripID, actor, reason string) (*models.Trip, error) {
	trip, did, err := e.Store.CancelTrip(ctx, tripID, actor, reason, time.Now())
	if err != nil {
		return nil, err
	}
	if !did {
		if trip.Status == models.StatusCompleted {
			return nil, storage.ErrInvalidTransition
		}
		return trip, nil
	}

	if err := e.Ledger.Release(ctx, trip); err != nil {
		e.Log.Error("hold release failed", "trip_id", tripID, "error", err)
	}
	observability.TripsCancelled.Inc()
	e.Log.Info("trip cancelled", "trip_id", tripID, "actor", actor, "reason", reason)

	ev := notify.Event{
		Type:   notify.EventTripCancelled,
		TripID: tripID,
		Data:   map[string]any{"actor": actor, "reason": reason},
	}
	e.Events.Publish(trip.RequesterID, ev)
	if trip.WorkerID != nil {
		e.Events.Publish(*trip.WorkerID, ev)
	}
	return trip, nil
}

// Sweep periodically expires overdue pending offers store-wide, then
// rescues any searching trip left without a run. It backstops windows
// lost to a crashed instance; expiry and the rescue both go through
// conditional writes, so overlap with live runs is harmless.
func (e *Engine) Sweep(ctx context.Context) {
	ticker := time.NewTicker(e.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := e.Store.SweepExpiredOffers(ctx, now)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.Log.Error("offer sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				observability.OffersExpired.Add(float64(n))
				e.Log.Info("swept expired offers", "count", n)
			}
			e.reconcile(ctx, now)
		}
	}
}

// reconcile picks up searching trips nobody is driving: after a crash
// mid-dispatch the trip sits with every offer resolved and no goroutine
// waiting out a window. Resuming continues after the batches already on
// record, which at the escalation cap means cancel-and-refund. Trips
// younger than one offer window are skipped so a sibling instance
// between batches is not raced.
func (e *Engine) reconcile(ctx context.Context, now time.Time) {
	trips, err := e.Store.SearchingTrips(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.Log.Error("reconcile scan failed", "error", err)
		}
		return
	}
	for _, t := range trips {
		e.mu.Lock()
		live := e.running[t.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		if t.SearchingAt != nil && now.Sub(*t.SearchingAt) < e.Cfg.OfferWindow {
			continue
		}
		pending, err := e.Store.PendingOffersForTrip(ctx, t.ID)
		if err != nil || pending > 0 {
			continue
		}
		done, err := e.Store.MaxBatch(ctx, t.ID)
		if err != nil {
			continue
		}
		e.Log.Info("rescuing stranded trip", "trip_id", t.ID, "batches_done", done)
		e.dispatchFrom(ctx, t.ID, done)
	}
}

// Recover resumes matching for trips left searching by a previous
// process, picking up after the last batch already on record.
func (e *Engine) Recover(ctx context.Context) error {
	trips, err := e.Store.SearchingTrips(ctx)
	if err != nil {
		return err
	}
	for _, t := range trips {
		done, err := e.Store.MaxBatch(ctx, t.ID)
		if err != nil {
			return err
		}
		e.Log.Info("resuming dispatch", "trip_id", t.ID, "batches_done", done)
		e.dispatchFrom(ctx, t.ID, done)
	}
	return nil
}

// Wait blocks until every in-flight dispatch run has finished.
func (e *Engine) Wait() { e.wg.Wait() }
