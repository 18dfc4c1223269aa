package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]notify.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]notify.Event)}
}

func (p *recordingPublisher) Publish(userID string, ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[userID] = append(p.events[userID], ev)
}

func (p *recordingPublisher) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[userID])
}

func seedSearchingTrip(t *testing.T, store *storage.MemoryStore, workers ...string) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip := &models.Trip{
		RequesterID:   "rider-1",
		Status:        models.StatusSearching,
		VehicleType:   models.VehicleEconomy,
		PaymentMethod: models.PayCash,
	}
	if err := store.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	var offers []*models.DispatchOffer
	for _, w := range workers {
		offers = append(offers, &models.DispatchOffer{
			TripID:    trip.ID,
			WorkerID:  w,
			Status:    models.OfferPending,
			Batch:     1,
			SentAt:    time.Now(),
			ExpiresAt: time.Now().Add(20 * time.Second),
		})
	}
	if err := store.CreateOffers(ctx, offers); err != nil {
		t.Fatal(err)
	}
	return trip
}

func TestAcceptBindsWorker(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := newRecordingPublisher()
	a := New(store, pub, slog.Default())
	trip := seedSearchingTrip(t, store, "w1", "w2")

	got, err := a.Respond(context.Background(), trip.ID, "w1", DecisionAccept, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAssigned {
		t.Fatalf("status=%s, want assigned", got.Status)
	}
	if got.WorkerID == nil || *got.WorkerID != "w1" {
		t.Fatalf("worker=%v, want w1", got.WorkerID)
	}

	// Both parties hear about the assignment.
	if pub.count("rider-1") != 1 || pub.count("w1") != 1 {
		t.Fatalf("rider events=%d worker events=%d, want 1 each", pub.count("rider-1"), pub.count("w1"))
	}

	// The loser's offer is cancelled, not left pending.
	other, err := store.GetOffer(context.Background(), trip.ID, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if other.Status != models.OfferCancelled {
		t.Fatalf("other offer status=%s, want cancelled", other.Status)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	workers := []string{"w1", "w2", "w3", "w4"}
	trip := seedSearchingTrip(t, store, workers...)

	var wg sync.WaitGroup
	results := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			_, results[i] = a.Respond(context.Background(), trip.ID, w, DecisionAccept, "")
		}(i, w)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, storage.ErrAlreadyAssigned) {
			t.Fatalf("worker %s: err=%v, want ErrAlreadyAssigned", workers[i], err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners=%d, want exactly 1", wins)
	}

	got, err := store.GetTrip(context.Background(), trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAssigned || got.WorkerID == nil {
		t.Fatalf("trip not bound after race: status=%s worker=%v", got.Status, got.WorkerID)
	}
}

func TestDuplicateAcceptFromWinnerIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	trip := seedSearchingTrip(t, store, "w1")

	if _, err := a.Respond(context.Background(), trip.ID, "w1", DecisionAccept, ""); err != nil {
		t.Fatal(err)
	}
	got, err := a.Respond(context.Background(), trip.ID, "w1", DecisionAccept, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID == nil || *got.WorkerID != "w1" {
		t.Fatalf("worker=%v after duplicate accept, want w1", got.WorkerID)
	}
}

func TestLateAcceptAfterExpiry(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	ctx := context.Background()
	trip := seedSearchingTrip(t, store, "w1")

	// Window elapses before the worker responds.
	if _, err := store.ExpireBatch(ctx, trip.ID, 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	_, err := a.Respond(ctx, trip.ID, "w1", DecisionAccept, "")
	if !errors.Is(err, storage.ErrOfferExpired) {
		t.Fatalf("err=%v, want ErrOfferExpired", err)
	}
}

func TestDeclineResolvesOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	ctx := context.Background()
	trip := seedSearchingTrip(t, store, "w1")

	if _, err := a.Respond(ctx, trip.ID, "w1", DecisionDecline, "too far"); err != nil {
		t.Fatal(err)
	}
	o, err := store.GetOffer(ctx, trip.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OfferDeclined {
		t.Fatalf("offer status=%s, want declined", o.Status)
	}

	// Declined workers cannot change their mind.
	_, err = a.Respond(ctx, trip.ID, "w1", DecisionAccept, "")
	if !errors.Is(err, storage.ErrOfferExpired) {
		t.Fatalf("accept after decline: err=%v, want ErrOfferExpired", err)
	}
}

func TestRespondUnknownDecision(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	trip := seedSearchingTrip(t, store, "w1")

	_, err := a.Respond(context.Background(), trip.ID, "w1", Decision("maybe"), "")
	if !errors.Is(err, ErrUnknownDecision) {
		t.Fatalf("err=%v, want ErrUnknownDecision", err)
	}
}

func TestRespondNoOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, newRecordingPublisher(), slog.Default())
	trip := seedSearchingTrip(t, store, "w1")

	_, err := a.Respond(context.Background(), trip.ID, "stranger", DecisionAccept, "")
	if !errors.Is(err, storage.ErrOfferNotFound) {
		t.Fatalf("err=%v, want ErrOfferNotFound", err)
	}
}
