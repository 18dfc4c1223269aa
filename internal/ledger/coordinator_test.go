package ledger

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

func newCoordinator(store storage.Store) *Coordinator {
	return &Coordinator{
		Store:    store,
		ETA:      &eta.Estimator{DefaultSpeedMps: 10},
		Currency: "USD",
		Log:      slog.Default(),
	}
}

func credit(t *testing.T, store storage.Store, account string, amount int64) {
	t.Helper()
	err := store.InsertLedgerEntry(context.Background(), &models.LedgerEntry{
		AccountID: account, Type: models.EntryCredit, Amount: amount, Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func draft(requester string) TripDraft {
	return TripDraft{
		RequesterID:   requester,
		Pickup:        models.Coord{Lat: 0, Lng: 0},
		Dropoff:       models.Coord{Lat: 0.05, Lng: 0}, // ~5.6km
		VehicleType:   models.VehicleEconomy,
		PaymentMethod: models.PayWallet,
	}
}

func TestCreateTripHoldsFunds(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 100000)
	c := newCoordinator(store)

	trip, err := c.CreateTrip(context.Background(), draft("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusSearching {
		t.Fatalf("status=%s, want searching", trip.Status)
	}
	if trip.HoldID == nil {
		t.Fatal("expected a hold for wallet payment")
	}
	balance, err := store.AvailableBalance(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100000-trip.EstimatedFare {
		t.Fatalf("balance=%d, want %d", balance, 100000-trip.EstimatedFare)
	}
}

func TestCreateTripInsufficientBalance(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 10) // far below any fare
	c := newCoordinator(store)

	_, err := c.CreateTrip(context.Background(), draft("u1"))
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("err=%v, want ErrInsufficientBalance", err)
	}
}

func TestCreateTripRejectsSecondActiveTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 1000000)
	c := newCoordinator(store)

	if _, err := c.CreateTrip(context.Background(), draft("u1")); err != nil {
		t.Fatal(err)
	}
	_, err := c.CreateTrip(context.Background(), draft("u1"))
	if !errors.Is(err, storage.ErrActiveTripExists) {
		t.Fatalf("err=%v, want ErrActiveTripExists", err)
	}
}

func TestCashTripNeedsNoBalance(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newCoordinator(store)
	d := draft("broke")
	d.PaymentMethod = models.PayCash

	trip, err := c.CreateTrip(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if trip.HoldID != nil {
		t.Fatal("cash trip must not create a hold")
	}
}

func TestScheduledTripEntersScheduledState(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 100000)
	c := newCoordinator(store)
	d := draft("u1")
	at := time.Now().Add(time.Hour)
	d.ScheduledAt = &at

	trip, err := c.CreateTrip(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusScheduled {
		t.Fatalf("status=%s, want scheduled", trip.Status)
	}
}

func TestReleaseRefundsHoldOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 100000)
	c := newCoordinator(store)
	trip, err := c.CreateTrip(context.Background(), draft("u1"))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Release(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	if err := c.Release(context.Background(), trip); err != nil {
		t.Fatal(err) // second release is a no-op
	}
	balance, _ := store.AvailableBalance(context.Background(), "u1")
	if balance != 100000 {
		t.Fatalf("balance=%d after refund, want full 100000", balance)
	}
}

func TestSettleConvertsHoldToDebit(t *testing.T) {
	store := storage.NewMemoryStore()
	credit(t, store, "u1", 100000)
	c := newCoordinator(store)
	trip, err := c.CreateTrip(context.Background(), draft("u1"))
	if err != nil {
		t.Fatal(err)
	}

	final := trip.EstimatedFare + 50
	if err := c.Settle(context.Background(), trip, final); err != nil {
		t.Fatal(err)
	}
	if err := c.Settle(context.Background(), trip, final); err != nil {
		t.Fatal(err) // idempotent
	}
	balance, _ := store.AvailableBalance(context.Background(), "u1")
	if balance != 100000-final {
		t.Fatalf("balance=%d after settle, want %d", balance, 100000-final)
	}
	got, err := store.GetTrip(context.Background(), trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FinalFare == nil || *got.FinalFare != final {
		t.Fatalf("final fare=%v, want %d persisted", got.FinalFare, final)
	}
}

func TestValidateDraft(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newCoordinator(store)

	bad := draft("u1")
	bad.Pickup.Lat = 91
	if _, err := c.CreateTrip(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err=%v, want ErrInvalidRequest for latitude", err)
	}

	bad = draft("u1")
	bad.VehicleType = "submarine"
	if _, err := c.CreateTrip(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err=%v, want ErrInvalidRequest for vehicle type", err)
	}

	bad = draft("")
	if _, err := c.CreateTrip(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err=%v, want ErrInvalidRequest for missing requester", err)
	}
}
