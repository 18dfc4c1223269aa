package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func creditAccount(t *testing.T, s *MemoryStore, account string, amount int64) {
	t.Helper()
	err := s.InsertLedgerEntry(context.Background(), &models.LedgerEntry{
		AccountID: account, Type: models.EntryCredit, Amount: amount, Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func walletTrip(requester string, fare int64) *models.Trip {
	return &models.Trip{
		RequesterID:   requester,
		Status:        models.StatusSearching,
		VehicleType:   models.VehicleEconomy,
		EstimatedFare: fare,
		Currency:      "USD",
		PaymentMethod: models.PayWallet,
	}
}

func TestCreateTripWithHoldReservesFunds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	creditAccount(t, s, "u1", 1000)

	trip := walletTrip("u1", 500)
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	if trip.ID == "" || trip.HoldID == nil {
		t.Fatalf("trip not filled in: id=%q hold=%v", trip.ID, trip.HoldID)
	}
	balance, _ := s.AvailableBalance(ctx, "u1")
	if balance != 500 {
		t.Fatalf("balance=%d, want 500", balance)
	}

	hold, err := s.HoldEntry(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if hold == nil || hold.Amount != 500 || hold.Status != models.EntryPosted {
		t.Fatalf("hold=%+v, want posted 500", hold)
	}
}

func TestCreateTripWithHoldRejectsWithoutTripOrHold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	creditAccount(t, s, "u1", 100)

	trip := walletTrip("u1", 500)
	err := s.CreateTripWithHold(ctx, trip, "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err=%v, want ErrInsufficientBalance", err)
	}
	// Rejection must leave neither a trip row nor a hold behind.
	if trip.ID != "" {
		if _, err := s.GetTrip(ctx, trip.ID); !errors.Is(err, ErrTripNotFound) {
			t.Fatal("trip row leaked on rejected create")
		}
	}
	balance, _ := s.AvailableBalance(ctx, "u1")
	if balance != 100 {
		t.Fatalf("balance=%d, want untouched 100", balance)
	}
}

func TestOneActiveTripPerRequester(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	creditAccount(t, s, "u1", 10000)

	if err := s.CreateTripWithHold(ctx, walletTrip("u1", 100), ""); err != nil {
		t.Fatal(err)
	}
	err := s.CreateTripWithHold(ctx, walletTrip("u1", 100), "")
	if !errors.Is(err, ErrActiveTripExists) {
		t.Fatalf("err=%v, want ErrActiveTripExists", err)
	}
}

func TestAcceptOfferRaceUniqueWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{RequesterID: "u1", Status: models.StatusSearching, PaymentMethod: models.PayCash}
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	workers := []string{"a", "b", "c", "d", "e"}
	var offers []*models.DispatchOffer
	for _, w := range workers {
		offers = append(offers, &models.DispatchOffer{
			TripID: trip.ID, WorkerID: w, Status: models.OfferPending,
			Batch: 1, SentAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
		})
	}
	if err := s.CreateOffers(ctx, offers); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			_, errs[i] = s.AcceptOffer(ctx, trip.ID, w, time.Now())
		}(i, w)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyAssigned) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners=%d, want 1", wins)
	}

	// Every non-winning offer was resolved, none left pending.
	for _, w := range workers {
		o, err := s.GetOffer(ctx, trip.ID, w)
		if err != nil {
			t.Fatal(err)
		}
		if o.Status == models.OfferPending {
			t.Fatalf("offer for %s left pending", w)
		}
	}
}

func TestSweepExpiredOffersIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{RequesterID: "u1", Status: models.StatusSearching, PaymentMethod: models.PayCash}
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	err := s.CreateOffers(ctx, []*models.DispatchOffer{{
		TripID: trip.ID, WorkerID: "w1", Status: models.OfferPending,
		Batch: 1, SentAt: time.Now().Add(-time.Minute), ExpiresAt: time.Now().Add(-time.Second),
	}})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepExpiredOffers(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("first sweep n=%d err=%v, want 1", n, err)
	}
	n, err = s.SweepExpiredOffers(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("second sweep n=%d err=%v, want 0", n, err)
	}
}

func TestConvertHoldToDebitVoidsHoldOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	creditAccount(t, s, "u1", 1000)
	trip := walletTrip("u1", 400)
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}

	debit, err := s.ConvertHoldToDebit(ctx, trip, 450)
	if err != nil || debit == nil {
		t.Fatalf("convert: %v %v", debit, err)
	}
	again, err := s.ConvertHoldToDebit(ctx, trip, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != debit.ID || again.Amount != 450 {
		t.Fatalf("second convert returned %+v, want original debit", again)
	}

	hold, _ := s.HoldEntry(ctx, trip.ID)
	if hold.Status != models.EntryVoid {
		t.Fatalf("hold status=%s, want void", hold.Status)
	}
	balance, _ := s.AvailableBalance(ctx, "u1")
	if balance != 1000-450 {
		t.Fatalf("balance=%d, want %d", balance, 1000-450)
	}
	got, _ := s.GetTrip(ctx, trip.ID)
	if got.FinalFare == nil || *got.FinalFare != 450 {
		t.Fatalf("final fare=%v, want 450 from the first settle", got.FinalFare)
	}
}

func TestRefundHoldNetsToZero(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	creditAccount(t, s, "u1", 1000)
	trip := walletTrip("u1", 400)
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}

	refund, err := s.RefundHold(ctx, trip)
	if err != nil || refund == nil {
		t.Fatalf("refund: %v %v", refund, err)
	}
	balance, _ := s.AvailableBalance(ctx, "u1")
	if balance != 1000 {
		t.Fatalf("balance=%d, want 1000 after refund", balance)
	}
}

func TestCancelTripResolvesPendingOffers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{RequesterID: "u1", Status: models.StatusSearching, PaymentMethod: models.PayCash}
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	err := s.CreateOffers(ctx, []*models.DispatchOffer{{
		TripID: trip.ID, WorkerID: "w1", Status: models.OfferPending,
		Batch: 1, SentAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}})
	if err != nil {
		t.Fatal(err)
	}

	_, did, err := s.CancelTrip(ctx, trip.ID, "u1", "no longer needed", time.Now())
	if err != nil || !did {
		t.Fatalf("cancel: did=%v err=%v", did, err)
	}
	o, _ := s.GetOffer(ctx, trip.ID, "w1")
	if o.Status != models.OfferCancelled {
		t.Fatalf("offer status=%s, want cancelled", o.Status)
	}

	// Repeat cancel reports it did nothing.
	_, did, err = s.CancelTrip(ctx, trip.ID, "u1", "again", time.Now())
	if err != nil || did {
		t.Fatalf("second cancel: did=%v err=%v, want no-op", did, err)
	}
}

func TestTrackingTokenReused(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{RequesterID: "u1", Status: models.StatusSearching, PaymentMethod: models.PayCash}
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}

	tok1, err := s.CreateTrackingToken(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := s.CreateTrackingToken(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Fatalf("tokens differ: %s vs %s", tok1, tok2)
	}
	got, err := s.TripByTrackingToken(ctx, tok1)
	if err != nil || got.ID != trip.ID {
		t.Fatalf("lookup: %v %v", got, err)
	}
	if _, err := s.TripByTrackingToken(ctx, "nope"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err=%v, want ErrTokenNotFound", err)
	}
}

func TestDeclineLatestBatchOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{RequesterID: "u1", Status: models.StatusSearching, PaymentMethod: models.PayCash}
	if err := s.CreateTripWithHold(ctx, trip, ""); err != nil {
		t.Fatal(err)
	}
	// Same worker appears in two escalation batches.
	err := s.CreateOffers(ctx, []*models.DispatchOffer{
		{TripID: trip.ID, WorkerID: "w1", Status: models.OfferExpired, Batch: 1, SentAt: time.Now(), ExpiresAt: time.Now()},
		{TripID: trip.ID, WorkerID: "w1", Status: models.OfferPending, Batch: 2, SentAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeclineOffer(ctx, trip.ID, "w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	o, _ := s.GetOffer(ctx, trip.ID, "w1")
	if o.Batch != 2 || o.Status != models.OfferDeclined {
		t.Fatalf("latest offer=%+v, want batch 2 declined", o)
	}
}
