package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

// MemoryStore keeps everything behind one mutex. It implements the same
// conditional semantics as the SQL store so the accept-race and hold
// invariants can be exercised without postgres; it also backs local runs
// when PG_DSN is unset.
type MemoryStore struct {
	mu        sync.Mutex
	trips     map[string]*models.Trip
	offers    map[string][]*models.DispatchOffer // keyed by trip id
	ledger    []*models.LedgerEntry
	locations map[string][]*models.WorkerLocation
	history   map[string][]models.StatusChange
	tokens    map[string]string // token -> trip id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]*models.Trip),
		offers:    make(map[string][]*models.DispatchOffer),
		locations: make(map[string][]*models.WorkerLocation),
		history:   make(map[string][]models.StatusChange),
		tokens:    make(map[string]string),
	}
}

func (m *MemoryStore) CreateTripWithHold(ctx context.Context, trip *models.Trip, holdRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.trips {
		if t.RequesterID == trip.RequesterID && t.Status.Active() {
			return ErrActiveTripExists
		}
	}
	if trip.PaymentMethod != models.PayCash {
		if m.balanceLocked(trip.RequesterID) < trip.EstimatedFare {
			return ErrInsufficientBalance
		}
	}

	now := time.Now().UTC()
	if trip.ID == "" {
		trip.ID = uuid.NewString()
	}
	trip.CreatedAt = now
	trip.UpdatedAt = now
	if trip.Status == models.StatusSearching {
		trip.SearchingAt = &now
	}

	if trip.PaymentMethod != models.PayCash {
		hold := &models.LedgerEntry{
			ID:        uuid.NewString(),
			AccountID: trip.RequesterID,
			TripID:    &trip.ID,
			Type:      models.EntryHold,
			Amount:    trip.EstimatedFare,
			Currency:  trip.Currency,
			Status:    models.EntryPosted,
			Reference: holdRef,
			CreatedAt: now,
		}
		m.ledger = append(m.ledger, hold)
		trip.HoldID = &hold.ID
	}

	m.trips[trip.ID] = copyTrip(trip)
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) TransitionTrip(ctx context.Context, id string, from, to models.TripStatus, actor, note string, at time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	if t.Status != from {
		return nil, ErrConflict
	}
	t.Status = to
	milestone(t, to, at)
	m.history[id] = append(m.history[id], models.StatusChange{TripID: id, From: from, To: to, Actor: actor, Note: note, At: at})
	return copyTrip(t), nil
}

func (m *MemoryStore) CancelTrip(ctx context.Context, id, actor, reason string, at time.Time) (*models.Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, false, ErrTripNotFound
	}
	if t.Status.Terminal() {
		return copyTrip(t), false, nil
	}
	from := t.Status
	t.Status = models.StatusCancelled
	t.CancelReason = reason
	milestone(t, models.StatusCancelled, at)
	m.history[id] = append(m.history[id], models.StatusChange{TripID: id, From: from, To: models.StatusCancelled, Actor: actor, Note: reason, At: at})
	for _, o := range m.offers[id] {
		if o.Status == models.OfferPending {
			o.Status = models.OfferCancelled
			ts := at
			o.RespondedAt = &ts
		}
	}
	return copyTrip(t), true, nil
}

func (m *MemoryStore) AvailableBalance(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(accountID), nil
}

func (m *MemoryStore) balanceLocked(accountID string) int64 {
	var sum int64
	for _, e := range m.ledger {
		if e.AccountID != accountID || e.Status != models.EntryPosted {
			continue
		}
		switch e.Type {
		case models.EntryCredit, models.EntryRefund:
			sum += e.Amount
		case models.EntryDebit, models.EntryHold:
			sum -= e.Amount
		}
	}
	return sum
}

func (m *MemoryStore) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.EntryPosted
	}
	cp := *e
	m.ledger = append(m.ledger, &cp)
	return nil
}

func (m *MemoryStore) ConvertHoldToDebit(ctx context.Context, trip *models.Trip, finalFare int64) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold := m.holdLocked(trip.ID)
	if hold == nil {
		// Cash trip, nothing held; still record the settled fare.
		m.setFinalFareLocked(trip, finalFare)
		return nil, nil
	}
	if d := m.entryByRefLocked(hold.ID, models.EntryDebit); d != nil {
		return d, nil
	}
	hold.Status = models.EntryVoid
	m.setFinalFareLocked(trip, finalFare)
	debit := &models.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: hold.AccountID,
		TripID:    &trip.ID,
		Type:      models.EntryDebit,
		Amount:    finalFare,
		Currency:  hold.Currency,
		Status:    models.EntryPosted,
		Reference: hold.ID,
		CreatedAt: time.Now().UTC(),
	}
	m.ledger = append(m.ledger, debit)
	cp := *debit
	return &cp, nil
}

func (m *MemoryStore) setFinalFareLocked(trip *models.Trip, fare int64) {
	f := fare
	trip.FinalFare = &f
	if t, ok := m.trips[trip.ID]; ok {
		ff := fare
		t.FinalFare = &ff
		t.UpdatedAt = time.Now().UTC()
	}
}

func (m *MemoryStore) RefundHold(ctx context.Context, trip *models.Trip) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold := m.holdLocked(trip.ID)
	if hold == nil || hold.Status != models.EntryPosted {
		return nil, nil
	}
	if r := m.entryByRefLocked(hold.ID, models.EntryRefund); r != nil {
		return r, nil
	}
	refund := &models.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: hold.AccountID,
		TripID:    &trip.ID,
		Type:      models.EntryRefund,
		Amount:    hold.Amount,
		Currency:  hold.Currency,
		Status:    models.EntryPosted,
		Reference: hold.ID,
		CreatedAt: time.Now().UTC(),
	}
	m.ledger = append(m.ledger, refund)
	cp := *refund
	return &cp, nil
}

func (m *MemoryStore) HoldEntry(ctx context.Context, tripID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.holdLocked(tripID)
	if h == nil {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) holdLocked(tripID string) *models.LedgerEntry {
	for _, e := range m.ledger {
		if e.Type == models.EntryHold && e.TripID != nil && *e.TripID == tripID {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) entryByRefLocked(ref string, typ models.EntryType) *models.LedgerEntry {
	for _, e := range m.ledger {
		if e.Type == typ && e.Reference == ref {
			cp := *e
			return &cp
		}
	}
	return nil
}

func (m *MemoryStore) CreateOffers(ctx context.Context, offers []*models.DispatchOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		cp := *o
		m.offers[o.TripID] = append(m.offers[o.TripID], &cp)
	}
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, tripID, workerID string) (*models.DispatchOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offerLocked(tripID, workerID)
	if o == nil {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

// offerLocked returns the most recent offer for the worker on the trip;
// a worker can appear again in a later escalation batch.
func (m *MemoryStore) offerLocked(tripID, workerID string) *models.DispatchOffer {
	var found *models.DispatchOffer
	for _, o := range m.offers[tripID] {
		if o.WorkerID == workerID && (found == nil || o.Batch > found.Batch) {
			found = o
		}
	}
	return found
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, tripID, workerID string, at time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.offerLocked(tripID, workerID)
	if o == nil {
		return nil, ErrOfferNotFound
	}
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripNotFound
	}
	// Duplicate accept from the winner is a no-op success.
	if o.Status == models.OfferAccepted && t.WorkerID != nil && *t.WorkerID == workerID {
		return copyTrip(t), nil
	}
	if o.Status != models.OfferPending || at.After(o.ExpiresAt) {
		if t.WorkerID != nil {
			return nil, ErrAlreadyAssigned
		}
		return nil, ErrOfferExpired
	}
	if t.WorkerID != nil {
		return nil, ErrAlreadyAssigned
	}
	if t.Status != models.StatusSearching {
		return nil, ErrOfferExpired
	}

	ts := at
	o.Status = models.OfferAccepted
	o.RespondedAt = &ts
	w := workerID
	t.WorkerID = &w
	t.Status = models.StatusAssigned
	milestone(t, models.StatusAssigned, at)
	m.history[tripID] = append(m.history[tripID], models.StatusChange{TripID: tripID, From: models.StatusSearching, To: models.StatusAssigned, Actor: workerID, At: at})
	for _, other := range m.offers[tripID] {
		if other.Status == models.OfferPending {
			other.Status = models.OfferCancelled
			rt := at
			other.RespondedAt = &rt
		}
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) DeclineOffer(ctx context.Context, tripID, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offerLocked(tripID, workerID)
	if o == nil {
		return ErrOfferNotFound
	}
	if o.Status != models.OfferPending {
		return nil // already resolved, idempotent
	}
	ts := at
	o.Status = models.OfferDeclined
	o.RespondedAt = &ts
	return nil
}

func (m *MemoryStore) ExpireBatch(ctx context.Context, tripID string, batch int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers[tripID] {
		if o.Batch == batch && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
			ts := at
			o.RespondedAt = &ts
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SweepExpiredOffers(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, offers := range m.offers {
		for _, o := range offers {
			if o.Status == models.OfferPending && now.After(o.ExpiresAt) {
				o.Status = models.OfferExpired
				ts := now
				o.RespondedAt = &ts
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) PendingOfferCount(ctx context.Context, workerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, offers := range m.offers {
		for _, o := range offers {
			if o.WorkerID == workerID && o.Status == models.OfferPending {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) PendingOffersForTrip(ctx context.Context, tripID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers[tripID] {
		if o.Status == models.OfferPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) OfferedWorkers(ctx context.Context, tripID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, o := range m.offers[tripID] {
		out[o.WorkerID] = true
	}
	return out, nil
}

func (m *MemoryStore) SearchingTrips(ctx context.Context) ([]*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.Status == models.StatusSearching {
			out = append(out, copyTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MaxBatch(ctx context.Context, tripID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, o := range m.offers[tripID] {
		if o.Batch > max {
			max = o.Batch
		}
	}
	return max, nil
}

func (m *MemoryStore) DueScheduledTrips(ctx context.Context, now time.Time, limit int) ([]*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.Status == models.StatusScheduled && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			out = append(out, copyTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendLocation(ctx context.Context, loc *models.WorkerLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *loc
	if cp.CapturedAt.IsZero() {
		cp.CapturedAt = time.Now().UTC()
	}
	m.locations[loc.WorkerID] = append(m.locations[loc.WorkerID], &cp)
	return nil
}

func (m *MemoryStore) LatestLocation(ctx context.Context, workerID string) (*models.WorkerLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.locations[workerID]
	if len(rows) == 0 {
		return nil, nil
	}
	cp := *rows[len(rows)-1]
	return &cp, nil
}

func (m *MemoryStore) StatusHistory(ctx context.Context, tripID string) ([]models.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StatusChange, len(m.history[tripID]))
	copy(out, m.history[tripID])
	return out, nil
}

func (m *MemoryStore) CreateTrackingToken(ctx context.Context, tripID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[tripID]; !ok {
		return "", ErrTripNotFound
	}
	for tok, id := range m.tokens {
		if id == tripID {
			return tok, nil // one active token per trip
		}
	}
	tok := newToken()
	m.tokens[tok] = tripID
	return tok, nil
}

func (m *MemoryStore) TripByTrackingToken(ctx context.Context, token string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	return copyTrip(t), nil
}

func copyTrip(t *models.Trip) *models.Trip {
	cp := *t
	return &cp
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
