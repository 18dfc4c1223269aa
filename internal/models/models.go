package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TripStatus string

const (
	StatusPending        TripStatus = "pending"
	StatusScheduled      TripStatus = "scheduled"
	StatusSearching      TripStatus = "searching"
	StatusAssigned       TripStatus = "assigned"
	StatusArrivedPickup  TripStatus = "arrived_pickup"
	StatusInProgress     TripStatus = "in_progress"
	StatusArrivedDropoff TripStatus = "arrived_dropoff"
	StatusCompleted      TripStatus = "completed"
	StatusCancelled      TripStatus = "cancelled"
)

// ActiveStatuses are the states in which a requester counts as having a
// trip in flight. A requester may hold at most one trip in this set.
var ActiveStatuses = []TripStatus{StatusSearching, StatusAssigned, StatusArrivedPickup, StatusInProgress, StatusArrivedDropoff}

func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s TripStatus) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PayCash   PaymentMethod = "cash"
	PayWallet PaymentMethod = "wallet"
	PayCard   PaymentMethod = "card"
)

const (
	VehicleEconomy = "economy"
	VehiclePremium = "premium"
	VehicleXL      = "xl"
)

type Trip struct {
	ID             string        `json:"id"`
	RequesterID    string        `json:"requester_id"`
	WorkerID       *string       `json:"worker_id,omitempty"`
	Status         TripStatus    `json:"status"`
	Pickup         Coord         `json:"pickup"`
	PickupAddress  string        `json:"pickup_address"`
	Dropoff        Coord         `json:"dropoff"`
	DropoffAddress string        `json:"dropoff_address"`
	VehicleType    string        `json:"vehicle_type"`
	EstimatedFare  int64         `json:"estimated_fare"` // minor units
	FinalFare      *int64        `json:"final_fare,omitempty"`
	Currency       string        `json:"currency"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	HoldID         *string       `json:"hold_id,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`

	SearchingAt *time.Time `json:"searching_at,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// DispatchOffer is one worker's time-bounded invitation to take a trip.
// At most one offer per trip ever reaches accepted.
type DispatchOffer struct {
	ID          string      `json:"id"`
	TripID      string      `json:"trip_id"`
	WorkerID    string      `json:"worker_id"`
	Status      OfferStatus `json:"status"`
	Batch       int         `json:"batch"`
	DistanceKm  float64     `json:"distance_km"`
	EtaSeconds  float64     `json:"eta_seconds"`
	SentAt      time.Time   `json:"sent_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

func (o *DispatchOffer) Resolved() bool { return o.Status != OfferPending }

// WorkerLocation is one sample of a worker's position report. Rows are
// append-only; the latest row per worker is the current location.
type WorkerLocation struct {
	WorkerID    string    `json:"worker_id"`
	Loc         Coord     `json:"loc"`
	Heading     float64   `json:"heading"`
	SpeedMps    float64   `json:"speed_mps"`
	AccuracyM   float64   `json:"accuracy_m"`
	Online      bool      `json:"online"`
	Available   bool      `json:"available"`
	VehicleType string    `json:"vehicle_type"`
	CapturedAt  time.Time `json:"captured_at"`
}

type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
	EntryHold   EntryType = "hold"
	EntryRefund EntryType = "refund"
)

const (
	EntryPosted = "posted"
	EntryVoid   = "void"
)

// LedgerEntry is an append-only wallet row. Available balance is
// sum(credit+refund) - sum(debit+hold) over posted entries. A hold is
// voided and replaced by a debit on completion, or neutralized by a
// refund row on cancellation.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	TripID    *string   `json:"trip_id,omitempty"`
	Type      EntryType `json:"type"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is a worker considered for a trip, ordered by distance.
type Candidate struct {
	WorkerID   string  `json:"worker_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
	EtaSeconds float64 `json:"eta_seconds"`
}

// StatusChange is one row of the immutable trip status history.
type StatusChange struct {
	TripID string     `json:"trip_id"`
	From   TripStatus `json:"from"`
	To     TripStatus `json:"to"`
	Actor  string     `json:"actor"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at"`
}
