package storage

import "errors"

// Stable failure taxonomy surfaced to callers. Only ErrConflict is
// retryable.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrActiveTripExists    = errors.New("requester already has an active trip")
	ErrTripNotFound        = errors.New("trip not found")
	ErrOfferNotFound       = errors.New("offer not found")
	ErrOfferExpired        = errors.New("offer expired")
	ErrAlreadyAssigned     = errors.New("trip already assigned")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConflict            = errors.New("store conflict")
	ErrTokenNotFound       = errors.New("tracking token not found")
)
