package notify

type EventType string

const (
	EventOfferCreated      EventType = "offer_created"
	EventTripAssigned      EventType = "trip_assigned"
	EventTripStatusChanged EventType = "trip_status_changed"
	EventTripCancelled     EventType = "trip_cancelled"
)

// Event is one realtime notification keyed by trip id. Delivery is
// best-effort and never transactional with the state change it reports.
type Event struct {
	Type   EventType      `json:"type"`
	TripID string         `json:"trip_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// Publisher fans an event out to every live connection of a user.
type Publisher interface {
	Publish(userID string, ev Event)
}
