package lifecycle

import (
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  models.TripStatus
		to    models.TripStatus
		valid bool
	}{
		{models.StatusPending, models.StatusSearching, true},
		{models.StatusPending, models.StatusScheduled, true},
		{models.StatusPending, models.StatusAssigned, false},
		{models.StatusScheduled, models.StatusSearching, true},
		{models.StatusScheduled, models.StatusInProgress, false},
		{models.StatusSearching, models.StatusAssigned, true},
		{models.StatusSearching, models.StatusCompleted, false},
		{models.StatusAssigned, models.StatusArrivedPickup, true},
		{models.StatusAssigned, models.StatusSearching, false},
		{models.StatusArrivedPickup, models.StatusInProgress, true},
		{models.StatusInProgress, models.StatusArrivedDropoff, true},
		{models.StatusInProgress, models.StatusCompleted, false},
		{models.StatusArrivedDropoff, models.StatusCompleted, true},
		// cancelled is reachable from every non-terminal state
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusScheduled, models.StatusCancelled, true},
		{models.StatusSearching, models.StatusCancelled, true},
		{models.StatusAssigned, models.StatusCancelled, true},
		{models.StatusArrivedPickup, models.StatusCancelled, true},
		{models.StatusInProgress, models.StatusCancelled, true},
		{models.StatusArrivedDropoff, models.StatusCancelled, true},
		// terminal states have no outgoing edges
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusSearching, false},
		{models.StatusCompleted, models.StatusSearching, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestEveryEdgeTargetsKnownStatus(t *testing.T) {
	known := map[models.TripStatus]bool{
		models.StatusPending: true, models.StatusScheduled: true, models.StatusSearching: true,
		models.StatusAssigned: true, models.StatusArrivedPickup: true, models.StatusInProgress: true,
		models.StatusArrivedDropoff: true, models.StatusCompleted: true, models.StatusCancelled: true,
	}
	for from, targets := range transitionMap {
		if !known[from] {
			t.Fatalf("unknown source status %q", from)
		}
		for _, to := range targets {
			if !known[to] {
				t.Fatalf("unknown target status %q in edges of %q", to, from)
			}
		}
	}
}
