package lifecycle

import "github.com/example/trip-dispatch/internal/models"

// transitionMap is the closed set of legal trip status edges. Anything
// not listed is rejected with ErrInvalidTransition.
var transitionMap = map[models.TripStatus][]models.TripStatus{
	models.StatusPending:        {models.StatusSearching, models.StatusScheduled, models.StatusCancelled},
	models.StatusScheduled:      {models.StatusSearching, models.StatusCancelled},
	models.StatusSearching:      {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:       {models.StatusArrivedPickup, models.StatusCancelled},
	models.StatusArrivedPickup:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusArrivedDropoff, models.StatusCancelled},
	models.StatusArrivedDropoff: {models.StatusCompleted, models.StatusCancelled},
}

func ValidTransition(from, to models.TripStatus) bool {
	for _, allowed := range transitionMap[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
