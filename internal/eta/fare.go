package eta

import (
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
)

// Fare schedule in minor units: base + per-km + per-minute by vehicle
// class.
type fareRate struct {
	base   int64
	perKm  int64
	perMin int64
}

var fareRates = map[string]fareRate{
	models.VehicleEconomy: {base: 250, perKm: 120, perMin: 30},
	models.VehiclePremium: {base: 400, perKm: 180, perMin: 45},
	models.VehicleXL:      {base: 500, perKm: 220, perMin: 55},
}

// EstimateFare computes the estimated fare for a trip leg.
func EstimateFare(vehicleType string, distanceM, durationSec float64) (int64, error) {
	rate, ok := fareRates[vehicleType]
	if !ok {
		return 0, fmt.Errorf("unknown vehicle type %q", vehicleType)
	}
	km := distanceM / 1000
	min := durationSec / 60
	return rate.base + int64(km*float64(rate.perKm)) + int64(min*float64(rate.perMin)), nil
}

func KnownVehicleType(v string) bool {
	_, ok := fareRates[v]
	return ok
}
