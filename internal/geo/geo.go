package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Filters narrow a proximity query. Zero values mean "any".
type Filters struct {
	VehicleType string
}

// Nearby is one proximity hit, ordered by distance ascending.
type Nearby struct {
	WorkerID   string
	Loc        models.Coord
	DistanceKm float64
}

// Registry ingests worker position reports and answers proximity
// queries. Only online+available workers with a report inside the
// liveness window appear in Near results.
type Registry interface {
	Report(ctx context.Context, loc models.WorkerLocation) error
	Near(ctx context.Context, at models.Coord, radiusKm float64, f Filters, limit int) ([]Nearby, error)
}

// Index is the in-memory registry. It backs local runs and serves as
// the degraded-mode fallback behind RedisGeo.
type Index struct {
	mu       sync.RWMutex
	workers  map[string]models.WorkerLocation
	liveness time.Duration
}

func NewIndex(liveness time.Duration) *Index {
	return &Index{workers: make(map[string]models.WorkerLocation), liveness: liveness}
}

func (g *Index) Report(ctx context.Context, loc models.WorkerLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}
	g.workers[loc.WorkerID] = loc

	live := 0
	cutoff := time.Now().Add(-g.liveness)
	for _, w := range g.workers {
		if w.Online && w.CapturedAt.After(cutoff) {
			live++
		}
	}
	observability.WorkersOnline.Set(float64(live))
	return nil
}

// naive scan; at fleet scale swap for geo-hash or H3 buckets
func (g *Index) Near(ctx context.Context, at models.Coord, radiusKm float64, f Filters, limit int) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := time.Now().Add(-g.liveness)
	arr := make([]Nearby, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.Online || !w.Available {
			continue
		}
		if w.CapturedAt.Before(cutoff) {
			continue // stale report, excluded even though the row exists
		}
		if f.VehicleType != "" && w.VehicleType != f.VehicleType {
			continue
		}
		distKm := Haversine(at.Lat, at.Lng, w.Loc.Lat, w.Loc.Lng) / 1000
		if distKm > radiusKm {
			continue
		}
		arr = append(arr, Nearby{WorkerID: w.WorkerID, Loc: w.Loc, DistanceKm: distKm})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
