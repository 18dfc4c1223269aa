package geo

import (
	"context"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func report(t *testing.T, idx *Index, id string, lat, lng float64, online, available bool, vehicle string, capturedAt time.Time) {
	t.Helper()
	err := idx.Report(context.Background(), models.WorkerLocation{
		WorkerID: id, Loc: models.Coord{Lat: lat, Lng: lng},
		Online: online, Available: available, VehicleType: vehicle, CapturedAt: capturedAt,
	})
	if err != nil {
		t.Fatalf("report %s: %v", id, err)
	}
}

func TestNearOrdersByDistanceAndFilters(t *testing.T) {
	idx := NewIndex(time.Minute)
	now := time.Now()
	report(t, idx, "far", 0.05, 0, true, true, models.VehicleEconomy, now)
	report(t, idx, "close", 0.01, 0, true, true, models.VehicleEconomy, now)
	report(t, idx, "offline", 0.001, 0, false, true, models.VehicleEconomy, now)
	report(t, idx, "busy", 0.001, 0, true, false, models.VehicleEconomy, now)
	report(t, idx, "xl", 0.001, 0, true, true, models.VehicleXL, now)

	got, err := idx.Near(context.Background(), models.Coord{}, 50, Filters{VehicleType: models.VehicleEconomy}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].WorkerID != "close" || got[1].WorkerID != "far" {
		t.Fatalf("wrong order: %v", got)
	}
}

func TestNearExcludesStaleReports(t *testing.T) {
	idx := NewIndex(time.Minute)
	report(t, idx, "stale", 0.01, 0, true, true, "", time.Now().Add(-2*time.Minute))
	report(t, idx, "fresh", 0.01, 0, true, true, "", time.Now())

	got, err := idx.Near(context.Background(), models.Coord{}, 50, Filters{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].WorkerID != "fresh" {
		t.Fatalf("expected only fresh worker, got %v", got)
	}
}

func TestNearRespectsRadiusAndLimit(t *testing.T) {
	idx := NewIndex(time.Minute)
	now := time.Now()
	report(t, idx, "a", 0.001, 0, true, true, "", now)
	report(t, idx, "b", 0.002, 0, true, true, "", now)
	report(t, idx, "c", 0.003, 0, true, true, "", now)
	report(t, idx, "outside", 1, 0, true, true, "", now) // ~111km away

	got, err := idx.Near(context.Background(), models.Coord{}, 5, Filters{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(got))
	}
	for _, n := range got {
		if n.WorkerID == "outside" {
			t.Fatal("worker outside radius returned")
		}
	}
}
