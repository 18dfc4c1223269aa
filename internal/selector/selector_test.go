package selector

import (
	"context"
	"testing"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

type fakeGeo struct {
	lastRadius float64
	lastFilter geo.Filters
	hits       []geo.Nearby
}

func (f *fakeGeo) Report(ctx context.Context, loc models.WorkerLocation) error { return nil }

func (f *fakeGeo) Near(ctx context.Context, at models.Coord, radiusKm float64, filters geo.Filters, limit int) ([]geo.Nearby, error) {
	f.lastRadius = radiusKm
	f.lastFilter = filters
	return f.hits, nil
}

type fakeOffers struct {
	pending map[string]int
	offered map[string]bool
}

func (f *fakeOffers) PendingOfferCount(ctx context.Context, workerID string) (int, error) {
	return f.pending[workerID], nil
}

func (f *fakeOffers) OfferedWorkers(ctx context.Context, tripID string) (map[string]bool, error) {
	if f.offered == nil {
		return map[string]bool{}, nil
	}
	return f.offered, nil
}

func newSelector(g *fakeGeo, o *fakeOffers) *Selector {
	return &Selector{
		Geo:   g,
		Store: o,
		ETA:   &eta.Estimator{DefaultSpeedMps: 10},
		Cfg:   Config{BatchSize: 2, BaseRadiusKm: 3, RadiusMultiplier: 1.5, WorkerOfferCap: 2},
	}
}

func trip() *models.Trip {
	return &models.Trip{ID: "t1", VehicleType: models.VehicleEconomy, Pickup: models.Coord{Lat: 0, Lng: 0}}
}

func TestBatchSizeAndOrdering(t *testing.T) {
	g := &fakeGeo{hits: []geo.Nearby{
		{WorkerID: "w1", DistanceKm: 0.5},
		{WorkerID: "w2", DistanceKm: 1.0},
		{WorkerID: "w3", DistanceKm: 1.5},
	}}
	s := newSelector(g, &fakeOffers{})
	got, err := s.Batch(context.Background(), trip(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(got))
	}
	if got[0].WorkerID != "w1" || got[1].WorkerID != "w2" {
		t.Fatalf("wrong candidates: %v", got)
	}
}

func TestRadiusWidensPerEscalation(t *testing.T) {
	g := &fakeGeo{}
	s := newSelector(g, &fakeOffers{})
	if _, err := s.Batch(context.Background(), trip(), 0); err != nil {
		t.Fatal(err)
	}
	if g.lastRadius != 3 {
		t.Fatalf("tier 0 radius=%f, want 3", g.lastRadius)
	}
	if _, err := s.Batch(context.Background(), trip(), 2); err != nil {
		t.Fatal(err)
	}
	if g.lastRadius != 3*1.5*1.5 {
		t.Fatalf("tier 2 radius=%f, want %f", g.lastRadius, 3*1.5*1.5)
	}
}

func TestVehicleFilterRelaxesAtTierTwo(t *testing.T) {
	g := &fakeGeo{}
	s := newSelector(g, &fakeOffers{})
	if _, err := s.Batch(context.Background(), trip(), 1); err != nil {
		t.Fatal(err)
	}
	if g.lastFilter.VehicleType != models.VehicleEconomy {
		t.Fatalf("tier 1 should keep strict vehicle match, got %q", g.lastFilter.VehicleType)
	}
	if _, err := s.Batch(context.Background(), trip(), 2); err != nil {
		t.Fatal(err)
	}
	if g.lastFilter.VehicleType != "" {
		t.Fatalf("tier 2 should relax vehicle match, got %q", g.lastFilter.VehicleType)
	}
}

func TestOfferCapExcludesBusyWorkersUntilTierThree(t *testing.T) {
	g := &fakeGeo{hits: []geo.Nearby{
		{WorkerID: "busy", DistanceKm: 0.5},
		{WorkerID: "free", DistanceKm: 1.0},
	}}
	o := &fakeOffers{pending: map[string]int{"busy": 2}}
	s := newSelector(g, o)

	got, err := s.Batch(context.Background(), trip(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].WorkerID != "free" {
		t.Fatalf("expected only free worker at tier 0, got %v", got)
	}

	got, err = s.Batch(context.Background(), trip(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("tier 3 should ignore the offer cap, got %v", got)
	}
}

func TestAlreadyOfferedWorkersExcluded(t *testing.T) {
	g := &fakeGeo{hits: []geo.Nearby{
		{WorkerID: "w1", DistanceKm: 0.5},
		{WorkerID: "w2", DistanceKm: 1.0},
	}}
	o := &fakeOffers{offered: map[string]bool{"w1": true}}
	s := newSelector(g, o)
	got, err := s.Batch(context.Background(), trip(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].WorkerID != "w2" {
		t.Fatalf("expected w1 excluded, got %v", got)
	}
}
