package selector

import (
	"context"
	"math"

	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// OfferStore is the slice of the store the selector needs to exclude
// overloaded or already-contacted workers.
type OfferStore interface {
	PendingOfferCount(ctx context.Context, workerID string) (int, error)
	OfferedWorkers(ctx context.Context, tripID string) (map[string]bool, error)
}

type Config struct {
	BatchSize        int
	BaseRadiusKm     float64
	RadiusMultiplier float64
	WorkerOfferCap   int
}

// Selector computes the ordered candidate batch for one escalation
// tier. Tier t widens the search radius by multiplier^t; tier 2 relaxes
// the strict vehicle match, tier 3 drops the concurrent-offer cap.
type Selector struct {
	Geo   geo.Registry
	Store OfferStore
	ETA   *eta.Estimator
	Cfg   Config
}

const (
	tierRelaxVehicle = 2
	tierRelaxCap     = 3
	overfetch        = 3 // query extra hits to survive exclusion filters
)

func (s *Selector) Batch(ctx context.Context, trip *models.Trip, escalation int) ([]models.Candidate, error) {
	radius := s.Cfg.BaseRadiusKm * math.Pow(s.Cfg.RadiusMultiplier, float64(escalation))

	filters := geo.Filters{VehicleType: trip.VehicleType}
	if escalation >= tierRelaxVehicle {
		filters.VehicleType = ""
	}

	hits, err := s.Geo.Near(ctx, trip.Pickup, radius, filters, s.Cfg.BatchSize*overfetch)
	if err != nil {
		return nil, err
	}
	already, err := s.Store.OfferedWorkers(ctx, trip.ID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, s.Cfg.BatchSize)
	for _, h := range hits {
		if len(out) >= s.Cfg.BatchSize {
			break
		}
		if already[h.WorkerID] {
			continue
		}
		if escalation < tierRelaxCap && s.Cfg.WorkerOfferCap > 0 {
			n, err := s.Store.PendingOfferCount(ctx, h.WorkerID)
			if err != nil {
				return nil, err
			}
			if n >= s.Cfg.WorkerOfferCap {
				continue
			}
		}
		out = append(out, models.Candidate{
			WorkerID:   h.WorkerID,
			Loc:        h.Loc,
			DistanceKm: h.DistanceKm,
			EtaSeconds: s.ETA.Seconds(h.Loc, trip.Pickup),
		})
	}
	return out, nil
}
