package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trips created"})
	TripsScheduled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_scheduled_total", Help: "Future-dated trips created"})
	TripsMatched   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_matched_total", Help: "Trips bound to a worker"})
	TripsNoMatch   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_no_match_total", Help: "Trips cancelled after batch exhaustion"})
	TripsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Trips cancelled by an actor"})

	OffersSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_sent_total", Help: "Dispatch offers issued"})
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_expired_total", Help: "Offers that timed out"})
	AcceptRaceLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trip_dispatch", Name: "accept_race_lost_total", Help: "Accepts rejected because the trip was already bound or the offer resolved",
	})
	BatchesDispatched = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trip_dispatch", Name: "batches_per_trip", Help: "Escalation batches used before a trip resolved",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	HoldsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "holds_created_total", Help: "Fund holds created"})
	HoldsReleased = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "holds_released_total", Help: "Fund holds refunded"})
	HoldsSettled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "holds_settled_total", Help: "Fund holds converted to debits"})

	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "workers_online", Help: "Workers currently in the live index"})
	RegistryDegraded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "registry_degraded_total", Help: "Proximity queries served from the in-memory fallback"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_published_total", Help: "Realtime events fanned out"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_dropped_total", Help: "Realtime events with no reachable connection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
