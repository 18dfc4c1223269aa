package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locations_messages_consumed_total",
		Help: "Worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locations_messages_invalid_total",
		Help: "Messages that failed to decode",
	})
	registryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locations_registry_updates_total",
		Help: "Successful registry updates",
	})
	registryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locations_registry_errors_total",
		Help: "Registry updates that exhausted retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, registryUpdates, registryErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "trip-dispatch-locations"
	}

	var rdb *redis.Client
	var registry geo.Registry
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		registry = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, cfg.LivenessWindow, logger)
	} else {
		logger.Warn("REDIS_ADDR unset, updates stay process-local")
		registry = geo.NewIndex(cfg.LivenessWindow)
	}

	// Optional durable trail of raw samples.
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rdb != nil {
				if err := rdb.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	logger.Info("locations consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var loc models.WorkerLocation
		if err := json.Unmarshal(m.Value, &loc); err != nil || loc.WorkerID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}

		if err := updateWithRetry(ctx, registry, loc, 3, 200*time.Millisecond); err != nil {
			registryErrors.Inc()
			logger.Error("registry update failed", "worker_id", loc.WorkerID, "error", err)
			continue
		}
		registryUpdates.Inc()

		if store != nil {
			if err := store.AppendLocation(ctx, &loc); err != nil {
				logger.Warn("location append failed", "worker_id", loc.WorkerID, "error", err)
			}
		}
	}
}

// Reporter is the subset of the registry the consumer needs; tests use
// a fake.
type Reporter interface {
	Report(ctx context.Context, loc models.WorkerLocation) error
}

// updateWithRetry pushes one sample into the registry with bounded
// retry and doubling backoff.
func updateWithRetry(ctx context.Context, reg Reporter, loc models.WorkerLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.Report(ctx, loc); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || i == attempts-1 {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
