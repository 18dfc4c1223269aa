package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/arbiter"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/httpapi"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/ledger"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/scheduler"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN unset, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	var registry geo.Registry
	if rdb != nil {
		registry = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, cfg.LivenessWindow, logger)
	} else {
		registry = geo.NewIndex(cfg.LivenessWindow)
	}

	wsReg := notify.NewRegistry(logger)
	if cfg.FCMEndpoint != "" {
		wsReg.Push = notify.NewFCMPush(cfg.FCMEndpoint, cfg.FCMKey)
	}
	var events notify.Publisher = wsReg
	if rdb != nil {
		bridge := notify.NewBridge(rdb, "trip-events", wsReg, logger)
		go bridge.Run(ctx)
		events = bridge
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	estimator := &eta.Estimator{
		Cache:           eta.NewCache(time.Minute),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	coordinator := &ledger.Coordinator{
		Store:    store,
		ETA:      estimator,
		Currency: cfg.Currency,
		Log:      logger,
	}
	if cfg.StripeKey != "" {
		coordinator.Cards = payments.NewStripeClient(cfg.StripeKey)
	}

	sel := &selector.Selector{
		Geo:   registry,
		Store: store,
		ETA:   estimator,
		Cfg: selector.Config{
			BatchSize:        cfg.BatchSize,
			BaseRadiusKm:     cfg.SearchRadiusKm,
			RadiusMultiplier: cfg.RadiusMultiplier,
			WorkerOfferCap:   cfg.WorkerOfferCap,
		},
	}

	engine := dispatch.NewEngine(store, sel, coordinator, events, dispatch.Config{
		OfferWindow:    cfg.OfferWindow,
		MaxEscalations: cfg.MaxEscalations,
		SweepInterval:  cfg.SweepInterval,
	}, logger)
	go engine.Sweep(ctx)
	if err := engine.Recover(ctx); err != nil {
		logger.Error("dispatch recovery failed", "error", err)
	}

	machine := lifecycle.NewMachine(store, logger)
	arb := arbiter.New(store, events, logger)

	trigger := scheduler.NewTrigger(store, machine, engine, cfg.SchedPollInterval, logger)
	go trigger.Run(ctx)

	api := httpapi.NewServer(ctx, store, coordinator, engine, arb, machine, wsReg, events, registry, kp, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	engine.Wait()
	wsReg.Close()
	logger.Info("stopped")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
