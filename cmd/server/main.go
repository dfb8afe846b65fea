package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/example/site-logistics/internal/config"
	"github.com/example/site-logistics/internal/delivery"
	"github.com/example/site-logistics/internal/dispatch"
	"github.com/example/site-logistics/internal/fleet"
	"github.com/example/site-logistics/internal/geo"
	"github.com/example/site-logistics/internal/geofence"
	httpapi "github.com/example/site-logistics/internal/http"
	"github.com/example/site-logistics/internal/ingest"
	"github.com/example/site-logistics/internal/logging"
	"github.com/example/site-logistics/internal/storage"
)

type closer interface{ Close() error }

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	health := map[string]httpapi.Pinger{}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN, logging.Component(logger, "postgres"))
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = ps
		closers = append(closers, ps)
		health["postgres"] = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoPrefix)
		locator = rg
		closers = append(closers, rg)
		health["redis"] = rg
	} else {
		locator = geo.NewIndex()
	}

	t := cfg.Tracking
	gcfg := geofence.Config{
		FarMiles:          t.FarMiles,
		NearMiles:         t.NearMiles,
		FinalMiles:        t.FinalMiles,
		ArrivalMiles:      t.ArrivalMiles,
		Retroactive:       t.RetroactiveAlerts,
		ArriveOnFinalTier: t.ArriveOnFinalTier,
	}
	if err := gcfg.Validate(); err != nil {
		logger.Error("invalid geofence configuration", "error", err)
		os.Exit(1)
	}

	room := dispatch.NewWarRoom(logging.Component(logger, "warroom"))
	hub := ingest.NewHub()
	tracker := &ingest.Tracker{
		Source:    hub,
		Store:     store,
		Evaluator: geofence.New(gcfg),
		Locator:   locator,
		Sink:      room,
		Logger:    logging.Component(logger, "tracker"),
		Watch: ingest.WatchOptions{
			HighAccuracy: t.HighAccuracy,
			Timeout:      t.SampleTimeout,
			MaxAge:       t.SampleMaxAge,
		},
		QueueSize: t.SampleQueue,
	}

	agg := fleet.NewAggregator(store, t.AssumedSpeedMph, logging.Component(logger, "fleet"))
	agg.Alerts = []fleet.AlertSink{room}
	agg.Boards = []fleet.BoardSink{room}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		tracker.Mirror = kp
		closers = append(closers, kp)
		if cfg.RedisAddr != "" {
			// the geo indexer consumer is the only writer of the redis index
			tracker.Locator = nil
		}

		ap := dispatch.NewKafkaAlertPublisher(cfg.KafkaBrokers, cfg.KafkaAlertsTopic, logging.Component(logger, "alerts"))
		agg.Alerts = append(agg.Alerts, ap)
		closers = append(closers, ap)
	}

	if cfg.AlertWebhookURL != "" {
		agg.Alerts = append(agg.Alerts, dispatch.NewWebhookAlertSink(cfg.AlertWebhookURL, logging.Component(logger, "webhook")))
	}

	svc := &delivery.Service{
		Store:    store,
		Watches:  tracker,
		SpeedMph: t.AssumedSpeedMph,
		Logger:   logging.Component(logger, "delivery"),
	}

	api := httpapi.NewServer(httpapi.Deps{
		Delivery: svc,
		Tracker:  tracker,
		Hub:      hub,
		Fleet:    agg,
		Locator:  locator,
		WarRoom:  room,
		Health:   health,
	}, logging.Component(logger, "http"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("site-logistics listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	tracker.Close()
	agg.Close()
	shutdownClosers(logger, closers)
	logger.Info("shutdown complete")
}

func shutdownClosers(logger *slog.Logger, closers []closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}
