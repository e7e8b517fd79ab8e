package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/cache"
	"github.com/navid-fn/tickerhub/internal/hub"
	"github.com/navid-fn/tickerhub/internal/ingester"
	"github.com/navid-fn/tickerhub/internal/logger"
	"github.com/navid-fn/tickerhub/internal/publisher"
	"github.com/navid-fn/tickerhub/internal/registry"
	"github.com/navid-fn/tickerhub/internal/scheduler"
	"github.com/navid-fn/tickerhub/internal/server"
	"github.com/navid-fn/tickerhub/internal/storage"
	"github.com/navid-fn/tickerhub/internal/upstream"
)

func main() {
	cfg, err := configs.AppLoad()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := logger.New(cfg.LogLevel)
	gin.SetMode(cfg.HTTP.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to open store")
	}
	log.WithField("driver", cfg.Store.Driver).Info("Store ready")

	rc := cache.NewRedisCache(ctx, cfg.Redis, log)

	reg, err := registry.New(cfg.Symbols, cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to build symbol registry")
	}

	var opts []ingester.Option
	var sender *publisher.Sender
	if cfg.Kafka.Broker != "" {
		sender = publisher.NewSender(publisher.NewWriter(cfg.Kafka), log)
		opts = append(opts, ingester.WithPublisher(sender))
		log.WithField("topic", cfg.Kafka.Topic).Info("Kafka mirror enabled")
	}
	ing := ingester.New(store, rc, log, ingester.Config{FlushWorkers: cfg.Scheduler.FlushWorkers}, opts...)

	up := upstream.NewManager(cfg.Upstream, ing, log)
	tracker := registry.NewTracker(reg, ing, rc, up, log)

	symbols, err := tracker.Load(ctx, cfg.Symbols.StartupRetries, cfg.Symbols.StartupRetryDelay)
	if err != nil {
		log.WithError(err).Error("Could not read symbol registry, starting with no symbols")
	}
	if err := tracker.Apply(ctx, symbols); err != nil {
		log.WithError(err).Fatal("Failed to start upstream")
	}

	h := hub.New(rc, store, log, hub.ConfigFrom(cfg.Hub))

	sched := scheduler.New(ing, h, store, rc, log, cfg.Scheduler)
	if err := sched.RegisterAll(); err != nil {
		log.WithError(err).Fatal("Failed to register jobs")
	}
	sched.Start()

	router := server.NewRouter(&server.Config{
		StreamHandler:  server.NewStreamHandler(h, log),
		StatusHandler:  server.NewStatusHandler(h, up, ing, store, rc),
		SymbolsHandler: server.NewSymbolsHandler(tracker, log),
		Logger:         log,
	})
	srv := server.New(cfg.HTTP.Addr, router, log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run() }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	// stop intake first so the final flush sees every tick
	up.Stop()

	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	cancel()

	sched.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownFlushTimeout)
	report := ing.Flush(flushCtx)
	cancel()
	log.WithFields(logrus.Fields{
		"persisted": len(report.Persisted),
		"failed":    len(report.Failed),
	}).Info("Final flush complete")

	closeAll(log, rc, sender, store)
	log.Info("Shutdown complete")
}

func closeAll(log *logrus.Logger, rc *cache.RedisCache, sender *publisher.Sender, store storage.Storage) {
	if err := rc.Close(); err != nil {
		log.WithError(err).Warn("Failed to close cache")
	}
	if sender != nil {
		if err := sender.Close(); err != nil {
			log.WithError(err).Warn("Failed to close kafka writer")
		}
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
