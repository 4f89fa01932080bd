package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-incidents/internal/analytics"
	"github.com/miradorstack/mirador-incidents/internal/api"
	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/config"
	"github.com/miradorstack/mirador-incidents/internal/correlation"
	"github.com/miradorstack/mirador-incidents/internal/incidents"
	"github.com/miradorstack/mirador-incidents/internal/ingest"
	"github.com/miradorstack/mirador-incidents/internal/locks"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/notify"
	"github.com/miradorstack/mirador-incidents/internal/rules"
	"github.com/miradorstack/mirador-incidents/internal/scheduler"
	"github.com/miradorstack/mirador-incidents/internal/services"
	"github.com/miradorstack/mirador-incidents/internal/sla"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-incidents", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	logs := store.NewMemoryLogStore(cfg.Store.MaxLogs)
	incidentStore := store.NewMemoryIncidentStore()
	if cfg.Store.SnapshotPath != "" {
		info, err := store.LoadSnapshot(cfg.Store.SnapshotPath, logs, incidentStore)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		logger.Info("snapshot restored", slog.Int("logs", info.Logs), slog.Int("incidents", info.Incidents))
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cfg.Cache.Valkey())
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	var locker locks.Locker = locks.NewKeyedMutex()
	if cfg.Locks.Distributed {
		locker = locks.Chain{
			locker,
			locks.NewCacheLocker(cacheProvider, cfg.Locks.Prefix, cfg.Locks.TTL, cfg.Locks.RetryInterval, logger),
		}
	}

	router, err := rules.NewRuleEngine(cfg.Incidents.RulesPath, logger)
	if err != nil {
		return fmt.Errorf("load routing rules: %w", err)
	}

	dispatcher, err := buildDispatcher(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	policy, err := cfg.Incidents.Policy()
	if err != nil {
		return err
	}
	monitor := sla.NewMonitor(policy)

	correlator := correlation.NewEngine(logger, incidentStore, monitor, correlation.Options{
		Locker:      locker,
		Router:      router,
		Publisher:   dispatcher,
		MaxRetries:  cfg.Incidents.MaxMergeRetries,
		MaxAffected: cfg.Incidents.MaxAffected,
	})
	manager := incidents.NewManager(logger, incidentStore, logs, incidents.Options{Locker: locker, Publisher: dispatcher})

	granularity, err := cfg.Analytics.Granularity()
	if err != nil {
		return err
	}
	location, err := cfg.Analytics.Location()
	if err != nil {
		return err
	}
	analyticsEngine := analytics.NewEngine(logger, logs, analytics.Options{
		Cache:              cacheProvider,
		CacheTTL:           cfg.Analytics.CacheTTL,
		Location:           location,
		DefaultGranularity: granularity,
	})

	resolver := scheduler.NewResolver(logger, incidentStore, monitor, scheduler.Options{
		Inactivity: cfg.Incidents.AutoResolveAfter,
		Interval:   cfg.Incidents.SweepInterval,
		Locker:     locker,
		Publisher:  dispatcher,
		Pruner:     logs,
		Retention:  cfg.Store.Retention,
	})

	ingestService := ingest.NewService(logger, logs, correlator)
	engineService := services.NewEngineService(logger, ingestService, manager, analyticsEngine, resolver, cfg.Store.OperationTimeout)

	server, err := api.NewServer(cfg.Server, engineService, logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		resolver.Run(ctx)
	}()

	var consumer *ingest.KafkaConsumer
	if kc := cfg.Ingest.Kafka; kc.Enabled {
		consumer = ingest.NewKafkaConsumer(logger, kc.Brokers, kc.Topic, kc.GroupID, ingestService)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	workers.Wait()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("kafka consumer close", slog.Any("error", err))
		}
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if cfg.Store.SnapshotPath != "" {
		info, err := store.SaveSnapshot(cfg.Store.SnapshotPath, logs, incidentStore)
		if err != nil {
			logger.Error("snapshot failed", slog.Any("error", err))
		} else {
			logger.Info("snapshot written", slog.Int("logs", info.Logs), slog.Int("incidents", info.Incidents))
		}
	}

	logger.Info("mirador-incidents stopped")
	return nil
}

func buildDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (*notify.Dispatcher, error) {
	var sinks []notify.Notifier
	if cfg.Kafka.Enabled {
		sinks = append(sinks, notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.NATS.Enabled {
		n, err := notify.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, n)
	}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Headers, cfg.Webhook.Timeout))
	}
	return notify.NewDispatcher(logger, cfg.Timeout, sinks...), nil
}
