package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vidfriends/relationships/internal/config"
	"github.com/vidfriends/relationships/internal/db"
	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/events"
	"github.com/vidfriends/relationships/internal/handlers"
	"github.com/vidfriends/relationships/internal/metrics"
	"github.com/vidfriends/relationships/internal/middleware"
	"github.com/vidfriends/relationships/internal/relationships"
	"github.com/vidfriends/relationships/internal/storage"
	"github.com/vidfriends/relationships/internal/subscriptions"
)

const (
	sendBurst      = 5
	sendLimiterTTL = 10 * time.Minute
)

// runtime holds the long-lived collaborators shared by every subcommand.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	store     docstore.Store
	repo      *relationships.Repository
	locker    relationships.PairLocker
	publisher events.Publisher
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	reports   relationships.ReportStore
	health    handlers.HealthCheck
	closers   []func(context.Context) error
}

// buildRuntime opens the configured store, locker, event stream and report archive.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}
	rt.repo = relationships.NewRepository(rt.store)

	rt.locker = relationships.NewLocalLocker(0)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rt.locker = relationships.NewRedisLocker(client, cfg.LockTTL)
		rt.onClose(func(context.Context) error { return client.Close() })
		logger.Info("using redis pair locker")
	}

	rt.publisher = events.NopPublisher{}
	if cfg.KafkaBrokers != "" {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		rt.publisher = pub
		rt.onClose(func(context.Context) error { return pub.Close() })
		logger.Info("publishing relationship events", "topic", cfg.KafkaTopic)
	}

	rt.registry = prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = metrics.New(rt.registry)
	}

	if cfg.Reports.Enabled() {
		reports, err := storage.NewS3ReportStore(ctx, cfg.Reports)
		if err != nil {
			return nil, err
		}
		rt.reports = reports
	}

	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch rt.cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, rt.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		rt.store = docstore.NewPostgresStore(pool, docstore.PostgresOptions{Notify: true})
		rt.health = pool.Ping
		rt.onClose(func(context.Context) error { pool.Close(); return nil })
	case config.StoreMongo:
		client, database, err := docstore.ConnectMongo(ctx, rt.cfg.MongoURI, rt.cfg.MongoDB)
		if err != nil {
			return err
		}
		rt.onClose(client.Disconnect)
		store := docstore.NewMongoStore(database)
		if err := store.EnsureUniqueIndex(ctx, relationships.KindRequests, relationships.RequestUniqueFields...); err != nil {
			return err
		}
		rt.store = store
		rt.health = func(ctx context.Context) error { return client.Ping(ctx, nil) }
	default:
		rt.store = docstore.NewMemoryStore(docstore.WithUniqueIndex(relationships.KindRequests, relationships.RequestUniqueFields...))
		rt.logger.Warn("using in-memory document store; state is lost on restart")
	}
	return nil
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases collaborators in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) newReconciler() *relationships.Reconciler {
	return relationships.NewReconciler(rt.repo, relationships.ReconcilerConfig{
		Locker:       rt.locker,
		Metrics:      rt.metrics,
		Reports:      rt.reports,
		WriteRetries: rt.cfg.WriteRetries,
		RetryBackoff: rt.cfg.RetryBackoff,
		Workers:      rt.cfg.RepairWorkers,
		QueueSize:    rt.cfg.RepairQueue,
		Logger:       rt.logger,
	})
}

func (rt *runtime) newService(repairs relationships.RepairQueue) *relationships.Service {
	return relationships.NewService(rt.repo, relationships.Options{
		Locker:       rt.locker,
		Publisher:    rt.publisher,
		Metrics:      rt.metrics,
		Repairs:      repairs,
		WriteRetries: rt.cfg.WriteRetries,
		RetryBackoff: rt.cfg.RetryBackoff,
	})
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(rt *runtime, svc *relationships.Service, rec *relationships.Reconciler) handlers.Dependencies {
	deps := handlers.Dependencies{
		Relationships: svc,
		Reconciler:    rec,
		Feeds:         subscriptions.NewHub(rt.store, rt.metrics),
		SendLimiter:   middleware.NewKeyedRateLimiter(rt.cfg.SendRatePerMinute, time.Minute, sendBurst, sendLimiterTTL),
		HealthCheck:   rt.health,
	}
	if rt.cfg.MetricsEnabled {
		deps.Metrics = promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry})
	}
	return deps
}
