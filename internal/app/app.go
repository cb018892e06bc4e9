package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"SubscriptionScanner/internal/analyzer"
	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/infrastructure/bus"
	"SubscriptionScanner/internal/infrastructure/ml"
	"SubscriptionScanner/internal/infrastructure/scheduler"
	"SubscriptionScanner/internal/infrastructure/storage"
	"SubscriptionScanner/internal/infrastructure/telegram"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/metrics"
	"SubscriptionScanner/internal/ports"
	"SubscriptionScanner/internal/usecase"
)

const (
	shutdownTimeout = 10 * time.Second
	tracerName      = "SubscriptionScanner/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	redis     *redis.Client
	ledger    ports.Ledger
	metrics   *metrics.Metrics
	pipeline  *usecase.Pipeline
	pool      *usecase.WorkerPool
	scheduler *usecase.Scheduler
	tracing   *sdktrace.TracerProvider
}

// New connects to the database and bus and builds the pipeline.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	publisher, redisClient, err := newPublisher(ctx, cfg, baseLogger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg.Tracing, baseLogger)
	if err != nil {
		_ = db.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	m := metrics.New()
	ledger := storage.NewPostgresLedger(db)
	gateway := analyzer.NewGateway(
		ml.NewClient(cfg.Analyzer.APIKey, nil),
		analyzer.PolicyFromConfig(cfg.Analyzer),
		baseLogger.With("component", "analyzer"),
		m,
	)

	pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
		Ledger:          ledger,
		Subscriptions:   storage.NewPostgresSubscriptions(db),
		Notifications:   storage.NewPostgresNotifications(db),
		Analyzer:        gateway,
		Publisher:       publisher,
		Topic:           cfg.Bus.Topic,
		DeadLetterTopic: cfg.Bus.DeadLetterTopic,
		Cadences:        Cadences(cfg.Pipeline),
		FailureCooldown: cfg.Pipeline.FailureCooldown,
		Concurrency:     cfg.Worker.Concurrency,
		Logger:          baseLogger.With("component", "pipeline"),
		Metrics:         m,
		Tracer:          tp.Tracer(tracerName),

		MaxConsecutiveFailures: cfg.Pipeline.MaxConsecutiveFailures,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = db.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	pool := usecase.NewWorkerPool(usecase.WorkerPoolConfig{
		Workers:      cfg.Worker.Workers,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		StaleAfter:   cfg.Worker.StaleAfter,
	}, pipeline, pipeline.Claims(), ledger, baseLogger.With("component", "worker"), m)

	var sched *usecase.Scheduler
	if cfg.Scheduler.CronExpression != "" {
		driver := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(), baseLogger.With("component", "cron"))
		sched = usecase.NewScheduler(driver, pool, baseLogger.With("component", "scheduler"))
	}

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		metrics:   m,
		pipeline:  pipeline,
		pool:      pool,
		scheduler: sched,
		tracing:   tp,
	}, nil
}

// Pipeline exposes the orchestrator for one-shot commands.
func (a *Application) Pipeline() *usecase.Pipeline {
	return a.pipeline
}

// Pool exposes the worker pool for drain commands.
func (a *Application) Pool() *usecase.WorkerPool {
	return a.pool
}

// Stats reports ledger record counts per status.
func (a *Application) Stats(ctx context.Context) (domain.LedgerStats, error) {
	return a.ledger.Stats(ctx)
}

// Run starts the polling loops, the cron trigger and the metrics endpoint and
// blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	g.Go(func() error {
		return a.pool.Run(ctx)
	})

	if addr := a.cfg.Metrics.Address; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("metrics endpoint listening", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.scheduler != nil {
		if stopErr := a.scheduler.Stop(shutdownCtx); stopErr != nil {
			a.logger.Warn("stop scheduler", "error", stopErr)
		}
	}
	if waitErr := a.pipeline.Wait(shutdownCtx); waitErr != nil {
		a.logger.Warn("background runs still in flight", "error", waitErr)
	}
	return err
}

// Close flushes pending spans and releases database and bus connections.
func (a *Application) Close() error {
	var errs []error
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.tracing.Shutdown(ctx))
		cancel()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func (a *Application) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Cadences overlays configured intervals on the built-in cadences.
func Cadences(cfg config.PipelineConfig) domain.Cadences {
	cadences := domain.DefaultCadences()
	for name, interval := range cfg.Cadences {
		if interval > 0 {
			cadences[domain.Frequency(strings.ToLower(name))] = interval
		}
	}
	return cadences
}

func newPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.Publisher, *redis.Client, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Bus.Backend)); backend {
	case "", config.BusRedis:
		client, err := bus.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("publishing to redis streams", "address", cfg.Redis.Address, "topic", cfg.Bus.Topic)
		return bus.NewRedisPublisher(client, cfg.Bus.StreamMaxLen), client, nil
	case config.BusTelegram:
		logger.Info("publishing to telegram", "chat_id", cfg.Telegram.ChatID)
		return telegram.NewNotifier(cfg.Telegram), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", backend)
	}
}
