package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	"github.com/okian/skillmatch/internal/adapters/http/api"
	"github.com/okian/skillmatch/internal/adapters/http/swagger"
	"github.com/okian/skillmatch/internal/adapters/repository"
	app "github.com/okian/skillmatch/internal/app"
	"github.com/okian/skillmatch/internal/config"
	"github.com/okian/skillmatch/internal/scheduler"
	"github.com/okian/skillmatch/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 30 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		// The logger is not available yet.
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "skillmatch exited", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logger.Get()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	features, closeFeatures, err := openFeatureStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFeatures()

	scores, err := openScoreStore(ctx, cfg)
	if err != nil {
		return err
	}

	svcOpts, err := serviceOptions(cfg, log)
	if err != nil {
		_ = scores.Close()
		return err
	}
	svc := app.New(features, scores, svcOpts...)
	if err := svc.Start(ctx); err != nil {
		_ = scores.Close()
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, svc, cfg, log),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newMux registers the API reference and the business routes.
func newMux(ctx context.Context, svc *app.Service, cfg *config.Config, log logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc,
		api.WithTopKMax(cfg.TopKMax),
		api.WithLogger(log.Named("http")),
	).Register(ctx, mux)
	return mux
}

// openFeatureStore returns the configured feature store behind a circuit
// breaker and a func releasing it.
func openFeatureStore(ctx context.Context, cfg *config.Config, log logger.Logger) (featurestore.Reader, func(), error) {
	var (
		next    featurestore.Reader
		closeFn = func() {}
	)
	switch cfg.FeatureStore {
	case config.FeaturesPostgres:
		pg, err := featurestore.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		next = pg
		closeFn = func() { _ = pg.Close() }
	default:
		mem := featurestore.NewMemoryStore()
		if cfg.FeatureSeedFile != "" {
			n, err := featurestore.LoadSeedFile(ctx, cfg.FeatureSeedFile, mem)
			if err != nil {
				return nil, nil, err
			}
			log.Info(ctx, "feature store seeded",
				logger.String("file", cfg.FeatureSeedFile),
				logger.Int("entities", n))
		}
		next = mem
	}

	bc := featurestore.DefaultBreakerConfig()
	bc.FailureThreshold = cfg.BreakerFailureThreshold
	bc.Timeout = cfg.BreakerTimeout
	return featurestore.NewBreakerReader(next, bc, log.Named("feature-store")), closeFn, nil
}

// openScoreStore returns the configured score cache backend.
func openScoreStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.ScoreStore {
	case config.StoreBadger:
		return repository.OpenBadgerStore(cfg.BadgerPath)
	case config.StoreRedis:
		return repository.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, repository.WithPrefix(cfg.RedisPrefix))
	default:
		return repository.NewTreapStore(), nil
	}
}

func serviceOptions(cfg *config.Config, log logger.Logger) ([]app.Option, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return []app.Option{
		app.WithLogger(log),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.EventQueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithDefaultK(cfg.TopKDefault),
		app.WithCandidatePool(cfg.CandidatePoolSize),
		app.WithRecompute(cfg.RecomputeParallelism, cfg.RecomputeRatePerSec, cfg.UpsertBatchSize),
		app.WithJobHistory(cfg.JobHistorySize, cfg.JobRetention),
		app.WithInvalidationPolicy(app.Policy(cfg.InvalidationPolicy)),
		app.WithScoreMaxAge(cfg.ScoreMaxAge),
		app.WithScoreAdjustments(cfg.ScoreAdjustments),
		app.WithSchedule(scheduler.Config{
			Hour:     cfg.ScheduleHour,
			Minute:   cfg.ScheduleMinute,
			Location: loc,
			Enabled:  cfg.SchedulerEnabled,
		}),
		app.WithShutdownTimeout(cfg.ShutdownTimeout),
	}, nil
}

// startServiceMetricsUpdater refreshes queue and cache gauges until ctx ends.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// GetStats refreshes the gauges as a side effect.
			_ = svc.GetStats()
		}
	}
}
