// Command harvester refreshes locally stored upstream data for a catalog of
// identifiers, one bounded batch per run.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Sternrassler/catalog-harvester/internal/api"
	"github.com/Sternrassler/catalog-harvester/internal/config"
	"github.com/Sternrassler/catalog-harvester/pkg/fetcher"
	"github.com/Sternrassler/catalog-harvester/pkg/harvest"
	"github.com/Sternrassler/catalog-harvester/pkg/logging"
	"github.com/Sternrassler/catalog-harvester/pkg/ratelimit"
	"github.com/Sternrassler/catalog-harvester/pkg/runlock"
	"github.com/Sternrassler/catalog-harvester/pkg/storage/memstore"
	"github.com/Sternrassler/catalog-harvester/pkg/storage/mongostore"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

var (
	errRunInProgress = errors.New("a run is already in progress")
	errRunLocked     = errors.New("run lock is held by another process")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if errors.Is(err, config.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger("harvester")
	logger.Info().
		Str("version", cfg.Version).
		Str("store", cfg.Store).
		Int("max_batch_size", cfg.MaxBatchSize).
		Int("workers", cfg.Workers).
		Msg("Starting harvester")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.ListenAddr != "" {
		srv := a.startServer(ctx)
		defer shutdownServer(srv, logger)
	}

	if cfg.Schedule == "" {
		report, err := a.runGuarded(ctx)
		if errors.Is(err, errRunLocked) {
			logger.Warn().Msg("Another harvester holds the run lock, nothing to do")
			return nil
		}
		if err != nil {
			return err
		}
		return report.Err
	}
	return a.schedule(ctx, cfg.Schedule)
}

// app wires the configured components together.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	sink   harvest.Sink
	runner *harvest.Runner
	lock   *runlock.Lock
	checks map[string]api.Pinger

	closers []func()

	running atomic.Bool
	wg      sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.Pinger),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		a.checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		a.lock = runlock.New(redisClient, runlock.DefaultKey, cfg.RunLockTTL, logging.NewLogger("runlock"))
	}

	fcfg := cfg.FetcherConfig()
	if cfg.NeedsLimiter() {
		fcfg.Limiter = ratelimit.NewTracker(redisClient, cfg.LimiterConfig(), logging.NewLogger("ratelimit"))
	}
	f, err := fetcher.New(fcfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Store {
	case config.StoreMemory:
		a.sink = memstore.New()
	case config.StoreMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoConfig())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = store.Close(closeCtx)
		})
		a.checks["mongo"] = store
		a.sink = store
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	a.runner, err = harvest.New(cfg.HarvestConfig(), f, a.sink)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	a.wg.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// runGuarded runs one batch unless a run is already in progress in this
// process.
func (a *app) runGuarded(ctx context.Context) (*harvest.RunReport, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, errRunInProgress
	}
	defer a.running.Store(false)
	return a.harvestLocked(ctx)
}

// harvestLocked runs one batch, holding the shared run lock when Redis is
// configured. The run is cancelled if the lease is lost.
func (a *app) harvestLocked(ctx context.Context) (*harvest.RunReport, error) {
	if a.lock == nil {
		return a.runner.Run(ctx), nil
	}

	ok, err := a.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRunLocked
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.lock.Release(releaseCtx); err != nil && !errors.Is(err, runlock.ErrNotHeld) {
			a.logger.Warn().Err(err).Msg("Failed to release run lock")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.lock.KeepAlive(runCtx, func(err error) {
		a.logger.Error().Err(err).Msg("Run lock lost, cancelling run")
		cancel()
	})

	return a.runner.Run(runCtx), nil
}

// trigger starts a run in the background for the status API.
func (a *app) trigger(ctx context.Context) api.Trigger {
	return func() bool {
		if !a.running.CompareAndSwap(false, true) {
			return false
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.running.Store(false)
			if _, err := a.harvestLocked(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Triggered run did not start")
			}
		}()
		return true
	}
}

// schedule runs a batch on every cron tick until ctx is done.
func (a *app) schedule(ctx context.Context, spec string) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: a.logger}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl))

	if _, err := c.AddFunc(spec, func() { a.scheduledRun(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	c.Start()
	a.logger.Info().Str("schedule", spec).Msg("Scheduler started")

	<-ctx.Done()
	a.logger.Info().Msg("Stopping scheduler")
	<-c.Stop().Done()
	return nil
}

func (a *app) scheduledRun(ctx context.Context) {
	_, err := a.runGuarded(ctx)
	switch {
	case errors.Is(err, errRunInProgress):
		a.logger.Warn().Msg("Previous run still in progress, skipping tick")
	case errors.Is(err, errRunLocked):
		a.logger.Info().Msg("Run lock held elsewhere, skipping tick")
	case err != nil:
		a.logger.Error().Err(err).Msg("Scheduled run failed to start")
	}
}

func (a *app) startServer(ctx context.Context) *http.Server {
	server := api.NewServer(a.runner, a.checks, a.trigger(ctx), a.cfg.Version)
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("Status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Status API failed")
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Status API shutdown failed")
	}
}
