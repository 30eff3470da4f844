// Package harvest drives one harvest run: it loads storage state, asks the
// scheduler for a batch, fetches every still-missing aspect of each selected
// identifier and writes the results to a Sink.
//
// A failure on one (identifier, aspect) is logged and recorded in the
// RunReport; it never aborts the run or affects other identifiers.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/fetcher"
	"github.com/Sternrassler/catalog-harvester/pkg/logging"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/Sternrassler/catalog-harvester/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for harvest runs.
var (
	harvestRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Total harvest runs by result",
	}, []string{"result"})

	harvestRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_run_duration_seconds",
		Help:    "Wall time of a harvest run",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	harvestBatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_batch_identifiers",
		Help: "Identifiers selected for the current run by tier",
	}, []string{"tier"})

	harvestIdentifiersProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_identifiers_processed_total",
		Help: "Total identifiers fully processed",
	})

	harvestAspectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_aspect_results_total",
		Help: "Aspect results by aspect and status",
	}, []string{"aspect", "status"})
)

// DefaultExcludePattern drops playtest placeholders from the universe.
const DefaultExcludePattern = `(?i)\bplaytest\b`

// ErrLimiterRequired is returned by New when identifiers would be processed
// in parallel without a shared limiter.
var ErrLimiterRequired = errors.New("workers > 1 requires a bounded shared limiter")

// ErrRunPanicked wraps a panic recovered outside identifier processing.
var ErrRunPanicked = errors.New("harvest run panicked")

// Fetcher is the upstream client used by a run. It is implemented by
// *fetcher.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) fetcher.Outcome
	Config() fetcher.Config
}

// Config holds the run configuration.
type Config struct {
	// Aspects are the tracked aspects in processing order.
	Aspects []model.AspectSpec

	// MaxBatchSize caps identifiers per run.
	MaxBatchSize int

	// ExcludePattern filters identifiers by name before scheduling.
	ExcludePattern string

	// MaxEmptyAttempts excludes identifiers whose no-data counter reached
	// it. Zero means unlimited.
	MaxEmptyAttempts int

	// Workers is the number of identifiers processed in parallel.
	Workers int

	// ConcurrentAspects fetches an identifier's aspects concurrently.
	ConcurrentAspects bool

	// Catalog, when set, is refreshed before scheduling.
	Catalog *model.CatalogSpec
}

// DefaultConfig returns the default run configuration for the given aspects.
func DefaultConfig(aspects []model.AspectSpec) Config {
	return Config{
		Aspects:        aspects,
		MaxBatchSize:   scheduler.DefaultMaxBatchSize,
		ExcludePattern: DefaultExcludePattern,
		Workers:        1,
	}
}

// Runner executes harvest runs. A Runner may be reused for consecutive runs
// but must not run concurrently with itself.
type Runner struct {
	config  Config
	fetcher Fetcher
	sink    Sink
	logger  zerolog.Logger
	now     func() time.Time
	tracked []model.Aspect

	current atomic.Pointer[RunReport]
}

// New creates a runner.
func New(cfg Config, f Fetcher, sink Sink) (*Runner, error) {
	if f == nil || sink == nil {
		return nil, errors.New("fetcher and sink are required")
	}
	if len(cfg.Aspects) == 0 {
		return nil, errors.New("at least one aspect is required")
	}
	seen := make(map[model.Aspect]bool, len(cfg.Aspects))
	tracked := make([]model.Aspect, 0, len(cfg.Aspects))
	for _, spec := range cfg.Aspects {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("aspect %s configured twice", spec.Name)
		}
		seen[spec.Name] = true
		tracked = append(tracked, spec.Name)
	}
	if cfg.ExcludePattern != "" {
		if _, err := regexp.Compile(cfg.ExcludePattern); err != nil {
			return nil, fmt.Errorf("exclude pattern: %w", err)
		}
	}
	if cfg.Catalog != nil {
		if err := cfg.Catalog.Validate(); err != nil {
			return nil, err
		}
		c := cfg.Catalog.WithDefaults()
		cfg.Catalog = &c
	}
	if cfg.MaxEmptyAttempts < 0 {
		return nil, fmt.Errorf("max_empty_attempts must be >= 0 (got %d)", cfg.MaxEmptyAttempts)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Workers > 1 {
		if lim := f.Config().Limiter; lim == nil || !lim.Bounded() {
			return nil, ErrLimiterRequired
		}
	}

	return &Runner{
		config:  cfg,
		fetcher: f,
		sink:    sink,
		logger:  log.With().Str("component", "harvest").Logger(),
		now:     time.Now,
		tracked: tracked,
	}, nil
}

// SetLogger replaces the component logger.
func (r *Runner) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Current returns the report of the run in progress, or of the last run.
// It is nil before the first run.
func (r *Runner) Current() *RunReport {
	return r.current.Load()
}

// Run executes one harvest run. It never returns an error or panics:
// setup failures are reported in RunReport.Err.
func (r *Runner) Run(ctx context.Context) *RunReport {
	report := newRunReport(r.now())
	r.current.Store(report)
	start := time.Now()

	logger := logging.WithRun(r.logger, report.ID)
	ctx = logging.WithContext(ctx, logger)

	aborted, err := r.runGuarded(ctx, report)
	report.finish(r.now(), aborted, err)

	result := "completed"
	switch {
	case err != nil:
		result = "error"
	case aborted:
		result = "aborted"
	}
	harvestRunsTotal.WithLabelValues(result).Inc()
	harvestRunDuration.Observe(time.Since(start).Seconds())

	summary := report.Snapshot()
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	logger.WithLevel(level).
		Err(err).
		Str("result", result).
		Int("batch_size", summary.BatchSize).
		Int("processed", summary.Totals.Processed).
		Int("stored", summary.Totals.Stored).
		Int("unchanged", summary.Totals.Unchanged).
		Int("empty", summary.Totals.Empty).
		Int("failed", summary.Totals.Failed).
		Dur("duration", time.Since(start)).
		Msg("Harvest run finished")

	return report
}

// runGuarded converts a panic outside the per-identifier guards into a run
// error.
func (r *Runner) runGuarded(ctx context.Context, report *RunReport) (aborted bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx, r.logger).Error().
				Interface("panic", p).
				Msg("Recovered panic during harvest run")
			aborted, err = false, fmt.Errorf("%w: %v", ErrRunPanicked, p)
		}
	}()
	return r.run(ctx, report)
}

func (r *Runner) run(ctx context.Context, report *RunReport) (aborted bool, err error) {
	logger := logging.FromContext(ctx, r.logger)

	if r.config.Catalog != nil {
		res, err := r.RefreshCatalog(ctx)
		if err != nil {
			res.Error = err.Error()
			logger.Warn().Err(err).Msg("Catalog refresh failed, continuing with known identifiers")
		}
		report.setCatalog(res)
	}

	batch, presence, err := r.plan(ctx)
	if err != nil {
		return false, err
	}
	report.setBatch(batch.Len(), batch.TierCounts)

	harvestBatchSize.Reset()
	for tier, n := range batch.TierCounts {
		harvestBatchSize.WithLabelValues(fmt.Sprint(tier)).Set(float64(n))
	}

	logger.Info().
		Int("batch_size", batch.Len()).
		Interface("tiers", batch.TierCounts).
		Int("workers", r.config.Workers).
		Bool("concurrent_aspects", r.config.ConcurrentAspects).
		Msg("Starting harvest run")

	handle := func(ctx context.Context, id model.ID) {
		tier, _ := batch.Tier(id)
		res := r.processIdentifier(ctx, id, tier, presence)
		report.add(res)
		harvestIdentifiersProcessed.Inc()
	}

	var processed int
	if r.config.Workers > 1 {
		processed = r.runPool(ctx, batch.IDs, handle)
	} else {
		for _, id := range batch.IDs {
			if ctx.Err() != nil {
				break
			}
			handle(ctx, id)
			processed++
		}
	}

	if processed < batch.Len() {
		logger.Warn().
			Int("processed", processed).
			Int("batch_size", batch.Len()).
			Msg("Harvest run aborted")
		return true, nil
	}
	return false, nil
}

// plan loads storage state and selects the batch. The returned presence has
// the no-data union applied to empty-marking aspects.
func (r *Runner) plan(ctx context.Context) (scheduler.Batch, model.Presence, error) {
	universe, err := r.sink.ListIdentifiers(ctx, r.config.ExcludePattern)
	if err != nil {
		return scheduler.Batch{}, nil, fmt.Errorf("list identifiers: %w", err)
	}

	noData, err := r.sink.ListPresent(ctx, model.AspectNoData)
	if err != nil {
		return scheduler.Batch{}, nil, fmt.Errorf("list present %s: %w", model.AspectNoData, err)
	}

	presence := make(model.Presence, len(r.config.Aspects))
	for _, spec := range r.config.Aspects {
		set, err := r.sink.ListPresent(ctx, spec.Name)
		if err != nil {
			return scheduler.Batch{}, nil, fmt.Errorf("list present %s: %w", spec.Name, err)
		}
		if spec.RecordEmpty {
			set = set.Union(noData)
		}
		presence[spec.Name] = set
	}

	var exclude model.IDSet
	if r.config.MaxEmptyAttempts > 0 {
		tries, err := r.sink.EmptyAttempts(ctx)
		if err != nil {
			return scheduler.Batch{}, nil, fmt.Errorf("empty attempts: %w", err)
		}
		exclude = model.NewIDSet()
		for id, n := range tries {
			if n >= r.config.MaxEmptyAttempts {
				exclude.Add(id)
			}
		}
		if len(exclude) > 0 {
			logging.FromContext(ctx, r.logger).Info().
				Int("excluded", len(exclude)).
				Int("max_empty_attempts", r.config.MaxEmptyAttempts).
				Msg("Skipping identifiers that repeatedly returned no data")
		}
	}

	batch := scheduler.SelectBatch(scheduler.Input{
		Universe:     universe,
		Presence:     presence,
		Tracked:      r.tracked,
		MaxBatchSize: r.config.MaxBatchSize,
		Exclude:      exclude,
	})
	return batch, presence, nil
}

// processIdentifier fetches the missing aspects of id, or every aspect when
// nothing is missing.
func (r *Runner) processIdentifier(ctx context.Context, id model.ID, tier int, presence model.Presence) (res IdentifierResult) {
	res = IdentifierResult{ID: id, Tier: tier}

	defer func() {
		if p := recover(); p != nil {
			logging.ForIdentifier(logging.FromContext(ctx, r.logger), id).Error().
				Interface("panic", p).
				Msg("Recovered panic while processing identifier")
			res.Aspects = append(res.Aspects, AspectResult{
				Status: StatusFailed,
				Error:  fmt.Sprintf("panic: %v", p),
			})
		}
	}()

	specs := r.aspectsToFetch(id, presence)
	results := make([]AspectResult, len(specs))

	if r.config.ConcurrentAspects && len(specs) > 1 {
		var g errgroup.Group
		for i, spec := range specs {
			g.Go(func() error {
				results[i] = r.processAspect(ctx, id, spec)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, spec := range specs {
			results[i] = r.processAspect(ctx, id, spec)
		}
	}

	res.Aspects = results
	return res
}

func (r *Runner) aspectsToFetch(id model.ID, presence model.Presence) []model.AspectSpec {
	var specs []model.AspectSpec
	for _, spec := range r.config.Aspects {
		if !presence.Has(spec.Name, id) {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return r.config.Aspects
	}
	return specs
}

// processAspect fetches one aspect and writes the outcome to the sink.
func (r *Runner) processAspect(ctx context.Context, id model.ID, spec model.AspectSpec) (res AspectResult) {
	res = AspectResult{Aspect: spec.Name}
	logger := logging.ForAspect(logging.FromContext(ctx, r.logger), id, spec.Name)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Recovered panic while processing aspect")
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		harvestAspectResults.WithLabelValues(string(spec.Name), string(res.Status)).Inc()
	}()

	url, params, dataPath := spec.Resolve(id)
	out := r.fetcher.Fetch(ctx, fetcher.Request{
		Endpoint: string(spec.Name),
		URL:      url,
		Params:   params,
		Kind:     spec.Kind,
		DataPath: dataPath,
	})
	res.Attempts = out.Attempts

	switch out.Kind {
	case fetcher.OutcomeSuccess:
		changed, err := r.sink.Upsert(ctx, id, spec.Name, out.Payload)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to store payload")
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("upsert: %v", err)
			return res
		}
		res.Status = StatusUnchanged
		if changed {
			res.Status = StatusStored
		}
		logger.Debug().Bool("changed", changed).Int("attempts", out.Attempts).Msg("Stored payload")

	case fetcher.OutcomeEmpty:
		res.Status = StatusEmpty
		if !spec.RecordEmpty {
			logger.Debug().Msg("Upstream has no data")
			return res
		}
		tries, err := r.sink.RecordEmptyAttempt(ctx, id)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record empty attempt")
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("record empty attempt: %v", err)
			return res
		}
		res.Tries = tries
		logger.Info().Int("tries", tries).Msg("Upstream has no data, recorded empty attempt")

	default:
		res.Status = StatusFailed
		if out.Err != nil {
			res.Error = out.Err.Error()
		}
		logger.Error().
			Err(out.Err).
			Int("attempts", out.Attempts).
			Int("status", out.StatusCode).
			Msg("Fetch failed, skipping aspect")
	}
	return res
}
