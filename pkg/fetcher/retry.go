package fetcher

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	harvestRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	harvestRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Pause before a retry by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	harvestRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of fetches that exhausted their attempts by error class",
	}, []string{"error_class"})
)

// maxBackoffShift bounds the exponent so the shift cannot overflow.
const maxBackoffShift = 20

// retryState is the per-call retry bookkeeping threaded through the fetch loop.
// It is never shared between calls.
type retryState struct {
	attempt    int
	totalDelay time.Duration
	lastErr    error
	lastClass  ErrorClass
	lastStatus int
}

// fail records a failed attempt.
func (s *retryState) fail(class ErrorClass, status int, err error) {
	s.lastClass = class
	s.lastStatus = status
	s.lastErr = err
}

// nextDelay returns the pause before the attempt following a retryable
// failure: the fixed cooldown for throttling and server errors, exponential
// backoff with jitter for transport errors.
func (f *Fetcher) nextDelay(class ErrorClass, attempt int) time.Duration {
	if isCooldownClass(class) {
		return f.config.CooldownOnThrottle
	}
	return backoffFor(f.config.BackoffBase, f.config.MaxJitter, attempt)
}

// backoffFor returns base·2^attempt plus uniform jitter in [0, maxJitter].
func backoffFor(base, maxJitter time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	if shift < 0 {
		shift = 0
	}
	d := base << uint(shift)
	if maxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(maxJitter) + 1))
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
