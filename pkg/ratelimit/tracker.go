package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request gating.
var (
	harvestThrottleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_throttle_events_total",
		Help: "Total number of throttle signals recorded by the rate limiter",
	})

	harvestCooldownWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_cooldown_waits_total",
		Help: "Total number of requests held back by an active throttle cooldown",
	})

	harvestLimiterInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_limiter_in_flight",
		Help: "Upstream requests currently holding a limiter slot",
	})

	harvestLimiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_limiter_wait_seconds",
		Help:    "Time spent waiting for the rate limiter before a request",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	})
)

// markThrottledScript extends the shared cooldown only forward and bumps the
// throttle counter atomically.
var markThrottledScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
local n = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[3], ARGV[3])
return n
`)

// Config holds limiter settings.
type Config struct {
	// RequestsPerSecond caps the aggregate request rate of this process.
	// Zero or less disables the token bucket.
	RequestsPerSecond float64

	// Burst is the token bucket size (default 1).
	Burst int

	// MaxInFlight caps concurrent requests between Acquire and release
	// (default DefaultMaxInFlight).
	MaxInFlight int
}

// DefaultMaxInFlight is the in-flight cap used when Config.MaxInFlight is unset.
const DefaultMaxInFlight = 4

// Tracker gates requests with a token bucket and a shared throttle cooldown.
// The Redis client is optional; without it the cooldown is process-local.
type Tracker struct {
	redis   *redis.Client
	limiter *rate.Limiter
	slots   chan struct{}
	logger  zerolog.Logger

	mu    sync.Mutex
	local RateLimitState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new tracker.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	t := &Tracker{
		redis:  redisClient,
		slots:  make(chan struct{}, maxInFlight),
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return t
}

// Bounded reports whether the tracker paces requests with a token bucket.
func (t *Tracker) Bounded() bool {
	return t.limiter != nil
}

// MaxInFlight returns the concurrent request cap.
func (t *Tracker) MaxInFlight() int {
	return cap(t.slots)
}

// Acquire takes an in-flight slot and then waits like Wait. The returned
// release frees the slot and is safe to call more than once.
func (t *Tracker) Acquire(ctx context.Context) (func(), error) {
	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	harvestLimiterInFlight.Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			harvestLimiterInFlight.Dec()
			<-t.slots
		})
	}

	if err := t.Wait(ctx); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// GetState returns the current throttle state, from Redis when configured.
// Returns a zero state (no cooldown) if nothing was recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		s := t.local
		return &s, nil
	}

	vals, err := t.redis.MGet(ctx, RedisKeyCooldownUntil, RedisKeyThrottleCount, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := &RateLimitState{}
	if ms, ok, err := parseInt(vals[0]); err != nil {
		return nil, fmt.Errorf("parse cooldown until: %w", err)
	} else if ok {
		state.CooldownUntil = time.UnixMilli(ms)
	}
	if n, ok, err := parseInt(vals[1]); err != nil {
		return nil, fmt.Errorf("parse throttle count: %w", err)
	} else if ok {
		state.ThrottleCount = int(n)
	}
	if ms, ok, err := parseInt(vals[2]); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	} else if ok {
		state.LastUpdate = time.UnixMilli(ms)
	}

	return state, nil
}

// MarkThrottled records a throttle signal and holds every caller of Wait
// back for cooldown.
func (t *Tracker) MarkThrottled(ctx context.Context, cooldown time.Duration) error {
	now := t.now()
	until := now.Add(cooldown)

	t.mu.Lock()
	t.local.Extend(until)
	t.local.ThrottleCount++
	t.local.LastUpdate = now
	t.mu.Unlock()

	harvestThrottleEventsTotal.Inc()

	t.logger.Warn().
		Dur("cooldown", cooldown).
		Time("cooldown_until", until).
		Msg("Upstream throttled - cooldown started")

	if t.redis == nil {
		return nil
	}

	ttl := cooldown.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	err := markThrottledScript.Run(ctx, t.redis,
		[]string{RedisKeyCooldownUntil, RedisKeyThrottleCount, RedisKeyLastUpdate},
		until.UnixMilli(), ttl, now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}

// Wait blocks until a request may be sent: it takes a token from the bucket
// and then waits out any active cooldown. A Redis failure degrades to the
// process-local cooldown instead of failing the request.
func (t *Tracker) Wait(ctx context.Context) error {
	start := t.now()
	defer func() {
		harvestLimiterWaitSeconds.Observe(t.now().Sub(start).Seconds())
	}()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Shared rate limit state unavailable, using local state")
		t.mu.Lock()
		s := t.local
		t.mu.Unlock()
		state = &s
	}

	now := t.now()
	if !state.InCooldown(now) {
		return nil
	}

	wait := state.TimeUntilResume(now)
	harvestCooldownWaitsTotal.Inc()
	t.logger.Debug().
		Dur("wait", wait).
		Int("throttle_count", state.ThrottleCount).
		Msg("Throttle cooldown active - holding request")

	return t.sleep(ctx, wait)
}

func parseInt(v any) (int64, bool, error) {
	if v == nil {
		return 0, false, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, false, errors.New("unexpected redis value type")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
