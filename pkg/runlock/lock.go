// Package runlock enforces at most one active harvest run across processes.
//
// The lock is a Redis key set with NX and a TTL lease. Its value is a random
// token so only the holder can refresh or release it.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the run lock.
var (
	runLockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_run_lock_acquire_total",
		Help: "Run lock acquisition attempts by result",
	}, []string{"result"})

	runLockHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_run_lock_held",
		Help: "1 while this process holds the run lock",
	})
)

// DefaultKey is the Redis key of the harvest run lock.
const DefaultKey = "harvest:run_lock"

// ErrNotHeld is returned when refreshing or releasing a lock this process
// does not hold, e.g. after the lease expired.
var ErrNotHeld = errors.New("run lock not held")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshScript extends the lease only if the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a lease-based Redis lock. A Lock value guards one key and may be
// acquired again after release.
type Lock struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	token string
}

// New creates a lock on key with the given lease duration.
func New(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Lock {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lock{redis: client, key: key, ttl: ttl, logger: logger}
}

// Acquire tries to take the lock. It returns false without error when another
// holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return true, nil
	}

	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		runLockAcquireTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		runLockAcquireTotal.WithLabelValues("busy").Inc()
		l.logger.Info().Str("key", l.key).Msg("Run lock held elsewhere")
		return false, nil
	}

	l.token = token
	runLockAcquireTotal.WithLabelValues("acquired").Inc()
	runLockHeld.Set(1)
	l.logger.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("Run lock acquired")
	return true, nil
}

// Refresh extends the lease.
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrNotHeld
	}
	n, err := refreshScript.Run(ctx, l.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh run lock: %w", err)
	}
	if n == 0 {
		l.lost()
		return ErrNotHeld
	}
	return nil
}

// Release gives the lock up. Releasing a lock that expired returns ErrNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	l.lost()
	if n == 0 {
		return ErrNotHeld
	}
	l.logger.Debug().Str("key", l.key).Msg("Run lock released")
	return nil
}

// KeepAlive refreshes the lease every ttl/3 until ctx is done. It calls
// onLost and returns once the lease is gone (ErrNotHeld). Other refresh
// errors are logged and retried on the next tick.
func (l *Lock) KeepAlive(ctx context.Context, onLost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Refresh(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrNotHeld):
				l.logger.Warn().Err(err).Str("key", l.key).Msg("Run lock lease lost")
				if onLost != nil {
					onLost(err)
				}
				return
			default:
				l.logger.Warn().Err(err).Str("key", l.key).Msg("Run lock refresh failed, retrying on next tick")
			}
		}
	}
}

// Held reports whether this Lock currently believes it holds the lease.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != ""
}

// lost clears local state. Callers hold l.mu.
func (l *Lock) lost() {
	l.token = ""
	runLockHeld.Set(0)
}
