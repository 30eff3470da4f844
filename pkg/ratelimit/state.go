// Package ratelimit gates outbound requests to the upstream source.
// A Tracker combines a per-process token bucket with a throttle cooldown that
// is shared across workers, and across processes when backed by Redis, so the
// aggregate request rate stays bounded regardless of harvest parallelism.
package ratelimit

import (
	"time"
)

// Redis keys for shared throttle state.
const (
	RedisKeyCooldownUntil = "harvest:ratelimit:cooldown_until"
	RedisKeyThrottleCount = "harvest:ratelimit:throttle_count"
	RedisKeyLastUpdate    = "harvest:ratelimit:last_update"
)

// RateLimitState is the shared throttle state.
type RateLimitState struct {
	// CooldownUntil is the instant before which no request should be sent.
	// Set when upstream answers with a throttling or server error status.
	CooldownUntil time.Time `json:"cooldown_until"`

	// ThrottleCount is the number of throttle signals recorded so far.
	ThrottleCount int `json:"throttle_count"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// InCooldown reports whether requests must still be held back at now.
func (s *RateLimitState) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilResume returns how long to wait at now before sending.
// Returns 0 once the cooldown has passed.
func (s *RateLimitState) TimeUntilResume(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Extend moves the cooldown forward to until. An earlier instant never
// shortens a cooldown already in force.
func (s *RateLimitState) Extend(until time.Time) {
	if until.After(s.CooldownUntil) {
		s.CooldownUntil = until
	}
}
