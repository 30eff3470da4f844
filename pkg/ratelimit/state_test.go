package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimitState_Cooldown(t *testing.T) {
	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		until        time.Time
		wantCooldown bool
		wantResume   time.Duration
	}{
		{"no cooldown recorded", time.Time{}, false, 0},
		{"cooldown in the past", now.Add(-time.Second), false, 0},
		{"cooldown exactly now", now, false, 0},
		{"cooldown ahead", now.Add(30 * time.Second), true, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &RateLimitState{CooldownUntil: tt.until}
			if got := s.InCooldown(now); got != tt.wantCooldown {
				t.Errorf("InCooldown() = %v, want %v", got, tt.wantCooldown)
			}
			if got := s.TimeUntilResume(now); got != tt.wantResume {
				t.Errorf("TimeUntilResume() = %v, want %v", got, tt.wantResume)
			}
		})
	}
}

func TestRateLimitState_ExtendOnlyForward(t *testing.T) {
	now := time.Now()
	s := &RateLimitState{}

	s.Extend(now.Add(30 * time.Second))
	s.Extend(now.Add(10 * time.Second))

	if !s.CooldownUntil.Equal(now.Add(30 * time.Second)) {
		t.Errorf("CooldownUntil = %v, want the later instant", s.CooldownUntil)
	}
}
