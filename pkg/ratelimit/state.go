// Package ratelimit tracks upstream throttling signals and gates requests to
// the GraphQL API. It honors Retry-After on 429 responses and the
// X-RateLimit-Remaining / X-RateLimit-Reset pair when the upstream sends them.
// State lives in Redis so every server instance backs off together.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyRemaining    = "episodes:ratelimit:remaining"
	RedisKeyResetAt      = "episodes:ratelimit:reset_at"
	RedisKeyBlockedUntil = "episodes:ratelimit:blocked_until"
)

// Thresholds for throttle decisions.
const (
	// RemainingCritical blocks requests when the upstream quota falls below this value.
	RemainingCritical = 2

	// RemainingWarning slows requests down when the quota falls below this value.
	RemainingWarning = 10
)

// UnknownRemaining marks a State whose quota has never been reported.
const UnknownRemaining = -1

// State is the current upstream throttle state.
type State struct {
	// Remaining is the upstream request quota left in the current window,
	// or UnknownRemaining.
	Remaining int `json:"remaining"`

	// ResetAt is when the current quota window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After; no requests go out before it.
	BlockedUntil time.Time `json:"blocked_until"`
}

// NeedsCriticalBlock returns true if requests must not be sent at now.
func (s *State) NeedsCriticalBlock(now time.Time) bool {
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining != UnknownRemaining &&
		s.Remaining < RemainingCritical &&
		now.Before(s.ResetAt)
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling(now time.Time) bool {
	return s.Remaining != UnknownRemaining &&
		s.Remaining < RemainingWarning &&
		!s.NeedsCriticalBlock(now)
}

// TimeUntilClear returns how long until requests are allowed again.
// Returns 0 if they are allowed now.
func (s *State) TimeUntilClear(now time.Time) time.Duration {
	if !s.NeedsCriticalBlock(now) {
		return 0
	}
	until := s.BlockedUntil
	if s.ResetAt.After(until) && s.Remaining != UnknownRemaining && s.Remaining < RemainingCritical {
		until = s.ResetAt
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
