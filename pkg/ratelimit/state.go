// Package ratelimit centralizes request pacing against the remote API.
//
// Two mechanisms live here: a token-bucket Pacer that spaces out calls of one
// kind (batch polls, page requests), and a Tracker that remembers throttle
// windows announced by the platform (429 with Retry-After) in Redis so that
// consecutive invocations against the same account honour them.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyBlockedUntil = "mc:throttle:blocked_until"
	RedisKeyLastUpdate   = "mc:throttle:last_update"
	RedisKeyReason       = "mc:throttle:reason"
)

// DefaultRetryAfter is the throttle window assumed when a 429 carries no Retry-After.
const DefaultRetryAfter = 10 * time.Second

// ThrottleState is the currently recorded throttle window.
type ThrottleState struct {
	// BlockedUntil is the earliest time a new request may be sent.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when the window was recorded.
	LastUpdate time.Time `json:"last_update"`

	// Reason is the platform's explanation, if it sent one.
	Reason string `json:"reason"`
}

// IsBlocked reports whether requests must still wait.
func (s *ThrottleState) IsBlocked() bool {
	return time.Now().Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining wait, or 0 when not blocked.
func (s *ThrottleState) TimeUntilUnblocked() time.Duration {
	d := time.Until(s.BlockedUntil)
	if d < 0 {
		return 0
	}
	return d
}
