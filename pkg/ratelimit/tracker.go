package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_throttle_waits_total",
		Help: "Total number of requests delayed by a recorded throttle window",
	})

	throttleUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_throttle_updates_total",
		Help: "Total number of throttle windows recorded from 429 responses",
	})
)

// Tracker records throttle windows in Redis and gates requests on them.
// A Tracker with a nil Redis client records nothing and never blocks.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// Enabled reports whether the tracker has a backing store.
func (t *Tracker) Enabled() bool {
	return t != nil && t.redis != nil
}

// GetState retrieves the current throttle state from Redis.
// Returns an unblocked state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	if !t.Enabled() {
		return &ThrottleState{}, nil
	}

	blockedUntil, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err == redis.Nil {
		t.logger.Debug().Msg("No throttle state in Redis")
		return &ThrottleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}

	state := &ThrottleState{BlockedUntil: time.UnixMilli(blockedUntil)}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	reason, err := t.redis.Get(ctx, RedisKeyReason).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get reason: %w", err)
	}
	state.Reason = reason

	return state, nil
}

// RecordThrottle stores a throttle window of the given length.
// Keys expire with the window so stale state never lingers.
func (t *Tracker) RecordThrottle(ctx context.Context, wait time.Duration, reason string) error {
	if !t.Enabled() {
		return nil
	}
	if wait <= 0 {
		wait = DefaultRetryAfter
	}

	now := time.Now()
	state := &ThrottleState{
		BlockedUntil: now.Add(wait),
		LastUpdate:   now,
		Reason:       reason,
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyBlockedUntil, state.BlockedUntil.UnixMilli(), wait)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, wait)
	pipe.Set(ctx, RedisKeyReason, reason, wait)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	throttleUpdatesTotal.Inc()
	t.logger.Warn().
		Dur("wait", wait).
		Time("blocked_until", state.BlockedUntil).
		Str("reason", reason).
		Msg("Remote API throttled requests")

	return nil
}

// UpdateFromResponse records a throttle window when resp is a 429.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	return t.RecordThrottle(ctx, ParseRetryAfter(resp.Header), resp.Status)
}

// Wait blocks until any recorded throttle window has passed.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get throttle state: %w", err)
	}
	if !state.IsBlocked() {
		return nil
	}

	wait := state.TimeUntilUnblocked()
	throttleWaitsTotal.Inc()
	t.logger.Warn().
		Dur("wait_duration", wait).
		Msg("Throttle window active - delaying request")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// Returns 0 when absent or unparsable.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
