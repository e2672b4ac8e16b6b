package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig bounds how often and how patiently a transient failure is retried.
type RetryConfig struct {
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffMultiplier grows the wait after each failed attempt. Values
	// below 1 are treated as 1.
	BackoffMultiplier float64
}

// DefaultRetryConfig allows three attempts starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// RetryConfigForErrorClass scales base for the given error class.
// Rate limiting backs off longest, network errors a little longer than server errors.
func RetryConfigForErrorClass(base RetryConfig, class ErrorClass) RetryConfig {
	cfg := base
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	switch class {
	case ErrorClassServer:
		cfg.MaxBackoff = min(base.MaxBackoff, 10*base.InitialBackoff)
	case ErrorClassRateLimit:
		cfg.InitialBackoff = 5 * base.InitialBackoff
		cfg.MaxBackoff = 2 * base.MaxBackoff
	case ErrorClassNetwork:
		cfg.InitialBackoff = 2 * base.InitialBackoff
	}
	return cfg
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. A rate_limit error waits at least its RetryAfter.
func Retry(ctx context.Context, base RetryConfig, fn func() error) error {
	attempts := max(base.MaxAttempts, 1)

	var (
		err  error
		step time.Duration
	)
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Call recovered after retry")
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		class := ClassOf(err)
		cfg := RetryConfigForErrorClass(base, class)
		if step == 0 {
			step = cfg.InitialBackoff
		}
		wait := nextWait(step, err)

		mcRetriesTotal.WithLabelValues(string(class)).Inc()
		mcRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		log.Debug().Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Transient failure, backing off")

		if err := sleep(ctx, wait); err != nil {
			log.Warn().Str("error_class", string(class)).Int("attempt", attempt).Msg("Backoff interrupted")
			return err
		}
		step = min(time.Duration(float64(step)*cfg.BackoffMultiplier), cfg.MaxBackoff)
	}

	class := ClassOf(err)
	mcRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	log.Warn().Str("error_class", string(class)).Int("attempts", attempts).Msg("Giving up after retries")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
}

// nextWait applies ±20% jitter to step and honours a server-sent Retry-After.
func nextWait(step time.Duration, err error) time.Duration {
	wait := time.Duration(float64(step) * (0.8 + rand.Float64()*0.4))
	if apiErr, ok := asAPIError(err); ok && apiErr.RetryAfter > wait {
		wait = apiErr.RetryAfter
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-t.C:
		return nil
	}
}
