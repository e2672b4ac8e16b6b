package batch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PollConfig bounds how a Poller waits for a job.
type PollConfig struct {
	// Interval between status queries.
	Interval time.Duration

	// MaxFailures is the number of consecutive failed polls tolerated.
	MaxFailures int

	// Timeout caps the whole wait; zero means no cap.
	Timeout time.Duration
}

// DefaultPollConfig returns the polling bounds used for segment exports.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    5 * time.Second,
		MaxFailures: 5,
		Timeout:     2 * time.Hour,
	}
}

// Poller follows batch jobs until they reach a terminal state.
type Poller struct {
	client *client.Client
	config PollConfig
	pacer  *ratelimit.Pacer
	logger zerolog.Logger
}

// NewPoller creates a poller. Status queries are paced at cfg.Interval.
func NewPoller(c *client.Client, cfg PollConfig) *Poller {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	return &Poller{
		client: c,
		config: cfg,
		pacer:  ratelimit.NewPacer("batch_poll", cfg.Interval),
		logger: log.With().Str("component", "batch-poller").Logger(),
	}
}

// Get fetches the current state of one job. Status queries are never cached.
func (p *Poller) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("batch id is required")
	}
	var job Job
	if err := p.client.GetJSON(ctx, "/batches/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls job id until it is finished and returns the final state.
//
// Transient poll failures are retried on the next tick; more than
// MaxFailures in a row, or exceeding Timeout, yields ErrPollTimeout. A
// platform-reported failure yields ErrJobFailed together with the last
// known job state. A finished job is returned even when operations errored;
// callers inspect Job.Err.
func (p *Poller) Wait(ctx context.Context, id string) (*Job, error) {
	waitCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger := p.logger.With().Str("batch_id", id).Logger()

	var (
		last     *Job
		failures int
		polls    int
	)

	for {
		if err := p.pacer.Wait(waitCtx); err != nil {
			// The limiter fails early when the next tick lies past the deadline.
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if callerDeadlineFirst(ctx, waitCtx) {
				return last, fmt.Errorf("poll batch %s: %w", id, context.DeadlineExceeded)
			}
			return last, fmt.Errorf("%w: batch %s not finished after %s", ErrPollTimeout, id, time.Since(start).Round(time.Second))
		}

		polls++
		job, err := p.Get(waitCtx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return last, fmt.Errorf("%w: batch %s not finished after %s", ErrPollTimeout, id, time.Since(start).Round(time.Second))
			}
			if !client.IsTransient(err) {
				return last, fmt.Errorf("poll batch %s: %w", id, err)
			}

			failures++
			batchPollFailures.Inc()
			logger.Warn().
				Err(err).
				Int("failures", failures).
				Int("max_failures", p.config.MaxFailures).
				Msg("Batch poll failed")

			if failures >= p.config.MaxFailures {
				return last, fmt.Errorf("%w: %d consecutive poll failures for batch %s: %w", ErrPollTimeout, failures, id, err)
			}
			continue
		}
		failures = 0

		batchPolls.WithLabelValues(string(job.Status)).Inc()

		if last != nil && job.Status.regressedFrom(last.Status) {
			return job, fmt.Errorf("%w: batch %s went from %s to %s", ErrStatusRegression, id, last.Status, job.Status)
		}
		if !job.Status.Known() {
			logger.Warn().Str("status", string(job.Status)).Msg("Unknown batch status - continuing to poll")
		}
		last = job

		logger.Debug().
			Str("status", string(job.Status)).
			Int("finished_operations", job.FinishedOperations).
			Int("total_operations", job.TotalOperations).
			Int("poll", polls).
			Msg("Batch status")

		switch {
		case job.Status.Finished():
			batchWaitSeconds.Observe(time.Since(start).Seconds())
			event := logger.Info()
			if job.ErroredOperations > 0 {
				batchOperationsErrored.Add(float64(job.ErroredOperations))
				event = logger.Warn()
			}
			event.
				Int("total_operations", job.TotalOperations).
				Int("errored_operations", job.ErroredOperations).
				Dur("elapsed", time.Since(start)).
				Msg("Batch finished")
			return job, nil

		case job.Status.Failed():
			batchWaitSeconds.Observe(time.Since(start).Seconds())
			logger.Error().
				Str("status", string(job.Status)).
				Int("finished_operations", job.FinishedOperations).
				Int("errored_operations", job.ErroredOperations).
				Msg("Batch failed")
			return job, fmt.Errorf("%w: batch %s reported %s (%d/%d operations finished, %d errored)",
				ErrJobFailed, id, job.Status, job.FinishedOperations, job.TotalOperations, job.ErroredOperations)
		}
	}
}

// callerDeadlineFirst reports whether the caller's deadline, not the poll
// timeout, bounds waitCtx.
func callerDeadlineFirst(ctx, waitCtx context.Context) bool {
	parent, ok := ctx.Deadline()
	if !ok {
		return false
	}
	bound, _ := waitCtx.Deadline()
	return !parent.After(bound)
}

// IsTimeout reports whether err is a poll timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPollTimeout)
}
