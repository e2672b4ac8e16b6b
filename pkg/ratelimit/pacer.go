package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var pacerWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mc_pacer_wait_seconds",
	Help:    "Time spent waiting on a pacer before a request",
	Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120},
}, []string{"pacer"})

// Pacer spaces out calls of one kind with a token bucket of burst 1.
// The first Wait returns immediately, every following Wait returns no sooner
// than interval after the previous one.
type Pacer struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter
}

// NewPacer creates a pacer allowing one call per interval.
// A non-positive interval disables pacing.
func NewPacer(name string, interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		name:     name,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until the next call is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	pacerWaitSeconds.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	return nil
}

// Interval returns the configured spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
