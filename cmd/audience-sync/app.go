package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/archive"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/logging"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/member"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/metrics"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/segment"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// app carries the state of one CLI invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger zerolog.Logger
	runID  string

	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer

	redis  *redis.Client
	client *client.Client
	stop   context.CancelFunc
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		v:      config.New(),
		in:     bufio.NewReader(in),
		out:    out,
		errOut: errOut,
		logger: zerolog.Nop(),
	}
}

// setup loads configuration, configures logging and starts the optional
// metrics endpoint.
func (a *app) setup(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWith(a.v, configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: a.errOut,
	})
	a.runID = uuid.NewString()
	a.logger = logging.WithRun(logging.NewLogger("cli"), a.runID)

	if cfg.MetricsAddr != "" {
		metricsCtx, stop := context.WithCancel(ctx)
		a.stop = stop
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, a.logger); err != nil {
				a.logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}
	return nil
}

func (a *app) close() {
	if a.stop != nil {
		a.stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// connect builds the API client. Redis is used when configured and
// reachable; otherwise the client runs without throttle state and cache.
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := client.DefaultConfig(a.cfg.APIBaseURL(), a.cfg.APIKey)
	cc.Account = a.cfg.DataCenter
	cc.UserAgent = a.cfg.UserAgent
	cc.Timeout = a.cfg.Timeout
	cc.MaxRetries = a.cfg.Retry.MaxAttempts
	cc.InitialBackoff = a.cfg.Retry.InitialBackoff

	if a.cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.logger.Warn().Err(err).Str("addr", a.cfg.Redis.Addr).Msg("Redis unreachable - continuing without throttle state and cache")
			_ = rdb.Close()
		} else {
			a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")
			a.redis = rdb
			cc.Redis = rdb
		}
	}

	c, err := client.New(cc)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) pollConfig() batch.PollConfig {
	return batch.PollConfig{
		Interval:    a.cfg.Poll.Interval,
		MaxFailures: a.cfg.Poll.MaxFailures,
		Timeout:     a.cfg.Poll.Timeout,
	}
}

func (a *app) poller(c *client.Client) *batch.Poller {
	return batch.NewPoller(c, a.pollConfig())
}

func (a *app) fetcher() *archive.Fetcher {
	retry := client.DefaultRetryConfig()
	retry.MaxAttempts = a.cfg.Retry.MaxAttempts
	if a.cfg.Retry.InitialBackoff > 0 {
		retry.InitialBackoff = a.cfg.Retry.InitialBackoff
	}
	return archive.NewFetcher(nil, retry)
}

func (a *app) schema() member.Schema {
	return member.NewSchema(a.cfg.MergeFields)
}

func (a *app) exporter(ctx context.Context) (*segment.Exporter, error) {
	if err := a.cfg.RequireList(); err != nil {
		return nil, err
	}
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	return segment.NewExporter(c, a.poller(c), a.fetcher(), segment.Config{
		ListID:    a.cfg.ListID,
		WorkDir:   a.cfg.WorkDir,
		PageDelay: a.cfg.Page.Delay,
		Schema:    a.schema(),
	}), nil
}

// confirm asks a yes/no question on the terminal. Only y, yes or Yes accept.
func (a *app) confirm(question string) (bool, error) {
	fmt.Fprintf(a.out, "%s [y/N]: ", question)
	line, err := a.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
