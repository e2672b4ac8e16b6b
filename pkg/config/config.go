// Package config loads sync configuration from an optional file and MCSYNC_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/logging"
)

// EnvPrefix is the prefix for environment variable overrides (MCSYNC_API_KEY, ...).
const EnvPrefix = "MCSYNC"

// DefaultMergeFields is the custom-field superset every exported member must carry.
var DefaultMergeFields = []string{"FNAME", "LNAME", "PROVINCE", "CITY", "ZIP_CODE", "MAKE", "MODEL", "YEAR"}

// Config is the full sync configuration.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	DataCenter     string        `mapstructure:"data_center"`
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ListID         string        `mapstructure:"list_id"`
	TemplateListID string        `mapstructure:"template_list_id"`
	MergeFields    []string      `mapstructure:"merge_fields"`
	WorkDir        string        `mapstructure:"work_dir"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	Poll           PollConfig    `mapstructure:"poll"`
	Page           PageConfig    `mapstructure:"page"`
	Retry          RetryConfig   `mapstructure:"retry"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Log            LogConfig     `mapstructure:"log"`
}

// PollConfig controls batch status polling.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxFailures int           `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PageConfig controls paginated segment retrieval.
type PageConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

// RetryConfig controls per-request retries in the API client.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// RedisConfig points at the optional Redis used for throttle state and metadata caching.
// An empty Addr disables both.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig controls logger setup.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{"api_key", "data_center", "base_url", "list_id", "template_list_id", "metrics_addr", "redis.addr", "redis.password"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.pretty", false)
	v.SetDefault("user_agent", "mailchimp-audience-sync/0.1.0")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("merge_fields", DefaultMergeFields)
	v.SetDefault("work_dir", ".")
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max_failures", 5)
	v.SetDefault("poll.timeout", 2*time.Hour)
	v.SetDefault("page.delay", 60*time.Second)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads configuration using an existing viper instance, e.g. one with
// CLI flags already bound.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if cfg.DataCenter == "" {
		cfg.DataCenter = DataCenterFromKey(cfg.APIKey)
	}

	return &cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.BaseURL == "" && c.DataCenter == "" {
		return fmt.Errorf("data_center is required when api_key has no -dc suffix")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive (got %s)", c.Poll.Interval)
	}
	if c.Poll.MaxFailures < 1 {
		return fmt.Errorf("poll.max_failures must be >= 1 (got %d)", c.Poll.MaxFailures)
	}
	if c.Page.Delay < 0 {
		return fmt.Errorf("page.delay must not be negative (got %s)", c.Page.Delay)
	}
	if len(c.MergeFields) == 0 {
		return fmt.Errorf("merge_fields must not be empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RequireList returns an error when list_id is unset.
func (c *Config) RequireList() error {
	if c.ListID == "" {
		return fmt.Errorf("list_id is required")
	}
	return nil
}

// RequireTemplate returns an error when template_list_id is unset.
func (c *Config) RequireTemplate() error {
	if c.TemplateListID == "" {
		return fmt.Errorf("template_list_id is required")
	}
	return nil
}

// APIBaseURL returns the root of the marketing API for this account.
func (c *Config) APIBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com/3.0", c.DataCenter)
}

// DataCenterFromKey extracts the data center suffix ("us6") from an API key
// of the form "<hex>-us6". It returns "" when the key carries no suffix.
func DataCenterFromKey(apiKey string) string {
	i := strings.LastIndex(apiKey, "-")
	if i < 0 || i == len(apiKey)-1 {
		return ""
	}
	return apiKey[i+1:]
}
