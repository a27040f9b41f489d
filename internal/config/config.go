package config

import (
	"os"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradecore/internal/model"
	"tradecore/internal/risk"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full YAML configuration surface for one trading node.
type Config struct {
	TraderID string `yaml:"trader_id"`
	LogLevel string `yaml:"log_level"`

	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Retry          RetryConfig          `yaml:"retry"`
	Cache          CacheConfig          `yaml:"cache"`
	Risk           risk.Config          `yaml:"risk"`
	Venues         []VenueConfig        `yaml:"venues"`
	Queue          QueueConfig          `yaml:"queue"`
}

// TimeoutConfig holds per-phase timeouts in seconds. Each phase is
// enforced independently: exceeding one aborts that phase only.
type TimeoutConfig struct {
	ConnectionSecs     float64 `yaml:"connection_secs"`
	ReconciliationSecs float64 `yaml:"reconciliation_secs"`
	PortfolioSecs      float64 `yaml:"portfolio_secs"`
	DisconnectionSecs  float64 `yaml:"disconnection_secs"`
	PostStopSecs       float64 `yaml:"post_stop_secs"`
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (t TimeoutConfig) Connection() time.Duration     { return secs(t.ConnectionSecs) }
func (t TimeoutConfig) Reconciliation() time.Duration { return secs(t.ReconciliationSecs) }
func (t TimeoutConfig) Portfolio() time.Duration      { return secs(t.PortfolioSecs) }
func (t TimeoutConfig) Disconnection() time.Duration  { return secs(t.DisconnectionSecs) }
func (t TimeoutConfig) PostStop() time.Duration       { return secs(t.PostStopSecs) }

// ReconciliationConfig controls startup and periodic reconciliation.
type ReconciliationConfig struct {
	Enabled      *bool `yaml:"enabled"`
	LookbackMins int   `yaml:"lookback_mins"`
	IntervalSecs int   `yaml:"interval_secs"`
}

func (r ReconciliationConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r ReconciliationConfig) Lookback() time.Duration {
	return time.Duration(r.LookbackMins) * time.Minute
}

func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSecs) * time.Second
}

// RetryConfig is the exponential backoff policy for transient venue errors.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// CacheConfig selects the durable store backend and flush buffering.
type CacheConfig struct {
	// Backend is one of "memory", "bolt", "postgres".
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

func (c CacheConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// QueueConfig bounds the engines' inbound event queues.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// VenueConfig describes one venue integration.
type VenueConfig struct {
	Name        string  `yaml:"name"`
	AccountType string  `yaml:"account_type"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
}

func (v VenueConfig) Venue() model.Venue { return model.Venue(v.Name) }

func (v VenueConfig) ParsedAccountType() (model.AccountType, error) {
	switch v.AccountType {
	case "", "cash":
		return model.AccountTypeCash, nil
	case "margin":
		return model.AccountTypeMargin, nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown account type %q", v.AccountType)
	}
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		TraderID: "TRADER-001",
		LogLevel: "info",
		Timeouts: TimeoutConfig{
			ConnectionSecs:     10,
			ReconciliationSecs: 10,
			PortfolioSecs:      5,
			DisconnectionSecs:  10,
			PostStopSecs:       2,
		},
		Reconciliation: ReconciliationConfig{
			LookbackMins: 1440,
			IntervalSecs: 300,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			InitialBackoffMs: 100,
			MaxBackoffMs:     5000,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			FlushIntervalMs: 100,
		},
		Queue: QueueConfig{Capacity: 4096},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config yaml")
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot produce a working node.
// These are fatal at startup.
func (c Config) Validate() error {
	if c.TraderID == "" {
		return errors.Wrap(ErrInvalidConfig, "trader_id must not be empty")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.Wrap(ErrInvalidConfig, "retry.max_retries must be >= 0")
	}
	if c.Retry.InitialBackoffMs < 0 || c.Retry.MaxBackoffMs < 0 {
		return errors.Wrap(ErrInvalidConfig, "retry backoff must be >= 0")
	}
	if c.Reconciliation.LookbackMins < 0 {
		return errors.Wrap(ErrInvalidConfig, "reconciliation.lookback_mins must be >= 0")
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "bolt":
		if c.Cache.Path == "" {
			return errors.Wrap(ErrInvalidConfig, "cache.path required for bolt backend")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			return errors.Wrap(ErrInvalidConfig, "cache.dsn required for postgres backend")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown cache backend %q", c.Cache.Backend)
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return errors.Wrap(ErrInvalidConfig, "venue name must not be empty")
		}
		if _, dup := seen[v.Name]; dup {
			return errors.Wrapf(ErrInvalidConfig, "duplicate venue %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		if _, err := v.ParsedAccountType(); err != nil {
			return err
		}
	}
	return nil
}
