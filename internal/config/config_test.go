package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "TRADER-001", cfg.TraderID)
	require.Equal(t, 24*time.Hour, cfg.Reconciliation.Lookback())
	require.True(t, cfg.Reconciliation.IsEnabled())
	require.Equal(t, 4096, cfg.Queue.Capacity)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
trader_id: TRADER-042
log_level: debug
timeouts:
  connection_secs: 2.5
reconciliation:
  enabled: false
  lookback_mins: 60
cache:
  backend: bolt
  path: /tmp/cache.db
venues:
  - name: SIM
    account_type: margin
    rate_per_sec: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "TRADER-042", cfg.TraderID)
	require.Equal(t, 2500*time.Millisecond, cfg.Timeouts.Connection())
	require.False(t, cfg.Reconciliation.IsEnabled())
	require.Equal(t, time.Hour, cfg.Reconciliation.Lookback())
	require.Len(t, cfg.Venues, 1)
	require.Equal(t, 50.0, cfg.Venues[0].RatePerSec)

	at, err := cfg.Venues[0].ParsedAccountType()
	require.NoError(t, err)
	require.Equal(t, "MARGIN", at.String())

	// Unset sections keep their defaults.
	require.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty trader id", func(c *Config) { c.TraderID = "" }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"bolt without path", func(c *Config) { c.Cache.Backend = "bolt" }},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = "postgres" }},
		{"unnamed venue", func(c *Config) { c.Venues = []VenueConfig{{}} }},
		{"duplicate venue", func(c *Config) {
			c.Venues = []VenueConfig{{Name: "SIM"}, {Name: "SIM"}}
		}},
		{"bad account type", func(c *Config) {
			c.Venues = []VenueConfig{{Name: "SIM", AccountType: "futures"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}
