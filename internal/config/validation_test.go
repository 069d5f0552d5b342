package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/coordinator/pkg/types"
)

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }, "server.address"},
		{"bad server address", func(c *Config) { c.Server.Address = "not an address" }, "server.address"},
		{"zero aging interval", func(c *Config) { c.Scheduler.AgingInterval = 0 }, "scheduler.aging_interval"},
		{"negative boost factor", func(c *Config) { c.Scheduler.BoostFactor = -1 }, "scheduler.boost_factor"},
		{"zero preemption margin", func(c *Config) { c.Scheduler.PreemptionMargin = 0 }, "scheduler.preemption_margin"},
		{"zero overflow threshold", func(c *Config) { c.Scheduler.OverflowThreshold = 0 }, "scheduler.overflow_threshold"},
		{"zero pool capacity", func(c *Config) { c.Pool.Capacity = 0 }, "pool.capacity"},
		{"high water above one", func(c *Config) { c.Pool.HighWater = 1.5 }, "pool.high_water"},
		{"inverted watermarks", func(c *Config) { c.Pool.LowWater = 0.9; c.Pool.HighWater = 0.8 }, "pool.low_water"},
		{"zero dedup window", func(c *Config) { c.Bus.DedupWindow = 0 }, "bus.dedup_window"},
		{"zero rate threshold", func(c *Config) { c.Bus.RateThreshold = 0 }, "bus.rate_threshold"},
		{"backoff max below base", func(c *Config) { c.Bus.BackoffMax = c.Bus.BackoffBase / 2 }, "bus.backoff_max"},
		{"parallelization target above one", func(c *Config) { c.SLO.ParallelizationTarget = 1.2 }, "slo.parallelization_target"},
		{"overhead ceiling at one", func(c *Config) { c.SLO.OverheadCeiling = 1 }, "slo.overhead_ceiling"},
		{"zero violation streak", func(c *Config) { c.SLO.ViolationStreak = 0 }, "slo.violation_streak"},
		{"zero retry ceiling", func(c *Config) { c.Recovery.RetryCeiling = 0 }, "recovery.retry_ceiling"},
		{"empty escalation chain", func(c *Config) { c.Recovery.Chain = nil }, "recovery.chain"},
		{"nameless recipient", func(c *Config) { c.Recovery.Chain = []types.Recipient{{}} }, "recovery.chain"},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.SQLitePath = "" }, "store.sqlite_path"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis"; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.Capacity = 0
	cfg.Scheduler.AgingInterval = 0
	cfg.Recovery.Chain = nil

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs), 3)
}

func TestIsValidAddress(t *testing.T) {
	valid := []string{":8080", "localhost:9090", "0.0.0.0:80", "node-1.internal:7000"}
	for _, addr := range valid {
		assert.True(t, isValidAddress(addr), addr)
	}

	invalid := []string{"", ":", "no-port", "host:", "bad host:80"}
	for _, addr := range invalid {
		assert.False(t, isValidAddress(addr), addr)
	}
}

func TestGetSchemaCoversRecognizedOptions(t *testing.T) {
	schema := GetSchema()
	require.NotEmpty(t, schema.Fields)

	paths := make(map[string]bool)
	for _, f := range schema.Fields {
		paths[f.Path] = true
		if f.Path != "recovery.chain" {
			assert.True(t, strings.HasPrefix(f.EnvVar, "COORD_"), "env var for %s", f.Path)
		}
	}

	for _, want := range []string{
		"pool.capacity",
		"scheduler.aging_interval",
		"scheduler.boost_factor",
		"scheduler.preemption_margin",
		"scheduler.overflow_threshold",
		"bus.rate_window",
		"bus.rate_threshold",
		"recovery.retry_ceiling",
		"recovery.backoff_base",
		"slo.parallelization_target",
		"slo.overhead_ceiling",
		"recovery.chain",
	} {
		assert.True(t, paths[want], "schema missing %s", want)
	}
}
