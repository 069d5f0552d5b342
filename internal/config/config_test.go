package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.AgingInterval)
	assert.Equal(t, 100, cfg.Scheduler.OverflowThreshold)
	assert.Equal(t, 0.90, cfg.SLO.ParallelizationTarget)
	assert.Equal(t, 0.10, cfg.SLO.OverheadCeiling)
	assert.Equal(t, 3, cfg.SLO.ViolationStreak)
	assert.Equal(t, 3, cfg.Recovery.RetryCeiling)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.NotEmpty(t, cfg.Recovery.Chain)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	content := []byte(`
pool:
  capacity: 16
  lease_ttl: 2m
scheduler:
  aging_interval: 10s
  boost_factor: 2.5
recovery:
  chain:
    - name: duty-manager
      deadline: 3m
    - name: platform-lead
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Pool.Capacity)
	assert.Equal(t, 2*time.Minute, cfg.Pool.LeaseTTL)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.AgingInterval)
	assert.Equal(t, 2.5, cfg.Scheduler.BoostFactor)

	require.Len(t, cfg.Recovery.Chain, 2)
	assert.Equal(t, "duty-manager", cfg.Recovery.Chain[0].Name)
	assert.Equal(t, 3*time.Minute, cfg.Recovery.Chain[0].Deadline)
	assert.Zero(t, cfg.Recovery.Chain[1].Deadline)

	// Untouched sections keep defaults
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 5, cfg.Bus.MaxAttempts)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pool.Capacity, cfg.Pool.Capacity)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COORD_POOL_CAPACITY", "32")
	t.Setenv("COORD_SCHED_AGING_INTERVAL", "45s")
	t.Setenv("COORD_SLO_PARALLELIZATION_TARGET", "0.95")
	t.Setenv("COORD_SERVER_ENABLE_CORS", "true")
	t.Setenv("COORD_STORE_BACKEND", "sqlite")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Pool.Capacity)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.AgingInterval)
	assert.Equal(t, 0.95, cfg.SLO.ParallelizationTarget)
	assert.True(t, cfg.Server.EnableCORS)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 16\n"), 0o644))
	t.Setenv("COORD_POOL_CAPACITY", "64")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Pool.Capacity, "env must win over file")
}

func TestCmdOverrides(t *testing.T) {
	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"pool.capacity":               "4",
		"logging.level":               "debug",
		"scheduler.dispatch_interval": "50ms",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.DispatchInterval)
}

func TestCmdOverrideUnknownPath(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"nonsense.option": "1"}).Load()
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Pool.Capacity = 99
	clone.Recovery.Chain[0].Name = "someone-else"

	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, "primary-oncall", cfg.Recovery.Chain[0].Name)
}

func TestWatcherSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 8\n"), 0o644))

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 24\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 24, cfg.Pool.Capacity)
		assert.Equal(t, 24, w.Current().Pool.Capacity)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherKeepsSnapshotOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 8\n"), 0o644))

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	// capacity 0 fails validation, the old snapshot must survive
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 0\n"), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 8, w.Current().Pool.Capacity)
}
