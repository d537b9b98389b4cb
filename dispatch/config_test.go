package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig_NegatesThresholds(t *testing.T) {
	// GIVEN a config file with positive threshold inputs
	path := writeTempConfig(t, `
scheduler:
  dispatch_policy: load
  dispatch_instances: 4
  migrate_out_threshold: 3.0
  scale_up_threshold: 10.0
  scale_down_threshold: 60.0
`)

	// WHEN the config is loaded
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// THEN thresholds are stored negated (more negative = more loaded)
	assert.Equal(t, -3.0, cfg.Scheduler.MigrateOutThreshold)
	assert.Equal(t, -10.0, cfg.Scheduler.ScaleUpThreshold)
	assert.Equal(t, -60.0, cfg.Scheduler.ScaleDownThreshold)

	// THEN explicit values override defaults, the rest survive
	assert.Equal(t, "load", cfg.Scheduler.DispatchPolicy)
	assert.Equal(t, 4, cfg.Scheduler.DispatchInstances)
	assert.Equal(t, "grpc", cfg.Migration.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_MalformedYaml(t *testing.T) {
	path := writeTempConfig(t, "scheduler: [not a mapping")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate_UnknownDispatchPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.DispatchPolicy = "weighted"

	err := cfg.Validate()

	var unknownErr *UnknownPolicyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "weighted", unknownErr.Name)
}

func TestConfigValidate_MigrationBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Migration.Backend = "rdma" }},
		{"zero buffer blocks", func(c *Config) { c.Migration.BufferBlocks = 0 }},
		{"zero layers", func(c *Config) { c.Migration.NumLayers = 0 }},
		{"last stage below one", func(c *Config) { c.Migration.LastStageMaxBlocks = 0 }},
		{"zero stages", func(c *Config) { c.Migration.MaxStages = 0 }},
		{"zero init timeout", func(c *Config) { c.Migration.BackendInitTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidate_FleetAndServerBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fleet.Endpoints = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Fleet.LeaseTTL = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.RateLimit = -1
	assert.Error(t, cfg.Validate())
}

func TestMigrationConfig_InitTimeout(t *testing.T) {
	cfg := MigrationConfig{BackendInitTimeout: 2.5}
	assert.Equal(t, "2.5s", cfg.InitTimeout().String())
}
