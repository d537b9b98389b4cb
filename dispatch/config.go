package dispatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig carries the global scheduler settings.
//
// Sign convention: MigrateOutThreshold, ScaleUpThreshold and
// ScaleDownThreshold are written as positive numbers in the config file
// but stored NEGATED after Load: downstream load comparisons treat "more
// negative" as "more loaded". Compare only against values that went
// through the same negation.
type SchedulerConfig struct {
	InitialInstances    int     `yaml:"initial_instances"`
	LoadMetric          string  `yaml:"load_metric"`
	DispatchPolicy      string  `yaml:"dispatch_policy"`
	DispatchInstances   int     `yaml:"dispatch_instances"` // eligible-set capacity; 0 = unbounded
	PairMigrationPolicy string  `yaml:"pair_migration_policy"`
	MigrateOutThreshold float64 `yaml:"migrate_out_threshold"` // stored negated, see above
	ScalingPolicy       string  `yaml:"scaling_policy"`
	ScaleUpThreshold    float64 `yaml:"scale_up_threshold"`   // stored negated, see above
	ScaleDownThreshold  float64 `yaml:"scale_down_threshold"` // stored negated, see above
	EnableDefrag        bool    `yaml:"enable_defrag"`
	EnablePDDisagg      bool    `yaml:"enable_pd_disagg"`
	MigrationBackend    string  `yaml:"migration_backend"`
}

// MigrationConfig is the configuration surface of the staged live-migration
// protocol. The protocol itself runs outside this control plane; dispatchd
// only validates and hands these settings to the migration subsystem.
type MigrationConfig struct {
	RequestMigrationPolicy string  `yaml:"request_migration_policy"`
	Backend                string  `yaml:"backend"` // "grpc" or "kvtransfer"
	BackendTransferType    string  `yaml:"backend_transfer_type"`
	BufferBlocks           int     `yaml:"buffer_blocks"` // blocks buffered per migration
	NumLayers              int     `yaml:"num_layers"`    // model layers transferred per stage
	LastStageMaxBlocks     int     `yaml:"last_stage_max_blocks"`
	MaxStages              int     `yaml:"max_stages"`
	BackendInitTimeout     float64 `yaml:"backend_init_timeout"` // seconds
	GRPCServerAddress      string  `yaml:"grpc_server_address"`
	KVTransferNamingURL    string  `yaml:"kvtransfer_naming_url"`
}

// InitTimeout returns the backend initialization timeout as a Duration.
func (m *MigrationConfig) InitTimeout() time.Duration {
	return time.Duration(m.BackendInitTimeout * float64(time.Second))
}

// FleetConfig locates the etcd-backed fleet registry.
type FleetConfig struct {
	Endpoints    []string `yaml:"endpoints"`
	KeyPrefix    string   `yaml:"key_prefix"`
	LeaseTTL     int64    `yaml:"lease_ttl_seconds"`
	PollInterval float64  `yaml:"poll_interval"` // seconds between load-snapshot refreshes
}

// RefreshInterval returns the snapshot poll interval as a Duration.
func (f *FleetConfig) RefreshInterval() time.Duration {
	return time.Duration(f.PollInterval * float64(time.Second))
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Listen    string  `yaml:"listen"`
	RateLimit float64 `yaml:"rate_limit"` // dispatch requests/sec; 0 = unlimited
	RateBurst int     `yaml:"rate_burst"`
}

// Config is the root configuration for dispatchd.
type Config struct {
	Seed      int64           `yaml:"seed"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Migration MigrationConfig `yaml:"migration"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Server    ServerConfig    `yaml:"server"`
}

// DefaultConfig returns a runnable configuration: balanced dispatch with an
// unbounded eligible set against a local etcd.
func DefaultConfig() *Config {
	return &Config{
		Seed: 42,
		Scheduler: SchedulerConfig{
			LoadMetric:     "remaining_steps",
			DispatchPolicy: "balanced",
		},
		Migration: MigrationConfig{
			RequestMigrationPolicy: "SR",
			Backend:                "grpc",
			BufferBlocks:           512,
			NumLayers:              1,
			LastStageMaxBlocks:     16,
			MaxStages:              3,
			BackendInitTimeout:     10,
		},
		Fleet: FleetConfig{
			Endpoints:    []string{"127.0.0.1:2379"},
			KeyPrefix:    "/dispatchd/instances",
			LeaseTTL:     10,
			PollInterval: 1,
		},
		Server: ServerConfig{
			Listen: ":8180",
		},
	}
}

// LoadConfig reads and parses a yaml config file on top of the defaults,
// then applies the threshold sign convention (see SchedulerConfig).
// The result is not yet validated; call Validate before use.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Scheduler.negateThresholds()
	return cfg, nil
}

// negateThresholds stores the migration/scale thresholds negated, matching
// the downstream convention where more-negative means more-loaded.
func (c *SchedulerConfig) negateThresholds() {
	c.MigrateOutThreshold = -c.MigrateOutThreshold
	c.ScaleUpThreshold = -c.ScaleUpThreshold
	c.ScaleDownThreshold = -c.ScaleDownThreshold
}

// ValidMigrationBackends is the set of recognized migration backends.
var ValidMigrationBackends = map[string]bool{"grpc": true, "kvtransfer": true}

// Validate checks policy names and parameter ranges.
func (c *Config) Validate() error {
	if !ValidDispatchPolicies[c.Scheduler.DispatchPolicy] {
		return &UnknownPolicyError{Name: c.Scheduler.DispatchPolicy}
	}
	if c.Scheduler.DispatchInstances < 0 {
		return fmt.Errorf("dispatch_instances must be non-negative, got %d", c.Scheduler.DispatchInstances)
	}
	if !ValidMigrationBackends[c.Migration.Backend] {
		return fmt.Errorf("unknown migration backend %q", c.Migration.Backend)
	}
	if c.Migration.BufferBlocks <= 0 {
		return fmt.Errorf("migration buffer_blocks must be positive, got %d", c.Migration.BufferBlocks)
	}
	if c.Migration.NumLayers <= 0 {
		return fmt.Errorf("migration num_layers must be positive, got %d", c.Migration.NumLayers)
	}
	if c.Migration.LastStageMaxBlocks < 1 {
		return fmt.Errorf("migration last_stage_max_blocks must be >= 1, got %d", c.Migration.LastStageMaxBlocks)
	}
	if c.Migration.MaxStages < 1 {
		return fmt.Errorf("migration max_stages must be >= 1, got %d", c.Migration.MaxStages)
	}
	if c.Migration.BackendInitTimeout <= 0 {
		return fmt.Errorf("migration backend_init_timeout must be positive, got %f", c.Migration.BackendInitTimeout)
	}
	if len(c.Fleet.Endpoints) == 0 {
		return fmt.Errorf("fleet endpoints must not be empty")
	}
	if c.Fleet.LeaseTTL <= 0 {
		return fmt.Errorf("fleet lease_ttl_seconds must be positive, got %d", c.Fleet.LeaseTTL)
	}
	if c.Fleet.PollInterval <= 0 {
		return fmt.Errorf("fleet poll_interval must be positive, got %v", c.Fleet.PollInterval)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit must be non-negative, got %f", c.Server.RateLimit)
	}
	return nil
}
