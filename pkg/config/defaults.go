package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyReplicaDefaults(&cfg.Replica)
	applyPersistenceDefaults(&cfg.Persistence)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	// Note: Cluster.Addresses has no default — the operator must list at
	// least the 2f+1 members of the group.
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "goroutines"}
	}
}

// applyReplicaDefaults sets the protocol timer and checkpoint defaults. The
// watchdog is kept a healthy multiple of the heartbeat so that normal
// heartbeat jitter never trips a spurious view change.
func applyReplicaDefaults(cfg *ReplicaConfig) {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 100
	}
	if cfg.CheckpointRetain == 0 {
		cfg.CheckpointRetain = 2
	}
	if cfg.PrimaryHeartbeat == 0 {
		cfg.PrimaryHeartbeat = 250 * time.Millisecond
	}
	if cfg.CommitWatchdog == 0 {
		cfg.CommitWatchdog = 1 * time.Second
	}
	if cfg.ViewChangeGrace == 0 {
		cfg.ViewChangeGrace = 2 * time.Second
	}
}

// applyPersistenceDefaults sets persistence defaults.
func applyPersistenceDefaults(cfg *PersistenceConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "badger"
	}
	if cfg.Dir == "" {
		cfg.Dir = "/var/lib/vrnode/checkpoints"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied,
// for a standalone single-node smoke test. Real clusters must set
// cluster.addresses and replica.index explicitly.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Cluster: ClusterConfig{
			Addresses: []string{"127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003"},
		},
		Replica: ReplicaConfig{
			Index:  0,
			Strict: true,
		},
		Persistence: PersistenceConfig{
			Dir: "/tmp/vrnode-checkpoints",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
