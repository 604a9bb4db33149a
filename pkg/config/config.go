package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/vrnode/internal/bytesize"
	"github.com/marmos91/vrnode/pkg/adminapi"
)

// Config is the static configuration of one replica node in a Viewstamped
// Replication cluster.
//
// Dynamic protocol state (view, op_number, commit_number, the log, the
// client table) is never configured — it lives only in the running
// Replica and its persisted checkpoints.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (VRNODE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Cluster describes the replica group this node participates in.
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`

	// Replica identifies which member of Cluster.Addresses this process is,
	// and carries the protocol timers and checkpoint policy for it.
	Replica ReplicaConfig `mapstructure:"replica" yaml:"replica"`

	// Persistence configures the durable checkpoint store.
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// AdminAPI configures the per-replica admin/introspection HTTP server.
	AdminAPI adminapi.APIConfig `mapstructure:"admin_api" yaml:"admin_api"`
}

// ClusterConfig describes the fixed replica group. Configuration is
// identical, at a given moment, across every node — each node simply
// identifies itself via Replica.Index.
type ClusterConfig struct {
	// Addresses lists every replica's address, ordered so that
	// Addresses[i] is replica index i. PrimaryOf(view) = view mod
	// len(Addresses).
	Addresses []string `mapstructure:"addresses" validate:"required,min=3" yaml:"addresses"`
}

// ReplicaConfig carries this node's identity and the protocol's tunable
// timers and checkpoint thresholds.
type ReplicaConfig struct {
	// Index is this node's position in Cluster.Addresses.
	Index int `mapstructure:"index" validate:"gte=0" yaml:"index"`

	// CheckpointInterval is the number of committed ops between
	// checkpoints (K in §4.F). Zero (unset) is replaced by the default of
	// 100 when defaults are applied.
	CheckpointInterval uint64 `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`

	// CheckpointRetain is the number of checkpoints kept on disk at once
	// (M in §4.F); older ones are pruned and their log entries dropped.
	CheckpointRetain int `mapstructure:"checkpoint_retain" validate:"omitempty,gt=0" yaml:"checkpoint_retain"`

	// CommitWatchdog is how long a backup waits without hearing from the
	// primary (a Prepare or a Commit heartbeat) before starting a view
	// change.
	CommitWatchdog time.Duration `mapstructure:"commit_watchdog" yaml:"commit_watchdog"`

	// PrimaryHeartbeat is how often the primary broadcasts a Commit
	// heartbeat to backups that have seen no recent Prepare.
	PrimaryHeartbeat time.Duration `mapstructure:"primary_heartbeat" yaml:"primary_heartbeat"`

	// ViewChangeGrace is the timeout a replica waits in the ViewChange
	// status for a quorum of DoViewChange/StartView messages before
	// trying the next view.
	ViewChangeGrace time.Duration `mapstructure:"view_change_grace" yaml:"view_change_grace"`

	// Strict gates client request acceptance to exactly
	// last_request_number+1. Disabling it is not recommended; it exists
	// for experimenting with out-of-order client retries.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// PersistenceConfig configures the durable checkpoint store.
type PersistenceConfig struct {
	// Backend selects the durable store implementation.
	// Valid values: badger (embedded, local disk), s3 (shared object storage).
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=badger s3" yaml:"backend"`

	// Dir is the directory housing the BadgerDB-backed checkpoint store.
	// Only used when Backend is "badger".
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// ValueLogSize caps BadgerDB's value log file size. Accepts
	// human-readable sizes like "256Mi" or "1Gi". Zero uses Badger's
	// default. Only used when Backend is "badger".
	ValueLogSize bytesize.ByteSize `mapstructure:"value_log_size" yaml:"value_log_size,omitempty"`

	// S3 configures the object-storage backend. Only used when Backend is
	// "s3".
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config points the checkpoint store at an S3 (or S3-compatible) bucket.
type S3Config struct {
	// Bucket is the bucket checkpoints are written to.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region. Default: us-east-1.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores
	// (localstack, MinIO).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. When empty,
	// the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// Prefix namespaces this cluster's keys within the bucket.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling controls Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL (e.g., "http://localhost:4040").
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects,
	// inuse_space, goroutines, mutex_count, mutex_duration, block_count,
	// block_duration.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VRNODE_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please create one, or specify a custom config file:\n"+
				"  vrnode start --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VRNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns the combined decode hook for time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "512Mi", "1Gi" and plain integers
// to bytesize.ByteSize, so config files can state sizes human-readably.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vrnode")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "vrnode")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
