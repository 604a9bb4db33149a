package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// InitConfig writes a commented starter config file to the default config
// location, refusing to overwrite an existing file unless force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented starter config file to path, refusing
// to overwrite an existing file unless force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(starterConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// starterConfigTemplate is a three-replica, single-host starter cluster
// meant for local experimentation; real deployments replace cluster.addresses
// with one entry per host and give each node a distinct replica.index.
const starterConfigTemplate = `# vrnode Configuration File
logging:
  level: "INFO"
  format: "text"
  output: "stdout"

shutdown_timeout: 10s

cluster:
  addresses:
    - "127.0.0.1:7001"
    - "127.0.0.1:7002"
    - "127.0.0.1:7003"

replica:
  index: 0
  checkpoint_interval: 100
  checkpoint_retain: 2
  commit_watchdog: 1s
  primary_heartbeat: 250ms
  view_change_grace: 2s
  strict: true

persistence:
  # backend: badger (embedded, local disk) or s3 (shared object storage)
  backend: "badger"
  dir: "/var/lib/vrnode/checkpoints"
  # value_log_size: "256Mi"
  # s3:
  #   bucket: "vrnode-checkpoints"
  #   region: "us-east-1"
  #   endpoint: ""          # set for localstack/MinIO
  #   access_key_id: ""
  #   secret_access_key: ""
  #   prefix: "my-cluster"

metrics:
  enabled: false
  port: 9090

admin_api:
  enabled: false
  port: 8080
  jwt:
    # At least 32 characters. Prefer the VRNODE_ADMIN_SECRET environment
    # variable over committing a secret here.
    secret: ""
    token_duration: 24h

telemetry:
  enabled: false
  endpoint: "localhost:4317"
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: "http://localhost:4040"
    profile_types: ["cpu", "alloc_space", "goroutines"]
`
