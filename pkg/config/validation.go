package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a fully-defaulted Config against its struct tags and the
// cross-field invariants the tags can't express: the replica index must
// fall inside the cluster, and the cluster must be large enough to survive
// at least one failure (N = 2f+1, f >= 1).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w", err)
	}

	n := len(cfg.Cluster.Addresses)
	if n < 3 || n%2 == 0 {
		return fmt.Errorf("cluster must have an odd number of replicas >= 3 (2f+1), got %d", n)
	}

	if cfg.Replica.Index < 0 || cfg.Replica.Index >= n {
		return fmt.Errorf("replica.index %d out of range for a %d-member cluster", cfg.Replica.Index, n)
	}

	if cfg.Replica.CommitWatchdog <= cfg.Replica.PrimaryHeartbeat {
		return fmt.Errorf("replica.commit_watchdog (%s) must exceed replica.primary_heartbeat (%s) or backups will see spurious view changes",
			cfg.Replica.CommitWatchdog, cfg.Replica.PrimaryHeartbeat)
	}

	if cfg.Persistence.Backend == "s3" && cfg.Persistence.S3.Bucket == "" {
		return fmt.Errorf("persistence.s3.bucket is required when persistence.backend is s3")
	}

	return nil
}
