package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/vrnode/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the vrnode configuration file.

Checks for syntax errors, missing required fields, and invalid values:
an even or too-small cluster, an out-of-range replica index, or protocol
timers that would trip spurious view changes.

Examples:
  # Validate default config
  vrnode config validate

  # Validate specific config file
  vrnode config validate --config /etc/vrnode/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load and validate configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional validation checks
	var warnings []string

	if cfg.AdminAPI.Enabled && cfg.AdminAPI.GetJWTSecret() == "" {
		warnings = append(warnings, "admin API enabled but no signing secret configured - token issuance will fail")
	}

	if cfg.Replica.CheckpointInterval == 0 {
		warnings = append(warnings, "checkpointing disabled - the log will grow without bound")
	}

	// Print results
	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Cluster size:    %d\n", len(cfg.Cluster.Addresses))
	fmt.Printf("  Replica index:   %d\n", cfg.Replica.Index)
	fmt.Printf("  Store backend:   %s\n", cfg.Persistence.Backend)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
