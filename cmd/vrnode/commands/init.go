package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/vrnode/internal/cli/prompt"
	"github.com/marmos91/vrnode/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a vrnode configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/vrnode/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  vrnode init

  # Walk through cluster addresses and this node's index interactively
  vrnode init --interactive

  # Initialize with custom path
  vrnode init --config /etc/vrnode/config.yaml

  # Force overwrite existing config
  vrnode init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for cluster addresses and replica index")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if initInteractive {
		configPath, err = runInitWizard(configFile)
	} else if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("Aborted.")
			return nil
		}
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the replica with: vrnode start")
	fmt.Printf("  3. Or specify custom config: vrnode start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  If you enable the admin API, set its signing secret via an environment variable:")
	fmt.Println("    # Generates a 64-character hex string (32 bytes of entropy)")
	fmt.Printf("    export %s=$(openssl rand -hex 32)\n", "VRNODE_ADMIN_SECRET")

	return nil
}

// runInitWizard prompts for the cluster layout, builds a Config around the
// answers, and saves it.
func runInitWizard(configFile string) (string, error) {
	fmt.Println("vrnode cluster setup")
	fmt.Println()

	size, err := prompt.InputInt("Cluster size (odd, 2f+1)", 3)
	if err != nil {
		return "", err
	}
	if size < 3 || size%2 == 0 {
		return "", fmt.Errorf("cluster size must be an odd number >= 3, got %d", size)
	}

	addresses := make([]string, 0, size)
	for i := 0; i < size; i++ {
		addr, err := prompt.InputWithValidation(
			fmt.Sprintf("Address of replica %d (host:port)", i),
			func(input string) error {
				if !strings.Contains(input, ":") {
					return fmt.Errorf("expected host:port")
				}
				return nil
			})
		if err != nil {
			return "", err
		}
		addresses = append(addresses, addr)
	}

	index, err := prompt.InputInt("This node's replica index", 0)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= size {
		return "", fmt.Errorf("replica index %d out of range for a %d-member cluster", index, size)
	}

	dir, err := prompt.Input("Checkpoint store directory", "/var/lib/vrnode/checkpoints")
	if err != nil {
		return "", err
	}

	cfg := config.GetDefaultConfig()
	cfg.Cluster.Addresses = addresses
	cfg.Replica.Index = index
	cfg.Persistence.Dir = dir

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if config.DefaultConfigExists() && configFile == "" {
			ok, err := prompt.Confirm(fmt.Sprintf("Overwrite existing config at %s", path), false)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", prompt.ErrAborted
			}
		}
	}

	if err := config.SaveConfig(cfg, path); err != nil {
		return "", err
	}
	return path, nil
}
