package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/vrnode/internal/cli/output"
	"github.com/marmos91/vrnode/pkg/vr"
)

var (
	statusOutput  string
	statusAPIPort int
	statusToken   string
)

// EnvAdminToken names the environment variable the status command reads the
// operator bearer token from when --token is not given.
const EnvAdminToken = "VRNODE_ADMIN_TOKEN"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica status",
	Long: `Display the current status of a running replica.

This command checks liveness via the admin API's /healthz endpoint and, when
an operator token is available (--token or VRNODE_ADMIN_TOKEN), fetches the
replica's protocol position from /status: view, status, op-number,
commit-number, and retained checkpoints.

Examples:
  # Check liveness (uses default admin API port)
  vrnode status

  # Full protocol position
  vrnode status --token $VRNODE_ADMIN_TOKEN

  # Output as JSON
  vrnode status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "Admin API port")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "Operator bearer token (default: $VRNODE_ADMIN_TOKEN)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// replicaStatus is what the command renders: liveness plus, when a token was
// available, the protocol snapshot.
type replicaStatus struct {
	Running  bool               `json:"running" yaml:"running"`
	Message  string             `json:"message" yaml:"message"`
	Uptime   string             `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Snapshot *vr.StatusSnapshot `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := replicaStatus{
		Running: false,
		Message: "Replica is not running",
	}

	client := &http.Client{Timeout: 2 * time.Second}

	healthURL := fmt.Sprintf("http://localhost:%d/healthz", statusAPIPort)
	resp, err := client.Get(healthURL)
	if err == nil {
		func() {
			defer func() { _ = resp.Body.Close() }()
			var health struct {
				Status string `json:"status"`
				Uptime string `json:"uptime"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&health); decodeErr == nil {
				status.Running = health.Status == "ok"
				status.Uptime = health.Uptime
				status.Message = "Replica is running"
			} else {
				status.Running = true
				status.Message = "Replica is running but health response invalid"
			}
		}()
	}

	token := statusToken
	if token == "" {
		token = os.Getenv(EnvAdminToken)
	}
	if status.Running && token != "" {
		snapshot, err := fetchSnapshot(client, token)
		if err != nil {
			status.Message = fmt.Sprintf("Replica is running but status fetch failed: %v", err)
		} else {
			status.Snapshot = snapshot
		}
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}

	return nil
}

func fetchSnapshot(client *http.Client, token string) (*vr.StatusSnapshot, error) {
	statusURL := fmt.Sprintf("http://localhost:%d/status", statusAPIPort)
	req, err := http.NewRequest(http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var snapshot vr.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &snapshot, nil
}

func printStatusTable(status replicaStatus) {
	fmt.Println()
	fmt.Println("vrnode Replica Status")
	fmt.Println("=====================")
	fmt.Println()

	if status.Running {
		fmt.Printf("  Status:        \033[32m● Running\033[0m\n")
		if status.Uptime != "" {
			fmt.Printf("  Uptime:        %s\n", status.Uptime)
		}
	} else {
		fmt.Printf("  Status:        \033[31m○ Stopped\033[0m\n")
	}

	if s := status.Snapshot; s != nil {
		role := "backup"
		if s.IsPrimary {
			role = "primary"
		}
		fmt.Printf("  Replica:       %d of %d (%s)\n", s.ReplicaIndex, s.ClusterSize, role)
		fmt.Printf("  Protocol:      %s\n", s.Status)
		fmt.Printf("  View:          %d\n", s.View)
		fmt.Printf("  Op number:     %d\n", s.OpNumber)
		fmt.Printf("  Commit number: %d\n", s.CommitNumber)
		fmt.Printf("  Log base:      %d\n", s.LogBase)
		fmt.Printf("  Checkpoints:   %d retained\n", len(s.Checkpoints))
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
