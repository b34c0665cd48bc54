// Package main implements the unifctl CLI: local pipeline runs plus
// manual operations against a running unifyd daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/unifyd/internal/run"
	"github.com/fyrsmithlabs/unifyd/internal/tui"
)

var (
	// serverURL is the base URL for the unifyd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unifctl",
	Short: "CLI for the unifyd artifact unification pipeline",
	Long: `unifctl runs the merge/analyze/fix pipeline locally on divergent copies
of an artifact, and queries a running unifyd daemon for run status and
reports.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "unifyd server URL")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

// statusCmd fetches one run from the daemon.
var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run on the unifyd server",
	Long: `Show the state of a pipeline run on the unifyd server.

Examples:
  # Plain status
  unifctl status 4f8a...

  # Interactive summary view
  unifctl status --ui 4f8a...`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusUI bool

func init() {
	statusCmd.Flags().BoolVar(&statusUI, "ui", false, "show an interactive summary view")
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check unifyd server health",
	Long: `Check the health status of the unifyd HTTP server.

Examples:
  # Check health
  unifctl health

  # Check health on a different server
  unifctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/httpapi HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
	Runs   int    `json:"runs"`
}

func fetchRun(id string) (*run.Run, error) {
	url := fmt.Sprintf("%s/v1/runs/%s", serverURL, id)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var r run.Run
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &r, nil
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	r, err := fetchRun(args[0])
	if err != nil {
		return err
	}

	if statusUI {
		p := tea.NewProgram(tui.NewSummaryModel(r))
		_, err := p.Run()
		return err
	}

	fmt.Printf("Run:    %s\n", r.ID)
	fmt.Printf("Mode:   %s\n", r.Mode)
	fmt.Printf("State:  %s\n", r.State)
	if r.Error != "" {
		fmt.Printf("Error:  %s\n", r.Error)
	}
	if r.Merge != nil {
		fmt.Printf("Merge:  %d fragments, %d conflicts (%d auto-resolved)\n",
			r.Merge.Stats.Fragments, r.Merge.Stats.Conflicts, r.Merge.Stats.AutoResolved)
		if pending := r.Merge.Pending(); len(pending) > 0 {
			fmt.Printf("Pending conflicts:\n")
			for _, c := range pending {
				fmt.Printf("  %s (line %d, %d candidates)\n", c.ID, c.Line, len(c.Candidates))
			}
		}
	}
	if len(r.Issues) > 0 {
		fmt.Printf("Issues: %d\n", len(r.Issues))
	}
	if len(r.Fixes) > 0 {
		fmt.Printf("Fixes:  %d\n", len(r.Fixes))
	}
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/healthz", serverURL)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	fmt.Printf("Tracked Runs: %d\n", healthResp.Runs)

	return nil
}
