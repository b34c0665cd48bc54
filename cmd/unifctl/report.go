package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	reportFormat string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Fetch the composed report for a run from the unifyd server",
	Long: `Fetch the composed report for a pipeline run from the unifyd server.

Examples:
  # Markdown report to stdout
  unifctl report 4f8a...

  # JSON report to a file
  unifctl report --format json --out report.json 4f8a...`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown", "report format: markdown, json")
	reportCmd.Flags().StringVar(&reportOut, "out", "", "write the report to this file instead of stdout")
}

// runReport handles the report command
func runReport(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/v1/runs/%s/report?format=%s",
		serverURL, args[0], url.QueryEscape(reportFormat))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if reportOut != "" {
		if err := os.WriteFile(reportOut, body, 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(os.Stderr, "[unifctl] report written to %s\n", reportOut)
		return nil
	}

	_, err = os.Stdout.Write(body)
	return err
}
