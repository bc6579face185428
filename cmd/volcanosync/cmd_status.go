package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"volcanosync/internal/ledger"
)

var statusLimit int

// statusCmd shows recent sync runs from the ledger
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs",
	Long: `Lists recent sync runs from the local run ledger, newest first.

Each entry shows when the run started, what it downloaded, and whether
the hosted layer was overwritten.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	// Reading status should not create the database
	if _, err := os.Stat(cfg.LedgerPath()); os.IsNotExist(err) {
		fmt.Println("No sync runs recorded yet.")
		fmt.Println("\nRun 'volcanosync sync' to perform the first one.")
		return nil
	}

	runs, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer runs.Close()

	rows, err := runs.Recent(statusLimit)
	if err != nil {
		return fmt.Errorf("failed to read run history: %w", err)
	}

	if len(rows) == 0 {
		fmt.Println("No sync runs recorded yet.")
		fmt.Println("\nRun 'volcanosync sync' to perform the first one.")
		return nil
	}

	fmt.Printf("Recent Sync Runs (%d)\n", len(rows))
	fmt.Println(strings.Repeat("─", 60))

	for _, r := range rows {
		fmt.Printf("[%s] %s  %s\n",
			statusIcon(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status)
		fmt.Printf("    Run: %s\n", r.ID)
		if r.FeatureCount > 0 || r.Bytes > 0 {
			fmt.Printf("    Feed: %d features, %d bytes\n", r.FeatureCount, r.Bytes)
		}
		if d := r.Duration(); d > 0 {
			fmt.Printf("    Took: %s\n", d.Round(time.Millisecond))
		}
		if r.ServiceURL != "" {
			fmt.Printf("    Layer: %s\n", r.ServiceURL)
		}
		if r.Error != "" {
			fmt.Printf("    Error: %s\n", r.Error)
		}
		fmt.Println()
	}

	return nil
}

// statusIcon maps a run status to a list marker
func statusIcon(status string) string {
	switch status {
	case ledger.StatusSucceeded:
		return "✓"
	case ledger.StatusFailed:
		return "✗"
	case ledger.StatusDryRun:
		return "~"
	default:
		return "?"
	}
}
