package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// validateCmd checks the configuration without contacting anything
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without contacting the feed or portal",
	Long: `Validates the configuration, resolves the portal password, and
checks that the data directory is writable.

No network requests are made. Use this after editing the config to
catch problems before the next scheduled sync.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Config: %s (not found, using defaults and environment)\n", path)
	} else {
		fmt.Printf("Config: %s\n", path)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("✓ Configuration is valid")
	fmt.Printf("  Feed:   %s\n", cfg.Feed.URL)
	fmt.Printf("  Portal: %s (user %s)\n", cfg.Portal.URL, cfg.Portal.Username)
	fmt.Printf("  Item:   %s\n", cfg.Portal.ItemID)

	_, source, err := cfg.ResolvePassword()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Portal password available (source: %s)\n", source)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("data directory is not writable: %w", err)
	}
	probe := filepath.Join(cfg.Storage.DataDir, ".write-check")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return fmt.Errorf("data directory is not writable: %w", err)
	}
	_ = os.Remove(probe)
	fmt.Printf("✓ Data directory writable: %s\n", cfg.Storage.DataDir)

	fmt.Printf("\nFeed will be saved to: %s\n", cfg.GeoJSONPath())
	fmt.Printf("Run ledger lives at:   %s\n", cfg.LedgerPath())
	return nil
}
