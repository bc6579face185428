package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volcanosync/internal/feed"
	"volcanosync/internal/ledger"
	"volcanosync/internal/pipeline"
	"volcanosync/internal/portal"
)

var dryRun bool

// syncCmd performs one end-to-end sync run
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download the volcano feed and overwrite the hosted layer",
	Long: `Runs one end-to-end sync:

  1. Downloads the USGS volcano GeoJSON feed
  2. Saves it to the local data directory
  3. Signs in to the GIS portal
  4. Uploads the file over the layer's backing data item
  5. Republishes the hosted feature layer

With --dry-run the feed is downloaded and saved but the portal is
never contacted, so no credentials are needed.

Every attempt is recorded in the run ledger; see 'volcanosync status'.`,
	RunE: runSync,
}

// runSync executes one sync run through the pipeline
func runSync(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	// A dry run never contacts the portal, so it needs no credentials
	var password string
	if !dryRun {
		pw, source, err := cfg.ResolvePassword()
		if err != nil {
			return err
		}
		password = pw
		logger.Debug("Portal password resolved", zap.String("source", source))
	}

	runs, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer runs.Close()

	pipe := pipeline.New(cfg,
		feed.NewFetcher(cfg, logger),
		portal.NewClient(cfg, password, logger),
		runs, logger)

	summary, err := pipe.Run(ctx, dryRun)
	if err != nil {
		if path := cfg.LogPath(); path != "" {
			return fmt.Errorf("%w (see %s for details)", err, path)
		}
		return err
	}

	if summary.DryRun {
		fmt.Printf("Dry run: saved %d features (%d bytes) to %s\n",
			summary.Features, summary.Bytes, cfg.GeoJSONPath())
		fmt.Println("Portal untouched.")
		return nil
	}

	fmt.Printf("✓ Synced %d features to the hosted layer in %s\n",
		summary.Features, summary.Duration.Round(time.Millisecond))
	if summary.ServiceURL != "" {
		fmt.Printf("  Layer: %s\n", summary.ServiceURL)
	}
	fmt.Printf("  Run:   %s\n", summary.RunID)
	return nil
}
