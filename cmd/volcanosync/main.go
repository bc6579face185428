package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"volcanosync/internal/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	// Loaded configuration
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "volcanosync",
	Short: "Mirror the USGS volcano activity feed into a hosted feature layer",
	Long: `volcanosync keeps a hosted feature layer in step with the USGS
volcano activity feed.

Each sync run:
  1. Downloads the volcano GeoJSON feed
  2. Saves it to the local data directory
  3. Signs in to the GIS portal
  4. Uploads the file over the layer's backing data item
  5. Republishes the hosted feature layer

Configuration is read from volcanosync.yaml (see --config). Run
'volcanosync validate' to check the configuration without touching
the network.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Plain help output needs no config or logger
		if cmd.Use == "volcanosync" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return err
		}

		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default volcanosync.yaml, or VOLCANOSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall run timeout")

	// Sync flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Download and save the feed but leave the portal untouched")

	// Status flags
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of runs to show")

	// Add commands to root
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config file path. Priority: --config
// flag, VOLCANOSYNC_CONFIG, then volcanosync.yaml in the working
// directory.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("VOLCANOSYNC_CONFIG"); env != "" {
		return env
	}
	return "volcanosync.yaml"
}

// buildLogger builds the logger described by the logging config.
// Output goes to the configured log file; stderr is used when file
// logging is disabled and added when running with --verbose.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	outputs := []string{"stderr"}
	if path := cfg.LogPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		outputs = []string{path}
		if verbose {
			outputs = append(outputs, "stderr")
		}
	}
	zc.OutputPaths = outputs

	return zc.Build()
}
