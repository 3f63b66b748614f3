// Command lensctl is the CLI wrapper over the lens engine and COEF store
// (spec.md §6 "CLI surface", SPEC_FULL.md cmd/lensctl component): an
// optional, thin front end — bake, scan, and compress are callable
// identically as library functions.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lensvault/internal/config"
	"lensvault/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string
	indexPath  string
	coefPath   string
	timeout    time.Duration

	logger *zap.Logger
	appCfg *config.Config
	runID  string
)

var rootCmd = &cobra.Command{
	Use:   "lensctl",
	Short: "lensctl — bake, scan, and compress for the lens engine and COEF store",
	Long: `lensctl is the CLI surface over the lens engine (bake/scan) and the
COEF content-addressed compression framework (compress).

It is a thin wrapper: every subcommand does nothing the internal/*
packages cannot do directly when embedded in another program.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		runID = uuid.New().String()[:8]

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logger.With(zap.String("run_id", runID))

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		} else if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
		workspace = ws

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if indexPath != "" {
			cfg.Index.Dir = indexPath
		}
		if coefPath != "" {
			cfg.Coef.Dir = coefPath
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		appCfg = cfg

		if err := logging.Initialize(ws, logging.Config{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a lensvault.yaml config file")
	rootCmd.PersistentFlags().StringVar(&indexPath, "index", "", "Override vector index directory")
	rootCmd.PersistentFlags().StringVar(&coefPath, "coef-store", "", "Override COEF blob store directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(bakeCmd, scanCmd, compressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolvedIndexPath returns the sqlite file backing the vector index,
// creating its parent directory if necessary.
func resolvedIndexPath() (string, error) {
	dir := config.ResolveDir(workspace, appCfg.Index.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create index directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "index.db"), nil
}

// resolvedCoefPath returns the sqlite file backing the COEF blob store,
// creating its parent directory if necessary.
func resolvedCoefPath() (string, error) {
	dir := config.ResolveDir(workspace, appCfg.Coef.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create coef store directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "blobs.db"), nil
}
