// Package cmd provides the CLI commands for the toolmesh discovery index.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/errors"
	"github.com/toolmesh/discovery/internal/lifecycle"
	"github.com/toolmesh/discovery/internal/logging"
	"github.com/toolmesh/discovery/pkg/version"
)

var (
	cfgDir         string
	debugMode      bool
	loadedCfg      *config.Config
	loggingCleanup func()
)

// NewRootCmd creates the root command for the toolmesh CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolmesh",
		Short: "Semantic discovery index for registered services, tools, and agents",
		Long: `toolmesh maintains a searchable vector index over a catalog of
registered services, tools, and agents, and answers natural-language
and tag queries with deterministic hybrid ranking.`,
		Version:       version.Info().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loadedCfg = cfg
			return setupLogging(cfg.LogLevel)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgDir, "config-dir", ".", "directory containing .toolmesh.yaml")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

// setupLogging wires slog to the rotating log file (and stderr in debug
// mode) at the level resolved from config, env, and the --debug flag.
func setupLogging(level string) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.WriteToStderr = debugMode

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

// loadConfig loads configuration with CLI-level overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgDir)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// openHandle builds the process handle for one CLI invocation, reusing the
// config loaded during command setup.
func openHandle() (*lifecycle.Handle, *config.Config, error) {
	cfg := loadedCfg
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, nil, err
		}
	}
	return lifecycle.NewHandle(cfg), cfg, nil
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", errors.GetCategory(err), err)
		return err
	}
	return nil
}
