package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/pkg/config"
	"tomorecon/pkg/history"
	"tomorecon/pkg/stages"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tomorecon",
		Short:         "Tomography reconstruction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "tomorecon.yaml", "Configuration file")

	registerCommands(rootCmd)
	return rootCmd
}

// registerCommands adds all available commands to the root command
func registerCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPhantomCommand())
	rootCmd.AddCommand(newConfigCommand())
}

// environment is what every command builds from the configuration file.
type environment struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *stages.Registry
}

func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	log := common.InitLog(cfg.LogOptions())

	registry, err := stages.Default(stages.Options{Workers: cfg.Pipeline.Workers}).WithDefaults(cfg.Pipeline.Defaults)
	if err != nil {
		return nil, fmt.Errorf("pipeline defaults in %s: %w", path, err)
	}
	return &environment{cfg: cfg, log: log, registry: registry}, nil
}

func (e *environment) openLedger() (*history.Ledger, error) {
	return history.Open(e.cfg.Storage.Driver, e.cfg.Storage.DSN, e.registry, e.log)
}
