package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devblac/event-watcher/internal/config"
	"github.com/devblac/event-watcher/internal/watcher"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "event-watcher",
		Short: "Subscribe to contract events and hand each occurrence to sinks",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (empty reads RPC_URL, CONTRACT_ADDRESS, ABI_PATH from the environment)")

	rootCmd.AddCommand(
		versionCmd,
		validateCmd,
		runCmd,
		scanCmd,
		stateCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// loadConfig reads --config, or the environment when no path is given.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath == "" {
		cfg, err = config.LoadEnv()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return nil, &watcher.ConfigurationError{Field: "config", Err: err}
	}
	return cfg, nil
}
