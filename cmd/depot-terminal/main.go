// Command depot-terminal runs the sync core of one point-of-sale workstation
// and offers a few maintenance commands against its local status API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/truar/DepotVente-sub001/internal/config"
	"github.com/truar/DepotVente-sub001/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "depot-terminal",
	Short:         "Offline-first sync for a DepotVente workstation",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("DEPOT_CONFIG"), "config file (YAML)")
}

// loadConfig reads and validates the terminal configuration and installs the
// configured logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := logging.Init(cfg.Log); err != nil {
		return cfg, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
