package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"caebridge/internal/config"
	"caebridge/internal/logging"
)

var (
	// Global flags. Each overrides config file and environment.
	flagDataDir    string
	flagListenAddr string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "caebridge",
	Short: "CAE portal document-submission bridge",
	Long: `caebridge keeps a local repository of CAE compliance documents and
automates their submission to coordination portals.

The repository computes document validity from typed policies; the matching
engine pairs portal pending requirements with local documents; plans are
sealed, reviewed through decision packs, and applied through a gated,
evidence-recorded browser session.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "repository data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen", "", "REST bind address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig resolves the effective configuration: defaults, yaml, env,
// then command-line flags, and initializes logging against it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := logging.Initialize(cfg.DataDir, cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
