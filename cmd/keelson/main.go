package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keelson-run/keelson/pkg/config"
	"github.com/keelson-run/keelson/pkg/log"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "keelson",
	Short: "Keelson manages the lifecycle of a single agent container: boot, restore, backup sync, and gateway relay.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Secrets are typically supplied through a local .env in
		// development; absence is fine.
		_ = godotenv.Load()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Path to the deployment config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// loadConfig reads the deployment config and initializes logging from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logCfg := log.Config{
		Level:  log.Level(cfg.Log.Level),
		Format: cfg.Log.Format,
	}
	if err := log.Init(logCfg); err != nil {
		return config.Config{}, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, nil
}

func main() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
