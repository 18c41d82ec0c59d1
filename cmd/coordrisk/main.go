package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"CoordRisk/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coordrisk",
	Short: "Coordination risk scoring for multi-venue price windows",
	Long: `coordrisk scores whether venues move as one coordinated regime using a
variational method-of-moments engine, and calibrates the raw confidence per market.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (defaults only when empty)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
