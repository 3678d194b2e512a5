package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vouch/internal/config"
	"github.com/yairfalse/vouch/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "vouch",
		Short: "Compliance checks for Supabase organizations",
		Long: `Vouch - compliance checks for Supabase organizations

Vouch checks projects for Point In Time Recovery, tables for Row Level
Security and organization members for MFA. Every change in compliance
is recorded in an append-only audit log.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vouch {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file and applies CLI overrides.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger, err := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
