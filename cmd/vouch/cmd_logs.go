package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/pkg/compliance"
)

var (
	logsResource string
	logsLimit    int
	logsFormat   string
)

var logsCmd = &cobra.Command{
	Use:   "logs <org>",
	Short: "Show the compliance audit log of an organization",
	Long: `Show stored compliance log entries for one organization, newest first.

This reads the local store directly and needs no access token.`,
	Example: `  vouch logs my-org --resource project
  vouch logs my-org --resource user --limit 20 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsResource, "resource", "r", "", "Resource kind (project, table, user); empty for all")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "Maximum entries to show (0 for all)")
	logsCmd.Flags().StringVarP(&logsFormat, "format", "f", "table", "Output format (table, json, yaml)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	q := storage.LogQuery{Org: args[0], Limit: logsLimit}
	if logsResource != "" {
		kind, err := compliance.ParseKind(logsResource)
		if err != nil {
			return err
		}
		q.Resource = kind
	}
	if err := validateFormat(logsFormat); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer func() { _ = store.Close() }()

	logs, err := store.ListLogs(ctx, q)
	if err != nil {
		return err
	}
	return renderLogs(cmd.OutOrStdout(), logsFormat, logs)
}
