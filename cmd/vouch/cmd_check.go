package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/internal/telemetry"
	"github.com/yairfalse/vouch/pkg/compliance"
)

var (
	checkResource string
	checkFormat   string
)

var checkCmd = &cobra.Command{
	Use:   "check <org>",
	Short: "Run compliance checks for an organization",
	Long: `Run compliance checks for one organization and print the report.

The access token is read from the environment variable named by
sweep.token_env (SUPABASE_ACCESS_TOKEN by default). Results are
reconciled into the store exactly as the HTTP API does.`,
	Example: `  vouch check my-org
  vouch check my-org --resource table --format table
  vouch check my-org --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkResource, "resource", "r", "all", "Resource kind (project, table, user, all)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "table", "Output format (table, json, yaml)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	org := args[0]
	kinds, err := parseKinds(checkResource)
	if err != nil {
		return err
	}
	if err := validateFormat(checkFormat); err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, telemetry.WithVersion(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	a, err := newApp(ctx, cfg, logger, provider.MeterProvider())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	api, err := a.serviceUpstream()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failing := false
	for _, kind := range kinds {
		passing, err := checkKind(ctx, a.checker, api, org, kind, func(report any, rows []reportRow, passing bool) error {
			return renderReport(out, checkFormat, kind, report, rows, passing)
		})
		if err != nil {
			return fmt.Errorf("check %s: %w", kind, err)
		}
		failing = failing || !passing
	}
	if failing {
		return errNotCompliant
	}
	return nil
}

var errNotCompliant = errors.New("organization is not compliant")

type renderFunc func(report any, rows []reportRow, passing bool) error

func checkKind(ctx context.Context, chk *checker.Checker, api checker.Upstream, org string, kind compliance.Kind, render renderFunc) (bool, error) {
	switch kind {
	case compliance.KindProject:
		report, err := chk.Projects(ctx, api, org)
		if err != nil {
			return false, err
		}
		return report.Passing, render(report, projectRows(report), report.Passing)
	case compliance.KindTable:
		report, err := chk.Tables(ctx, api, org)
		if err != nil {
			return false, err
		}
		return report.Passing, render(report, tableRows(report), report.Passing)
	case compliance.KindUser:
		report, err := chk.Users(ctx, api, org)
		if err != nil {
			return false, err
		}
		return report.Passing, render(report, userRows(report), report.Passing)
	}
	return false, fmt.Errorf("unsupported resource kind %q", kind)
}

func parseKinds(s string) ([]compliance.Kind, error) {
	if s == "" || s == "all" {
		return compliance.Kinds, nil
	}
	k, err := compliance.ParseKind(s)
	if err != nil {
		return nil, err
	}
	return []compliance.Kind{k}, nil
}
