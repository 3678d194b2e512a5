package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/vouch/internal/emitter"
	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// EnableRLSRequest names the table to fix.
type EnableRLSRequest struct {
	Table  string `json:"table"`
	Schema string `json:"schema"`
	Org    string `json:"org"`
}

// Validate checks required fields in the order they are reported.
func (r EnableRLSRequest) Validate() error {
	switch {
	case r.Table == "":
		return invalid("table name not provided")
	case r.Schema == "":
		return invalid("schema name not provided")
	case r.Org == "":
		return invalid("org id was not provided")
	}
	return nil
}

// EnableRLSStatement builds the ALTER TABLE statement with quoted identifiers.
func EnableRLSStatement(schema, table string) string {
	return "ALTER TABLE " + pgx.Identifier{schema, table}.Sanitize() + " ENABLE ROW LEVEL SECURITY;"
}

// EnableRLS turns on row level security for one table of project ref and
// records the remediation in the compliance log. Nothing is sent upstream
// when the request is invalid.
func (c *Checker) EnableRLS(ctx context.Context, api Upstream, ref string, req EnableRLSRequest) (err error) {
	ctx, done := c.start(ctx, "checker.enable_rls", req.Org, compliance.KindTable)
	defer func() { done(err) }()

	if ref == "" {
		return invalid("project id not provided")
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if _, err := api.RunQuery(ctx, ref, EnableRLSStatement(req.Schema, req.Table)); err != nil {
		return err
	}

	snapshot, err := json.Marshal(map[string]string{"name": req.Table})
	if err != nil {
		return fmt.Errorf("marshal table snapshot: %w", err)
	}
	entry := storage.NewLog(req.Org, compliance.KindTable, string(snapshot), string(snapshot),
		"Enabled RLS via SQL query", c.now().UTC().Truncate(time.Microsecond))
	if err := c.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("record rls remediation: %w", err)
	}

	c.emit(ctx, emitter.CheckResult{
		Org:         req.Org,
		Kind:        compliance.KindTable,
		Logs:        []storage.ComplianceLog{entry},
		Remediation: true,
	})
	return nil
}
