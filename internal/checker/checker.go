// Package checker runs compliance checks end to end: it reads live state
// from the Management API, evaluates it, and reconciles the outcome into the
// compliance store.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vouch/internal/emitter"
	"github.com/yairfalse/vouch/internal/lock"
	"github.com/yairfalse/vouch/internal/reconciler"
	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/internal/upstream"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// tableCatalogQuery lists ordinary tables of the public schema with their
// row level security flag.
const tableCatalogQuery = `SELECT
    n.nspname AS schema_name,
    c.relname AS table_name,
    c.relrowsecurity AS rls_enabled
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind = 'r'
AND n.nspname = 'public'
ORDER BY n.nspname, c.relname;`

// Upstream is the subset of the Management API the checker needs. A handle
// is bound to one caller's access token.
type Upstream interface {
	ListOrganizations(ctx context.Context) ([]upstream.Organization, error)
	ListProjects(ctx context.Context) ([]upstream.Project, error)
	GetBackupConfig(ctx context.Context, ref string) (*upstream.BackupConfig, error)
	RunQuery(ctx context.Context, ref, query string) (json.RawMessage, error)
	ListOrganizationMembers(ctx context.Context, slug string) ([]upstream.Member, error)
}

// Checker wires the Management API, the evaluator and the reconciler.
type Checker struct {
	store   storage.Store
	engine  *reconciler.Engine
	locker  lock.Locker
	emitter emitter.Emitter
	now     func() time.Time
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// Option configures a Checker.
type Option func(*Checker)

// WithLocker sets the per-org lock. Defaults to an in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(c *Checker) { c.locker = l }
}

// WithEmitter sets where check results are published.
func WithEmitter(e emitter.Emitter) Option {
	return func(c *Checker) { c.emitter = e }
}

// WithClock overrides the time source for stored records and log entries.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// New creates a Checker backed by store.
func New(store storage.Store, opts ...Option) *Checker {
	c := &Checker{
		store:   store,
		locker:  lock.NewLocalLocker(),
		emitter: emitter.Nop{},
		now:     time.Now,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("vouch/checker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.engine = reconciler.NewEngine(store,
		reconciler.WithClock(c.now),
		reconciler.WithLogger(c.logger),
	)
	return c
}

// Projects checks that every project of org has PITR enabled.
func (c *Checker) Projects(ctx context.Context, api Upstream, org string) (report compliance.Report[compliance.ProjectItem], err error) {
	ctx, done := c.start(ctx, "checker.projects", org, compliance.KindProject)
	defer func() { done(err) }()

	projects, err := c.orgProjects(ctx, api, org)
	if err != nil {
		return report, err
	}

	items := make([]compliance.LineItem[compliance.ProjectItem], 0, len(projects))
	for _, p := range projects {
		backup, err := api.GetBackupConfig(ctx, p.ID)
		if err != nil {
			return report, err
		}
		items = append(items, compliance.EvaluateProject(compliance.ProjectItem{
			ID:             p.ID,
			Name:           p.Name,
			OrganizationID: p.OrganizationID,
			Region:         p.Region,
		}, backup.PITREnabled))
	}
	report = compliance.Aggregate(items)

	records := make([]storage.Record, 0, len(report.LineItems))
	for _, li := range report.LineItems {
		records = append(records, storage.Record{
			Kind:      compliance.KindProject,
			ID:        li.Item.ID,
			Org:       org,
			Name:      li.Item.Name,
			Region:    li.Item.Region,
			Compliant: li.Compliant(),
		})
	}
	return report, c.reconcile(ctx, org, compliance.KindProject, records, report.Passing, report.Breaches())
}

// Tables checks that every public table in every project of org has RLS
// enabled.
func (c *Checker) Tables(ctx context.Context, api Upstream, org string) (report compliance.Report[compliance.TableItem], err error) {
	ctx, done := c.start(ctx, "checker.tables", org, compliance.KindTable)
	defer func() { done(err) }()

	projects, err := c.orgProjects(ctx, api, org)
	if err != nil {
		return report, err
	}

	var items []compliance.LineItem[compliance.TableItem]
	for _, p := range projects {
		rows, err := upstream.QueryRows[upstream.TableRow](ctx, api, p.ID, tableCatalogQuery)
		if err != nil {
			return report, err
		}
		for _, row := range rows {
			items = append(items, compliance.EvaluateTable(compliance.TableItem{
				ProjectID:  p.ID,
				TableName:  row.TableName,
				SchemaName: row.SchemaName,
			}, row.RLSEnabled))
		}
	}
	report = compliance.Aggregate(items)

	records := make([]storage.Record, 0, len(report.LineItems))
	for _, li := range report.LineItems {
		records = append(records, storage.Record{
			Kind:      compliance.KindTable,
			ID:        li.Item.ResourceID(),
			Org:       org,
			Name:      li.Item.TableName,
			ProjectID: li.Item.ProjectID,
			Schema:    li.Item.SchemaName,
			Compliant: li.Compliant(),
		})
	}
	return report, c.reconcile(ctx, org, compliance.KindTable, records, report.Passing, report.Breaches())
}

// Users checks that every member of org has MFA enabled.
func (c *Checker) Users(ctx context.Context, api Upstream, org string) (report compliance.Report[compliance.UserItem], err error) {
	ctx, done := c.start(ctx, "checker.users", org, compliance.KindUser)
	defer func() { done(err) }()

	members, err := api.ListOrganizationMembers(ctx, org)
	if err != nil {
		return report, err
	}

	items := make([]compliance.LineItem[compliance.UserItem], 0, len(members))
	for _, m := range members {
		items = append(items, compliance.EvaluateUser(compliance.UserItem{
			UserID:     m.UserID,
			UserName:   m.UserName,
			Email:      m.Email,
			RoleName:   m.RoleName,
			MFAEnabled: m.MFAEnabled,
		}))
	}
	report = compliance.Aggregate(items)

	records := make([]storage.Record, 0, len(report.LineItems))
	for _, li := range report.LineItems {
		records = append(records, storage.Record{
			Kind:      compliance.KindUser,
			ID:        li.Item.UserID,
			Org:       org,
			Name:      li.Item.UserName,
			Role:      li.Item.RoleName,
			Email:     li.Item.Email,
			Compliant: li.Compliant(),
		})
	}
	return report, c.reconcile(ctx, org, compliance.KindUser, records, report.Passing, report.Breaches())
}

// Logs returns the compliance log of org for kind, newest first. The caller
// must be a member of org.
func (c *Checker) Logs(ctx context.Context, api Upstream, org string, kind compliance.Kind) (logs []storage.ComplianceLog, err error) {
	ctx, done := c.start(ctx, "checker.logs", org, kind)
	defer func() { done(err) }()

	orgs, err := api.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	member := false
	for _, o := range orgs {
		if o.ID == org {
			member = true
			break
		}
	}
	if !member {
		return nil, ErrNotMember
	}

	logs, err = c.store.ListLogs(ctx, storage.LogQuery{Org: org, Resource: kind})
	if err != nil {
		return nil, fmt.Errorf("list %s logs for %s: %w", kind, org, err)
	}
	if logs == nil {
		logs = []storage.ComplianceLog{}
	}
	return logs, nil
}

func (c *Checker) orgProjects(ctx context.Context, api Upstream, org string) ([]upstream.Project, error) {
	all, err := api.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	projects := make([]upstream.Project, 0, len(all))
	for _, p := range all {
		if p.OrganizationID == org {
			projects = append(projects, p)
		}
	}
	return projects, nil
}

// reconcile persists records under the org lock and publishes the outcome.
func (c *Checker) reconcile(ctx context.Context, org string, kind compliance.Kind, records []storage.Record, passing bool, breaches int) error {
	started := c.now()

	unlock, err := c.locker.Lock(ctx, "reconcile:"+org)
	if err != nil {
		return fmt.Errorf("lock org %s: %w", org, err)
	}
	res, err := func() (reconciler.Result, error) {
		defer unlock()
		return c.engine.Reconcile(ctx, org, kind, records)
	}()

	c.emit(ctx, emitter.CheckResult{
		Org:       org,
		Kind:      kind,
		LineItems: len(records),
		Breaches:  breaches,
		Passing:   passing,
		Logs:      res.Logs,
		Duration:  c.now().Sub(started),
		Error:     err,
	})
	return err
}

func (c *Checker) emit(ctx context.Context, result emitter.CheckResult) {
	if err := c.emitter.Emit(ctx, result); err != nil {
		c.logger.Warn().Ctx(ctx).
			Err(err).
			Str("org", result.Org).
			Str("resource", string(result.Kind)).
			Msg("failed to emit check result")
	}
}

func (c *Checker) start(ctx context.Context, name, org string, kind compliance.Kind) (context.Context, func(error)) {
	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("org", org),
		attribute.String("resource", string(kind)),
	))
	started := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error().Ctx(ctx).
				Err(err).
				Str("org", org).
				Str("resource", string(kind)).
				Msg(name + " failed")
		} else {
			c.logger.Debug().Ctx(ctx).
				Str("org", org).
				Str("resource", string(kind)).
				Dur("duration", time.Since(started)).
				Msg(name + " completed")
		}
		span.End()
	}
}
