package checker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vouch/internal/emitter"
	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/internal/upstream"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// fakeUpstream serves canned Management API responses.
type fakeUpstream struct {
	orgs     []upstream.Organization
	projects []upstream.Project
	pitr     map[string]bool
	tables   map[string][]upstream.TableRow
	members  map[string][]upstream.Member

	err error

	mu      sync.Mutex
	queries []string
}

func (f *fakeUpstream) ListOrganizations(context.Context) ([]upstream.Organization, error) {
	return f.orgs, f.err
}

func (f *fakeUpstream) ListProjects(context.Context) ([]upstream.Project, error) {
	return f.projects, f.err
}

func (f *fakeUpstream) GetBackupConfig(_ context.Context, ref string) (*upstream.BackupConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.BackupConfig{PITREnabled: f.pitr[ref]}, nil
}

func (f *fakeUpstream) RunQuery(_ context.Context, ref, query string) (json.RawMessage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if query != tableCatalogQuery {
		return json.RawMessage(`[]`), nil
	}
	data, err := json.Marshal(f.tables[ref])
	return data, err
}

func (f *fakeUpstream) ListOrganizationMembers(_ context.Context, slug string) ([]upstream.Member, error) {
	return f.members[slug], f.err
}

type recordingEmitter struct {
	results []emitter.CheckResult
	err     error
}

func (r *recordingEmitter) Emit(_ context.Context, result emitter.CheckResult) error {
	r.results = append(r.results, result)
	return r.err
}

func (r *recordingEmitter) Close() error { return nil }

func newTestChecker(t *testing.T, opts ...Option) (*Checker, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "vouch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(store, opts...), store
}

func listLogs(t *testing.T, store storage.Store, org string, kind compliance.Kind) []storage.ComplianceLog {
	t.Helper()
	logs, err := store.ListLogs(context.Background(), storage.LogQuery{Org: org, Resource: kind})
	require.NoError(t, err)
	return logs
}

func TestProjects_FiltersByOrgAndEvaluatesPITR(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{
		projects: []upstream.Project{
			{ID: "p1", OrganizationID: "acme", Name: "api", Region: "us-east-1"},
			{ID: "p2", OrganizationID: "acme", Name: "web", Region: "eu-west-1"},
			{ID: "p3", OrganizationID: "other", Name: "x", Region: "us-east-1"},
		},
		pitr: map[string]bool{"p1": true, "p2": false},
	}

	report, err := c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)

	require.Len(t, report.LineItems, 2)
	assert.False(t, report.Passing)
	assert.Equal(t, "p1", report.LineItems[0].Item.ID)
	assert.Empty(t, report.LineItems[0].Breached)
	require.Len(t, report.LineItems[1].Breached, 1)
	assert.Equal(t, compliance.RulePITR, report.LineItems[1].Breached[0])

	logs := listLogs(t, store, "acme", compliance.KindProject)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, storage.EmptySnapshot, l.Previous)
	}
	assert.Empty(t, listLogs(t, store, "other", compliance.KindProject))
}

func TestProjects_SecondRunIsIdempotent(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{
		projects: []upstream.Project{{ID: "p1", OrganizationID: "acme", Name: "api"}},
		pitr:     map[string]bool{"p1": true},
	}

	_, err := c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)
	_, err = c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)

	assert.Len(t, listLogs(t, store, "acme", compliance.KindProject), 1)
}

func TestProjects_TransitionLogsPreviousState(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{
		projects: []upstream.Project{{ID: "p1", OrganizationID: "acme", Name: "api"}},
		pitr:     map[string]bool{"p1": false},
	}

	_, err := c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)

	api.pitr["p1"] = true
	report, err := c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)
	assert.True(t, report.Passing)

	logs := listLogs(t, store, "acme", compliance.KindProject)
	require.Len(t, logs, 2)
	assert.Equal(t, "project passed compliance checks: Point In Time Recovery (PITR)", logs[0].Description)
	assert.Contains(t, logs[0].Previous, `"compliant":false`)
	assert.Contains(t, logs[0].Current, `"compliant":true`)
}

func TestProjects_UpstreamFailureSkipsPersistence(t *testing.T) {
	c, store := newTestChecker(t)
	apiErr := &upstream.APIError{StatusCode: http.StatusForbidden, Name: upstream.ErrorName, Message: "Failed to get projects: forbidden"}
	api := &fakeUpstream{err: apiErr}

	_, err := c.Projects(context.Background(), api, "acme")

	var target *upstream.APIError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, http.StatusForbidden, target.StatusCode)
	assert.Empty(t, listLogs(t, store, "acme", compliance.KindProject))
}

func TestProjects_NoProjects(t *testing.T) {
	c, _ := newTestChecker(t)

	report, err := c.Projects(context.Background(), &fakeUpstream{}, "acme")
	require.NoError(t, err)
	assert.True(t, report.Passing)
	assert.NotNil(t, report.LineItems)
	assert.Empty(t, report.LineItems)
}

func TestTables_FlattensRowsAcrossProjects(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{
		projects: []upstream.Project{
			{ID: "p1", OrganizationID: "acme"},
			{ID: "p2", OrganizationID: "acme"},
		},
		tables: map[string][]upstream.TableRow{
			"p1": {
				{SchemaName: "public", TableName: "accounts", RLSEnabled: true},
				{SchemaName: "public", TableName: "orders", RLSEnabled: false},
			},
			"p2": {
				{SchemaName: "public", TableName: "accounts", RLSEnabled: true},
			},
		},
	}

	report, err := c.Tables(context.Background(), api, "acme")
	require.NoError(t, err)

	require.Len(t, report.LineItems, 3)
	assert.False(t, report.Passing)
	assert.Equal(t, compliance.TableItem{ProjectID: "p1", TableName: "accounts", SchemaName: "public"}, report.LineItems[0].Item)
	assert.Equal(t, compliance.TableItem{ProjectID: "p1", TableName: "orders", SchemaName: "public"}, report.LineItems[1].Item)
	assert.Equal(t, compliance.TableItem{ProjectID: "p2", TableName: "accounts", SchemaName: "public"}, report.LineItems[2].Item)
	assert.Equal(t, []compliance.Rule{compliance.RuleRLS}, report.LineItems[1].Breached)

	// same table name in two projects is tracked separately
	assert.Len(t, listLogs(t, store, "acme", compliance.KindTable), 3)
}

func TestTables_OnlyNewlyFailingTableIsLogged(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{
		projects: []upstream.Project{{ID: "p1", OrganizationID: "acme"}},
		tables: map[string][]upstream.TableRow{
			"p1": {{SchemaName: "public", TableName: "a", RLSEnabled: true}},
		},
	}
	_, err := c.Tables(context.Background(), api, "acme")
	require.NoError(t, err)
	require.Len(t, listLogs(t, store, "acme", compliance.KindTable), 1)

	api.tables["p1"] = append(api.tables["p1"], upstream.TableRow{SchemaName: "public", TableName: "b", RLSEnabled: false})
	report, err := c.Tables(context.Background(), api, "acme")
	require.NoError(t, err)
	require.Len(t, report.LineItems, 2)
	assert.False(t, report.Passing)

	logs := listLogs(t, store, "acme", compliance.KindTable)
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0].Current, `"name":"b"`)
	assert.Contains(t, logs[0].Current, `"compliant":false`)
	assert.Equal(t, storage.EmptySnapshot, logs[0].Previous)
	assert.Equal(t, "table failed compliance checks: Row Level Security (RLS)", logs[0].Description)
}

// panickingStore fails every transaction with a panic.
type panickingStore struct {
	storage.Store
}

func (panickingStore) Update(context.Context, func(storage.Tx) error) error {
	panic("store exploded")
}

type countingLocker struct {
	locks, unlocks int
}

func (l *countingLocker) Lock(context.Context, string) (func(), error) {
	l.locks++
	return func() { l.unlocks++ }, nil
}

func TestReconcile_PanicReleasesLock(t *testing.T) {
	_, store := newTestChecker(t)
	locker := &countingLocker{}
	c := New(panickingStore{Store: store}, WithLocker(locker))
	api := &fakeUpstream{
		projects: []upstream.Project{{ID: "p1", OrganizationID: "acme"}},
		pitr:     map[string]bool{"p1": true},
	}

	assert.Panics(t, func() {
		_, _ = c.Projects(context.Background(), api, "acme")
	})
	assert.Equal(t, 1, locker.locks)
	assert.Equal(t, 1, locker.unlocks)
}

func TestUsers_EvaluatesMFA(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{members: map[string][]upstream.Member{
		"acme": {
			{UserID: "u1", UserName: "ada", Email: "ada@example.com", RoleName: "Owner", MFAEnabled: true},
			{UserID: "u2", UserName: "bob", Email: "bob@example.com", RoleName: "Developer", MFAEnabled: false},
		},
	}}

	report, err := c.Users(context.Background(), api, "acme")
	require.NoError(t, err)

	assert.False(t, report.Passing)
	require.Len(t, report.LineItems, 2)
	assert.Empty(t, report.LineItems[0].Breached)
	assert.Equal(t, []compliance.Rule{compliance.RuleMFA}, report.LineItems[1].Breached)

	logs := listLogs(t, store, "acme", compliance.KindUser)
	require.Len(t, logs, 2)
	descriptions := []string{logs[0].Description, logs[1].Description}
	assert.Contains(t, descriptions, "user failed compliance checks: MFA")
	assert.Contains(t, descriptions, "user passed compliance checks: MFA")
}

func TestLogs_RequiresMembership(t *testing.T) {
	c, _ := newTestChecker(t)
	api := &fakeUpstream{orgs: []upstream.Organization{{ID: "other", Name: "Other"}}}

	_, err := c.Logs(context.Background(), api, "acme", compliance.KindProject)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestLogs_ScopedToOrgAndResource(t *testing.T) {
	c, _ := newTestChecker(t)
	api := &fakeUpstream{
		orgs: []upstream.Organization{{ID: "acme"}, {ID: "other"}},
		projects: []upstream.Project{
			{ID: "p1", OrganizationID: "acme"},
			{ID: "p2", OrganizationID: "other"},
		},
		members: map[string][]upstream.Member{"acme": {{UserID: "u1"}}},
	}
	ctx := context.Background()
	_, err := c.Projects(ctx, api, "acme")
	require.NoError(t, err)
	_, err = c.Projects(ctx, api, "other")
	require.NoError(t, err)
	_, err = c.Users(ctx, api, "acme")
	require.NoError(t, err)

	logs, err := c.Logs(ctx, api, "acme", compliance.KindProject)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "acme", logs[0].Org)
	assert.Equal(t, compliance.KindProject, logs[0].Resource)

	empty, err := c.Logs(ctx, api, "acme", compliance.KindTable)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestEnableRLS_ValidationBeforeUpstream(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		req  EnableRLSRequest
		want string
	}{
		{"missing ref", "", EnableRLSRequest{Table: "t", Schema: "public", Org: "acme"}, "project id not provided"},
		{"missing table", "p1", EnableRLSRequest{Schema: "public", Org: "acme"}, "table name not provided"},
		{"missing schema", "p1", EnableRLSRequest{Table: "t", Org: "acme"}, "schema name not provided"},
		{"missing org", "p1", EnableRLSRequest{Table: "t", Schema: "public"}, "org id was not provided"},
		{"table reported first", "p1", EnableRLSRequest{}, "table name not provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestChecker(t)
			api := &fakeUpstream{}

			err := c.EnableRLS(context.Background(), api, tt.ref, tt.req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.want, verr.Message)
			assert.Empty(t, api.queries)
			assert.Empty(t, listLogs(t, store, "", ""))
		})
	}
}

func TestEnableRLS_RunsQueryAndLogs(t *testing.T) {
	rec := &recordingEmitter{}
	c, store := newTestChecker(t, WithEmitter(rec))
	api := &fakeUpstream{}

	err := c.EnableRLS(context.Background(), api, "p1", EnableRLSRequest{Table: "orders", Schema: "public", Org: "acme"})
	require.NoError(t, err)

	require.Len(t, api.queries, 1)
	assert.Equal(t, `ALTER TABLE "public"."orders" ENABLE ROW LEVEL SECURITY;`, api.queries[0])

	logs := listLogs(t, store, "acme", compliance.KindTable)
	require.Len(t, logs, 1)
	assert.Equal(t, `{"name":"orders"}`, logs[0].Previous)
	assert.Equal(t, `{"name":"orders"}`, logs[0].Current)
	assert.Equal(t, "Enabled RLS via SQL query", logs[0].Description)

	require.Len(t, rec.results, 1)
	assert.True(t, rec.results[0].Remediation)
}

func TestEnableRLS_UpstreamFailureWritesNoLog(t *testing.T) {
	c, store := newTestChecker(t)
	api := &fakeUpstream{err: errors.New("connection reset")}

	err := c.EnableRLS(context.Background(), api, "p1", EnableRLSRequest{Table: "orders", Schema: "public", Org: "acme"})
	require.Error(t, err)
	assert.Empty(t, listLogs(t, store, "acme", ""))
}

func TestEnableRLSStatement_QuotesIdentifiers(t *testing.T) {
	assert.Equal(t,
		`ALTER TABLE "public"."weird""name" ENABLE ROW LEVEL SECURITY;`,
		EnableRLSStatement("public", `weird"name`))
}

func TestCheck_EmitsResult(t *testing.T) {
	rec := &recordingEmitter{err: errors.New("sink down")}
	c, _ := newTestChecker(t, WithEmitter(rec))
	api := &fakeUpstream{
		projects: []upstream.Project{{ID: "p1", OrganizationID: "acme"}},
		pitr:     map[string]bool{"p1": false},
	}

	// emit failures never fail the check
	_, err := c.Projects(context.Background(), api, "acme")
	require.NoError(t, err)

	require.Len(t, rec.results, 1)
	got := rec.results[0]
	assert.Equal(t, "acme", got.Org)
	assert.Equal(t, compliance.KindProject, got.Kind)
	assert.Equal(t, 1, got.LineItems)
	assert.Equal(t, 1, got.Breaches)
	assert.False(t, got.Passing)
	assert.Len(t, got.Logs, 1)
}
