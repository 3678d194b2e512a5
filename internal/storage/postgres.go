package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yairfalse/vouch/pkg/compliance"
)

//go:embed schema.sql
var schemaSQL string

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN        string
	RequireTLS bool
	MaxConns   int32
}

type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps compliance state in Postgres.
type PostgresStore struct {
	db pgDB
}

// NewPostgresStore connects, applies the schema and returns a store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pool, err := NewPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresPool opens a pgx pool, retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	if cfg.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MinConns = 1
	pcfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, pcfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid postgres dsn: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("storage.require_tls is set but sslmode=%q is insecure", sslmode)
	default:
		return errors.New("storage.require_tls requires explicit sslmode=require|verify-ca|verify-full")
	}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Update runs fn inside a Postgres transaction.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// AppendLog inserts a standalone log entry.
func (s *PostgresStore) AppendLog(ctx context.Context, entry ComplianceLog) error {
	return insertLog(ctx, s.db, entry)
}

// ListLogs returns matching entries, newest first.
func (s *PostgresStore) ListLogs(ctx context.Context, q LogQuery) ([]ComplianceLog, error) {
	sql := `SELECT id::text, org, previous, current, description, resource, created_at
		FROM compliance_logs
		WHERE ($1 = '' OR org = $1) AND ($2 = '' OR resource = $2)
		ORDER BY created_at DESC, id DESC`
	args := []any{q.Org, string(q.Resource)}
	if q.Limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ComplianceLog, error) {
		var entry ComplianceLog
		var resource string
		err := row.Scan(&entry.ID, &entry.Org, &entry.Previous, &entry.Current, &entry.Description, &resource, &entry.CreatedAt)
		entry.Resource = compliance.Kind(resource)
		entry.CreatedAt = entry.CreatedAt.UTC()
		return entry, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan logs: %w", err)
	}
	return logs, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLog(ctx context.Context, db execer, entry ComplianceLog) error {
	_, err := db.Exec(ctx, `
		INSERT INTO compliance_logs (id, org, previous, current, description, resource, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.Org, entry.Previous, entry.Current, entry.Description, string(entry.Resource), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// pgTx adapts a pgx transaction to Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetRecord(ctx context.Context, kind compliance.Kind, id, org string) (Record, error) {
	rec := Record{Kind: kind}
	var row pgx.Row
	switch kind {
	case compliance.KindProject:
		row = t.tx.QueryRow(ctx, `
			SELECT id, org, name, region, compliant, created_at, updated_at
			FROM compliance_projects WHERE id = $1 AND org = $2`, id, org)
		err := row.Scan(&rec.ID, &rec.Org, &rec.Name, &rec.Region, &rec.Compliant, &rec.CreatedAt, &rec.UpdatedAt)
		return finishRecord(rec, err)
	case compliance.KindTable:
		row = t.tx.QueryRow(ctx, `
			SELECT id, org, name, project_id, schema_name, compliant, created_at, updated_at
			FROM compliance_tables WHERE id = $1 AND org = $2`, id, org)
		err := row.Scan(&rec.ID, &rec.Org, &rec.Name, &rec.ProjectID, &rec.Schema, &rec.Compliant, &rec.CreatedAt, &rec.UpdatedAt)
		return finishRecord(rec, err)
	case compliance.KindUser:
		row = t.tx.QueryRow(ctx, `
			SELECT id, org, name, role, email, compliant, created_at, updated_at
			FROM compliance_users WHERE id = $1 AND org = $2`, id, org)
		err := row.Scan(&rec.ID, &rec.Org, &rec.Name, &rec.Role, &rec.Email, &rec.Compliant, &rec.CreatedAt, &rec.UpdatedAt)
		return finishRecord(rec, err)
	default:
		return Record{}, fmt.Errorf("unknown resource kind %q", kind)
	}
}

func finishRecord(rec Record, err error) (Record, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s record: %w", rec.Kind, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (t *pgTx) PutRecord(ctx context.Context, rec Record) error {
	var err error
	switch rec.Kind {
	case compliance.KindProject:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO compliance_projects (id, org, name, region, compliant, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id, org) DO UPDATE SET
				name = EXCLUDED.name,
				region = EXCLUDED.region,
				compliant = EXCLUDED.compliant,
				updated_at = EXCLUDED.updated_at`,
			rec.ID, rec.Org, rec.Name, rec.Region, rec.Compliant, rec.CreatedAt, rec.UpdatedAt)
	case compliance.KindTable:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO compliance_tables (id, org, name, project_id, schema_name, compliant, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id, org) DO UPDATE SET
				name = EXCLUDED.name,
				project_id = EXCLUDED.project_id,
				schema_name = EXCLUDED.schema_name,
				compliant = EXCLUDED.compliant,
				updated_at = EXCLUDED.updated_at`,
			rec.ID, rec.Org, rec.Name, rec.ProjectID, rec.Schema, rec.Compliant, rec.CreatedAt, rec.UpdatedAt)
	case compliance.KindUser:
		_, err = t.tx.Exec(ctx, `
			INSERT INTO compliance_users (id, org, name, role, email, compliant, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id, org) DO UPDATE SET
				name = EXCLUDED.name,
				role = EXCLUDED.role,
				email = EXCLUDED.email,
				compliant = EXCLUDED.compliant,
				updated_at = EXCLUDED.updated_at`,
			rec.ID, rec.Org, rec.Name, rec.Role, rec.Email, rec.Compliant, rec.CreatedAt, rec.UpdatedAt)
	default:
		return fmt.Errorf("unknown resource kind %q", rec.Kind)
	}
	if err != nil {
		return fmt.Errorf("upsert %s record %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (t *pgTx) AppendLog(ctx context.Context, entry ComplianceLog) error {
	return insertLog(ctx, t.tx, entry)
}
