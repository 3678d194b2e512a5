package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vouch/pkg/compliance"
)

// runStoreSuite exercises behaviour every Store backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("missing record", func(t *testing.T) {
		s := open(t)
		err := s.Update(context.Background(), func(tx Tx) error {
			_, err := tx.GetRecord(context.Background(), compliance.KindProject, "nope", "org1")
			return err
		})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("put then get per kind", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		records := []Record{
			{Kind: compliance.KindProject, ID: "ref1", Org: "org1", Name: "prod", Region: "us-east-1", Compliant: true, CreatedAt: now, UpdatedAt: now},
			{Kind: compliance.KindTable, ID: "ref1.public.todos", Org: "org1", Name: "todos", ProjectID: "ref1", Schema: "public", CreatedAt: now, UpdatedAt: now},
			{Kind: compliance.KindUser, ID: "u1", Org: "org1", Name: "ada", Role: "Owner", Email: "ada@example.com", Compliant: true, CreatedAt: now, UpdatedAt: now},
		}

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for _, rec := range records {
				if err := tx.PutRecord(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		}))

		for _, want := range records {
			var got Record
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				var err error
				got, err = tx.GetRecord(ctx, want.Kind, want.ID, want.Org)
				return err
			}))
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.Name, got.Name)
			assert.Equal(t, want.Region, got.Region)
			assert.Equal(t, want.ProjectID, got.ProjectID)
			assert.Equal(t, want.Schema, got.Schema)
			assert.Equal(t, want.Role, got.Role)
			assert.Equal(t, want.Email, got.Email)
			assert.Equal(t, want.Compliant, got.Compliant)
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		}
	})

	t.Run("same id in another org is a different record", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutRecord(ctx, Record{Kind: compliance.KindUser, ID: "u1", Org: "org1", Name: "ada", CreatedAt: now, UpdatedAt: now})
		}))

		err := s.Update(ctx, func(tx Tx) error {
			_, err := tx.GetRecord(ctx, compliance.KindUser, "u1", "org2")
			return err
		})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("upsert keeps created at", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		updated := created.Add(time.Hour)

		rec := Record{Kind: compliance.KindProject, ID: "ref1", Org: "org1", Name: "prod", CreatedAt: created, UpdatedAt: created}
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutRecord(ctx, rec) }))

		rec.Name = "production"
		rec.Compliant = true
		rec.CreatedAt = updated
		rec.UpdatedAt = updated
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutRecord(ctx, rec) }))

		var got Record
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			var err error
			got, err = tx.GetRecord(ctx, compliance.KindProject, "ref1", "org1")
			return err
		}))
		assert.Equal(t, "production", got.Name)
		assert.True(t, got.Compliant)
		assert.True(t, updated.Equal(got.UpdatedAt))
	})

	t.Run("failed transaction writes nothing", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.PutRecord(ctx, Record{Kind: compliance.KindTable, ID: "t1", Org: "org1", Name: "t", CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
			if err := tx.AppendLog(ctx, NewLog("org1", compliance.KindTable, EmptySnapshot, "{}", "x", now)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		logs, err := s.ListLogs(ctx, LogQuery{Org: "org1", Resource: compliance.KindTable})
		require.NoError(t, err)
		assert.Empty(t, logs)

		err = s.Update(ctx, func(tx Tx) error {
			_, err := tx.GetRecord(ctx, compliance.KindTable, "t1", "org1")
			return err
		})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("logs newest first and filtered", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		entries := []ComplianceLog{
			NewLog("org1", compliance.KindProject, EmptySnapshot, `{"id":"a"}`, "first", base),
			NewLog("org1", compliance.KindProject, `{"id":"a"}`, `{"id":"a"}`, "second", base.Add(time.Minute)),
			NewLog("org1", compliance.KindUser, EmptySnapshot, `{"id":"u"}`, "user", base.Add(2*time.Minute)),
			NewLog("org2", compliance.KindProject, EmptySnapshot, `{"id":"b"}`, "other org", base.Add(3*time.Minute)),
		}
		for _, e := range entries {
			require.NoError(t, s.AppendLog(ctx, e))
		}

		logs, err := s.ListLogs(ctx, LogQuery{Org: "org1", Resource: compliance.KindProject})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "second", logs[0].Description)
		assert.Equal(t, "first", logs[1].Description)
		assert.Equal(t, EmptySnapshot, logs[1].Previous)
		assert.Equal(t, entries[0].ID, logs[1].ID)

		all, err := s.ListLogs(ctx, LogQuery{Resource: compliance.KindProject})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "other org", all[0].Description)

		limited, err := s.ListLogs(ctx, LogQuery{Org: "org1", Resource: compliance.KindProject, Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "second", limited[0].Description)
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
