// Package reconciler persists evaluated compliance state and records
// compliance transitions in the audit log.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// Result summarizes one reconciliation run.
type Result struct {
	Reconciled int
	Logs       []storage.ComplianceLog
}

// Engine reconciles evaluated records against stored compliance state.
type Engine struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a reconciler engine.
func NewEngine(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile processes records one at a time, in order. Each record is read,
// upserted and (if needed) logged in its own transaction, so a failure leaves
// earlier records committed and skips the rest.
//
// Each record carries its descriptive fields and Compliant flag; timestamps
// are assigned here.
func (e *Engine) Reconcile(ctx context.Context, org string, kind compliance.Kind, records []storage.Record) (Result, error) {
	result := Result{Logs: make([]storage.ComplianceLog, 0)}

	for i, rec := range records {
		rec.Kind = kind
		if rec.Org == "" {
			rec.Org = org
		}

		entry, logged, err := e.reconcileOne(ctx, org, rec)
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("org", org).
				Str("resource", string(kind)).
				Str("resource_id", rec.ID).
				Int("reconciled", result.Reconciled).
				Int("remaining", len(records)-i).
				Msg("reconciliation stopped")
			return result, fmt.Errorf("reconcile %s %s: %w", kind, rec.ID, err)
		}

		result.Reconciled++
		if logged {
			result.Logs = append(result.Logs, entry)
		}
	}

	return result, nil
}

func (e *Engine) reconcileOne(ctx context.Context, org string, next storage.Record) (storage.ComplianceLog, bool, error) {
	var (
		entry  storage.ComplianceLog
		logged bool
	)

	err := e.store.Update(ctx, func(tx storage.Tx) error {
		logged = false

		old, err := tx.GetRecord(ctx, next.Kind, next.ID, next.Org)
		found := true
		if errors.Is(err, storage.ErrNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		now := e.now().UTC().Truncate(time.Microsecond)
		next.UpdatedAt = now
		if found {
			next.CreatedAt = old.CreatedAt
		} else {
			next.CreatedAt = now
		}

		if err := tx.PutRecord(ctx, next); err != nil {
			return err
		}

		var oldPtr *storage.Record
		if found {
			oldPtr = &old
		}
		entry, logged, err = auditEntry(org, oldPtr, next, now)
		if err != nil || !logged {
			return err
		}
		return tx.AppendLog(ctx, entry)
	})
	if err != nil {
		return storage.ComplianceLog{}, false, err
	}

	if logged {
		e.logger.Info().
			Str("org", org).
			Str("resource", string(next.Kind)).
			Str("resource_id", next.ID).
			Bool("compliant", next.Compliant).
			Bool("first_seen", entry.Previous == storage.EmptySnapshot).
			Msg("compliance state recorded")
	}
	return entry, logged, nil
}

// auditEntry decides whether a change is worth a log entry: always for a
// first observation, otherwise only when the compliant flag flipped.
func auditEntry(org string, old *storage.Record, next storage.Record, at time.Time) (storage.ComplianceLog, bool, error) {
	if old != nil && old.Compliant == next.Compliant {
		return storage.ComplianceLog{}, false, nil
	}

	current, err := next.Snapshot()
	if err != nil {
		return storage.ComplianceLog{}, false, err
	}

	previous := storage.EmptySnapshot
	if old != nil {
		previous, err = old.Snapshot()
		if err != nil {
			return storage.ComplianceLog{}, false, err
		}
	}

	description := next.Kind.CheckDescription(next.Compliant)
	return storage.NewLog(org, next.Kind, previous, current, description, at), true, nil
}
