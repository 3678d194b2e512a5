// Package storage persists compliance records and the compliance audit log.
package storage

import (
	"context"
	"errors"

	"github.com/yairfalse/vouch/pkg/compliance"
)

// ErrNotFound is returned when a compliance record does not exist.
var ErrNotFound = errors.New("record not found")

// RecordReader reads compliance records inside a transaction.
type RecordReader interface {
	GetRecord(ctx context.Context, kind compliance.Kind, id, org string) (Record, error)
}

// RecordWriter writes compliance records and log entries inside a transaction.
type RecordWriter interface {
	PutRecord(ctx context.Context, rec Record) error
	AppendLog(ctx context.Context, entry ComplianceLog) error
}

// Tx is a read-write transaction.
type Tx interface {
	RecordReader
	RecordWriter
}

// LogReader queries the compliance log.
type LogReader interface {
	ListLogs(ctx context.Context, q LogQuery) ([]ComplianceLog, error)
}

// Store is the complete storage interface.
type Store interface {
	LogReader

	// Update runs fn in a single atomic transaction. Nothing fn wrote is
	// kept when it returns an error.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// AppendLog writes a standalone log entry.
	AppendLog(ctx context.Context, entry ComplianceLog) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
