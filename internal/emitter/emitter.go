// Package emitter publishes compliance check outcomes to observability and
// event backends.
package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/pkg/compliance"
)

// CheckResult is the outcome of one compliance check or remediation.
type CheckResult struct {
	Org       string
	Kind      compliance.Kind
	LineItems int
	Breaches  int
	Passing   bool
	// Logs holds the audit entries written during the run.
	Logs     []storage.ComplianceLog
	Duration time.Duration
	// Remediation marks results produced by a fix rather than a check.
	Remediation bool
	Error       error
}

// Emitter outputs check results to a backend.
type Emitter interface {
	// Emit sends the result to the backend.
	Emit(ctx context.Context, result CheckResult) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to every emitter and joins their errors.
func (m *MultiEmitter) Emit(ctx context.Context, result CheckResult) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards results.
type Nop struct{}

func (Nop) Emit(context.Context, CheckResult) error { return nil }

func (Nop) Close() error { return nil }
