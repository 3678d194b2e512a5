package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/vouch/pkg/compliance"
)

// EmptySnapshot marks the previous state of a resource seen for the first time.
const EmptySnapshot = "{}"

// Record is the last known compliance state of one resource in one organization.
// Only the fields relevant to Kind are set.
type Record struct {
	Kind      compliance.Kind `json:"-"`
	ID        string          `json:"id"`
	Org       string          `json:"org"`
	Name      string          `json:"name"`
	Region    string          `json:"region,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Schema    string          `json:"schema,omitempty"`
	Role      string          `json:"role,omitempty"`
	Email     string          `json:"email,omitempty"`
	Compliant bool            `json:"compliant"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Snapshot serializes the record for the compliance log.
func (r Record) Snapshot() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal %s record %s: %w", r.Kind, r.ID, err)
	}
	return string(data), nil
}

// ComplianceLog is an append-only audit entry.
type ComplianceLog struct {
	ID          string          `json:"id"`
	Org         string          `json:"org"`
	Previous    string          `json:"previous"`
	Current     string          `json:"current"`
	Description string          `json:"description"`
	Resource    compliance.Kind `json:"resource"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewLog builds a log entry with a fresh id.
func NewLog(org string, resource compliance.Kind, previous, current, description string, at time.Time) ComplianceLog {
	return ComplianceLog{
		ID:          uuid.NewString(),
		Org:         org,
		Previous:    previous,
		Current:     current,
		Description: description,
		Resource:    resource,
		CreatedAt:   at,
	}
}

// LogQuery filters the compliance log. Empty fields match everything.
type LogQuery struct {
	Org      string
	Resource compliance.Kind
	Limit    int
}

func (q LogQuery) matches(entry ComplianceLog) bool {
	if q.Org != "" && entry.Org != q.Org {
		return false
	}
	if q.Resource != "" && entry.Resource != q.Resource {
		return false
	}
	return true
}
