// Package compliance defines the compliance report model for Vouch.
// Evaluation is pure: nothing in this package touches storage or the network.
package compliance

import "fmt"

// Kind identifies the resource kind a rule is evaluated against.
type Kind string

const (
	KindProject Kind = "project"
	KindTable   Kind = "table"
	KindUser    Kind = "user"
)

// Kinds lists every supported kind in evaluation order.
var Kinds = []Kind{KindProject, KindTable, KindUser}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindProject, KindTable, KindUser:
		return k, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
}

// CheckDescription returns the audit log description for a check outcome.
func (k Kind) CheckDescription(compliant bool) string {
	outcome := "failed"
	if compliant {
		outcome = "passed"
	}
	return fmt.Sprintf("%s %s compliance checks: %s", k, outcome, k.checkName())
}

func (k Kind) checkName() string {
	switch k {
	case KindProject:
		return "Point In Time Recovery (PITR)"
	case KindTable:
		return "Row Level Security (RLS)"
	case KindUser:
		return "MFA"
	default:
		return string(k)
	}
}

// Rule describes a violated requirement.
type Rule struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Fix describes a remediation step. Nothing populates it yet.
type Fix struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LineItem is one evaluated resource together with the rules it breached.
type LineItem[T any] struct {
	Item     T      `json:"item"`
	Breached []Rule `json:"breached"`
	Fix      []Fix  `json:"fix"`
}

// Compliant reports whether the item breached no rules.
func (li LineItem[T]) Compliant() bool {
	return len(li.Breached) == 0
}

// Report aggregates line items for one resource kind.
type Report[T any] struct {
	LineItems []LineItem[T] `json:"lineItems"`
	Passing   bool          `json:"passing"`
}

// Breaches counts line items with at least one breached rule.
func (r Report[T]) Breaches() int {
	n := 0
	for _, li := range r.LineItems {
		if !li.Compliant() {
			n++
		}
	}
	return n
}

// ProjectItem is the project snapshot carried in a project report.
type ProjectItem struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
	Region         string `json:"region"`
}

// TableItem is the table snapshot carried in a table report.
type TableItem struct {
	ProjectID  string `json:"project_id"`
	TableName  string `json:"table_name"`
	SchemaName string `json:"schema_name"`
}

// ResourceID identifies the table across projects and schemas.
func (t TableItem) ResourceID() string {
	return t.ProjectID + "." + t.SchemaName + "." + t.TableName
}

// UserItem is the organization member snapshot carried in a user report.
type UserItem struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	Email      string `json:"email"`
	RoleName   string `json:"role_name"`
	MFAEnabled bool   `json:"mfa_enabled"`
}
