package compliance

// Rules checked for each kind.
var (
	RulePITR = Rule{Name: "Point in Time Recovery (PITR)", Description: "PITR is disabled"}
	RuleRLS  = Rule{Name: "Row Level Security (RLS)", Description: "RLS is disabled"}
	RuleMFA  = Rule{Name: "Multi-Factor Authentication", Description: "MFA is disabled"}
)

// EvaluateProject checks that point in time recovery is enabled.
func EvaluateProject(item ProjectItem, pitrEnabled bool) LineItem[ProjectItem] {
	return evaluate(item, pitrEnabled, RulePITR)
}

// EvaluateTable checks that row level security is enabled.
func EvaluateTable(item TableItem, rlsEnabled bool) LineItem[TableItem] {
	return evaluate(item, rlsEnabled, RuleRLS)
}

// EvaluateUser checks that the member has multi-factor authentication enabled.
func EvaluateUser(item UserItem) LineItem[UserItem] {
	return evaluate(item, item.MFAEnabled, RuleMFA)
}

func evaluate[T any](item T, ok bool, rule Rule) LineItem[T] {
	li := LineItem[T]{
		Item:     item,
		Breached: []Rule{},
		Fix:      []Fix{},
	}
	if !ok {
		li.Breached = append(li.Breached, rule)
	}
	return li
}
