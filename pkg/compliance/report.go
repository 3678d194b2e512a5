package compliance

// Aggregate builds a report from line items, preserving their order.
// The report passes only when no line item breached a rule.
func Aggregate[T any](items []LineItem[T]) Report[T] {
	report := Report[T]{
		LineItems: make([]LineItem[T], 0, len(items)),
		Passing:   true,
	}
	for _, li := range items {
		if !li.Compliant() {
			report.Passing = false
		}
		report.LineItems = append(report.LineItems, li)
	}
	return report
}
