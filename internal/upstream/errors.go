package upstream

import "fmt"

// ErrorName is the name reported for every upstream API failure.
const ErrorName = "ManagementAPIError"

// APIError is a non-2xx response from the management API.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.StatusCode, e.Message)
}
