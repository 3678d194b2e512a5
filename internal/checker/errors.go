package checker

import "errors"

// ErrNotMember is returned when the token cannot see the requested organization.
var ErrNotMember = errors.New("cannot request compliance logs for orgs you are not apart of")

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}
