package source

import (
	"fmt"
	"net/http"
)

// AuthenticationError reports a missing or mismatched request signature.
// Reason is safe to log; it never contains request content.
type AuthenticationError struct {
	Source string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s webhook authentication failed: %s", e.Source, e.Reason)
}

// ValidationError reports an authentic request the relay refuses to process.
// Status is the HTTP status ingress answers with (400 or 401).
type ValidationError struct {
	Source string
	Reason string
	Status int
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook rejected: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook rejected: %s", e.Source, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// HTTPStatus defaults to 400 when Status is unset.
func (e *ValidationError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

// UnknownSourceError is returned when a route names no registered adapter.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown webhook source %q", e.Name)
}
