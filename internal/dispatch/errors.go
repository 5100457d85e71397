package dispatch

import (
	"errors"
	"fmt"
)

// TransientForwardError is a failure worth retrying: the gateway was
// unreachable, timed out, throttled us or failed internally.
type TransientForwardError struct {
	StatusCode int
	Err        error
}

func (e *TransientForwardError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("forward failed: %v", e.Err)
}

func (e *TransientForwardError) Unwrap() error { return e.Err }

// PermanentForwardError is a failure retrying cannot fix, such as the gateway
// rejecting the request.
type PermanentForwardError struct {
	StatusCode int
	Err        error
}

func (e *PermanentForwardError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("forward rejected: %v", e.Err)
}

func (e *PermanentForwardError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var perm *PermanentForwardError
	return errors.As(err, &perm)
}

// classifyStatus maps a gateway status code onto the forward error types.
// It returns nil for 2xx.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 429 || code >= 500:
		return &TransientForwardError{StatusCode: code}
	default:
		return &PermanentForwardError{StatusCode: code}
	}
}
