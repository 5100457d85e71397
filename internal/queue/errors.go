package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmpty is returned by Lease when nothing is due.
	ErrEmpty = errors.New("queue: no event due")
	// ErrNotFound is returned when an id names no row.
	ErrNotFound = errors.New("queue: event not found")
	// ErrLeaseLost is returned when an owner-guarded transition finds the
	// event no longer leased by that owner.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// DuplicateDeliveryError reports a delivery key seen within the dedup TTL.
type DuplicateDeliveryError struct {
	Key string
}

func (e *DuplicateDeliveryError) Error() string {
	return fmt.Sprintf("duplicate delivery %q", e.Key)
}

// CooldownThrottleError reports an entity that already had an event accepted
// within its cooldown window.
type CooldownThrottleError struct {
	Key       string
	Remaining time.Duration
}

func (e *CooldownThrottleError) Error() string {
	return fmt.Sprintf("cooldown active for %q (%s remaining)", e.Key, e.Remaining.Round(time.Millisecond))
}

// StorageError wraps a failure of the durable store itself.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
