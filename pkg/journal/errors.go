package journal

import (
	"errors"
	"fmt"
)

// Sentinel errors for the journal subsystem.
var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("journal: closed")

	// ErrCapacity is returned when a bounded backend cannot accept another
	// entry. It wraps into the StorageError taxonomy.
	ErrCapacity = errors.New("journal: capacity exceeded")
)

// SerializationError reports a malformed frame or an unrecognized entry in a
// position where it was semantically required.
type SerializationError struct {
	Seq    uint64
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("journal: serialization failed at seq %d: %s: %v", e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("journal: serialization failed at seq %d: %s", e.Seq, e.Reason)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StorageError reports an I/O or capacity failure in a backend.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("journal: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// OrderingViolation reports an entry that cannot be the logical successor of
// the current state, e.g. writing to a descriptor that was never opened.
type OrderingViolation struct {
	Seq    uint64
	Reason string
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("journal: ordering violation at seq %d: %s", e.Seq, e.Reason)
}

// ReplayError reports an entry that failed to apply to a live runtime
// instance during restore.
type ReplayError struct {
	Seq    uint64
	Kind   Kind
	Reason string
	Err    error
}

func (e *ReplayError) Error() string {
	msg := fmt.Sprintf("journal: replay of %s at seq %d failed: %s", e.Kind, e.Seq, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReplayError) Unwrap() error { return e.Err }
