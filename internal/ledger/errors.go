package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entry or checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a stored line that could not be parsed or whose
	// content hash does not match its payload.
	ErrValidation = errors.New("validation failure")

	// ErrIO marks a failed storage operation.
	ErrIO = errors.New("i/o failure")

	// ErrRotation marks a checkpoint write or prune that failed after the
	// active segment was sealed.
	ErrRotation = errors.New("rotation failure")
)

// RotationError is returned by Append when the entry was persisted and
// indexed but the rotation it triggered did not complete. Err wraps ErrIO
// when sealing failed and ErrRotation when the checkpoint or prune failed.
type RotationError struct {
	EntryID uint64
	Segment string
	Err     error
}

func (e *RotationError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("rotation after entry %d: %v", e.EntryID, e.Err)
	}
	return fmt.Sprintf("rotation after entry %d (segment %s): %v", e.EntryID, e.Segment, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }
