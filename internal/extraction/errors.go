package extraction

import (
	"errors"
	"fmt"
)

// ErrRunStopped is returned when a cooperative stop flag ends a run between
// notes or between batches.
var ErrRunStopped = errors.New("extraction run stopped")

// NoteRetrievalError is fatal for the job; whatever progress was made stays
// visible for diagnosis.
type NoteRetrievalError struct {
	Err error
}

func (e *NoteRetrievalError) Error() string {
	return fmt.Sprintf("note retrieval failed: %v", e.Err)
}

func (e *NoteRetrievalError) Unwrap() error { return e.Err }

// PersistenceError aborts the remaining batches. Batches already committed
// are not rolled back; a restart is safe because dedupe identity keys plus
// the pre-clear step make reruns idempotent.
type PersistenceError struct {
	Batch int
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("mention batch %d write failed: %v", e.Batch, e.Err)
	}
	return fmt.Sprintf("mention persistence failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
