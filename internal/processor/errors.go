package processor

import "fmt"

// ProcessingError marks a message that can never be processed. It is
// acknowledged so the partition keeps moving.
type ProcessingError struct {
	Partition int32
	Offset    int64
	Reason    string
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("poison message at %d/%d: %s: %v", e.Partition, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("poison message at %d/%d: %s", e.Partition, e.Offset, e.Reason)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a record that storage kept rejecting after all retries
type PersistenceError struct {
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s failed after %d attempt(s): %v", e.IdempotencyKey, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
