package updater

import (
	"fmt"

	"voebot/internal/schedule"
)

// PersistError reports a failed schedule write. It wraps
// storage.ErrVersionConflict when another writer got there first.
type PersistError struct {
	Key schedule.Key
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist schedule %s: %v", e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// EnqueueError is returned when none of the notification enqueues of a
// changed schedule succeeded.
type EnqueueError struct {
	Failed int
	Total  int
	Err    error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue notifications: %d/%d failed: %v", e.Failed, e.Total, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }
