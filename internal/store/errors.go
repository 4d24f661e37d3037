package store

import (
	"errors"
	"fmt"
)

// StorageError marks a failure of the local database itself (transaction
// abort, corruption, connection loss) as opposed to a network or
// application error. Callers must not swallow it: the sync engine
// isolates it per entity, the outbox treats it as a hard stop.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
