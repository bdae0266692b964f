package syncer

import (
	"errors"
	"fmt"
)

// ErrOffline is returned by DrainOnce while connectivity is down.
var ErrOffline = errors.New("authority offline")

// StorageError is a local persistence failure during a drain. It is fatal to
// the affected item only; the item stays where it was and is picked up
// again by recovery or a later drain.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
