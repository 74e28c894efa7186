package driver

import "errors"

// Sentinel errors for driver construction and use.
var (
	ErrNotFound       = errors.New("storage not found")
	ErrAlreadyExists  = errors.New("storage already exists")
	ErrUnsupportedKey = errors.New("unsupported storage key")
	ErrClosed         = errors.New("driver is closed")
	ErrCorrupt        = errors.New("persisted record is corrupt")
)
