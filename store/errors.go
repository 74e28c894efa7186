package store

import "errors"

// Sentinel errors returned by descriptors and active stores.
var (
	ErrConfiguration   = errors.New("invalid store configuration")
	ErrNotImplemented  = errors.New("not implemented")
	ErrUnknownCallback = errors.New("unknown callback")
	ErrRejected        = errors.New("store rejected the update")
	ErrCallbackPanic   = errors.New("callback panicked")
	ErrDecode          = errors.New("cannot decode persisted model")

	errStale = errors.New("driver holds a newer version")
)
