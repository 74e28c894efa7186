package storagekey

import "errors"

var (
	ErrInvalidKey      = errors.New("invalid storage key")
	ErrUnknownProtocol = errors.New("unknown storage key protocol")
)
