package host

import "errors"

var (
	ErrDuplicateStore = errors.New("store already registered")
	ErrStoreNotFound  = errors.New("store not found")
)
