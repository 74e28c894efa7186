// Package driver defines the persistence contract that active stores delegate
// durability and remote-change notification to, and ships the drivers used by
// this module: volatile memory, plain files, SQLite and LevelDB.
//
// Drivers move opaque bytes tagged with a monotonically increasing version.
// A write is accepted only when it carries the next version, which lets a
// store detect that another writer got there first.
package driver

import (
	"context"
	"fmt"

	"github.com/tailored-agentic-units/replica/storagekey"
)

// Exists expresses what a store expects to find when its driver is created.
type Exists int

const (
	// ShouldExist requires previously persisted state.
	ShouldExist Exists = iota
	// ShouldCreate requires that nothing is persisted yet.
	ShouldCreate
	// MayExist accepts either.
	MayExist
)

func (e Exists) String() string {
	switch e {
	case ShouldExist:
		return "ShouldExist"
	case ShouldCreate:
		return "ShouldCreate"
	case MayExist:
		return "MayExist"
	default:
		return fmt.Sprintf("Exists(%d)", int(e))
	}
}

// Receiver is notified of persisted state: once at registration when state
// already exists, and again whenever another writer changes it. Receivers
// must not block.
type Receiver func(data []byte, version int)

// Driver persists one serialized model.
type Driver interface {
	// RegisterReceiver installs the change receiver and immediately delivers
	// any persisted state to it.
	RegisterReceiver(ctx context.Context, receiver Receiver) error
	// Send persists data as the given version. It returns false without error
	// when version is not exactly one past the persisted version.
	Send(ctx context.Context, data []byte, version int) (bool, error)
	// Close releases the driver. Later calls fail with ErrClosed.
	Close() error
}

// Provider creates drivers for storage keys.
type Provider interface {
	Driver(ctx context.Context, key storagekey.StorageKey, exists Exists) (Driver, error)
}

// checkExists applies the Exists expectation to whether state is present.
func checkExists(key string, exists Exists, present bool) error {
	switch {
	case exists == ShouldExist && !present:
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	case exists == ShouldCreate && present:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	return nil
}
