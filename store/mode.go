package store

import (
	"fmt"

	"github.com/tailored-agentic-units/replica/storagekey"
)

// Mode selects the active store implementation for a key.
type Mode int

const (
	// ModeDirect persists the model through a single driver.
	ModeDirect Mode = iota
	// ModeBacking is reserved for stores that hold the entities of other
	// stores. No descriptor activates into it directly.
	ModeBacking
	// ModeReferenceMode splits the model into a reference container and an
	// entity backing store.
	ModeReferenceMode
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeBacking:
		return "backing"
	case ModeReferenceMode:
		return "reference-mode"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor derives the mode from a storage key. It depends on nothing else.
func ModeFor(key storagekey.StorageKey) Mode {
	switch key.(type) {
	case storagekey.ReferenceModeKey, *storagekey.ReferenceModeKey:
		return ModeReferenceMode
	default:
		return ModeDirect
	}
}
