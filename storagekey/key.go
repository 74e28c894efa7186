// Package storagekey identifies where store state lives. A key names the driver
// protocol and a protocol-specific address, and round-trips losslessly through
// its canonical string form.
package storagekey

import (
	"fmt"
	"strings"
)

// Protocols understood by Parse.
const (
	ProtocolVolatile      = "volatile"
	ProtocolFile          = "file"
	ProtocolSQLite        = "sqlite"
	ProtocolLevelDB       = "leveldb"
	ProtocolReferenceMode = "reference-mode"
)

const separator = "://"

// StorageKey is an immutable storage address. Two keys are equal when their
// canonical strings are equal.
type StorageKey interface {
	// Protocol returns the driver protocol, e.g. "volatile".
	Protocol() string
	// String returns the canonical form accepted by Parse.
	String() string
}

// Equal reports whether a and b address the same location.
func Equal(a, b StorageKey) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// VolatileKey addresses in-memory state scoped to an arc.
type VolatileKey struct {
	ArcID  string
	Unique string
}

func (k VolatileKey) Protocol() string { return ProtocolVolatile }

func (k VolatileKey) String() string {
	return ProtocolVolatile + separator + pair(k.ArcID, k.Unique)
}

// FileKey addresses a file relative to the driver root directory.
type FileKey struct {
	Path string
}

func (k FileKey) Protocol() string { return ProtocolFile }

func (k FileKey) String() string {
	return ProtocolFile + separator + k.Path
}

// SQLiteKey addresses a row in a SQLite database under the driver root.
type SQLiteKey struct {
	Database string
	ID       string
}

func (k SQLiteKey) Protocol() string { return ProtocolSQLite }

func (k SQLiteKey) String() string {
	return ProtocolSQLite + separator + pair(k.Database, k.ID)
}

// LevelDBKey addresses a record in a LevelDB database under the driver root.
type LevelDBKey struct {
	Database string
	ID       string
}

func (k LevelDBKey) Protocol() string { return ProtocolLevelDB }

func (k LevelDBKey) String() string {
	return ProtocolLevelDB + separator + pair(k.Database, k.ID)
}

// Parse reads a canonical key string.
func Parse(s string) (StorageKey, error) {
	protocol, rest, ok := strings.Cut(s, separator)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no protocol", ErrInvalidKey, s)
	}

	switch protocol {
	case ProtocolVolatile:
		arc, unique, err := splitPair(s, rest)
		if err != nil {
			return nil, err
		}
		return VolatileKey{ArcID: arc, Unique: unique}, nil
	case ProtocolFile:
		if err := validatePath(rest); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
		}
		return FileKey{Path: rest}, nil
	case ProtocolSQLite:
		db, id, err := splitPair(s, rest)
		if err != nil {
			return nil, err
		}
		return SQLiteKey{Database: db, ID: id}, nil
	case ProtocolLevelDB:
		db, id, err := splitPair(s, rest)
		if err != nil {
			return nil, err
		}
		return LevelDBKey{Database: db, ID: id}, nil
	case ProtocolReferenceMode:
		return parseReferenceMode(s, rest)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) StorageKey {
	key, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return key
}

// The first component of a two-part key is escaped so it may contain '/'.
// The second component runs to the end of the key and is kept as is.
var (
	componentEscaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	componentUnescaper = strings.NewReplacer("%2F", "/", "%25", "%")
)

func pair(first, second string) string {
	return componentEscaper.Replace(first) + "/" + second
}

func splitPair(full, rest string) (string, string, error) {
	first, second, ok := strings.Cut(rest, "/")
	if !ok || first == "" || second == "" {
		return "", "", fmt.Errorf("%w: %q must have the form <protocol>://<a>/<b>", ErrInvalidKey, full)
	}
	return componentUnescaper.Replace(first), second, nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be relative")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return fmt.Errorf("path escapes the root")
		}
	}
	return nil
}
