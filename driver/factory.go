package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tailored-agentic-units/replica/storagekey"
)

// Factory creates drivers for every key protocol except reference mode, whose
// stores are split into two children before drivers are needed. Database
// handles are opened lazily and shared between drivers.
type Factory struct {
	root     string
	volatile *VolatileMemory

	mu      sync.Mutex
	sqlite  map[string]*sql.DB
	leveldb map[string]*levelDatabase
	closed  bool
}

// NewFactory creates a Factory from configuration.
func NewFactory(cfg Config) *Factory {
	return &Factory{
		root:     cfg.Root,
		volatile: NewVolatileMemory(),
		sqlite:   make(map[string]*sql.DB),
		leveldb:  make(map[string]*levelDatabase),
	}
}

// Volatile returns the in-memory backing shared by all volatile drivers of
// this factory.
func (f *Factory) Volatile() *VolatileMemory {
	return f.volatile
}

func (f *Factory) Driver(ctx context.Context, key storagekey.StorageKey, exists Exists) (Driver, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case storagekey.VolatileKey:
		d, err := f.volatile.open(k.String(), exists)
		if err != nil {
			return nil, err
		}
		return d, nil
	case storagekey.FileKey:
		d, err := openFile(filepath.Join(f.root, filepath.FromSlash(k.Path)), exists)
		if err != nil {
			return nil, err
		}
		return d, nil
	case storagekey.SQLiteKey:
		db, err := f.sqliteDatabase(k.Database)
		if err != nil {
			return nil, err
		}
		d, err := openSQLite(ctx, db, k.ID, exists)
		if err != nil {
			return nil, err
		}
		return d, nil
	case storagekey.LevelDBKey:
		db, err := f.levelDatabase(k.Database)
		if err != nil {
			return nil, err
		}
		d, err := openLevel(db, k.ID, exists)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, key)
	}
}

// Close closes every database handle opened by the factory.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for name, db := range f.sqlite {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite %s: %w", name, err))
		}
	}
	for name, db := range f.leveldb {
		if err := db.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close leveldb %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) ensureOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *Factory) sqliteDatabase(name string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if db, ok := f.sqlite[name]; ok {
		return db, nil
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("create driver root: %w", err)
	}

	db, err := openSQLiteDatabase(filepath.Join(f.root, name+".db"))
	if err != nil {
		return nil, err
	}
	f.sqlite[name] = db
	return db, nil
}

func (f *Factory) levelDatabase(name string) (*levelDatabase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if db, ok := f.leveldb[name]; ok {
		return db, nil
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("create driver root: %w", err)
	}

	db, err := openLevelDatabase(filepath.Join(f.root, name+".leveldb"))
	if err != nil {
		return nil, err
	}
	f.leveldb[name] = db
	return db, nil
}
