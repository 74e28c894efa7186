package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const levelPrefix = "model/"

// levelDatabase wraps one LevelDB handle. LevelDB has no compare-and-swap,
// so version checks are serialized by mu.
type levelDatabase struct {
	db *leveldb.DB
	mu sync.Mutex
}

func openLevelDatabase(path string) (*levelDatabase, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelDatabase{db: db}, nil
}

// get returns the persisted record for key. Records are an 8-byte big-endian
// version followed by the model bytes.
func (l *levelDatabase) get(key string) (int, []byte, bool, error) {
	raw, err := l.db.Get([]byte(levelPrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	if len(raw) < 8 {
		return 0, nil, false, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return int(binary.BigEndian.Uint64(raw[:8])), raw[8:], true, nil
}

func (l *levelDatabase) put(key string, version int, data []byte) error {
	raw := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(raw[:8], uint64(version))
	copy(raw[8:], data)
	if err := l.db.Put([]byte(levelPrefix+key), raw, nil); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

type levelDriver struct {
	db  *levelDatabase
	key string

	mu     sync.Mutex
	closed bool
}

func openLevel(db *levelDatabase, key string, exists Exists) (*levelDriver, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, _, present, err := db.get(key)
	if err != nil {
		return nil, err
	}
	if err := checkExists(key, exists, present); err != nil {
		return nil, err
	}
	if !present {
		if err := db.put(key, 0, nil); err != nil {
			return nil, err
		}
	}
	return &levelDriver{db: db, key: key}, nil
}

func (d *levelDriver) RegisterReceiver(_ context.Context, receiver Receiver) error {
	if d.isClosed() {
		return ErrClosed
	}

	d.db.mu.Lock()
	version, data, present, err := d.db.get(d.key)
	d.db.mu.Unlock()
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrNotFound, d.key)
	}

	if version > 0 {
		receiver(data, version)
	}
	return nil
}

func (d *levelDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.isClosed() {
		return false, ErrClosed
	}

	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	current, _, _, err := d.db.get(d.key)
	if err != nil {
		return false, err
	}
	if version != current+1 {
		return false, nil
	}
	if err := d.db.put(d.key, version, data); err != nil {
		return false, err
	}
	return true, nil
}

func (d *levelDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *levelDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
