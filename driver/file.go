package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fileRecord is the on-disk form of a persisted model.
type fileRecord struct {
	Version int    `json:"version"`
	Data    []byte `json:"data,omitempty"`
}

// fileDriver keeps one model in one file. Writes go through a temp file and
// rename so readers never see a partial record. Changes made by other
// processes are only observed at registration.
type fileDriver struct {
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(path string, exists Exists) (*fileDriver, error) {
	_, err := os.Stat(path)
	present := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := checkExists(path, exists, present); err != nil {
		return nil, err
	}

	d := &fileDriver{path: path}
	if !present {
		if err := d.write(fileRecord{}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *fileDriver) RegisterReceiver(_ context.Context, receiver Receiver) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	rec, err := d.read()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if rec.Version > 0 {
		receiver(rec.Data, rec.Version)
	}
	return nil
}

func (d *fileDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrClosed
	}

	rec, err := d.read()
	if err != nil {
		return false, err
	}
	if version != rec.Version+1 {
		return false, nil
	}

	if err := d.write(fileRecord{Version: version, Data: data}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *fileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fileDriver) read() (fileRecord, error) {
	var rec fileRecord

	raw, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, fmt.Errorf("%w: %s", ErrNotFound, d.path)
		}
		return rec, fmt.Errorf("read %s: %w", d.path, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", ErrCorrupt, d.path, err)
	}
	return rec, nil
}

func (d *fileDriver) write(rec fileRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", d.path, err)
	}

	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	return nil
}
