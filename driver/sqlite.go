package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS models (
	key     TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	data    BLOB
);
`

func openSQLiteDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers within the process.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return db, nil
}

// sqliteDriver keeps one model as a row of the models table.
type sqliteDriver struct {
	db  *sql.DB
	key string

	mu     sync.Mutex
	closed bool
}

func openSQLite(ctx context.Context, db *sql.DB, key string, exists Exists) (*sqliteDriver, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM models WHERE key = ?", key).Scan(&version)
	present := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if err := checkExists(key, exists, present); err != nil {
		return nil, err
	}

	if !present {
		if _, err := db.ExecContext(ctx,
			"INSERT OR IGNORE INTO models (key, version, data) VALUES (?, 0, NULL)", key); err != nil {
			return nil, fmt.Errorf("create %s: %w", key, err)
		}
	}
	return &sqliteDriver{db: db, key: key}, nil
}

func (d *sqliteDriver) RegisterReceiver(ctx context.Context, receiver Receiver) error {
	if d.isClosed() {
		return ErrClosed
	}

	var (
		version int
		data    []byte
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT version, data FROM models WHERE key = ?", d.key).Scan(&version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, d.key)
		}
		return fmt.Errorf("load %s: %w", d.key, err)
	}

	if version > 0 {
		receiver(data, version)
	}
	return nil
}

func (d *sqliteDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	if d.isClosed() {
		return false, ErrClosed
	}

	res, err := d.db.ExecContext(ctx,
		"UPDATE models SET version = ?, data = ? WHERE key = ? AND version = ?",
		version, data, d.key, version-1)
	if err != nil {
		return false, fmt.Errorf("store %s: %w", d.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store %s: %w", d.key, err)
	}
	return n == 1, nil
}

func (d *sqliteDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *sqliteDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
