// Package sqlite is the embedded-relational backend for the memory
// subsystem, built on modernc.org/sqlite (pure Go, no cgo).
//
// One [Manager] owns one database handle per file. The handle is created
// lazily with WAL journaling, a 5s busy timeout, and NORMAL synchronous
// mode, and is limited to a single underlying connection so SQLite's
// writer-serialization matches the access pattern the schema assumes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Manager owns the single reusable database handle for one SQLite file.
// Safe for concurrent use; Close is idempotent.
type Manager struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewManager creates a Manager for the database file at path. The handle is
// not opened until first use.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the database file path.
func (m *Manager) Path() string { return m.path }

// DB returns the shared handle, opening it on first call. The parent
// directory is created if needed.
func (m *Manager) DB() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db, nil
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(m.path), url.Values{
		"_txlock": {"immediate"},
		"_pragma": {
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", m.path, err)
	}

	// A single connection serializes writers and keeps the WAL sidecar
	// lifecycle predictable.
	db.SetMaxOpenConns(1)

	m.db = db
	return m.db, nil
}

// Tx runs fn inside a BEGIN IMMEDIATE … COMMIT/ROLLBACK transaction. The
// transaction is rolled back when fn returns an error.
func (m *Manager) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := m.DB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Close closes the handle. Idempotent; subsequent DB calls reopen.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
