package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pattern_memory (
	id       TEXT PRIMARY KEY,
	doc      TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);`

// liveDocID is the row holding the current snapshot; backups use their label.
const liveDocID = "current"

// SQLiteStore keeps the snapshot as a JSON document in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory: sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM pattern_memory WHERE id = ?`, liveDocID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: sqlite load: %w", err)
	}
	snap := newSnapshot()
	if err := json.Unmarshal([]byte(doc), snap); err != nil {
		return nil, fmt.Errorf("memory: sqlite decode: %w", err)
	}
	return snap, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	return s.put(ctx, liveDocID, snap)
}

// Backup implements Store.
func (s *SQLiteStore) Backup(ctx context.Context, label string, snap *Snapshot) error {
	return s.put(ctx, label, snap)
}

func (s *SQLiteStore) put(ctx context.Context, id string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("memory: sqlite encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_memory (id, doc, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, saved_at = excluded.saved_at`,
		id, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("memory: sqlite save %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
