package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares one snapshot document between several workers.
// The last writer wins.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects to dsn and ensures the table exists in schema.
// viaBouncer switches to the simple protocol for PgBouncer transaction pooling.
func OpenPostgres(ctx context.Context, dsn, schema string, maxConns int, viaBouncer bool) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres connect: %w", err)
	}

	if schema == "" {
		schema = "public"
	}
	table := pgx.Identifier{schema, "pattern_memory"}.Sanitize()
	ddl := `CREATE TABLE IF NOT EXISTS ` + table + ` (
		id       TEXT PRIMARY KEY,
		doc      JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM `+s.table+` WHERE id = $1`, liveDocID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: postgres load: %w", err)
	}
	snap := newSnapshot()
	if err := json.Unmarshal(doc, snap); err != nil {
		return nil, fmt.Errorf("memory: postgres decode: %w", err)
	}
	return snap, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	return s.put(ctx, liveDocID, snap)
}

// Backup implements Store.
func (s *PostgresStore) Backup(ctx context.Context, label string, snap *Snapshot) error {
	return s.put(ctx, strings.TrimSpace(label), snap)
}

func (s *PostgresStore) put(ctx context.Context, id string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("memory: postgres encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (id, doc, saved_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, saved_at = EXCLUDED.saved_at`,
		id, string(data))
	if err != nil {
		return fmt.Errorf("memory: postgres save %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
