// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store provides SQLite persistence for the catalog, so a restart serves the
// previous index before the first rescan completes.
type Store struct {
	db *sql.DB
}

// NewStore opens the catalog database and runs migrations. WAL mode and
// busy_timeout suit the read-heavy workload.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		camera TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		format TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_videos_created ON videos(created_at_ms DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ReplaceAll atomically replaces the persisted catalog with the scan result.
func (s *Store) ReplaceAll(ctx context.Context, videos []VideoFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM videos`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO videos (id, camera, filename, path, size_bytes, created_at_ms, duration_seconds, format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, v := range videos {
		if _, err := stmt.ExecContext(ctx,
			v.ID, v.Camera, v.Filename, v.Path,
			v.SizeBytes, v.CreatedAt.UnixMilli(), v.DurationSeconds, v.Format,
		); err != nil {
			return fmt.Errorf("insert video %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadAll returns the persisted catalog, newest first.
func (s *Store) LoadAll(ctx context.Context) ([]VideoFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera, filename, path, size_bytes, created_at_ms, duration_seconds, format
		FROM videos ORDER BY created_at_ms DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VideoFile
	for rows.Next() {
		var v VideoFile
		var createdMS int64
		if err := rows.Scan(&v.ID, &v.Camera, &v.Filename, &v.Path,
			&v.SizeBytes, &createdMS, &v.DurationSeconds, &v.Format); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		v.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
