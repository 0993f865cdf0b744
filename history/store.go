// Package history persists finished conversions in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Status is the stored result of a conversion.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry is one recorded conversion.
type Entry struct {
	ID          string
	Input       string
	Output      string
	BitrateKbps int
	Status      Status
	ExitCode    int
	Frames      int64
	TotalFrames int64
	OutputBytes int64
	Message     string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall time of the conversion.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Store is the SQLite-backed conversion history.
type Store struct {
	db *sql.DB
}

var (
	hookOnce sync.Once
	// goose keeps its base FS and dialect in package state.
	migrateMu sync.Mutex
)

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	registerHook()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the TUI and a headless run may share the file.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or replaces an entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("history: entry has no id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversions (
			id, input_path, output_path, bitrate_kbps, status, exit_code,
			frames, total_frames, output_bytes, message, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Input, e.Output, e.BitrateKbps, string(e.Status), e.ExitCode,
		e.Frames, e.TotalFrames, e.OutputBytes, e.Message,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record conversion %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input_path, output_path, bitrate_kbps, status, exit_code,
		       frames, total_frames, output_bytes, message, started_at, finished_at
		FROM conversions
		ORDER BY finished_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                   Entry
			status              string
			startedMs, finishMs int64
		)
		if err := rows.Scan(
			&e.ID, &e.Input, &e.Output, &e.BitrateKbps, &status, &e.ExitCode,
			&e.Frames, &e.TotalFrames, &e.OutputBytes, &e.Message, &startedMs, &finishMs,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Status = Status(status)
		e.StartedAt = time.UnixMilli(startedMs)
		e.FinishedAt = time.UnixMilli(finishMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
