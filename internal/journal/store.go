// Package journal keeps a durable record of command responses and of
// tasks the dispatcher gave up on. It backs the status API's command
// history and survives restarts. Nothing in the dispatch path depends
// on it; a journal write failure is logged and otherwise ignored.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/nina-bridge/internal/command"
	"github.com/nugget/nina-bridge/internal/dispatch"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DefaultLimit caps list queries when the caller passes no limit.
const DefaultLimit = 50

// Store persists journal rows in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	owned  bool
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewStore wraps an open database, running migrations on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id          TEXT PRIMARY KEY,
		device      TEXT NOT NULL,
		action      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		result      TEXT,
		error       TEXT,
		attempts    INTEGER NOT NULL DEFAULT 0,
		received_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_failures (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		device    TEXT NOT NULL,
		kind      TEXT NOT NULL,
		attempts  INTEGER NOT NULL,
		error     TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_finished_at ON commands(finished_at);
	CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device);
	CREATE INDEX IF NOT EXISTS idx_task_failures_failed_at ON task_failures(failed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCommand stores a command response. Recording the same id twice
// keeps the later row.
func (s *Store) RecordCommand(ctx context.Context, r command.Response) error {
	var result, errText *string
	if len(r.Result) > 0 {
		v := string(r.Result)
		result = &v
	}
	if r.Error != "" {
		errText = &r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commands (id, device, action, status, result, error, attempts, received_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Device, r.Action, string(r.Status), result, errText, r.Attempts,
		r.ReceivedAt.UTC().Format(timeFormat), r.FinishedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record command %s: %w", r.ID, err)
	}
	return nil
}

// HandleResponse implements [command.ResponseSink].
func (s *Store) HandleResponse(ctx context.Context, r command.Response) {
	if err := s.RecordCommand(ctx, r); err != nil {
		s.logger.Warn("failed to journal command response", "command_id", r.ID, "error", err)
	}
}

// TaskDone implements [dispatch.Observer]. Successful tasks are not
// journaled.
func (s *Store) TaskDone(context.Context, dispatch.Task, int, time.Duration) {}

// TaskFailed implements [dispatch.Observer].
func (s *Store) TaskFailed(ctx context.Context, t dispatch.Task, attempts int, taskErr error) {
	_, err := s.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO task_failures (device, kind, attempts, error, failed_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.Device(), t.Kind(), attempts, taskErr.Error(), time.Now().UTC().Format(timeFormat))
	if err != nil {
		s.logger.Warn("failed to journal task failure", "device", t.Device(), "error", err)
	}
}

// RecentCommands returns up to limit command responses, newest first.
// A non-empty device restricts the result to that class.
func (s *Store) RecentCommands(ctx context.Context, device string, limit int) ([]command.Response, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT id, device, action, status, result, error, attempts, received_at, finished_at FROM commands`
	args := []any{}
	if device != "" {
		query += ` WHERE device = ?`
		args = append(args, device)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []command.Response
	for rows.Next() {
		var r command.Response
		var status, receivedAt, finishedAt string
		var result, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.Device, &r.Action, &status, &result, &errText, &r.Attempts, &receivedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		r.Status = command.Status(status)
		if result.Valid {
			r.Result = []byte(result.String)
		}
		if errText.Valid {
			r.Error = errText.String
		}
		r.ReceivedAt, _ = time.Parse(timeFormat, receivedAt)
		r.FinishedAt, _ = time.Parse(timeFormat, finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failure is one journaled task failure.
type Failure struct {
	Device   string    `json:"device"`
	Kind     string    `json:"kind"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// RecentFailures returns up to limit task failures, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device, kind, attempts, error, failed_at
		FROM task_failures ORDER BY failed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var failedAt string
		if err := rows.Scan(&f.Device, &f.Kind, &f.Attempts, &f.Error, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.FailedAt, _ = time.Parse(timeFormat, failedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes rows that finished before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeFormat)

	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE finished_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM task_failures WHERE failed_at < ?`, ts)
	if err != nil {
		return n, fmt.Errorf("prune failures: %w", err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}
