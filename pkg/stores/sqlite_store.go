package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store over the database at path. Init must be
// called before use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database, enables WAL mode, and applies migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	const query = `
		INSERT INTO runs (id, project, mode, status, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Project, string(run.Mode), string(run.Status), run.StartedAt, run.Error)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, errMsg string) error {
	const query = `
		UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?
	`
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, query, string(status), now, errMsg, id); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AppendEvent records one resource action outcome.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	const query = `
		INSERT INTO events (run_id, kind, name, outcome, provider_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Kind, event.Name, event.Outcome, event.ProviderID, event.Error, createdAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a project, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT id, project, mode, status, started_at, completed_at, error
		FROM runs WHERE project = ? ORDER BY started_at DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var mode, status string
		var completed sql.NullTime
		if err := rows.Scan(&run.ID, &run.Project, &mode, &status, &run.StartedAt, &completed, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Mode = RunMode(mode)
		run.Status = RunStatus(status)
		if completed.Valid {
			t := completed.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListEvents returns every event of a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	const query = `
		SELECT id, run_id, kind, name, outcome, provider_id, error, created_at
		FROM events WHERE run_id = ? ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Name, &e.Outcome, &e.ProviderID, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
