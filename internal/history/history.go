package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"siteops/internal/health"
	"siteops/internal/security"
)

// History stores deployment and health check history in SQLite.
type History struct {
	db *sql.DB
}

var _ health.Recorder = (*History)(nil)

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*History, error) {
	if err := security.CreateSecureDir(filepath.Dir(dbPath), security.PermDirectory); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := os.Chmod(dbPath, security.PermDBFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}
	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			app TEXT NOT NULL,
			host TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_kind TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_app ON deployments(app, id DESC)`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app TEXT NOT NULL,
			check_name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			message TEXT NOT NULL,
			checked_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			phase TEXT NOT NULL,
			remediated INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_app ON health_checks(app, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RecordDeployment inserts a finished or in-progress run.
func (h *History) RecordDeployment(ctx context.Context, record *DeploymentRecord) (int64, error) {
	started := record.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	var completedAt *string
	if record.CompletedAt != nil {
		formatted := formatTime(*record.CompletedAt)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO deployments
		(run_id, app, host, mode, state, status, started_at, completed_at,
		 duration_seconds, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.RunID,
		record.App,
		record.Host,
		record.Mode,
		record.State,
		record.Status,
		formatTime(started),
		completedAt,
		record.DurationSeconds,
		record.ErrorKind,
		record.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

const deploymentColumns = `id, run_id, app, host, mode, state, status, started_at,
	completed_at, duration_seconds, error_kind, error_message`

// LatestDeployment returns the most recent run for app, or nil.
func (h *History) LatestDeployment(ctx context.Context, app string) (*DeploymentRecord, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE app = ? ORDER BY id DESC LIMIT 1`, app)

	record, err := scanDeploymentRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest deployment: %w", err)
	}
	return record, nil
}

// Deployments returns up to limit runs, newest first. An empty app lists
// every app.
func (h *History) Deployments(ctx context.Context, app string, limit int) ([]DeploymentRecord, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE (? = '' OR app = ?) ORDER BY id DESC LIMIT ?`, app, app, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	var records []DeploymentRecord
	for rows.Next() {
		record, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// RecordHealth stores every result of a health report. When a restart
// happened the pre-restart results are stored as the initial phase.
func (h *History) RecordHealth(ctx context.Context, app string, report *health.Report) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := func(res health.Result, phase string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO health_checks
			(app, check_name, passed, message, checked_at, duration_ms, phase, remediated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, app, res.Name, res.Passed, res.Message, formatTime(res.CheckedAt),
			res.Duration.Milliseconds(), phase, report.Remediated)
		return err
	}

	finalPhase := "initial"
	if report.Before != nil {
		finalPhase = "recheck"
		for _, res := range sortedResults(report.Before) {
			if err := insert(res, "initial"); err != nil {
				return fmt.Errorf("failed to insert health check: %w", err)
			}
		}
	}
	for _, res := range report.Sorted() {
		if err := insert(res, finalPhase); err != nil {
			return fmt.Errorf("failed to insert health check: %w", err)
		}
	}
	return tx.Commit()
}

func sortedResults(m map[string]health.Result) []health.Result {
	return (&health.Report{Results: m}).Sorted()
}

// HealthChecks returns up to limit stored check results for app, newest
// first.
func (h *History) HealthChecks(ctx context.Context, app string, limit int) ([]HealthCheckRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, app, check_name, passed, message, checked_at, duration_ms, phase, remediated
		FROM health_checks WHERE app = ? ORDER BY id DESC LIMIT ?
	`, app, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health checks: %w", err)
	}
	defer rows.Close()

	var records []HealthCheckRecord
	for rows.Next() {
		var r HealthCheckRecord
		var checkedAt string
		if err := rows.Scan(&r.ID, &r.App, &r.Check, &r.Passed, &r.Message, &checkedAt,
			&r.DurationMS, &r.Phase, &r.Remediated); err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		if r.CheckedAt, err = time.Parse(time.RFC3339Nano, checkedAt); err != nil {
			return nil, fmt.Errorf("failed to parse checked_at timestamp: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// scanner is implemented by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanDeploymentRecord(s scanner) (*DeploymentRecord, error) {
	var record DeploymentRecord
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.RunID,
		&record.App,
		&record.Host,
		&record.Mode,
		&record.State,
		&record.Status,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.ErrorKind,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}
	return &record, nil
}
