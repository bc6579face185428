// Package ledger records every sync attempt in a local SQLite database so
// an operator can see what a cron-driven run did after the fact.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDryRun    = "dry-run"
)

// Run is one recorded sync attempt.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string
	DryRun       bool
	FeatureCount int
	Bytes        int64
	ItemID       string
	ServiceURL   string
	Error        string
}

// NewRun creates a run in the running state.
func NewRun(itemID string, dryRun bool) *Run {
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Status:    StatusRunning,
		DryRun:    dryRun,
		ItemID:    itemID,
	}
}

// Duration returns how long the run took, or zero while it is still
// running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Ledger is the run history store.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the run ledger.
func Open(path string) (*Ledger, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	l := &Ledger{
		db:     db,
		dbPath: path,
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.dbPath
}

// initSchema creates the database schema.
func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		feature_count INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		item_id TEXT,
		service_url TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Begin records the start of a run.
func (l *Ledger) Begin(r *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO runs (id, started_at, status, dry_run, item_id)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.StartedAt, r.Status, r.DryRun, r.ItemID)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// Finish records the terminal state of a run.
func (l *Ledger) Finish(r *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}

	res, err := l.db.Exec(`
		UPDATE runs
		SET finished_at = ?, status = ?, feature_count = ?, bytes = ?, service_url = ?, error = ?
		WHERE id = ?
	`, r.FinishedAt, r.Status, r.FeatureCount, r.Bytes, r.ServiceURL, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("failed to record run result: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run %s was never started", r.ID)
	}
	return nil
}

// Recent returns the most recent runs, newest first.
func (l *Ledger) Recent(limit int) ([]*Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.Query(`
		SELECT id, started_at, finished_at, status, dry_run, feature_count, bytes, item_id, service_url, error
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Last returns the most recent run, or nil if the ledger is empty.
func (l *Ledger) Last() (*Run, error) {
	runs, err := l.Recent(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var finished sql.NullTime
	var itemID, serviceURL, errMsg sql.NullString

	err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Status, &r.DryRun,
		&r.FeatureCount, &r.Bytes, &itemID, &serviceURL, &errMsg)
	if err != nil {
		return nil, err
	}

	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	if itemID.Valid {
		r.ItemID = itemID.String
	}
	if serviceURL.Valid {
		r.ServiceURL = serviceURL.String
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}

	return &r, nil
}
