package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager persists job records. It does not execute jobs; the scheduler
// updates records through it as executions progress.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewManager creates a job manager and ensures its table exists.
func NewManager(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, logger: logger}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS job_records (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT,
	error        TEXT,
	metadata     TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records (status);
`)
	if err != nil {
		return fmt.Errorf("failed to create job_records table: %w", err)
	}
	return nil
}

// Create inserts a new queued job record and returns its ID.
func (m *Manager) Create(ctx context.Context, jobType string, metadata map[string]any) (string, error) {
	id := uuid.New().String()
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
INSERT INTO job_records (id, job_type, status, created_at, metadata)
VALUES (?, ?, ?, ?, ?)`,
		id, jobType, string(StatusQueued),
		time.Now().UTC().Format(time.RFC3339), string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	m.logger.Info("job record created", "id", id, "type", jobType)
	return id, nil
}

// Get returns a job record by ID.
func (m *Manager) Get(ctx context.Context, jobID string) (*Record, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT id, job_type, status, created_at, started_at, completed_at, error, metadata
FROM job_records WHERE id = ?`, jobID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return rec, err
}

// ListFilter selects job records.
type ListFilter struct {
	Status  Status
	JobType string
	Limit   int
}

// List returns job records matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	query := `
SELECT id, job_type, status, created_at, started_at, completed_at, error, metadata
FROM job_records WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.JobType != "" {
		query += " AND job_type = ?"
		args = append(args, filter.JobType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateStatus moves a job record through its lifecycle, stamping
// started/completed times.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `UPDATE job_records SET status = ?, error = ?`
	args := []any{string(status), errMsg}

	switch status {
	case StatusRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case StatusCompleted, StatusFailed, StatusCancelled:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)

	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// UpdateMetadata replaces a job record's metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, jobID string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE job_records SET metadata = ? WHERE id = ?`, string(metaJSON), jobID); err != nil {
		return fmt.Errorf("failed to update job metadata: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status, createdAt string
	var startedAt, completedAt, errMsg, metadata sql.NullString

	err := row.Scan(&rec.ID, &rec.JobType, &status, &createdAt,
		&startedAt, &completedAt, &errMsg, &metadata)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.Error = errMsg.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			rec.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt job metadata: %w", err)
		}
	}
	return &rec, nil
}
