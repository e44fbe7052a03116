package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finetune-orchestrator/core/models"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no run row matches the requested ID
var ErrRunNotFound = errors.New("run not found")

// JobRepository handles database operations for training runs
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts the run, assigning a run ID when the job has none
func (r *JobRepository) CreateJob(job *models.TrainingJob) error {
	query := `
		INSERT INTO runs (id, session_name, family, output_dir, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`

	runID := uuid.New()
	if job.RunID != "" {
		var err error
		runID, err = uuid.Parse(job.RunID)
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", job.RunID, err)
		}
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.Exec(query,
		runID,
		job.SessionName,
		job.Family,
		job.OutputDir,
		models.RunStatusPending,
		createdAt,
	)
	if err != nil {
		return err
	}

	job.RunID = runID.String()
	return nil
}

// RunRecord is a persisted run row
type RunRecord struct {
	RunID       string
	SessionName string
	Family      models.Family
	OutputDir   string
	Status      models.RunStatus
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetJob loads a run by ID
func (r *JobRepository) GetJob(runID string) (*RunRecord, error) {
	query := `
		SELECT id, session_name, family, output_dir, status, error, created_at, updated_at
		FROM runs
		WHERE id = $1
	`

	var rec RunRecord
	err := r.db.QueryRow(query, runID).Scan(
		&rec.RunID,
		&rec.SessionName,
		&rec.Family,
		&rec.OutputDir,
		&rec.Status,
		&rec.Error,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateJobStatus sets the run status and failure reason
func (r *JobRepository) UpdateJobStatus(runID string, status models.RunStatus, reason string) error {
	query := `UPDATE runs SET status = $1, error = $2, updated_at = NOW() WHERE id = $3`
	res, err := r.db.Exec(query, status, reason, runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// ListJobs lists the most recent runs of a session; an empty session lists all
func (r *JobRepository) ListJobs(sessionName string, limit int) ([]*RunRecord, error) {
	query := `
		SELECT id, session_name, family, output_dir, status, error, created_at, updated_at
		FROM runs
	`
	args := []interface{}{}
	if sessionName != "" {
		query += " WHERE session_name = $1"
		args = append(args, sessionName)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.SessionName,
			&rec.Family,
			&rec.OutputDir,
			&rec.Status,
			&rec.Error,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, &rec)
	}
	return runs, rows.Err()
}
