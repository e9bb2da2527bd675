// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides a PostgreSQL jobstore.Store implementation for
// distributed deployments. AcknowledgeQueuedJobs uses SELECT ... FOR UPDATE
// SKIP LOCKED so that two scheduler instances never claim the same row —
// the serializability spec.md §4.1 requires.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
)

// Config configures the Postgres connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
}

// Store is a PostgreSQL-backed jobstore.Store.
type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// New opens the connection pool, verifies connectivity, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "open", Cause: err}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &conductorerrors.DatabaseError{Operation: "ping", Cause: err}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS background_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_directory TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB,
			priority TEXT NOT NULL DEFAULT 'normal',
			model_used TEXT,
			temperature DOUBLE PRECISION,
			max_output_tokens INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			acknowledged_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			response TEXT,
			usage JSONB,
			error_message TEXT,
			error_kind TEXT,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_background_jobs_status_priority ON background_jobs(status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_background_jobs_metadata ON background_jobs USING GIN (metadata)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &conductorerrors.DatabaseError{Operation: "migrate", Cause: err}
		}
	}
	return nil
}

// DB exposes the underlying pool for components (e.g. the RLS session
// manager) that need direct SQL access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func rowToJob(scan func(dest ...any) error) (*job.BackgroundJob, error) {
	var (
		j                  job.BackgroundJob
		payload            []byte
		usage              []byte
		metadata           []byte
		temperature        sql.NullFloat64
		maxOutputTokens    sql.NullInt64
		modelUsed          sql.NullString
		response           sql.NullString
		errorMessage       sql.NullString
		errorKind          sql.NullString
		acknowledgedAt     sql.NullTime
		startedAt          sql.NullTime
		completedAt        sql.NullTime
	)

	if err := scan(&j.ID, &j.SessionID, &j.ProjectDirectory, &j.TaskType, &j.Status, &payload,
		&j.Priority, &modelUsed, &temperature, &maxOutputTokens, &j.CreatedAt,
		&acknowledgedAt, &startedAt, &completedAt, &response, &usage, &errorMessage, &errorKind, &metadata); err != nil {
		return nil, err
	}

	j.Payload = payload
	j.ModelUsed = modelUsed.String
	j.Temperature = temperature.Float64
	j.MaxOutputTokens = int(maxOutputTokens.Int64)
	j.Response = response.String
	j.ErrorMessage = errorMessage.String
	j.ErrorKind = errorKind.String
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		j.AcknowledgedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if len(usage) > 0 {
		var u job.Usage
		if err := json.Unmarshal(usage, &u); err == nil {
			j.Usage = &u
		}
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &j.Metadata)
	}
	return &j, nil
}

const jobColumns = `id, session_id, project_directory, task_type, status, payload, priority,
	model_used, temperature, max_output_tokens, created_at, acknowledged_at, started_at,
	completed_at, response, usage, error_message, error_kind, metadata`

// CreateJob inserts a new row.
func (s *Store) CreateJob(ctx context.Context, j *job.BackgroundJob) error {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_jobs (id, session_id, project_directory, task_type, status, payload,
			priority, model_used, temperature, max_output_tokens, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.SessionID, j.ProjectDirectory, j.TaskType, j.Status, j.Payload,
		j.Priority, j.ModelUsed, j.Temperature, j.MaxOutputTokens, j.CreatedAt, metadata)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "create job", Cause: err}
	}
	return nil
}

// GetByID fetches a job by its id.
func (s *Store) GetByID(ctx context.Context, id string) (*job.BackgroundJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
	j, err := rowToJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "get job", Cause: err}
	}
	return j, nil
}

// UpdateJob overwrites a non-terminal row's mutable columns. The WHERE
// clause excludes terminal statuses so the write is a silent no-op on a
// terminal row, enforcing invariant J1 at the SQL layer.
func (s *Store) UpdateJob(ctx context.Context, j *job.BackgroundJob) error {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = $1, model_used = $2, temperature = $3,
			max_output_tokens = $4, started_at = $5, metadata = $6
		WHERE id = $7 AND status NOT IN ('completed', 'failed', 'canceled')`,
		j.Status, j.ModelUsed, j.Temperature, j.MaxOutputTokens, j.StartedAt, metadata, j.ID)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "update job", Cause: err}
	}
	return nil
}

// CancelJob idempotently transitions an active job to Canceled.
func (s *Store) CancelJob(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'canceled', completed_at = now(),
			metadata = jsonb_set(coalesce(metadata, '{}'::jsonb), '{cancelReason}', to_jsonb($1::text))
		WHERE id = $2 AND status NOT IN ('completed', 'failed', 'canceled')`, reason, id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "cancel job", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already terminal (idempotent no-op) or missing; distinguish
		// by checking existence so a missing id still surfaces NotFoundError.
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Finalize performs the atomic terminal write for a successful job.
func (s *Store) Finalize(ctx context.Context, id, response string, usage *job.Usage, model, systemPromptID string, additionalMetadata map[string]any) error {
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal usage", Cause: err}
	}

	extra := map[string]any{}
	for k, v := range additionalMetadata {
		extra[k] = v
	}
	if systemPromptID != "" {
		extra["system_prompt_id"] = systemPromptID
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'completed', response = $1, usage = $2, model_used = $3, completed_at = now(),
			metadata = (coalesce(metadata, '{}'::jsonb) - 'isStreaming' - 'streamProgress') || $4::jsonb
		WHERE id = $5 AND status NOT IN ('completed', 'failed', 'canceled')`,
		response, usageJSON, model, extraJSON, id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "finalize job", Cause: err}
	}
	return nil
}

// FinalizeFailure performs the atomic terminal write for a failed job.
func (s *Store) FinalizeFailure(ctx context.Context, id, errorMessage, errorKind string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'failed', error_message = $1, error_kind = $2, completed_at = now(),
			metadata = coalesce(metadata, '{}'::jsonb) - 'isStreaming' - 'streamProgress'
		WHERE id = $3 AND status NOT IN ('completed', 'failed', 'canceled')`,
		errorMessage, errorKind, id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "finalize job failure", Cause: err}
	}
	return nil
}

// ListJobs lists jobs matching the filter, most recently created first.
func (s *Store) ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]*job.BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs WHERE 1=1`
	var args []any
	n := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if filter.TaskType != "" {
		query += fmt.Sprintf(" AND task_type = $%d", n)
		args = append(args, filter.TaskType)
		n++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "list jobs", Cause: err}
	}
	defer rows.Close()

	var result []*job.BackgroundJob
	for rows.Next() {
		j, err := rowToJob(rows.Scan)
		if err != nil {
			return nil, &conductorerrors.DatabaseError{Operation: "scan job", Cause: err}
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// GetJobsByMetadataField returns all jobs whose metadata[key] == value.
func (s *Store) GetJobsByMetadataField(ctx context.Context, key, value string) ([]*job.BackgroundJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs WHERE metadata ->> $1 = $2 ORDER BY created_at ASC`, key, value)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "get jobs by metadata", Cause: err}
	}
	defer rows.Close()

	var result []*job.BackgroundJob
	for rows.Next() {
		j, err := rowToJob(rows.Scan)
		if err != nil {
			return nil, &conductorerrors.DatabaseError{Operation: "scan job", Cause: err}
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// AcknowledgeQueuedJobs atomically transitions up to limit Queued rows to
// Acknowledged using SELECT ... FOR UPDATE SKIP LOCKED inside a
// transaction, so two scheduler instances racing against the same table
// never claim the same row (spec.md §4.1: "must be serializable").
func (s *Store) AcknowledgeQueuedJobs(ctx context.Context, limit int) ([]*job.BackgroundJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "begin tx", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM background_jobs
		WHERE status = 'queued'
		ORDER BY
			CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "select queued", Cause: err}
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &conductorerrors.DatabaseError{Operation: "scan queued id", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "iterate queued", Cause: err}
	}

	claimed := make([]*job.BackgroundJob, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'acknowledged', acknowledged_at = now() WHERE id = $1`, id); err != nil {
			return nil, &conductorerrors.DatabaseError{Operation: "acknowledge job", Cause: err}
		}
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
		j, err := rowToJob(row.Scan)
		if err != nil {
			return nil, &conductorerrors.DatabaseError{Operation: "reselect acknowledged job", Cause: err}
		}
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "commit acknowledge", Cause: err}
	}
	return claimed, nil
}

// ResetStaleAcknowledgedJobs resets rows Acknowledged longer than
// thresholdSeconds back to Queued (invariant J3).
func (s *Store) ResetStaleAcknowledgedJobs(ctx context.Context, thresholdSeconds int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(thresholdSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'queued', acknowledged_at = NULL
		WHERE status = 'acknowledged' AND acknowledged_at < $1`, cutoff)
	if err != nil {
		return 0, &conductorerrors.DatabaseError{Operation: "reset stale acknowledged", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &conductorerrors.DatabaseError{Operation: "rows affected", Cause: err}
	}
	return int(n), nil
}
