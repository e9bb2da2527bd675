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

// Package sqlite provides a SQLite jobstore.Store implementation for
// single-node / desktop deployments. The pool is limited to a single open
// connection, so AcknowledgeQueuedJobs, which runs its claim inside one
// transaction on that connection, cannot interleave with another claim
// from the same Store; that is how it avoids double-claiming without
// postgres's FOR UPDATE SKIP LOCKED.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
)

// Config configures the SQLite file and journal mode.
type Config struct {
	Path string
	WAL  bool
}

// Store is a SQLite-backed jobstore.Store.
type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// New opens (creating if absent) the database file and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "open", Cause: err}
	}
	db.SetMaxOpenConns(1) // sqlite serializes writes; one connection avoids SQLITE_BUSY

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &conductorerrors.DatabaseError{Operation: "ping", Cause: err}
	}

	if cfg.WAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, &conductorerrors.DatabaseError{Operation: "configure pragmas", Cause: err}
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS background_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_directory TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB,
			priority TEXT NOT NULL DEFAULT 'normal',
			model_used TEXT,
			temperature REAL,
			max_output_tokens INTEGER,
			created_at DATETIME NOT NULL,
			acknowledged_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			response TEXT,
			usage TEXT,
			error_message TEXT,
			error_kind TEXT,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_background_jobs_status_priority ON background_jobs(status, priority, created_at);
	`)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "migrate", Cause: err}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

const jobColumns = `id, session_id, project_directory, task_type, status, payload, priority,
	model_used, temperature, max_output_tokens, created_at, acknowledged_at, started_at,
	completed_at, response, usage, error_message, error_kind, metadata`

func rowToJob(scan func(dest ...any) error) (*job.BackgroundJob, error) {
	var (
		j               job.BackgroundJob
		payload         []byte
		usage           sql.NullString
		metadata        sql.NullString
		temperature     sql.NullFloat64
		maxOutputTokens sql.NullInt64
		modelUsed       sql.NullString
		response        sql.NullString
		errorMessage    sql.NullString
		errorKind       sql.NullString
		acknowledgedAt  sql.NullTime
		startedAt       sql.NullTime
		completedAt     sql.NullTime
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
	if usage.Valid && usage.String != "" {
		var u job.Usage
		if err := json.Unmarshal([]byte(usage.String), &u); err == nil {
			j.Usage = &u
		}
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &j.Metadata)
	}
	return &j, nil
}

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.ProjectDirectory, j.TaskType, j.Status, j.Payload,
		j.Priority, j.ModelUsed, j.Temperature, j.MaxOutputTokens, j.CreatedAt, string(metadata))
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "create job", Cause: err}
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*job.BackgroundJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	j, err := rowToJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "get job", Cause: err}
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *job.BackgroundJob) error {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = ?, model_used = ?, temperature = ?,
			max_output_tokens = ?, started_at = ?, metadata = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		j.Status, j.ModelUsed, j.Temperature, j.MaxOutputTokens, j.StartedAt, string(metadata), j.ID)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "update job", Cause: err}
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string, reason string) error {
	j, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.Metadata[job.MetaCancelReason] = reason
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'canceled', completed_at = ?, metadata = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`, time.Now(), string(metadata), id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "cancel job", Cause: err}
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, id, response string, usage *job.Usage, model, systemPromptID string, additionalMetadata map[string]any) error {
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return nil
	}

	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal usage", Cause: err}
	}

	if existing.Metadata == nil {
		existing.Metadata = map[string]any{}
	}
	delete(existing.Metadata, job.MetaIsStreaming)
	delete(existing.Metadata, job.MetaStreamProgress)
	for k, v := range additionalMetadata {
		existing.Metadata[k] = v
	}
	if systemPromptID != "" {
		existing.Metadata["system_prompt_id"] = systemPromptID
	}
	metadata, err := json.Marshal(existing.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'completed', response = ?, usage = ?, model_used = ?, completed_at = ?, metadata = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		response, string(usageJSON), model, time.Now(), string(metadata), id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "finalize job", Cause: err}
	}
	return nil
}

func (s *Store) FinalizeFailure(ctx context.Context, id, errorMessage, errorKind string) error {
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return nil
	}
	if existing.Metadata == nil {
		existing.Metadata = map[string]any{}
	}
	delete(existing.Metadata, job.MetaIsStreaming)
	delete(existing.Metadata, job.MetaStreamProgress)
	metadata, err := json.Marshal(existing.Metadata)
	if err != nil {
		return &conductorerrors.InternalError{Operation: "marshal metadata", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'failed', error_message = ?, error_kind = ?, completed_at = ?, metadata = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		errorMessage, errorKind, time.Now(), string(metadata), id)
	if err != nil {
		return &conductorerrors.DatabaseError{Operation: "finalize job failure", Cause: err}
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]*job.BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, filter.TaskType)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
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

func (s *Store) GetJobsByMetadataField(ctx context.Context, key, value string) ([]*job.BackgroundJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE json_extract(metadata, '$.' || ?) = ? ORDER BY created_at ASC`, key, value)
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

// AcknowledgeQueuedJobs claims up to limit Queued rows inside a single
// transaction opened with default options (a deferred BEGIN). Because the
// Store's pool holds only one open connection, the transaction serializes
// against every other use of the same Store; it takes no write lock up
// front against writers in other processes.
func (s *Store) AcknowledgeQueuedJobs(ctx context.Context, limit int) ([]*job.BackgroundJob, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "begin tx", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM background_jobs
		WHERE status = 'queued'
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC
		LIMIT ?`, limit)
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

	claimed := make([]*job.BackgroundJob, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE background_jobs SET status = 'acknowledged', acknowledged_at = ? WHERE id = ?`, now, id); err != nil {
			return nil, &conductorerrors.DatabaseError{Operation: "acknowledge job", Cause: err}
		}
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
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

func (s *Store) ResetStaleAcknowledgedJobs(ctx context.Context, thresholdSeconds int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(thresholdSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'queued', acknowledged_at = NULL
		WHERE status = 'acknowledged' AND acknowledged_at < ?`, cutoff)
	if err != nil {
		return 0, &conductorerrors.DatabaseError{Operation: "reset stale acknowledged", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &conductorerrors.DatabaseError{Operation: "rows affected", Cause: err}
	}
	return int(n), nil
}
