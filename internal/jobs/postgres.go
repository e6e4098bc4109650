// internal/jobs/postgres.go
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS generation_jobs (
	id              TEXT PRIMARY KEY,
	identity        TEXT NOT NULL,
	tier            TEXT NOT NULL,
	status          TEXT NOT NULL,
	stage           TEXT NOT NULL DEFAULT '',
	progress        INTEGER NOT NULL DEFAULT 0,
	result_handle   TEXT,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	cache_hit       BOOLEAN NOT NULL DEFAULT FALSE,
	markup_source   TEXT NOT NULL DEFAULT '',
	render_strategy TEXT NOT NULL DEFAULT '',
	history         JSONB NOT NULL DEFAULT '[]',
	request         JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
)`

const (
	insertJobQuery = `INSERT INTO generation_jobs (id, identity, tier, status, stage, progress, history, request, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	updateJobQuery = `UPDATE generation_jobs SET status = $2, stage = $3, progress = $4, result_handle = $5, error_kind = $6, error_message = $7, cache_hit = $8, markup_source = $9, render_strategy = $10, history = $11, updated_at = $12, completed_at = $13 WHERE id = $1`

	selectJobQuery = `SELECT id, identity, tier, status, stage, progress, result_handle, error_kind, error_message, cache_hit, markup_source, render_strategy, history, created_at, updated_at, completed_at FROM generation_jobs WHERE id = $1`

	selectRequestQuery = `SELECT request FROM generation_jobs WHERE id = $1`
)

// PostgresStore keeps job records in the generation_jobs table.
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "postgres-job-store"}),
	}
}

// EnsureSchema creates the table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create generation_jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.GenerationJob, req *models.GenerationRequest) error {
	history, err := json.Marshal(historyOf(job))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	request, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertJobQuery,
		job.ID, job.Identity, string(job.Tier), string(job.Status), string(job.Stage), job.Progress,
		history, request, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *models.GenerationJob) error {
	history, err := json.Marshal(historyOf(job))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	result, err := s.db.ExecContext(ctx, updateJobQuery,
		job.ID, string(job.Status), string(job.Stage), job.Progress,
		nullString(job.ResultHandle), job.ErrorKind, job.ErrorMessage, job.CacheHit,
		job.MarkupSource, job.RenderStrategy, history, job.UpdatedAt, nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.GenerationJob, error) {
	var (
		job          models.GenerationJob
		tier         string
		status       string
		stage        string
		resultHandle sql.NullString
		history      []byte
		completedAt  sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, selectJobQuery, id).Scan(
		&job.ID, &job.Identity, &tier, &status, &stage, &job.Progress, &resultHandle,
		&job.ErrorKind, &job.ErrorMessage, &job.CacheHit, &job.MarkupSource, &job.RenderStrategy,
		&history, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}

	job.Tier = models.Tier(tier)
	job.Status = models.JobStatus(status)
	job.Stage = models.Stage(stage)
	job.ResultHandle = resultHandle.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &job.History); err != nil {
			s.logger.Warn("discarding unreadable stage history", map[string]interface{}{
				"jobId": id,
				"error": err.Error(),
			})
		}
	}
	return &job, nil
}

func (s *PostgresStore) Request(ctx context.Context, id string) (*models.GenerationRequest, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectRequestQuery, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select request %s: %w", id, err)
	}

	var req models.GenerationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request %s: %w", id, err)
	}
	return &req, nil
}

func historyOf(job *models.GenerationJob) []models.StageEvent {
	if job.History == nil {
		return []models.StageEvent{}
	}
	return job.History
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
