package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"referral-sync/internal/models"
)

// JobStore persists batch job rows. The engine is their only writer.
type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OrgID  string
	Tier   models.Tier
	Action models.Action
	Params models.ActionParams
}

// CreateJob inserts a pending job row.
func (s *JobStore) CreateJob(ctx context.Context, p CreateJobParams) (models.BatchJob, error) {
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO sync_jobs (id, org_id, tier, action, params, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.OrgID, string(p.Tier), string(p.Action), paramsJSON, models.StatusPending, now)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("insert job: %w", err)
	}

	return models.BatchJob{
		ID:        id,
		OrgID:     p.OrgID,
		Tier:      p.Tier,
		Action:    p.Action,
		Params:    p.Params,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (models.BatchJob, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, org_id, tier, action, params, status,
		       total, processed, succeeded, failed, skipped, batches_total, batches_completed,
		       error, created_at, started_at, completed_at, updated_at
		FROM sync_jobs WHERE id = $1
	`, id)

	var (
		job        models.BatchJob
		tier       string
		action     string
		paramsJSON []byte
		lastErr    pgtype.Text
		c          = &job.Counters
	)
	if err := row.Scan(&job.ID, &job.OrgID, &tier, &action, &paramsJSON, &job.Status,
		&c.Total, &c.Processed, &c.Succeeded, &c.Failed, &c.Skipped, &c.BatchesTotal, &c.BatchesCompleted,
		&lastErr, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BatchJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.BatchJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Tier = models.Tier(tier)
	job.Action = models.Action(action)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.BatchJob{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	return job, nil
}

// MarkRunning records the job's size once its leads have been listed.
func (s *JobStore) MarkRunning(ctx context.Context, id string, total, batches int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, total = $3, batches_total = $4, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRunning, total, batches)
	return err
}

// IncrementProgress adds delta to the job's counters in a single statement,
// so concurrent finishers never lose each other's updates.
func (s *JobStore) IncrementProgress(ctx context.Context, id string, delta models.JobCounters) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs
		SET processed = processed + $2,
		    succeeded = succeeded + $3,
		    failed = failed + $4,
		    skipped = skipped + $5,
		    batches_completed = batches_completed + $6,
		    updated_at = NOW()
		WHERE id = $1
	`, id, delta.Processed, delta.Succeeded, delta.Failed, delta.Skipped, delta.BatchesCompleted)
	return err
}

// MarkCompleted transitions a job to completed.
func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, completed_at = NOW(), updated_at = NOW(), error = NULL WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// MarkFailed flags a job as failed. Counters already recorded are kept.
func (s *JobStore) MarkFailed(ctx context.Context, id string, msg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, error = $3, completed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, emptyToNil(msg))
	return err
}
