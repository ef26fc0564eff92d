// Package worker pulls tier jobs off the Redis queue and runs them.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"referral-sync/internal/batch"
	"referral-sync/internal/models"
	"referral-sync/internal/store"
	"referral-sync/internal/telemetry"
)

// JobQueue is the leased queue the runner consumes.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	VisibilityTimeout() time.Duration
}

// JobRunner executes and inspects tier jobs.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) (batch.Result, error)
	GetJobStatus(ctx context.Context, jobID string) (models.BatchJob, error)
}

// JobFailer marks abandoned jobs.
type JobFailer interface {
	MarkFailed(ctx context.Context, id string, msg string) error
}

// Runner drives the worker execution loop.
type Runner struct {
	queue        JobQueue
	jobs         JobRunner
	failer       JobFailer
	pollInterval time.Duration
	workerID     string
	log          *zap.Logger
	now          func() time.Time
}

func NewRunner(q JobQueue, jobs JobRunner, failer JobFailer, pollInterval time.Duration, workerID string, log *zap.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		queue:        q,
		jobs:         jobs,
		failer:       failer,
		pollInterval: pollInterval,
		workerID:     workerID,
		log:          log.With(zap.String("worker_id", workerID)),
		now:          time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.reclaimExpired(ctx)
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			r.log.Warn("dequeue failed", zap.Error(err))
			r.idle(ctx)
			continue
		}
		if jobID == "" {
			r.idle(ctx)
			continue
		}
		r.handle(ctx, jobID)
	}
}

func (r *Runner) idle(ctx context.Context) {
	t := time.NewTimer(r.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle runs one leased job, keeping the lease alive while it runs.
func (r *Runner) handle(ctx context.Context, jobID string) {
	log := r.log.With(zap.String("job_id", jobID))
	telemetry.JobsLeased.Inc()
	defer telemetry.JobsLeased.Dec()
	defer func() {
		if err := r.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
	}()

	job, err := r.jobs.GetJobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("dropping unknown job")
			return
		}
		log.Error("load job failed", zap.Error(err))
		_ = r.queue.DLQPush(ctx, jobID)
		return
	}
	if job.Status != models.StatusPending {
		log.Info("skipping job that is not pending", zap.String("status", job.Status))
		return
	}

	stop := r.keepLease(ctx, jobID, log)
	res, err := r.jobs.RunJob(ctx, jobID)
	stop()

	switch {
	case err == nil:
		log.Info("job finished", zap.String("status", res.Status), zap.Any("counters", res.Counters))
	case errors.Is(err, batch.ErrJobNotPending):
		log.Info("job already picked up elsewhere")
	default:
		log.Error("job failed", zap.String("status", res.Status), zap.Any("counters", res.Counters), zap.Error(err))
		if err := r.queue.DLQPush(context.WithoutCancel(ctx), jobID); err != nil {
			log.Warn("dlq push failed", zap.Error(err))
		}
	}
}

// keepLease extends the job's lease every third of the visibility timeout
// until the returned stop func is called.
func (r *Runner) keepLease(ctx context.Context, jobID string, log *zap.Logger) (stop func()) {
	visibility := r.queue.VisibilityTimeout()
	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := r.queue.ExtendLease(leaseCtx, jobID, visibility); err != nil && leaseCtx.Err() == nil {
					log.Warn("lease extension failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reclaimExpired fails jobs whose worker vanished. They are not re-run since
// their counters already hold partial progress.
func (r *Runner) reclaimExpired(ctx context.Context) {
	ids, err := r.queue.ReclaimExpired(ctx, r.now(), 100)
	if err != nil {
		r.log.Warn("reclaim expired leases failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		log := r.log.With(zap.String("job_id", id))
		job, err := r.jobs.GetJobStatus(ctx, id)
		if err == nil && job.Terminal() {
			continue
		}
		if err := r.failer.MarkFailed(ctx, id, "worker lease expired"); err != nil {
			log.Error("failed to mark abandoned job", zap.Error(err))
		}
		_ = r.queue.DLQPush(ctx, id)
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		log.Warn("abandoned job marked failed")
	}
}
