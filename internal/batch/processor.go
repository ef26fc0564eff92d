// Package batch runs tier jobs: it lists a tier's leads, splits them into
// chunks and works the chunks in waves of bounded concurrency.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"referral-sync/internal/models"
	"referral-sync/internal/orchestrator"
	"referral-sync/internal/store"
	"referral-sync/internal/telemetry"
)

const (
	DefaultPageSize      = 500
	DefaultChunkSize     = 100
	DefaultMaxConcurrent = 10
	DefaultWaveTimeout   = 300 * time.Second
)

// ErrJobNotPending is returned by RunJob for jobs that already started.
var ErrJobNotPending = errors.New("job is not pending")

// LeadSource lists and loads leads.
type LeadSource interface {
	GetLeadsCursor(ctx context.Context, q store.LeadQuery) (store.LeadPage, error)
	GetLeadsByIDs(ctx context.Context, ids []int64) ([]models.Lead, error)
}

// JobRecorder persists job rows and their counters.
type JobRecorder interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.BatchJob, error)
	GetJob(ctx context.Context, id string) (models.BatchJob, error)
	MarkRunning(ctx context.Context, id string, total, batches int) error
	IncrementProgress(ctx context.Context, id string, delta models.JobCounters) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, msg string) error
}

// Enqueuer hands a job id to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Applier applies an action to the leads of one chunk, sequentially.
type Applier interface {
	Apply(ctx context.Context, action models.Action, lead models.Lead, params models.ActionParams) orchestrator.Result
	Close()
}

// Options sizes pages, chunks and waves.
type Options struct {
	PageSize      int
	ChunkSize     int
	MaxConcurrent int
	WaveTimeout   time.Duration
}

// Result is the outcome of one tier run as seen by this process.
type Result struct {
	JobID    string
	Status   string
	Counters models.JobCounters
	// TimedOutChunks were cut off by a wave timeout; their leads stay un-synced.
	TimedOutChunks int
	Error          string
}

// Processor runs tier jobs.
type Processor struct {
	leads    LeadSource
	jobs     JobRecorder
	queue    Enqueuer
	newScope func() Applier
	opts     Options
	log      *zap.Logger
}

// NewProcessor wires a processor. newScope must return a fresh Applier per chunk.
func NewProcessor(leads LeadSource, jobs JobRecorder, queue Enqueuer, newScope func() Applier, opts Options, log *zap.Logger) *Processor {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.WaveTimeout <= 0 {
		opts.WaveTimeout = DefaultWaveTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{leads: leads, jobs: jobs, queue: queue, newScope: newScope, opts: opts, log: log}
}

func createParams(orgID string, tier models.Tier, action models.Action, params models.ActionParams) (store.CreateJobParams, error) {
	if orgID == "" {
		return store.CreateJobParams{}, errors.New("organization id is required")
	}
	if !tier.Valid() {
		return store.CreateJobParams{}, fmt.Errorf("unknown tier %q", tier)
	}
	action, err := models.ParseAction(string(action))
	if err != nil {
		return store.CreateJobParams{}, err
	}
	return store.CreateJobParams{OrgID: orgID, Tier: tier, Action: action, Params: params}, nil
}

// ProcessTier creates a job and runs it to completion in the caller's goroutine.
func (p *Processor) ProcessTier(ctx context.Context, orgID string, tier models.Tier, action models.Action, params models.ActionParams) (Result, error) {
	cp, err := createParams(orgID, tier, action, params)
	if err != nil {
		return Result{}, err
	}
	job, err := p.jobs.CreateJob(ctx, cp)
	if err != nil {
		return Result{}, fmt.Errorf("create job: %w", err)
	}
	return p.run(ctx, job)
}

// StartTierProcessingAsync creates a pending job and queues it for a worker.
// It returns as soon as the job is queued.
func (p *Processor) StartTierProcessingAsync(ctx context.Context, orgID string, tier models.Tier, action models.Action, params models.ActionParams) (string, error) {
	if p.queue == nil {
		return "", errors.New("no job queue configured")
	}
	cp, err := createParams(orgID, tier, action, params)
	if err != nil {
		return "", err
	}
	job, err := p.jobs.CreateJob(ctx, cp)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := p.queue.Enqueue(ctx, job.ID); err != nil {
		_ = p.jobs.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error())
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	telemetry.JobsEnqueued.Inc()
	p.log.Info("tier job queued", zap.String("job_id", job.ID), zap.String("org_id", orgID), zap.String("tier", string(tier)), zap.String("action", string(cp.Action)))
	return job.ID, nil
}

// RunJob runs a previously created pending job.
func (p *Processor) RunJob(ctx context.Context, jobID string) (Result, error) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.StatusPending {
		return Result{JobID: job.ID, Status: job.Status, Counters: job.Counters}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotPending)
	}
	return p.run(ctx, job)
}

// GetJobStatus returns the job row, including partial counters of a running job.
func (p *Processor) GetJobStatus(ctx context.Context, jobID string) (models.BatchJob, error) {
	return p.jobs.GetJob(ctx, jobID)
}

// chunkReport is what one chunk unit hands to the aggregator.
type chunkReport struct {
	delta models.JobCounters
}

func (p *Processor) run(ctx context.Context, job models.BatchJob) (Result, error) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("org_id", job.OrgID), zap.String("tier", string(job.Tier)), zap.String("action", string(job.Action)))
	res := Result{JobID: job.ID}
	// Bookkeeping writes must land even when ctx is canceled mid-run.
	bookCtx := context.WithoutCancel(ctx)

	ids, err := p.listIDs(ctx, job.OrgID, job.Tier)
	if err != nil {
		msg := fmt.Sprintf("list leads: %v", err)
		if markErr := p.jobs.MarkFailed(bookCtx, job.ID, msg); markErr != nil {
			log.Error("failed to mark job failed", zap.Error(markErr))
		}
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		log.Error("lead listing failed", zap.Error(err))
		res.Status, res.Error = models.StatusFailed, msg
		return res, fmt.Errorf("list leads: %w", err)
	}

	chunks := chunkIDs(ids, p.opts.ChunkSize)
	if err := p.jobs.MarkRunning(bookCtx, job.ID, len(ids), len(chunks)); err != nil {
		log.Warn("failed to mark job running", zap.Error(err))
	}
	res.Counters = models.JobCounters{Total: len(ids), BatchesTotal: len(chunks)}
	log.Info("tier job started", zap.Int("leads", len(ids)), zap.Int("chunks", len(chunks)))

	reports := make(chan chunkReport, len(chunks))
	aggregated := make(chan models.JobCounters)
	go func() {
		var sum models.JobCounters
		for r := range reports {
			if err := p.jobs.IncrementProgress(bookCtx, job.ID, r.delta); err != nil {
				log.Error("failed to record chunk progress", zap.Error(err))
			}
			sum = sum.Add(r.delta)
		}
		aggregated <- sum
	}()

	for start := 0; start < len(chunks) && ctx.Err() == nil; start += p.opts.MaxConcurrent {
		end := min(start+p.opts.MaxConcurrent, len(chunks))
		res.TimedOutChunks += p.runWave(ctx, job, chunks[start:end], reports, log)
	}
	close(reports)
	res.Counters = res.Counters.Add(<-aggregated)

	if err := ctx.Err(); err != nil {
		msg := fmt.Sprintf("interrupted: %v", err)
		if markErr := p.jobs.MarkFailed(bookCtx, job.ID, msg); markErr != nil {
			log.Error("failed to mark job failed", zap.Error(markErr))
		}
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		res.Status, res.Error = models.StatusFailed, msg
		log.Warn("tier job interrupted", zap.Any("counters", res.Counters))
		return res, err
	}

	if err := p.jobs.MarkCompleted(bookCtx, job.ID); err != nil {
		log.Error("failed to mark job completed", zap.Error(err))
	}
	telemetry.JobsFinished.WithLabelValues(models.StatusCompleted).Inc()
	res.Status = models.StatusCompleted
	log.Info("tier job completed",
		zap.Int("processed", res.Counters.Processed),
		zap.Int("succeeded", res.Counters.Succeeded),
		zap.Int("failed", res.Counters.Failed),
		zap.Int("skipped", res.Counters.Skipped),
		zap.Int("timed_out_chunks", res.TimedOutChunks),
	)
	return res, nil
}

// listIDs walks the tier with the id cursor until the last page.
func (p *Processor) listIDs(ctx context.Context, orgID string, tier models.Tier) ([]int64, error) {
	var (
		ids    []int64
		cursor int64
	)
	for {
		page, err := p.leads.GetLeadsCursor(ctx, store.LeadQuery{OrgID: orgID, Tier: &tier, Cursor: cursor, Limit: p.opts.PageSize})
		if err != nil {
			return nil, err
		}
		for _, l := range page.Leads {
			ids = append(ids, l.ID)
		}
		if !page.HasMore || page.NextCursor <= cursor {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

// runWave runs up to MaxConcurrent chunk units and waits for all of them or
// the wave timeout. It returns how many units were cut off.
func (p *Processor) runWave(ctx context.Context, job models.BatchJob, wave [][]int64, reports chan<- chunkReport, log *zap.Logger) int {
	waveCtx, cancel := context.WithTimeout(ctx, p.opts.WaveTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		open     = true
		reported int
	)
	deliver := func(r chunkReport) {
		mu.Lock()
		defer mu.Unlock()
		if !open || waveCtx.Err() != nil {
			return
		}
		reports <- r
		reported++
	}

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrent)
	for _, ids := range wave {
		g.Go(func() error {
			if r, ok := p.processChunk(waveCtx, job, ids, log); ok {
				deliver(r)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-waveCtx.Done():
		mu.Lock()
		open = false
		lost := len(wave) - reported
		mu.Unlock()
		if ctx.Err() == nil {
			telemetry.WavesTimedOut.Inc()
			log.Warn("wave timed out, discarding unfinished chunks", zap.Duration("timeout", p.opts.WaveTimeout), zap.Int("chunks", lost))
		}
		return lost
	}
}

// processChunk applies the job's action to each lead of one chunk. It reports
// false when the chunk was cut off by its context.
func (p *Processor) processChunk(ctx context.Context, job models.BatchJob, ids []int64, log *zap.Logger) (chunkReport, bool) {
	telemetry.ChunksInFlight.Inc()
	defer telemetry.ChunksInFlight.Dec()

	r := chunkReport{delta: models.JobCounters{BatchesCompleted: 1}}
	leads, err := p.leads.GetLeadsByIDs(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return r, false
		}
		log.Error("chunk lead lookup failed", zap.Int("leads", len(ids)), zap.Error(err))
		r.delta.Processed, r.delta.Failed = len(ids), len(ids)
		return r, true
	}
	// Leads deleted since listing count as skipped.
	r.delta.Processed = len(ids) - len(leads)
	r.delta.Skipped = len(ids) - len(leads)

	scope := p.newScope()
	defer scope.Close()
	for _, lead := range leads {
		if ctx.Err() != nil {
			return r, false
		}
		out := p.applyOne(ctx, scope, job, lead, log)
		r.delta.Processed++
		switch out.Outcome {
		case orchestrator.OutcomeSucceeded:
			r.delta.Succeeded++
		case orchestrator.OutcomeSkipped:
			r.delta.Skipped++
		default:
			r.delta.Failed++
		}
	}
	if ctx.Err() != nil {
		return r, false
	}
	return r, true
}

func (p *Processor) applyOne(ctx context.Context, scope Applier, job models.BatchJob, lead models.Lead, log *zap.Logger) (res orchestrator.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("lead processing panicked", zap.Int64("lead_id", lead.ID), zap.Any("panic", rec))
			res = orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeFailed, Reason: "panic", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	res = scope.Apply(ctx, job.Action, lead, job.Params)
	if res.Outcome == orchestrator.OutcomeFailed {
		log.Warn("lead failed", zap.Int64("lead_id", lead.ID), zap.String("platform", res.Platform), zap.String("reason", res.Reason), zap.Error(res.Err))
	}
	return res
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}
