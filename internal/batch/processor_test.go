package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-sync/internal/models"
	"referral-sync/internal/orchestrator"
	"referral-sync/internal/store"
)

type memLeads struct {
	ids      []int64
	failPage int // 1-based page that errors; 0 never
	pages    int
}

func newMemLeads(n int) *memLeads {
	m := &memLeads{}
	for i := 1; i <= n; i++ {
		m.ids = append(m.ids, int64(i))
	}
	return m
}

func (m *memLeads) GetLeadsCursor(_ context.Context, q store.LeadQuery) (store.LeadPage, error) {
	m.pages++
	if m.pages == m.failPage {
		return store.LeadPage{}, errors.New("connection reset by peer")
	}
	i := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] > q.Cursor })
	end := min(i+q.Limit, len(m.ids))
	page := store.LeadPage{NextCursor: q.Cursor, HasMore: end < len(m.ids)}
	for _, id := range m.ids[i:end] {
		page.Leads = append(page.Leads, models.Lead{ID: id})
	}
	if len(page.Leads) > 0 {
		page.NextCursor = page.Leads[len(page.Leads)-1].ID
	}
	return page, nil
}

func (m *memLeads) GetLeadsByIDs(_ context.Context, ids []int64) ([]models.Lead, error) {
	out := make([]models.Lead, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Lead{ID: id, OrganizationID: "org-1", Source: "homelight"})
	}
	return out, nil
}

type memJobs struct {
	mu         sync.Mutex
	jobs       map[string]*models.BatchJob
	increments int
	seq        int
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*models.BatchJob{}} }

func (m *memJobs) CreateJob(_ context.Context, p store.CreateJobParams) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &models.BatchJob{ID: fmt.Sprintf("job-%d", m.seq), OrgID: p.OrgID, Tier: p.Tier, Action: p.Action, Params: p.Params, Status: models.StatusPending}
	m.jobs[job.ID] = job
	return *job, nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.BatchJob{}, store.ErrNotFound
	}
	return *job, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string, total, batches int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.StatusRunning
	job.Counters.Total, job.Counters.BatchesTotal = total, batches
	return nil
}

func (m *memJobs) IncrementProgress(_ context.Context, id string, delta models.JobCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.increments++
	m.jobs[id].Counters = m.jobs[id].Counters.Add(delta)
	return nil
}

func (m *memJobs) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.StatusCompleted
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.StatusFailed
	m.jobs[id].Error = &msg
	return nil
}

type memQueue struct {
	ids []string
	err error
}

func (q *memQueue) Enqueue(_ context.Context, id string) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

// funcApplier adapts a function to Applier and counts scopes.
type funcApplier struct {
	fn     func(ctx context.Context, lead models.Lead) orchestrator.Result
	closed *atomic.Int32
}

func (a funcApplier) Apply(ctx context.Context, _ models.Action, lead models.Lead, _ models.ActionParams) orchestrator.Result {
	return a.fn(ctx, lead)
}

func (a funcApplier) Close() { a.closed.Add(1) }

func succeed(_ context.Context, lead models.Lead) orchestrator.Result {
	return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSucceeded}
}

func newProcessor(leads LeadSource, jobs JobRecorder, fn func(context.Context, models.Lead) orchestrator.Result, opts Options) (*Processor, *atomic.Int32) {
	closed := &atomic.Int32{}
	p := NewProcessor(leads, jobs, &memQueue{}, func() Applier { return funcApplier{fn: fn, closed: closed} }, opts, nil)
	return p, closed
}

func TestProcessTierPagesAndChunks(t *testing.T) {
	leads := newMemLeads(1201)
	jobs := newMemJobs()
	p, closed := newProcessor(leads, jobs, succeed, Options{})

	res, err := p.ProcessTier(context.Background(), "org-1", models.TierWarm, models.ActionSyncStatus, models.ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 3, leads.pages, "500-lead pages")
	assert.Equal(t, models.JobCounters{Total: 1201, Processed: 1201, Succeeded: 1201, BatchesTotal: 13, BatchesCompleted: 13}, res.Counters)
	assert.EqualValues(t, 13, closed.Load(), "every chunk scope is closed")

	job, err := p.GetJobStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, res.Counters, job.Counters)
	assert.Equal(t, 13, jobs.increments, "one atomic increment per chunk")
}

func TestProcessTierCapsConcurrency(t *testing.T) {
	var (
		started  atomic.Int32
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		release  = make(chan struct{}, 25)
	)
	fn := func(_ context.Context, lead models.Lead) orchestrator.Result {
		started.Add(1)
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSucceeded}
	}
	p, _ := newProcessor(newMemLeads(25), newMemJobs(), fn, Options{ChunkSize: 1, MaxConcurrent: 10, WaveTimeout: time.Minute})

	done := make(chan Result, 1)
	go func() {
		res, err := p.ProcessTier(context.Background(), "org-1", models.TierHot, models.ActionSyncStatus, models.ActionParams{})
		assert.NoError(t, err)
		done <- res
	}()

	var expected int32
	for _, wave := range []int32{10, 10, 5} {
		expected += wave
		require.Eventually(t, func() bool { return started.Load() == expected }, 2*time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, expected, started.Load(), "next wave waits for the current one")
		for i := int32(0); i < wave; i++ {
			release <- struct{}{}
		}
	}

	res := <-done
	assert.LessOrEqual(t, maxSeen.Load(), int32(10))
	assert.Equal(t, 25, res.Counters.Succeeded)
	assert.Equal(t, 25, res.Counters.BatchesCompleted)
}

func TestFailingLeadDoesNotStopChunk(t *testing.T) {
	var attempted []int64
	var mu sync.Mutex
	fn := func(_ context.Context, lead models.Lead) orchestrator.Result {
		mu.Lock()
		attempted = append(attempted, lead.ID)
		mu.Unlock()
		switch lead.ID {
		case 3:
			panic("unexpected nil pointer in driver")
		case 4:
			return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeFailed, Reason: "browser", Err: errors.New("tab crashed")}
		case 5:
			return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSkipped, Reason: orchestrator.ReasonNoMapping}
		}
		return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSucceeded}
	}
	p, _ := newProcessor(newMemLeads(5), newMemJobs(), fn, Options{})

	res, err := p.ProcessTier(context.Background(), "org-1", models.TierHot, models.ActionSyncStatus, models.ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, attempted)
	assert.Equal(t, models.JobCounters{Total: 5, Processed: 5, Succeeded: 2, Failed: 2, Skipped: 1, BatchesTotal: 1, BatchesCompleted: 1}, res.Counters)
	assert.Equal(t, models.StatusCompleted, res.Status)
}

func TestWaveTimeoutDiscardsLateChunks(t *testing.T) {
	fn := func(ctx context.Context, lead models.Lead) orchestrator.Result {
		if lead.ID == 1 {
			<-ctx.Done()
			return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeFailed, Err: ctx.Err()}
		}
		return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSucceeded}
	}
	jobs := newMemJobs()
	p, closed := newProcessor(newMemLeads(3), jobs, fn, Options{ChunkSize: 1, MaxConcurrent: 2, WaveTimeout: 50 * time.Millisecond})

	res, err := p.ProcessTier(context.Background(), "org-1", models.TierHot, models.ActionSyncStatus, models.ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.TimedOutChunks)
	assert.Equal(t, models.JobCounters{Total: 3, Processed: 2, Succeeded: 2, BatchesTotal: 3, BatchesCompleted: 2}, res.Counters)
	assert.Eventually(t, func() bool { return closed.Load() == 3 }, time.Second, time.Millisecond, "timed out chunk still closes its sessions")

	job, _ := jobs.GetJob(context.Background(), res.JobID)
	assert.Equal(t, res.Counters, job.Counters)
}

func TestListingFailureFailsJob(t *testing.T) {
	leads := newMemLeads(1200)
	leads.failPage = 2
	jobs := newMemJobs()
	calls := atomic.Int32{}
	p, _ := newProcessor(leads, jobs, func(ctx context.Context, l models.Lead) orchestrator.Result {
		calls.Add(1)
		return succeed(ctx, l)
	}, Options{})

	res, err := p.ProcessTier(context.Background(), "org-1", models.TierDormant, models.ActionSyncStatus, models.ActionParams{})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Zero(t, calls.Load())

	job, _ := jobs.GetJob(context.Background(), res.JobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "connection reset")
}

func TestCanceledRunKeepsPartialCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(_ context.Context, lead models.Lead) orchestrator.Result {
		if lead.ID == 1 {
			cancel()
		}
		return orchestrator.Result{LeadID: lead.ID, Outcome: orchestrator.OutcomeSucceeded}
	}
	jobs := newMemJobs()
	p, _ := newProcessor(newMemLeads(30), jobs, fn, Options{ChunkSize: 1, MaxConcurrent: 1})

	res, err := p.ProcessTier(ctx, "org-1", models.TierHot, models.ActionSyncStatus, models.ActionParams{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Less(t, res.Counters.Processed, 30)
	job, _ := jobs.GetJob(context.Background(), res.JobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 30, job.Counters.Total)
}

func TestAsyncLifecycle(t *testing.T) {
	jobs := newMemJobs()
	q := &memQueue{}
	closed := &atomic.Int32{}
	p := NewProcessor(newMemLeads(3), jobs, q, func() Applier { return funcApplier{fn: succeed, closed: closed} }, Options{}, nil)
	ctx := context.Background()

	id, err := p.StartTierProcessingAsync(ctx, "org-1", models.TierHot, "", models.ActionParams{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, q.ids)

	job, err := p.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.ActionSyncStatus, job.Action)
	assert.True(t, job.Params.Force)

	res, err := p.RunJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Counters.Succeeded)

	_, err = p.RunJob(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotPending)

	_, err = p.StartTierProcessingAsync(ctx, "org-1", models.Tier("lukewarm"), models.ActionSyncStatus, models.ActionParams{})
	assert.Error(t, err)

	q.err = errors.New("redis down")
	_, err = p.StartTierProcessingAsync(ctx, "org-1", models.TierHot, models.ActionSyncStatus, models.ActionParams{})
	require.Error(t, err)
	failedJob, _ := jobs.GetJob(ctx, "job-2")
	assert.Equal(t, models.StatusFailed, failedJob.Status)
}

func TestChunkIDs(t *testing.T) {
	assert.Nil(t, chunkIDs(nil, 100))
	chunks := chunkIDs([]int64{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, chunks)
}
