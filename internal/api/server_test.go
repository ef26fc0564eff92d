package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-sync/internal/models"
	"referral-sync/internal/ratelimit"
	"referral-sync/internal/store"
)

type trigger struct {
	OrgID  string
	Tier   models.Tier
	Action models.Action
	Params models.ActionParams
}

type fakeJobs struct {
	triggers []trigger
	jobs     map[string]models.BatchJob
	err      error
}

func (f *fakeJobs) StartTierProcessingAsync(_ context.Context, orgID string, tier models.Tier, action models.Action, params models.ActionParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.triggers = append(f.triggers, trigger{orgID, tier, action, params})
	return "job-1", nil
}

func (f *fakeJobs) GetJobStatus(_ context.Context, id string) (models.BatchJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.BatchJob{}, store.ErrNotFound
	}
	return job, nil
}

type fakeDLQ []string

func (d fakeDLQ) DLQPeek(context.Context, int64) ([]string, error) { return d, nil }

func newServer(t *testing.T, capacity int) (*fakeJobs, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jobs := &fakeJobs{jobs: map[string]models.BatchJob{}}
	limiter := ratelimit.NewTokenBucket(client, capacity, 0.001, time.Hour)
	return jobs, New(jobs, fakeDLQ{"job-9"}, limiter, nil).Router()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTrigger(t *testing.T) {
	jobs, h := newServer(t, 10)

	rec := do(h, http.MethodPost, "/orgs/org-1/tiers/WARM/sync", `{"action":"sync_status","force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, models.StatusPending, resp.Status)
	require.Len(t, jobs.triggers, 1)
	assert.Equal(t, trigger{"org-1", models.TierWarm, models.ActionSyncStatus, models.ActionParams{Force: true}}, jobs.triggers[0])

	rec = do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code, "empty body defaults to sync_status")
	assert.Equal(t, models.ActionSyncStatus, jobs.triggers[1].Action)

	rec = do(h, http.MethodPost, "/orgs/org-1/tiers/tepid/sync", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", `{"action":"delete_everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	jobs.err = errors.New("redis down")
	rec = do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTriggerRateLimitedPerOrg(t *testing.T) {
	jobs, h := newServer(t, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/orgs/org-1/tiers/hot/sync", "").Code)
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/orgs/org-2/tiers/hot/sync", "").Code)
	assert.Len(t, jobs.triggers, 3)
}

func TestGetJob(t *testing.T) {
	jobs, h := newServer(t, 10)
	jobs.jobs["job-1"] = models.BatchJob{
		ID:       "job-1",
		Status:   models.StatusRunning,
		Counters: models.JobCounters{Total: 250, Processed: 100, Succeeded: 90, Failed: 10},
	}

	rec := do(h, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, 100, job.Counters.Processed)
	assert.Equal(t, models.StatusRunning, job.Status)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/jobs/nope", "").Code)
}

func TestHealthAndDLQ(t *testing.T) {
	_, h := newServer(t, 10)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)

	rec := do(h, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":["job-9"]}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "").Code)
}
