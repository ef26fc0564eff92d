package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Tier sync jobs enqueued"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_jobs_finished_total", Help: "Tier sync jobs by terminal status"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_trigger_rate_limit_rejects_total", Help: "Trigger requests rejected by the per-org limiter"})
	LeadOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_lead_outcomes_total", Help: "Per-lead sync outcomes"}, []string{"platform", "outcome"})
	LoginAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_login_attempts_total", Help: "Platform login attempts"}, []string{"platform", "result"})
	ChunksInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_chunks_inflight", Help: "Chunk units currently running"})
	WavesTimedOut    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_waves_timed_out_total", Help: "Waves that hit the wave timeout"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Jobs waiting in the ready queue"})
	JobsLeased       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_leased", Help: "Jobs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsFinished,
			RateLimitRejects,
			LeadOutcomes,
			LoginAttempts,
			ChunksInFlight,
			WavesTimedOut,
			QueueDepthGauge,
			JobsLeased,
		)
	})
	return promhttp.Handler()
}
