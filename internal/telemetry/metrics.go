package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched       = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_jobs_dispatched_total", Help: "Generation requests sent and registered"})
	JobsMatched          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "correlator_jobs_matched_total", Help: "Jobs bound to a reply, by method"}, []string{"method"})
	JobsTimedOut         = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_jobs_timed_out_total", Help: "Jobs that reached their deadline unmatched"})
	ReservationConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_reservation_conflicts_total", Help: "Claims lost to another job or process"})
	ReservationErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_reservation_errors_total", Help: "Claims that failed on the reservation store"})
	FetchFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_fetch_failures_total", Help: "Inbound fetches that failed"})
	PollCycles           = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_poll_cycles_total", Help: "Poll cycles executed"})
	PendingJobs          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "correlator_pending_jobs", Help: "Jobs awaiting a reply"})
	CycleDuration        = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "correlator_cycle_duration_seconds", Help: "Poll cycle latency", Buckets: prometheus.DefBuckets})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_rate_limit_rejects_total", Help: "Dispatch requests rejected by rate limiter"})
	ArtifactsArchived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_artifacts_archived_total", Help: "Matched artifacts copied to object storage"})
	ArchiveFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "correlator_archive_failures_total", Help: "Artifact fetch or upload failures"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			JobsMatched,
			JobsTimedOut,
			ReservationConflicts,
			ReservationErrors,
			FetchFailures,
			PollCycles,
			PendingJobs,
			CycleDuration,
			RateLimitRejects,
			ArtifactsArchived,
			ArchiveFailures,
		)
	})
	return promhttp.Handler()
}
