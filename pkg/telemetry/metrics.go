package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewayDownloadsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "gateway",
		Name:      "downloads_submitted_total",
		Help:      "Total download tasks accepted by the gateway.",
	})

	GatewayRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by the per-host rate limiter.",
	})

	// ─── Downloader ──────────────────────────────────────────────────────────────

	DownloaderTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "tasks_claimed_total",
		Help:      "Total claims handed to workers (each claim is one fetch attempt).",
	})

	DownloaderTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "tasks_processed_total",
		Help:      "Attempt outcomes, labelled completed | requeued | failed.",
	}, []string{"outcome"})

	DownloaderTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "tasks_inflight",
		Help:      "Downloads currently being fetched.",
	})

	DownloaderRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "retries_total",
		Help:      "Total re-queues after retriable failures.",
	})

	DownloaderReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "reclaimed_total",
		Help:      "Total stale claims returned to PENDING by the reclaimer.",
	})

	DownloaderInvalidTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "invalid_transitions_total",
		Help:      "Registry transition conflicts. Non-zero means a scheduling bug.",
	})

	DownloaderBytesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "bytes_stored_total",
		Help:      "Total bytes committed to the storage backend.",
	})

	DownloaderTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "filedownloader",
		Subsystem: "downloader",
		Name:      "task_duration_seconds",
		Help:      "Wall time of one fetch-and-store attempt in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)
