package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ImagesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_images_completed_total", Help: "Images analyzed successfully"})
	ImagesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_images_failed_total", Help: "Images that failed permanently"})
	ImagesRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_images_retried_total", Help: "Transient failures returned to the queue"})
	PathRepairs     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_path_repairs_total", Help: "Image records healed with a corrected local path"})
	StaleResets     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_stale_resets_total", Help: "Stuck processing rows reset at startup"})
	CoercionLosses  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_coercion_losses_total", Help: "Non-finite values replaced before persistence"})

	PendingGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_images_pending", Help: "Images waiting to be claimed"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_images_inflight", Help: "Images currently being processed"})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_processing_seconds",
		Help:    "Wall-clock duration of one image pipeline run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ImagesCompleted,
			ImagesFailed,
			ImagesRetried,
			PathRepairs,
			StaleResets,
			CoercionLosses,
			PendingGauge,
			InFlightGauge,
			ProcessingSeconds,
		)
	})
	return promhttp.Handler()
}
