// Package metrics holds the process-wide prometheus registry and the
// collectors every component reports into. It is ambient instrumentation
// (SPEC_FULL.md §B), distinct from the external monitoring dashboard spec.md
// §1 places out of scope: this package only exposes raw counters/gauges on
// an unauthenticated /metrics path, it renders nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors the rest of the service reports into. A
// single Registry is constructed in cmd/ocr-server and passed by reference
// into every component, per spec §9's "explicit application context"
// guidance — no package-level default registry is used for anything other
// than registration bookkeeping.
type Registry struct {
	Reg *prometheus.Registry

	PermitsInUse    prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec // label: priority
	JobDuration     *prometheus.HistogramVec // label: outcome
	JobsTotal       *prometheus.CounterVec   // labels: outcome
	BackendActive   *prometheus.GaugeVec     // label: resource (database|storage); value 0=primary 1=fallback
	SubmissionTotal *prometheus.CounterVec   // label: status
	OCRRequests     *prometheus.CounterVec   // label: outcome
	FetchRequests   *prometheus.CounterVec   // label: source_kind, outcome
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		PermitsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocr_preview",
			Name:      "permits_in_use",
			Help:      "Number of OCR scheduler permits currently held.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ocr_preview",
			Name:      "queue_depth",
			Help:      "Pending jobs per priority band.",
		}, []string{"priority"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ocr_preview",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job processing duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocr_preview",
			Name:      "jobs_total",
			Help:      "Terminal job outcomes.",
		}, []string{"outcome"}),
		BackendActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ocr_preview",
			Name:      "backend_active",
			Help:      "1 if the fallback backend is active for the given resource, 0 if primary.",
		}, []string{"resource"}),
		SubmissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocr_preview",
			Name:      "submissions_total",
			Help:      "Submission API outcomes.",
		}, []string{"status"}),
		OCRRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocr_preview",
			Name:      "ocr_requests_total",
			Help:      "OCR child-process requests by outcome.",
		}, []string{"outcome"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocr_preview",
			Name:      "fetch_requests_total",
			Help:      "Material fetch attempts by source kind and outcome.",
		}, []string{"source_kind", "outcome"}),
	}

	reg.MustRegister(
		r.PermitsInUse,
		r.QueueDepth,
		r.JobDuration,
		r.JobsTotal,
		r.BackendActive,
		r.SubmissionTotal,
		r.OCRRequests,
		r.FetchRequests,
	)

	return r
}
