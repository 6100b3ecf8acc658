// Package metrics holds the Prometheus collectors shared across ocrbot.
// Collectors live on a private registry so tests and embedding programs do
// not collide with the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every ocrbot collector is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler renders the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Webhook outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
)

var (
	UpdatesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbot_updates_total",
		Help: "Webhook updates received, by outcome.",
	}, []string{"outcome"})

	RepliesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbot_replies_total",
		Help: "Replies produced by the pipeline, by kind.",
	}, []string{"kind"})

	SendFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "ocrbot_send_failures_total",
		Help: "Replies that could not be delivered to the platform.",
	})

	FetchRetries = factory.NewCounter(prometheus.CounterOpts{
		Name: "ocrbot_fetch_retries_total",
		Help: "Platform file calls that were retried.",
	})

	OCRInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ocrbot_ocr_in_flight",
		Help: "OCR invocations currently running.",
	})

	OCRLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrbot_ocr_latency_seconds",
		Help:    "OCR engine latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	PipelineLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrbot_pipeline_latency_seconds",
		Help:    "End-to-end pipeline latency per accepted image, in seconds.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	EventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrbot_events_published_total",
		Help: "Result events sent to the broker, by status.",
	}, []string{"status"})
)
