// Package metrics maps engine lifecycle events onto Prometheus collectors.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streambridge/pkg/bus"
)

const namespace = "streambridge"

type Metrics struct {
	registry *prometheus.Registry

	generations       *prometheus.CounterVec
	edits             *prometheus.CounterVec
	retryAfter        prometheus.Histogram
	retrievalFailures *prometheus.CounterVec
}

// New builds a private registry so tests and multiple gateways never collide on the default one.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations by lifecycle stage.",
		}, []string{"stage"}),
		edits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_total",
			Help:      "Outbound send and edit calls by result.",
		}, []string{"operation", "result"}),
		retryAfter: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_retry_after_seconds",
			Help:      "Retry-after durations reported by the platform.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		retrievalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Retrieval failures by category.",
		}, []string{"category"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackSessions exposes live session counts sampled at scrape time.
func (m *Metrics) TrackSessions(sessions, generating func() float64) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Chat sessions held in memory.",
	}, sessions)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_generating",
		Help:      "Chat sessions with a live generation.",
	}, generating)
}

// Record counts one lifecycle event.
func (m *Metrics) Record(event bus.Event) {
	switch event.Type {
	case bus.EventGenerationStarted:
		m.generations.WithLabelValues("started").Inc()
	case bus.EventGenerationCompleted:
		m.generations.WithLabelValues("completed").Inc()
	case bus.EventGenerationFailed:
		m.generations.WithLabelValues("failed").Inc()
	case bus.EventGenerationCancelled:
		m.generations.WithLabelValues("cancelled").Inc()
	case bus.EventEditApplied:
		m.edits.WithLabelValues(operation(event), "applied").Inc()
	case bus.EventEditFailed:
		m.edits.WithLabelValues(operation(event), "failed").Inc()
	case bus.EventEditRateLimited:
		m.edits.WithLabelValues(operation(event), "rate_limited").Inc()
		if d, err := time.ParseDuration(event.Payload["retry_after"]); err == nil {
			m.retryAfter.Observe(d.Seconds())
		}
	case bus.EventRetrievalFailed:
		category := event.Payload["category"]
		if category == "" {
			category = "unknown"
		}
		m.retrievalFailures.WithLabelValues(category).Inc()
	}
}

// Observe logs and counts events until the channel closes or ctx is done.
func (m *Metrics) Observe(ctx context.Context, events <-chan bus.Event, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "metrics")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.Record(event)
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{"event", string(event.Type), "chat_id", int64(event.ChatID), "generation_id", event.GenerationID, "request_id", event.RequestID}
	for key, value := range event.Payload {
		attrs = append(attrs, key, value)
	}

	switch event.Type {
	case bus.EventGenerationFailed, bus.EventRetrievalFailed, bus.EventEditFailed:
		log.Warn("Lifecycle event", append(attrs, "error", event.Error)...)
	case bus.EventEditApplied:
		log.Debug("Lifecycle event", attrs...)
	default:
		log.Info("Lifecycle event", attrs...)
	}
}

func operation(event bus.Event) string {
	if op := event.Payload["operation"]; op != "" {
		return op
	}
	return "edit"
}
