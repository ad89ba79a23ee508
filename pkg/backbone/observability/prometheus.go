package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	published      *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	handlerRuns    *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	groupLag       *prometheus.GaugeVec
}

// NewPrometheusMetrics registers the backbone collectors with reg.
// It panics if a collector is already registered, like promauto.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_events_published_total",
			Help: "The total number of events published",
		}, []string{"event_type"}),
		publishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_errors_total",
			Help: "The total number of failed publishes",
		}, []string{"event_type"}),
		publishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_publish_duration_seconds",
			Help:    "Publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		handlerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_handler_outcomes_total",
			Help: "Handler outcomes by status",
		}, []string{"group", "handler", "status"}),
		handlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_handler_duration_seconds",
			Help:    "Handler latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "handler"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_message_transitions_total",
			Help: "Message state transitions",
		}, []string{"group", "state"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_dead_letters_total",
			Help: "The total number of dead-lettered handler runs",
		}, []string{"group", "handler", "event_type"}),
		groupLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backbone_group_lag",
			Help: "Entries added after the consumer group cursor",
		}, []string{"topic", "group"}),
	}
}

func (m *PrometheusMetrics) RecordPublish(_ context.Context, eventType string, duration time.Duration, err error) {
	m.published.WithLabelValues(eventType).Inc()
	m.publishLatency.WithLabelValues(eventType).Observe(duration.Seconds())
	if err != nil {
		m.publishErrors.WithLabelValues(eventType).Inc()
	}
}

func (m *PrometheusMetrics) RecordHandler(_ context.Context, group, handler, status string, duration time.Duration) {
	m.handlerRuns.WithLabelValues(group, handler, status).Inc()
	m.handlerLatency.WithLabelValues(group, handler).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordTransition(_ context.Context, group, state string) {
	m.transitions.WithLabelValues(group, state).Inc()
}

func (m *PrometheusMetrics) RecordDeadLetter(_ context.Context, group, handler, eventType string) {
	m.deadLetters.WithLabelValues(group, handler, eventType).Inc()
}

func (m *PrometheusMetrics) RecordLag(_ context.Context, topic, group string, lag int64) {
	m.groupLag.WithLabelValues(topic, group).Set(float64(lag))
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)
