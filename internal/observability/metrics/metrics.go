// Package metrics provides Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "april_engine"

// Metrics holds all Prometheus metrics for the engine. Components
// receive it at construction; nothing registers on a global registry.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioSamplesFed prometheus.Counter
	AudioChunksFed  prometheus.Counter

	// Recognition metrics
	ResultsDelivered *prometheus.CounterVec
	TokensEmitted    prometheus.Counter
	RealTimeFactor   prometheus.Gauge
	DegradedTotal    prometheus.Counter

	// Feeder queue metrics
	QueueDepth      prometheus.Gauge
	QueueRejections prometheus.Counter

	// Model metrics
	ModelLoads *prometheus.CounterVec

	// Event publish metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
}

// New creates all engine metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of recognition sessions created",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active recognition sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of recognition sessions in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		AudioSamplesFed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_samples_fed_total",
			Help:      "Total PCM samples fed into sessions",
		}),
		AudioChunksFed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_fed_total",
			Help:      "Total audio chunks fed into sessions",
		}),

		ResultsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_delivered_total",
			Help:      "Total handler deliveries by result kind",
		}, []string{"kind"}),
		TokensEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_emitted_total",
			Help:      "Total recognized tokens delivered to handlers",
		}),
		RealTimeFactor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "real_time_factor",
			Help:      "Audio time processed over wall time elapsed, last evaluation",
		}),
		DegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Total FeedAudio calls that reported a degraded status",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feeder_queue_depth",
			Help:      "Chunks currently queued in async feeders",
		}),
		QueueRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeder_queue_rejections_total",
			Help:      "Total non-blocking submissions rejected with a full queue",
		}),

		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Total model container loads by result",
		}, []string{"result"}),

		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total transcript events published",
		}, []string{"topic", "event_type"}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total transcript publish errors",
		}, []string{"topic", "event_type"}),
		PublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Transcript publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordAudio records one chunk of PCM samples being fed.
func (m *Metrics) RecordAudio(samples int) {
	m.AudioSamplesFed.Add(float64(samples))
	m.AudioChunksFed.Inc()
}

// RecordResult records one handler delivery.
func (m *Metrics) RecordResult(kind string, tokens int) {
	m.ResultsDelivered.WithLabelValues(kind).Inc()
	if tokens > 0 {
		m.TokensEmitted.Add(float64(tokens))
	}
}

// RecordRealTimeFactor records a session's current real-time factor.
func (m *Metrics) RecordRealTimeFactor(f float64) {
	m.RealTimeFactor.Set(f)
}

// RecordDegraded records a degraded FeedAudio status.
func (m *Metrics) RecordDegraded() {
	m.DegradedTotal.Inc()
}

// RecordModelLoad records a model container load attempt.
func (m *Metrics) RecordModelLoad(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelLoads.WithLabelValues(result).Inc()
}

// RecordPublish records a transcript publish attempt.
func (m *Metrics) RecordPublish(topic, eventType string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(topic, eventType).Inc()
	m.PublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
