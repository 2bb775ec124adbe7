package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors for chat turns. A nil *Metrics
// records nothing.
type Metrics struct {
	turns        *prometheus.CounterVec
	tokens       prometheus.Counter
	disconnects  prometheus.Counter
	inFlight     prometheus.Gauge
	duration     prometheus.Histogram
	rateLimited  prometheus.Counter
	archiveDrops prometheus.Counter
}

// NewMetrics registers the chat collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yai",
			Name:      "turns_total",
			Help:      "Finished turns by result.",
		}, []string{"result"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yai",
			Name:      "tokens_total",
			Help:      "Tokens relayed from the engine.",
		}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yai",
			Name:      "stream_disconnects_total",
			Help:      "Streams whose client went away before the answer completed.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "yai",
			Name:      "turns_in_flight",
			Help:      "Turns currently generating.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "yai",
			Name:      "turn_duration_seconds",
			Help:      "Time from claiming a question to the end of its answer.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yai",
			Name:      "rate_limited_total",
			Help:      "Question submissions rejected by the rate limiter.",
		}),
		archiveDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yai",
			Name:      "archive_dropped_total",
			Help:      "Transcripts dropped because the archive queue was full or closed.",
		}),
	}
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) turnFinished(failed, disconnected bool, tokens int, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "completed"
	if failed {
		result = "failed"
	}
	m.inFlight.Dec()
	m.turns.WithLabelValues(result).Inc()
	m.tokens.Add(float64(tokens))
	m.duration.Observe(elapsed.Seconds())
	if disconnected {
		m.disconnects.Inc()
	}
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) archiveDropped() {
	if m == nil {
		return
	}
	m.archiveDrops.Inc()
}
