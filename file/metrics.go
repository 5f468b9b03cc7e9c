package file

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transfer outcomes. A nil *Metrics records nothing.
type Metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	fallbacks prometheus.Counter
	bytes     *prometheus.CounterVec
}

// NewMetrics creates the transfer collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmppft",
			Name:      "transfers_started_total",
			Help:      "File transfers offered or accepted.",
		}, []string{"direction"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmppft",
			Name:      "transfers_completed_total",
			Help:      "File transfers finished successfully, by stream method.",
		}, []string{"direction", "method"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmppft",
			Name:      "transfers_failed_total",
			Help:      "File transfers that ended without success, by error kind.",
		}, []string{"direction", "kind"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmppft",
			Name:      "transfer_fallbacks_total",
			Help:      "Transfers that moved from bytestreams to in-band data.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmppft",
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved by completed transfers.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.completed, m.failed, m.fallbacks, m.bytes)
	}
	return m
}

func (m *Metrics) transferStarted(d Direction) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) transferCompleted(d Direction, method Method, n int64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(d.String(), method.String()).Inc()
	m.bytes.WithLabelValues(d.String()).Add(float64(n))
}

func (m *Metrics) transferFailed(d Direction, kind string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(d.String(), kind).Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
