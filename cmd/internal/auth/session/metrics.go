package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	issued        prometheus.Counter
	rotations     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	reuse         prometheus.Counter
	pruned        prometheus.Counter
	storeLatency  *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. Pass a private registry; the
// process-wide default registry is never touched.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "issued_total",
			Help:      "Sessions created by sign-in.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "rotations_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "invalidations_total",
			Help:      "Sessions moved to invalid, by reason.",
		}, []string{"reason"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "refresh_reuse_detected_total",
			Help:      "Rotated refresh tokens presented again.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "pruned_total",
			Help:      "Dead session rows deleted by the retention janitor.",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "learnhub",
			Subsystem: "session",
			Name:      "store_seconds",
			Help:      "Session store call latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.issued, m.rotations, m.invalidations, m.reuse, m.pruned, m.storeLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sessionIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) rotation(result string) {
	if m != nil {
		m.rotations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) invalidated(reason Reason, n int64) {
	if m != nil && n > 0 {
		m.invalidations.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *Metrics) reuseDetected() {
	if m != nil {
		m.reuse.Inc()
	}
}

func (m *Metrics) prunedRows(n int64) {
	if m != nil && n > 0 {
		m.pruned.Add(float64(n))
	}
}

func (m *Metrics) observeStore(op string, start time.Time) {
	if m != nil {
		m.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
