package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	created     *prometheus.CounterVec
	validations *prometheus.CounterVec
	terminated  *prometheus.CounterVec
	refreshed   prometheus.Counter
	highRate    prometheus.Counter
	sweeps      *prometheus.HistogramVec
	swept       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "created_total",
			Help: "Sessions created, by role.",
		}, []string{"role"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "validations_total",
			Help: "Session validations, by result.",
		}, []string{"result"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "terminated_total",
			Help: "Sessions terminated, by reason.",
		}, []string{"reason"}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "refreshed_total",
			Help: "Successful token rotations.",
		}),
		highRate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "high_activity_total",
			Help: "High activity rate detections.",
		}),
		sweeps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "astral", Subsystem: "session", Name: "sweep_duration_seconds",
			Help:    "Duration of background sweep passes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astral", Subsystem: "session", Name: "swept_total",
			Help: "Sessions transitioned by background sweeps.",
		}, []string{"sweep"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.created, m.validations, m.terminated, m.refreshed, m.highRate, m.sweeps, m.swept,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) sessionCreated(r Role) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) validation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionTerminated(r TerminationReason) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) sessionRefreshed() {
	if m == nil {
		return
	}
	m.refreshed.Inc()
}

func (m *Metrics) highActivity() {
	if m == nil {
		return
	}
	m.highRate.Inc()
}

func (m *Metrics) sweepDone(name string, started time.Time, n int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(name).Observe(time.Since(started).Seconds())
	m.swept.WithLabelValues(name).Add(float64(n))
}
