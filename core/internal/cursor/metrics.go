package cursor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the shared cursor bookkeeping: active cursor count, total
// measured cursor count and the size of the last cursor opened. A nil
// receiver disables collection.
type Metrics struct {
	active   prometheus.Gauge
	total    prometheus.Counter
	lastSize prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_cursors_active",
			Help: "Currently open server-side cursors.",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_cursors_total",
			Help: "Cursors opened since process start.",
		}),
		lastSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratum_cursor_last_rows",
			Help: "Row count of the most recently opened cursor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.total, m.lastSize)
	}
	return m
}

func (m *Metrics) cursorOpened(rows int) {
	if m == nil {
		return
	}
	m.active.Inc()
	m.total.Inc()
	m.lastSize.Set(float64(rows))
}

func (m *Metrics) cursorClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}
