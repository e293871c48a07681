package proxywrap

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Server updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Connections *prometheus.CounterVec // by result: proxy, local, plain, untrusted, failed, dropped
	Errors      *prometheus.CounterVec // by kind and whether it was suppressed
	Pending     prometheus.Gauge       // connections currently in detection
	HeaderBytes prometheus.Counter     // PROXY header bytes stripped
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxywrap",
			Name:      "connections_total",
			Help:      "Accepted connections by detection result.",
		}, []string{"result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxywrap",
			Name:      "errors_total",
			Help:      "Errors seen by the classifier.",
		}, []string{"kind", "suppressed"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxywrap",
			Name:      "pending_connections",
			Help:      "Connections waiting for header detection.",
		}),
		HeaderBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxywrap",
			Name:      "header_bytes_total",
			Help:      "PROXY protocol header bytes stripped from connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Errors, m.Pending, m.HeaderBytes)
	}
	return m
}

func (m *Metrics) connection(result string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(result).Inc()
}

func (m *Metrics) error(k Kind, suppressed bool) {
	if m == nil {
		return
	}
	s := "false"
	if suppressed {
		s = "true"
	}
	m.Errors.WithLabelValues(k.String(), s).Inc()
}

func (m *Metrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.Pending.Add(delta)
}

func (m *Metrics) header(n int) {
	if m == nil {
		return
	}
	m.HeaderBytes.Add(float64(n))
}
