package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors a Session updates.
type Metrics struct {
	Frames        *prometheus.CounterVec
	DroppedFrames *prometheus.CounterVec
	Merges        *prometheus.CounterVec
	Resyncs       prometheus.Counter
	StaleResults  *prometheus.CounterVec
	Connected     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_total",
			Help:      "Push frames applied, by topic.",
		}, []string{"topic"}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Push frames dropped, by reason.",
		}, []string{"reason"}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "merges_total",
			Help:      "Messages merged into room stores, by outcome.",
		}, []string{"outcome"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "resyncs_total",
			Help:      "History refetches triggered by a transport (re)connect.",
		}),
		StaleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_results_total",
			Help:      "Async results discarded because the room or actor changed.",
		}, []string{"op"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "transport_connected",
			Help:      "1 while the push transport is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.DroppedFrames, m.Merges, m.Resyncs, m.StaleResults, m.Connected)
	}
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if s == StateConnected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
