// Package metrics holds the prometheus collectors for the realtime core.
// A nil *Realtime is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Realtime struct {
	OpenStreams      prometheus.Gauge
	ConnectedUsers   prometheus.Gauge
	Deliveries       prometheus.Counter
	EvictedSenders   prometheus.Counter
	Published        *prometheus.CounterVec
	DroppedEnvelopes *prometheus.CounterVec
	BusSubscriptions prometheus.Gauge
}

// NewRealtime builds the collectors and registers them with reg when reg
// is non-nil.
func NewRealtime(reg prometheus.Registerer) *Realtime {
	m := &Realtime{
		OpenStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "open_streams",
			Help:      "Event streams currently registered in this process.",
		}),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "connected_users",
			Help:      "Distinct users with at least one open stream in this process.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "deliveries_total",
			Help:      "Events handed to a stream sender.",
		}),
		EvictedSenders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "evicted_senders_total",
			Help:      "Senders removed because a send failed.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "published_total",
			Help:      "Envelopes published to the bus by outcome.",
		}, []string{"outcome"}),
		DroppedEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "dropped_envelopes_total",
			Help:      "Bus payloads dropped before fan-out, by reason.",
		}, []string{"reason"}),
		BusSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "bus_subscriptions",
			Help:      "Underlying transport subscriptions held by this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OpenStreams,
			m.ConnectedUsers,
			m.Deliveries,
			m.EvictedSenders,
			m.Published,
			m.DroppedEnvelopes,
			m.BusSubscriptions,
		)
	}
	return m
}

func (m *Realtime) StreamOpened() {
	if m != nil {
		m.OpenStreams.Inc()
	}
}

func (m *Realtime) StreamClosed() {
	if m != nil {
		m.OpenStreams.Dec()
	}
}

func (m *Realtime) SetConnectedUsers(n int) {
	if m != nil {
		m.ConnectedUsers.Set(float64(n))
	}
}

func (m *Realtime) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}

func (m *Realtime) Evicted() {
	if m != nil {
		m.EvictedSenders.Inc()
	}
}

func (m *Realtime) PublishResult(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Published.WithLabelValues(outcome).Inc()
}

func (m *Realtime) Dropped(reason string) {
	if m != nil {
		m.DroppedEnvelopes.WithLabelValues(reason).Inc()
	}
}

func (m *Realtime) SetBusSubscriptions(n int) {
	if m != nil {
		m.BusSubscriptions.Set(float64(n))
	}
}
