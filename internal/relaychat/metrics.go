package relaychat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the delivery counters. A nil *Metrics records nothing.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	channelsDropped prometheus.Counter
	pendingEvicted  *prometheus.CounterVec
	mailboxAppends  prometheus.Counter
	replayed        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery outcomes.",
		}, []string{"kind", "result"}),
		channelsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "channels_dropped_total",
			Help:      "Channels removed after a failed push.",
		}),
		pendingEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "pending_evicted_total",
			Help:      "Pending entries evicted because a user hit the queue limit.",
		}, []string{"stream"}),
		mailboxAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "mailbox_appends_total",
			Help:      "Chat messages mirrored into member mailboxes.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "replayed_total",
			Help:      "Pending events handed to newly opened channels.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveries, m.channelsDropped, m.pendingEvicted, m.mailboxAppends, m.replayed)
	}
	return m
}

// RegisterLiveChannels exposes the registry size as a gauge.
func RegisterLiveChannels(reg prometheus.Registerer, registry *Registry) {
	if reg == nil || registry == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relaychat",
		Name:      "live_channels",
		Help:      "Currently attached delivery channels.",
	}, func() float64 { return float64(registry.Count()) }))
}

func (m *Metrics) delivery(kind Kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) channelDropped() {
	if m == nil {
		return
	}
	m.channelsDropped.Inc()
}

func (m *Metrics) evicted(stream string) {
	if m == nil {
		return
	}
	m.pendingEvicted.WithLabelValues(stream).Inc()
}

func (m *Metrics) mailboxAppend() {
	if m == nil {
		return
	}
	m.mailboxAppends.Inc()
}

func (m *Metrics) replay(n int) {
	if m == nil || n == 0 {
		return
	}
	m.replayed.Add(float64(n))
}
