// Package metrics holds the gateway's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	connections *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	broadcasts  prometheus.Counter
	pushes      prometheus.Counter
	rejections  *prometheus.CounterVec
	relayFrames prometheus.Counter
	brokerMsgs  prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections per worker.",
		}, []string{"worker", "protocol"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound client messages by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Channel broadcasts performed.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Frames queued to client sockets by broadcasts.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected by reason.",
		}, []string{"reason"}),
		relayFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames relayed between workers.",
		}),
		brokerMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_messages_total",
			Help:      "Messages received from the broker.",
		}),
	}
	m.Registry.MustRegister(
		m.connections, m.messages, m.broadcasts, m.pushes,
		m.rejections, m.relayFrames, m.brokerMsgs,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ConnectionOpened(worker int, protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(strconv.Itoa(worker), protocol).Inc()
}

func (m *Metrics) ConnectionClosed(worker int, protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(strconv.Itoa(worker), protocol).Dec()
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) Broadcast(pushes int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.pushes.Add(float64(pushes))
}

// Reject counts a rejection: "admission", "rate_limit", "auth", "forbidden".
func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Relayed(frames int) {
	if m == nil {
		return
	}
	m.relayFrames.Add(float64(frames))
}

func (m *Metrics) BrokerMessage() {
	if m == nil {
		return
	}
	m.brokerMsgs.Inc()
}
