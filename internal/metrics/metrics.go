// Package metrics counts client-side message flow on a private Prometheus
// registry so several clients can coexist in one process (and in tests).
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is safe for concurrent use. A nil *Metrics ignores every call.
type Metrics struct {
	reg        *prometheus.Registry
	sent       prometheus.Counter
	received   prometheus.Counter
	confirmed  prometheus.Counter
	failed     prometheus.Counter
	duplicates prometheus.Counter
	dropped    prometheus.Counter
	stale      prometheus.Counter
	connected  prometheus.Gauge
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "noxchat", Name: name, Help: help})
	}
	m := &Metrics{
		reg:        prometheus.NewRegistry(),
		sent:       counter("messages_sent_total", "Messages submitted by the local user."),
		received:   counter("messages_received_total", "Message events delivered by the push channel."),
		confirmed:  counter("messages_confirmed_total", "Optimistic sends reconciled with a server record."),
		failed:     counter("messages_failed_total", "Sends that returned an error."),
		duplicates: counter("messages_duplicate_total", "Inbound messages suppressed as already known."),
		dropped:    counter("frames_dropped_total", "Push frames that could not be parsed."),
		stale:      counter("stale_results_total", "Fetch results discarded after the conversation changed."),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noxchat",
			Name:      "push_connected",
			Help:      "1 while the push session is connected.",
		}),
	}
	m.reg.MustRegister(m.sent, m.received, m.confirmed, m.failed, m.duplicates, m.dropped, m.stale, m.connected)
	return m
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) IncConfirmed() {
	if m != nil {
		m.confirmed.Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) IncStale() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Snapshot reads the current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Sent:       read(m.sent),
		Received:   read(m.received),
		Confirmed:  read(m.confirmed),
		Failed:     read(m.failed),
		Duplicates: read(m.duplicates),
		Dropped:    read(m.dropped),
		Stale:      read(m.stale),
		Connected:  read(m.connected) > 0,
	}
}

func read(c prometheus.Metric) uint64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	if out.Counter != nil {
		return uint64(out.Counter.GetValue())
	}
	return uint64(out.Gauge.GetValue())
}

// Snapshot is printed by the `/stats` command.
type Snapshot struct {
	Sent       uint64
	Received   uint64
	Confirmed  uint64
	Failed     uint64
	Duplicates uint64
	Dropped    uint64
	Stale      uint64
	Connected  bool
}

func (s Snapshot) String() string {
	return fmt.Sprintf("sent=%d received=%d confirmed=%d failed=%d dup=%d dropped=%d stale=%d connected=%t",
		s.Sent, s.Received, s.Confirmed, s.Failed, s.Duplicates, s.Dropped, s.Stale, s.Connected)
}
