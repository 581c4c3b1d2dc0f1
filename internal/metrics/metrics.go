// Package metrics holds the client's Prometheus counters. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maksum"

// Metrics groups the counters exported by the messaging core.
type Metrics struct {
	registry *prometheus.Registry

	polls           prometheus.Counter
	pollFailures    prometheus.Counter
	staleDiscarded  prometheus.Counter
	pings           prometheus.Counter
	pingFailures    prometheus.Counter
	refreshes       prometheus.Counter
	refreshesPaused prometheus.Counter
	voiceSent       prometheus.Counter
	voiceFailed     prometheus.Counter
}

// New registers all counters on a private registry.
func New() *Metrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		polls:           counter("sync", "fetches_total", "Message history fetches issued."),
		pollFailures:    counter("sync", "fetch_failures_total", "Message history fetches that failed."),
		staleDiscarded:  counter("sync", "stale_discarded_total", "Snapshots discarded because their conversation or request was superseded."),
		pings:           counter("presence", "pings_total", "Presence pings issued."),
		pingFailures:    counter("presence", "ping_failures_total", "Presence pings that failed."),
		refreshes:       counter("presence", "profile_refreshes_total", "Profile refetches issued."),
		refreshesPaused: counter("presence", "profile_refreshes_paused_total", "Profile refreshes skipped by the pause gate."),
		voiceSent:       counter("voice", "sent_total", "Voice notes sent."),
		voiceFailed:     counter("voice", "failed_total", "Voice notes discarded after a failure."),
	}
	m.registry.MustRegister(
		m.polls, m.pollFailures, m.staleDiscarded,
		m.pings, m.pingFailures, m.refreshes, m.refreshesPaused,
		m.voiceSent, m.voiceFailed,
	)
	return m
}

// ObserveDrops exports a counter read from dropped on every scrape, e.g. the
// bus's Dropped.
func (m *Metrics) ObserveDrops(dropped func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Events not delivered because a subscriber was behind.",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Poll() { m.inc(func() { m.polls.Inc() }) }
func (m *Metrics) PollFailed() { m.inc(func() { m.pollFailures.Inc() }) }
func (m *Metrics) StaleDiscarded() { m.inc(func() { m.staleDiscarded.Inc() }) }
func (m *Metrics) Ping() { m.inc(func() { m.pings.Inc() }) }
func (m *Metrics) PingFailed() { m.inc(func() { m.pingFailures.Inc() }) }
func (m *Metrics) Refresh() { m.inc(func() { m.refreshes.Inc() }) }
func (m *Metrics) RefreshPaused() { m.inc(func() { m.refreshesPaused.Inc() }) }
func (m *Metrics) VoiceSent() { m.inc(func() { m.voiceSent.Inc() }) }
func (m *Metrics) VoiceFailed() { m.inc(func() { m.voiceFailed.Inc() }) }

func (m *Metrics) inc(f func()) {
	if m == nil {
		return
	}
	f()
}
