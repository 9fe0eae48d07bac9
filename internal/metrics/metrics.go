// Package metrics exposes Prometheus collectors for connections, targets,
// waiters and browser processes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "webdrive"

// Command outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeProtocolError = "protocol_error"
	OutcomeTimeout       = "timeout"
	OutcomeClosed        = "closed"
	OutcomeError         = "error"
)

// Collector groups every webdrive metric. A nil *Collector is valid and
// records nothing, so components can take one unconditionally.
type Collector struct {
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	pending          prometheus.Gauge
	events           *prometheus.CounterVec
	unknownResponses prometheus.Counter
	sessions         prometheus.Gauge
	targetStates     *prometheus.CounterVec
	waiters          *prometheus.CounterVec
	launches         *prometheus.CounterVec
}

// New creates a collector and registers it with reg. A nil reg leaves the
// collectors unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "CDP commands sent, by method and outcome.",
		}, []string{"method", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from writing a command to its correlated response.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_pending",
			Help:      "Commands awaiting a response.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "CDP events received, by method.",
		}, []string{"method"}),
		unknownResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_responses_total",
			Help:      "Responses discarded because no command was waiting for their id.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Attached target sessions.",
		}),
		targetStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_transitions_total",
			Help:      "Target state transitions, by destination state.",
		}, []string{"state"}),
		waiters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waiters_total",
			Help:      "Finished waiters, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_launches_total",
			Help:      "Browser launch attempts, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.commands,
			c.commandDuration,
			c.pending,
			c.events,
			c.unknownResponses,
			c.sessions,
			c.targetStates,
			c.waiters,
			c.launches,
		)
	}
	return c
}

// CommandStarted marks a command as in flight.
func (c *Collector) CommandStarted() {
	if c == nil {
		return
	}
	c.pending.Inc()
}

// CommandFinished records the outcome of a command started with CommandStarted.
func (c *Collector) CommandFinished(method, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.pending.Dec()
	c.commands.WithLabelValues(method, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeProtocolError {
		c.commandDuration.WithLabelValues(method).Observe(latency.Seconds())
	}
}

// EventReceived counts an incoming event.
func (c *Collector) EventReceived(method string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(method).Inc()
}

// UnknownResponse counts a discarded response.
func (c *Collector) UnknownResponse() {
	if c == nil {
		return
	}
	c.unknownResponses.Inc()
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

// TargetTransition counts a target entering state.
func (c *Collector) TargetTransition(state string) {
	if c == nil {
		return
	}
	c.targetStates.WithLabelValues(state).Inc()
}

// WaiterFinished counts a waiter or interceptor reaching a terminal state.
func (c *Collector) WaiterFinished(kind, outcome string) {
	if c == nil {
		return
	}
	c.waiters.WithLabelValues(kind, outcome).Inc()
}

// BrowserLaunched counts a launch attempt.
func (c *Collector) BrowserLaunched(outcome string) {
	if c == nil {
		return
	}
	c.launches.WithLabelValues(outcome).Inc()
}
