package metrics

import (
	"sync"
	"time"

	"proctord/internal/session"
)

// ProctorMetrics records session audit events as metrics. It implements
// session.Observer.
type ProctorMetrics struct {
	registry *Registry

	SessionsStarted *Counter
	SessionsEnded   *Counter
	ActiveSessions  *Gauge
	Connections     *Gauge
	JournalDropped  *Gauge
	SessionDuration *Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

// NewProctorMetrics registers the proctoring metrics on registry.
func NewProctorMetrics(registry *Registry) *ProctorMetrics {
	return &ProctorMetrics{
		registry: registry,
		SessionsStarted: registry.Counter("sessions_started_total",
			"Sessions that began monitoring.", nil),
		SessionsEnded: registry.Counter("sessions_ended_total",
			"Sessions deactivated without termination.", nil),
		ActiveSessions: registry.Gauge("sessions_active",
			"Sessions currently monitoring.", nil),
		Connections: registry.Gauge("connections_open",
			"Open client connections.", nil),
		JournalDropped: registry.Gauge("journal_dropped_events",
			"Audit events dropped because the journal queue was full.", nil),
		SessionDuration: registry.Histogram("session_duration_seconds",
			"Time from activation to termination or end.", nil, DurationBuckets),
		started: make(map[string]time.Time),
	}
}

// Registry returns the backing registry.
func (m *ProctorMetrics) Registry() *Registry { return m.registry }

// Observe implements session.Observer.
func (m *ProctorMetrics) Observe(ev session.Event) {
	switch ev.Kind {
	case session.EventStarted:
		m.SessionsStarted.Inc()
		m.ActiveSessions.Inc()
		m.mu.Lock()
		m.started[ev.SessionID] = ev.At
		m.mu.Unlock()

	case session.EventSignal:
		m.registry.Counter("signals_total", "Signals received by category.",
			Labels{"category": ev.Category}).Inc()

	case session.EventWarning:
		m.registry.Counter("warnings_total", "Warnings shown by category.",
			Labels{"category": ev.Category}).Inc()

	case session.EventPopupOpened:
		m.registry.Counter("popups_total", "Blocking popups opened by group.",
			Labels{"group": ev.Group}).Inc()

	case session.EventTerminated:
		m.registry.Counter("sessions_terminated_total", "Sessions terminated by category.",
			Labels{"category": ev.Category}).Inc()
		m.finish(ev)

	case session.EventEnded:
		m.SessionsEnded.Inc()
		m.finish(ev)
	}
}

func (m *ProctorMetrics) finish(ev session.Event) {
	m.ActiveSessions.Dec()

	m.mu.Lock()
	start, ok := m.started[ev.SessionID]
	delete(m.started, ev.SessionID)
	m.mu.Unlock()

	if ok && !ev.At.Before(start) {
		m.SessionDuration.ObserveDuration(ev.At.Sub(start))
	}
}
