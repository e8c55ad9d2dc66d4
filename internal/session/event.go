package session

import (
	"time"
)

// EventKind identifies an audit event.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventSignal         EventKind = "signal"
	EventWarning        EventKind = "warning"
	EventPopupOpened    EventKind = "popup_opened"
	EventPopupDismissed EventKind = "popup_dismissed"
	EventTerminated     EventKind = "terminated"
	EventEnded          EventKind = "ended"
)

// Event is one entry of a session's audit trail.
type Event struct {
	SessionID  string    `json:"session_id"`
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	Category   string    `json:"category,omitempty"`
	Group      string    `json:"group,omitempty"`
	Count      int       `json:"count,omitempty"`
	PopupCount int       `json:"popup_count,omitempty"`
	Strength   float64   `json:"strength,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Observer receives audit events. Observe is called while the session
// processes the event, so it must be quick and must not call back into
// the session.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

type observers []Observer

func (o observers) Observe(ev Event) {
	for _, obs := range o {
		obs.Observe(ev)
	}
}
