// Package store provides SQLite-based audit storage for proctord.
package store

// Session is one row of the sessions table.
type Session struct {
	ID          string
	StartedAtNs int64
	EndedAtNs   *int64
	Terminated  bool
	Reason      string
}

// Event is one audit entry of a session.
type Event struct {
	ID          int64
	SessionID   string
	Kind        string
	TimestampNs int64
	Category    string
	Group       string
	Count       int
	PopupCount  int
	Strength    float64
	Detail      string
	Reason      string
}

// ConfigSnapshot records the configuration a daemon was running with.
type ConfigSnapshot struct {
	ID        int64
	Version   int
	CreatedAt int64
	Data      string
	Reason    string
}
