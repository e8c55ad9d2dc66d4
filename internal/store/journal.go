package store

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"proctord/internal/session"
)

// DefaultJournalBuffer is the number of audit events queued before the
// journal starts dropping.
const DefaultJournalBuffer = 1024

// Journal writes session audit events to the store from a background
// goroutine. Observe never blocks: events are dropped when the queue is
// full. Per-frame signal events are not persisted.
type Journal struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan session.Event
	closed bool

	dropped atomic.Int64
	written atomic.Int64
	wg      sync.WaitGroup
}

// NewJournal starts a journal writing to s.
func NewJournal(s *Store, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		store:  s,
		logger: logger.With("component", "journal"),
		queue:  make(chan session.Event, buffer),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Observe implements session.Observer.
func (j *Journal) Observe(ev session.Event) {
	if ev.Kind == session.EventSignal {
		return
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- ev:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("audit queue full, dropping events", "dropped", n)
		}
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for ev := range j.queue {
		if err := j.write(ev); err != nil {
			j.logger.Error("audit write failed", "session", ev.SessionID, "kind", ev.Kind, "error", err)
			continue
		}
		j.written.Add(1)
	}
}

func (j *Journal) write(ev session.Event) error {
	if ev.Kind == session.EventStarted {
		return j.store.StartSession(ev.SessionID, ev.At)
	}

	if _, err := j.store.InsertEvent(&Event{
		SessionID:   ev.SessionID,
		Kind:        string(ev.Kind),
		TimestampNs: ev.At.UnixNano(),
		Category:    ev.Category,
		Group:       ev.Group,
		Count:       ev.Count,
		PopupCount:  ev.PopupCount,
		Strength:    ev.Strength,
		Detail:      ev.Detail,
		Reason:      ev.Reason,
	}); err != nil {
		return err
	}

	switch ev.Kind {
	case session.EventTerminated:
		return j.store.EndSession(ev.SessionID, ev.At, true, ev.Reason)
	case session.EventEnded:
		return j.store.EndSession(ev.SessionID, ev.At, false, "")
	}
	return nil
}

// Close stops accepting events and waits until the queue is drained.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
}

// Dropped returns the number of events dropped on a full queue.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written returns the number of events persisted.
func (j *Journal) Written() int64 { return j.written.Load() }
