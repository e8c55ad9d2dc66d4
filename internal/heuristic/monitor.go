package heuristic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/eventbus"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

// Monitor rechecks a heuristic during the session and emits a signal when it
// fires.
type Monitor struct {
	heuristic SuspicionHeuristic
	probe     Probe
	category  violation.Category
	sink      violation.Sink
	logger    *slog.Logger

	mu       sync.Mutex
	last     Result
	accepted string
	unsubs   []func()
}

// NewMonitor returns a monitor that reports detections as category.
func NewMonitor(h SuspicionHeuristic, probe Probe, category violation.Category, sink violation.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		heuristic: h,
		probe:     probe,
		category:  category,
		sink:      sink,
		logger:    logger.With("component", h.Name()),
	}
}

// Check evaluates once. Probe errors are logged and skipped.
func (m *Monitor) Check(ctx context.Context, now time.Time) Result {
	metrics, err := m.probe.Metrics(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoMetrics) {
			m.logger.Debug("metrics probe failed", "error", err)
		}
		return Result{}
	}

	res := m.heuristic.Evaluate(metrics)
	m.mu.Lock()
	m.last = res
	accepted := m.accepted
	m.mu.Unlock()

	if res.Detected && accepted != "" && res.Rule == accepted {
		m.logger.Debug("ignoring accepted rule", "rule", res.Rule)
		return res
	}
	if res.Detected {
		m.logger.Info("heuristic fired", "rule", res.Rule, "confidence", res.Confidence)
		m.sink.Emit(violation.Signal{
			Category:  m.category,
			Timestamp: now,
			Strength:  res.Confidence,
			Detail:    res.Rule,
		})
	}
	return res
}

// Accept stops detections by rule from emitting signals. A stronger rule
// firing later is still reported.
func (m *Monitor) Accept(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = rule
}

// Start schedules the check on g every interval.
func (m *Monitor) Start(g *schedule.Group, interval time.Duration) error {
	_, err := g.Every(m.heuristic.Name(), interval, func(ctx context.Context, now time.Time) {
		m.Check(ctx, now)
	})
	return err
}

// RecheckOn runs the check whenever an event of kind k is published.
func (m *Monitor) RecheckOn(bus *eventbus.Bus, k eventbus.Kind) {
	unsub := bus.Subscribe(k, func(ev *eventbus.Event) {
		m.Check(context.Background(), ev.Time)
	})
	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.mu.Unlock()
}

// Detach removes event subscriptions.
func (m *Monitor) Detach() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Last returns the most recent evaluation.
func (m *Monitor) Last() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
