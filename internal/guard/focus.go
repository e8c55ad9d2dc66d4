// Package guard watches window focus and keyboard shortcuts.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"proctord/internal/eventbus"
	"proctord/internal/violation"
)

// Focus loss details recorded with each signal.
const (
	DetailBlur     = "window blur"
	DetailHidden   = "document hidden"
	DetailShortcut = "tab switch shortcut"
)

// FocusSampler turns blur and visibility events into FocusLoss signals.
type FocusSampler struct {
	sink   violation.Sink
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
	losses int
}

// NewFocusSampler returns a sampler that emits to sink.
func NewFocusSampler(sink violation.Sink, logger *slog.Logger) *FocusSampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FocusSampler{sink: sink, logger: logger.With("component", "focus")}
}

// Attach subscribes to bus. Call Detach to remove the subscriptions.
func (f *FocusSampler) Attach(bus *eventbus.Bus) {
	blur := bus.Subscribe(eventbus.Blur, func(ev *eventbus.Event) {
		f.Report(ev.Time, DetailBlur)
	})
	vis := bus.Subscribe(eventbus.VisibilityChange, func(ev *eventbus.Event) {
		if ev.Hidden {
			f.Report(ev.Time, DetailHidden)
		}
	})

	f.mu.Lock()
	f.unsubs = append(f.unsubs, blur, vis)
	f.mu.Unlock()
}

// Detach removes every subscription made by Attach.
func (f *FocusSampler) Detach() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Report emits one FocusLoss signal.
func (f *FocusSampler) Report(now time.Time, detail string) {
	f.mu.Lock()
	f.losses++
	f.mu.Unlock()

	f.logger.Debug("focus lost", "detail", detail)
	f.sink.Emit(violation.Signal{
		Category:  violation.FocusLoss,
		Timestamp: now,
		Detail:    detail,
	})
}

// Losses returns how many focus losses were reported.
func (f *FocusSampler) Losses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.losses
}
