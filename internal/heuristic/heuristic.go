// Package heuristic holds the window-metric heuristics that detect open
// developer tools and attached external displays, the pre-session display
// gate, and the in-session monitor that rechecks them.
package heuristic

import (
	"context"
	"errors"
	"sync"
)

// ErrNoMetrics is returned by a probe that has nothing to report yet.
var ErrNoMetrics = errors.New("heuristic: no window metrics")

// WindowMetrics is one snapshot of the candidate's screen and window.
type WindowMetrics struct {
	ScreenWidth      int     `json:"screen_width" cbor:"screen_width"`
	ScreenHeight     int     `json:"screen_height" cbor:"screen_height"`
	AvailWidth       int     `json:"avail_width" cbor:"avail_width"`
	AvailHeight      int     `json:"avail_height" cbor:"avail_height"`
	InnerWidth       int     `json:"inner_width" cbor:"inner_width"`
	InnerHeight      int     `json:"inner_height" cbor:"inner_height"`
	OuterWidth       int     `json:"outer_width" cbor:"outer_width"`
	OuterHeight      int     `json:"outer_height" cbor:"outer_height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio" cbor:"device_pixel_ratio"`

	// IsExtended is the screen.isExtended value when the platform reports it.
	IsExtended *bool `json:"is_extended,omitempty" cbor:"is_extended,omitempty"`

	// ConsoleTrap is set when a console getter trap fired on the client.
	ConsoleTrap bool `json:"console_trap,omitempty" cbor:"console_trap,omitempty"`
}

// Evidence is the debug detail behind a decision.
type Evidence map[string]any

// Result is the outcome of one evaluation.
type Result struct {
	Detected   bool
	Confidence float64
	Rule       string
	Evidence   Evidence
}

// SuspicionHeuristic evaluates window metrics.
type SuspicionHeuristic interface {
	Name() string
	Evaluate(m WindowMetrics) Result
}

// Probe reads the current window metrics.
type Probe interface {
	Metrics(ctx context.Context) (WindowMetrics, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (WindowMetrics, error)

// Metrics calls f(ctx).
func (f ProbeFunc) Metrics(ctx context.Context) (WindowMetrics, error) { return f(ctx) }

// LatestMetrics is a probe fed by the transport. It returns the most recent
// snapshot pushed by the client.
type LatestMetrics struct {
	mu sync.RWMutex
	m  WindowMetrics
	ok bool
}

// Update stores a new snapshot.
func (l *LatestMetrics) Update(m WindowMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m = m
	l.ok = true
}

// Metrics implements Probe.
func (l *LatestMetrics) Metrics(ctx context.Context) (WindowMetrics, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ok {
		return WindowMetrics{}, ErrNoMetrics
	}
	return l.m, nil
}
