package heuristic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/eventbus"
	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

func laptop() WindowMetrics {
	return WindowMetrics{
		ScreenWidth: 1920, ScreenHeight: 1080,
		AvailWidth: 1920, AvailHeight: 1040,
		InnerWidth: 1920, InnerHeight: 960,
		OuterWidth: 1920, OuterHeight: 1040,
		DevicePixelRatio: 1,
	}
}

func boolPtr(b bool) *bool { return &b }

// =============================================================================
// DevTools
// =============================================================================

func TestDevToolsEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *WindowMetrics)
		detected bool
		rule     string
	}{
		{"clean window", func(m *WindowMetrics) {}, false, ""},
		{"gap at threshold", func(m *WindowMetrics) { m.InnerWidth = m.OuterWidth - 160 }, false, ""},
		{"docked right", func(m *WindowMetrics) { m.InnerWidth = m.OuterWidth - 400 }, true, "width-gap"},
		{"docked bottom", func(m *WindowMetrics) { m.InnerHeight = m.OuterHeight - 300 }, true, "height-gap"},
		{"console trap", func(m *WindowMetrics) { m.ConsoleTrap = true }, true, "console-trap"},
	}
	d := NewDevTools(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := laptop()
			tt.mutate(&m)
			res := d.Evaluate(m)
			assert.Equal(t, tt.detected, res.Detected)
			assert.Equal(t, tt.rule, res.Rule)
		})
	}
}

// =============================================================================
// Display topology
// =============================================================================

func TestUnusualPixelRatio(t *testing.T) {
	tests := []struct {
		dpr  float64
		want bool
	}{
		{0.8, true},
		{1.0, false},
		{1.25, true},
		{1.5, false},
		{2.0, false},
		{3.0, false},
		{3.5, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UnusualPixelRatio(tt.dpr), "dpr %v", tt.dpr)
	}
}

func TestDisplayTopologyEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *WindowMetrics)
		detected bool
		rule     string
	}{
		{"single display", func(m *WindowMetrics) {}, false, ""},
		{"extended reported", func(m *WindowMetrics) { m.IsExtended = boolPtr(true) }, true, "is-extended"},
		{"not extended is authoritative", func(m *WindowMetrics) {
			m.IsExtended = boolPtr(false)
			m.AvailWidth = 0
		}, false, "is-extended"},
		{"large avail diff", func(m *WindowMetrics) { m.AvailWidth = 1500 }, true, "avail-diff"},
		{"window outside screen", func(m *WindowMetrics) { m.OuterWidth = 3840; m.InnerWidth = 3840 }, true, "window-outside-screen"},
		{"pixel ratio alone is too weak", func(m *WindowMetrics) { m.DevicePixelRatio = 1.25 }, false, "pixel-ratio"},
		{"spanned desktop", func(m *WindowMetrics) { m.ScreenWidth = 4000; m.AvailWidth = 4000 }, true, "wide-screen"},
	}
	d := NewDisplayTopology(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := laptop()
			tt.mutate(&m)
			res := d.Evaluate(m)
			assert.Equal(t, tt.detected, res.Detected)
			assert.Equal(t, tt.rule, res.Rule)
			assert.Contains(t, res.Evidence, "screen")
			assert.Contains(t, res.Evidence, "pixel_ratio")
		})
	}
}

func TestDisplayTopologyMinConfidence(t *testing.T) {
	m := laptop()
	m.DevicePixelRatio = 1.25

	res := NewDisplayTopology(0.25).Evaluate(m)
	assert.True(t, res.Detected)
	assert.InDelta(t, ConfidencePixelRatio, res.Confidence, 1e-9)
}

func TestDisplayTopologyEvidenceAspectRatio(t *testing.T) {
	res := NewDisplayTopology(0).Evaluate(laptop())
	assert.Equal(t, 1.78, res.Evidence["aspect_ratio"])
	assert.Equal(t, "1920x1080", res.Evidence["screen"])
}

// =============================================================================
// LatestMetrics
// =============================================================================

func TestLatestMetrics(t *testing.T) {
	var l LatestMetrics
	_, err := l.Metrics(context.Background())
	assert.ErrorIs(t, err, ErrNoMetrics)

	l.Update(laptop())
	m, err := l.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1920, m.ScreenWidth)
}

// =============================================================================
// Gate
// =============================================================================

type gateHarness struct {
	gate      *Gate
	notes     *notify.Recorder
	continued atomic.Int32
}

func newGate(t *testing.T, probe Probe) *gateHarness {
	t.Helper()
	h := &gateHarness{notes: &notify.Recorder{}}
	h.gate = NewGate(NewDisplayTopology(0), probe, h.notes, func() { h.continued.Add(1) }, nil)
	h.gate.RetryDelay = time.Millisecond
	t.Cleanup(h.gate.Stop)
	return h
}

func TestGateClearContinues(t *testing.T) {
	var l LatestMetrics
	l.Update(laptop())
	h := newGate(t, &l)

	assert.Equal(t, GateCleared, h.gate.Check(context.Background()))
	assert.Equal(t, int32(1), h.continued.Load())
	assert.Len(t, h.notes.OfKind(notify.KindContinue), 1)

	h.gate.Check(context.Background())
	assert.Equal(t, int32(1), h.continued.Load(), "continue fires once")
}

func TestGateBlocksUntilRetryClears(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.IsExtended = boolPtr(true)
	l.Update(m)
	h := newGate(t, &l)

	assert.Equal(t, GateBlocked, h.gate.Check(context.Background()))
	assert.Equal(t, int32(0), h.continued.Load())

	blocked := h.notes.OfKind(notify.KindDisplayGate)
	require.Len(t, blocked, 1)
	assert.True(t, blocked[0].DisplayGate.Blocked)
	assert.Equal(t, true, blocked[0].DisplayGate.Evidence["is_extended"])

	l.Update(laptop())
	assert.Equal(t, GateCleared, h.gate.Retry(context.Background()))
	assert.Equal(t, int32(1), h.continued.Load())
}

func TestGateBypassesPersistentHeuristicDetection(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.AvailHeight = 600
	l.Update(m)
	h := newGate(t, &l)

	ctx := context.Background()
	assert.Equal(t, GateBlocked, h.gate.Check(ctx))
	assert.Equal(t, GateBlocked, h.gate.Retry(ctx))
	assert.Equal(t, "", h.gate.Accepted())
	assert.Equal(t, GateBypassed, h.gate.Retry(ctx))

	assert.Equal(t, int32(1), h.continued.Load())
	assert.Equal(t, "avail-diff", h.gate.Accepted())
	gates := h.notes.OfKind(notify.KindDisplayGate)
	require.Len(t, gates, 3)
	assert.True(t, gates[2].DisplayGate.Bypassed)
}

func TestGateNeverBypassesExtendedDisplay(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.IsExtended = boolPtr(true)
	l.Update(m)
	h := newGate(t, &l)

	for i := 0; i < 6; i++ {
		assert.Equal(t, GateBlocked, h.gate.Retry(context.Background()), "retry %d", i)
	}
	assert.Equal(t, int32(0), h.continued.Load())
	assert.Equal(t, "", h.gate.Accepted())
}

func TestGateRetriesProbeErrorsThenBypasses(t *testing.T) {
	var calls atomic.Int32
	probe := ProbeFunc(func(ctx context.Context) (WindowMetrics, error) {
		calls.Add(1)
		return WindowMetrics{}, errors.New("screen api unavailable")
	})
	h := newGate(t, probe)

	assert.Equal(t, GatePending, h.gate.Check(context.Background()))
	require.Eventually(t, func() bool { return h.gate.State() == GateBypassed }, time.Second, time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), h.continued.Load())
	gates := h.notes.OfKind(notify.KindDisplayGate)
	require.Len(t, gates, 1)
	assert.True(t, gates[0].DisplayGate.Bypassed)
}

func TestGateRecoversAfterProbeError(t *testing.T) {
	var calls atomic.Int32
	probe := ProbeFunc(func(ctx context.Context) (WindowMetrics, error) {
		if calls.Add(1) == 1 {
			return WindowMetrics{}, ErrNoMetrics
		}
		return laptop(), nil
	})
	h := newGate(t, probe)

	h.gate.Check(context.Background())
	require.Eventually(t, func() bool { return h.gate.State() == GateCleared }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.gate.Attempts())
}

func TestGateStopCancelsRetry(t *testing.T) {
	var calls atomic.Int32
	probe := ProbeFunc(func(ctx context.Context) (WindowMetrics, error) {
		calls.Add(1)
		return WindowMetrics{}, ErrNoMetrics
	})
	h := newGate(t, probe)
	h.gate.RetryDelay = 20 * time.Millisecond

	h.gate.Check(context.Background())
	h.gate.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(0), h.continued.Load())
}

// =============================================================================
// Monitor
// =============================================================================

type sinkRecorder struct {
	mu   sync.Mutex
	sigs []violation.Signal
}

func (r *sinkRecorder) Emit(sig violation.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *sinkRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

func TestMonitorEmitsOnDetection(t *testing.T) {
	var l LatestMetrics
	rec := &sinkRecorder{}
	mon := NewMonitor(NewDevTools(0), &l, violation.DevTools, rec, nil)

	assert.False(t, mon.Check(context.Background(), time.Now()).Detected)
	assert.Equal(t, 0, rec.len())

	m := laptop()
	m.InnerWidth = 1200
	l.Update(m)
	res := mon.Check(context.Background(), time.Now())
	require.True(t, res.Detected)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, violation.DevTools, rec.sigs[0].Category)
	assert.Equal(t, "width-gap", rec.sigs[0].Detail)
	assert.Equal(t, "width-gap", mon.Last().Rule)
}

func TestMonitorAcceptedRule(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.AvailHeight = 600
	l.Update(m)

	rec := &sinkRecorder{}
	mon := NewMonitor(NewDisplayTopology(0), &l, violation.ExternalDisplay, rec, nil)
	mon.Accept("avail-diff")

	res := mon.Check(context.Background(), time.Now())
	assert.True(t, res.Detected)
	assert.Equal(t, 0, rec.len())

	m.IsExtended = boolPtr(true)
	l.Update(m)
	mon.Check(context.Background(), time.Now())
	require.Equal(t, 1, rec.len())
	assert.Equal(t, "is-extended", rec.sigs[0].Detail)
}

func TestMonitorRecheckOnResize(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.AvailHeight = 600
	l.Update(m)

	rec := &sinkRecorder{}
	bus := eventbus.New()
	mon := NewMonitor(NewDisplayTopology(0), &l, violation.ExternalDisplay, rec, nil)
	mon.RecheckOn(bus, eventbus.Resize)

	bus.Publish(&eventbus.Event{Kind: eventbus.Resize})
	assert.Equal(t, 1, rec.len())

	mon.Detach()
	bus.Publish(&eventbus.Event{Kind: eventbus.Resize})
	assert.Equal(t, 1, rec.len())
}

func TestMonitorScheduled(t *testing.T) {
	var l LatestMetrics
	m := laptop()
	m.ConsoleTrap = true
	l.Update(m)

	rec := &sinkRecorder{}
	g := schedule.NewGroup(context.Background(), nil)
	mon := NewMonitor(NewDevTools(0), &l, violation.DevTools, rec, nil)
	require.NoError(t, mon.Start(g, time.Millisecond))

	require.Eventually(t, func() bool { return rec.len() > 0 }, time.Second, time.Millisecond)
	g.Stop()
}
