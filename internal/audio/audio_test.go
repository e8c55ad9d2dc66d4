package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

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

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 0.5, RMS(constant(0.5, 8)), 1e-6)
	assert.InDelta(t, 0.5, RMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-6)
	assert.InDelta(t, 1/math.Sqrt2, RMS([]float32{1, 0}), 1e-6)
}

func TestDecibels(t *testing.T) {
	assert.InDelta(t, 0, Decibels(1), 1e-6)
	assert.InDelta(t, -20, Decibels(0.1), 1e-6)
	assert.InDelta(t, -240, Decibels(0), 1e-6)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"default", "monitor", "voice"}, Presets())

	voice, err := Preset("voice")
	require.NoError(t, err)
	assert.Equal(t, 0.05, voice.Threshold)
	assert.Equal(t, 5, voice.WarningLimit)

	monitor, err := Preset("monitor")
	require.NoError(t, err)
	assert.Equal(t, 0, monitor.WarningLimit, "monitor is warn only")
	assert.NoError(t, monitor.Validate())

	_, err = Preset("karaoke")
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Policy)
		wantErr bool
	}{
		{"default", func(p *Policy) {}, false},
		{"zero threshold", func(p *Policy) { p.Threshold = 0 }, true},
		{"decibels", func(p *Policy) { p.Decibels = true; p.Threshold = -30 }, false},
		{"positive decibels", func(p *Policy) { p.Decibels = true; p.Threshold = 3 }, true},
		{"terminate mode", func(p *Policy) { p.Mode = ModeTerminate }, false},
		{"terminate without limit", func(p *Policy) { p.Mode = ModeTerminate; p.WarningLimit = 0 }, true},
		{"unknown mode", func(p *Policy) { p.Mode = "shout" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestEscalationModes(t *testing.T) {
	popup := DefaultPolicy().Escalation()
	assert.False(t, popup.TerminateAtLimit)
	assert.Equal(t, 3, popup.PopupLimit)
	assert.Equal(t, violation.ReasonNoiseViolations, popup.Reason)
	assert.True(t, popup.CountOnWarning)

	strict := DefaultPolicy()
	strict.Mode = ModeTerminate
	esc := strict.Escalation()
	assert.True(t, esc.TerminateAtLimit)
	assert.Equal(t, violation.ReasonStrictNoiseLimit, esc.Reason)
	assert.True(t, esc.CountOnWarning)
}

func TestObserveLevelThreshold(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)
	now := time.Now()

	s.ObserveLevel(now, 0.05)
	s.ObserveLevel(now, 0.1)
	assert.Equal(t, 0, rec.len(), "threshold is exclusive")

	s.ObserveLevel(now, 0.3)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, violation.Noise, rec.sigs[0].Category)
	assert.InDelta(t, 0.3, rec.sigs[0].Strength, 1e-9)
	assert.InDelta(t, 0.3, s.Level(), 1e-9)
}

func TestObserveLevelDecibels(t *testing.T) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.Policy.Decibels = true
	cfg.Policy.Threshold = -30
	s := NewSampler(cfg, rec, nil)

	s.ObserveLevel(time.Now(), 0.01) // -40 dBFS
	s.ObserveLevel(time.Now(), 0.1)  // -20 dBFS
	assert.Equal(t, 1, rec.len())
}

func TestProcessSamplesUsesTrailingBuffer(t *testing.T) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.BufferSize = 4
	s := NewSampler(cfg, rec, nil)

	loud := append(constant(0.9, 100), constant(0, 4)...)
	s.ProcessSamples(time.Now(), loud)
	assert.Equal(t, 0, rec.len())

	s.ProcessSamples(time.Now(), constant(0.5, 4))
	assert.Equal(t, 1, rec.len())
}

type fakeMic struct {
	openErr error
	level   float32
	closed  int
	mu      sync.Mutex
}

func (m *fakeMic) Open(ctx context.Context) error { return m.openErr }

func (m *fakeMic) Read(ctx context.Context, buf []float32) (int, error) {
	for i := range buf {
		buf[i] = m.level
	}
	return len(buf), nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func TestPullModeFrameLoop(t *testing.T) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.FrameInterval = time.Millisecond
	s := NewSampler(cfg, rec, nil)

	mic := &fakeMic{level: 0.4}
	g := schedule.NewGroup(context.Background(), nil)
	s.Start(g, mic, notify.Discard)

	require.Eventually(t, func() bool { return rec.len() >= 3 }, time.Second, time.Millisecond)
	g.Stop()
	s.Wait()

	after := rec.len()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, rec.len())
	assert.Equal(t, 1, mic.closed)
}

func TestSetupFailureNotices(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantTitle string
	}{
		{"no track", ErrNoAudioTrack, "Audio Proctoring Failed"},
		{"permission", errors.New("denied"), "Audio Proctoring Setup Failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSampler(DefaultConfig(), &sinkRecorder{}, nil)
			mic := &fakeMic{openErr: tt.err}
			notes := &notify.Recorder{}
			g := schedule.NewGroup(context.Background(), nil)
			defer g.Stop()

			s.Start(g, mic, notes)
			s.Wait()

			assert.True(t, s.Disabled())
			assert.Equal(t, 1, mic.closed)
			msgs := notes.OfKind(notify.KindNotice)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.wantTitle, msgs[0].Notice.Title)
		})
	}
}
