package video

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

type sinkRecorder struct {
	mu   sync.Mutex
	sigs []violation.Signal
}

func (r *sinkRecorder) Emit(sig violation.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *sinkRecorder) categories() []violation.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]violation.Category, len(r.sigs))
	for i, s := range r.sigs {
		out[i] = s.Category
	}
	return out
}

func face(noseX float64) FaceObservation {
	return FaceObservation{
		FaceCount: 1,
		Keypoints: []Keypoint{
			{Name: KeypointLeftEye, X: 100, Y: 50},
			{Name: KeypointRightEye, X: 60, Y: 50},
			{Name: KeypointNose, X: noseX, Y: 70},
		},
	}
}

// =============================================================================
// Head direction
// =============================================================================

func TestEstimateHeadDirection(t *testing.T) {
	tests := []struct {
		name  string
		obs   FaceObservation
		want  HeadDirection
		ratio float64
	}{
		{"centered", face(80), Straight, 0},
		{"slightly off", face(85), Straight, 0.125},
		{"turned left", face(90), Left, 0.25},
		{"turned right", face(70), Right, -0.25},
		{"missing nose", FaceObservation{FaceCount: 1, Keypoints: face(90).Keypoints[:2]}, Straight, 0},
		{"coincident eyes", FaceObservation{FaceCount: 1, Keypoints: []Keypoint{
			{Name: KeypointLeftEye, X: 80}, {Name: KeypointRightEye, X: 80}, {Name: KeypointNose, X: 120},
		}}, Straight, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, ratio := EstimateHeadDirection(tt.obs.Keypoints, 0.15)
			assert.Equal(t, tt.want, dir)
			assert.InDelta(t, tt.ratio, ratio, 1e-9)
		})
	}
}

// =============================================================================
// Sampler push mode
// =============================================================================

func TestAbsenceRequiresSustainedEmptyFrames(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)

	s.Observe(at(0), FaceObservation{})
	s.Observe(at(1000), FaceObservation{})
	assert.Empty(t, rec.categories(), "a short gap must not count")

	s.Observe(at(2000), FaceObservation{})
	s.Observe(at(3000), FaceObservation{})
	assert.Equal(t, []violation.Category{violation.Absence, violation.Absence}, rec.categories())
	assert.Equal(t, 0, s.FaceCount())
}

func TestTransientEmptyFrameResets(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)

	s.Observe(at(0), FaceObservation{})
	s.Observe(at(1500), face(80))
	s.Observe(at(2500), FaceObservation{})
	s.Observe(at(3500), FaceObservation{})
	assert.Empty(t, rec.categories())
}

func TestMultipleFacesResetsAbsenceWindow(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)

	s.Observe(at(0), FaceObservation{})
	s.Observe(at(1000), FaceObservation{FaceCount: 2})
	s.Observe(at(2500), FaceObservation{})
	assert.Equal(t, []violation.Category{violation.MultipleFaces}, rec.categories())
	assert.Equal(t, 0, s.FaceCount())
}

func TestHeadTurnSignal(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)

	s.Observe(at(0), face(90))
	require.Len(t, rec.sigs, 1)
	assert.Equal(t, violation.HeadTurn, rec.sigs[0].Category)
	assert.Equal(t, "left", rec.sigs[0].Detail)
	assert.InDelta(t, 0.25, rec.sigs[0].Strength, 1e-9)
	assert.Equal(t, Left, s.Direction())

	s.Observe(at(1000), face(80))
	assert.Len(t, rec.sigs, 1)
	assert.Equal(t, Straight, s.Direction())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.TurnThreshold = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Interval = 0
	assert.Error(t, bad.Validate())
}

// =============================================================================
// Sampler pull mode
// =============================================================================

type fakeSource struct {
	openErr error
	faces   atomic.Int32
	opened  atomic.Bool
	closed  atomic.Int32
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.opened.Store(true)
	return f.openErr
}

func (f *fakeSource) Detect(ctx context.Context) (FaceObservation, error) {
	n := int(f.faces.Load())
	if n < 0 {
		return FaceObservation{}, errors.New("frame unavailable")
	}
	return FaceObservation{FaceCount: n}, nil
}

func (f *fakeSource) Close() error {
	f.closed.Add(1)
	return nil
}

func TestPullModeEmitsAndClosesSource(t *testing.T) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	s := NewSampler(cfg, rec, nil)

	src := &fakeSource{}
	src.faces.Store(3)
	notes := &notify.Recorder{}
	g := schedule.NewGroup(context.Background(), nil)
	s.Start(g, src, notes)

	require.Eventually(t, func() bool { return len(rec.categories()) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, violation.MultipleFaces, rec.categories()[0])

	g.Stop()
	s.Wait()
	assert.Equal(t, int32(1), src.closed.Load())

	notices := notes.OfKind(notify.KindNotice)
	require.Len(t, notices, 2)
	assert.True(t, notices[0].Notice.Loading)
	assert.False(t, notices[1].Notice.Loading)
}

func TestPullModeDetectionErrorsContinue(t *testing.T) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	s := NewSampler(cfg, rec, nil)

	src := &fakeSource{}
	src.faces.Store(-1)
	g := schedule.NewGroup(context.Background(), nil)
	s.Start(g, src, notify.Discard)

	time.Sleep(10 * time.Millisecond)
	src.faces.Store(2)
	require.Eventually(t, func() bool { return len(rec.categories()) > 0 }, time.Second, time.Millisecond)

	g.Stop()
	s.Wait()
}

func TestSetupFailureDisablesAndNotifies(t *testing.T) {
	rec := &sinkRecorder{}
	s := NewSampler(DefaultConfig(), rec, nil)

	src := &fakeSource{openErr: errors.New("permission denied")}
	notes := &notify.Recorder{}
	g := schedule.NewGroup(context.Background(), nil)
	defer g.Stop()

	s.Start(g, src, notes)
	s.Wait()

	assert.True(t, s.Disabled())
	assert.Equal(t, int32(1), src.closed.Load())
	assert.Equal(t, 0, g.Len())

	notices := notes.OfKind(notify.KindNotice)
	require.Len(t, notices, 2)
	assert.Equal(t, "Proctoring Setup Failed", notices[1].Notice.Title)
	assert.Equal(t, notify.LevelError, notices[1].Notice.Level)

	s.Observe(at(0), FaceObservation{FaceCount: 2})
	assert.Empty(t, rec.categories())
}
