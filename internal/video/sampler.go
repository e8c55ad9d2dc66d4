// Package video turns face detector output into absence, multiple-face and
// head-turn signals.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

// Component is the name used in logs and notices.
const Component = "video"

// Source is a pull-mode face detector, typically a camera plus a model.
type Source interface {
	// Open acquires the camera and loads the model. It may block.
	Open(ctx context.Context) error
	// Detect runs detection on the current frame.
	Detect(ctx context.Context) (FaceObservation, error)
	// Close releases the camera.
	Close() error
}

// Config configures the sampler.
type Config struct {
	// Interval is the detection period in pull mode.
	Interval time.Duration
	// AbsenceSustain is how long no face must be seen before Absence fires.
	AbsenceSustain time.Duration
	// TurnThreshold is the normalised nose offset that counts as a turn.
	TurnThreshold float64
}

// DefaultConfig returns the standard sampler settings.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		AbsenceSustain: 2 * time.Second,
		TurnThreshold:  0.15,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.AbsenceSustain < 0 {
		return errors.New("absence sustain must not be negative")
	}
	if c.TurnThreshold <= 0 || c.TurnThreshold >= 1 {
		return errors.New("turn threshold must be in (0, 1)")
	}
	return nil
}

// Sampler is the face adapter of one session.
type Sampler struct {
	cfg    Config
	sink   violation.Sink
	logger *slog.Logger

	mu          sync.Mutex
	noFaceSince time.Time
	faceCount   int
	direction   HeadDirection
	disabled    bool

	wg sync.WaitGroup
}

// NewSampler returns a sampler that emits to sink.
func NewSampler(cfg Config, sink violation.Sink, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", Component),
	}
}

// Observe processes one detector result. It is the push-mode entry point and
// is also called by the pull loop.
func (s *Sampler) Observe(now time.Time, obs FaceObservation) {
	var sigs []violation.Signal

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	s.faceCount = obs.FaceCount

	switch {
	case obs.FaceCount <= 0:
		s.direction = Straight
		if s.noFaceSince.IsZero() {
			s.noFaceSince = now
		}
		if absent := now.Sub(s.noFaceSince); absent >= s.cfg.AbsenceSustain {
			sigs = append(sigs, violation.Signal{
				Category:  violation.Absence,
				Timestamp: now,
				Strength:  absent.Seconds(),
				Detail:    fmt.Sprintf("no face for %s", absent.Round(time.Millisecond)),
			})
		}

	case obs.FaceCount > 1:
		s.noFaceSince = time.Time{}
		s.direction = Straight
		sigs = append(sigs, violation.Signal{
			Category:  violation.MultipleFaces,
			Timestamp: now,
			Strength:  float64(obs.FaceCount),
			Detail:    fmt.Sprintf("%d faces", obs.FaceCount),
		})

	default:
		s.noFaceSince = time.Time{}
		dir, ratio := EstimateHeadDirection(obs.Keypoints, s.cfg.TurnThreshold)
		s.direction = dir
		if dir != Straight {
			sigs = append(sigs, violation.Signal{
				Category:  violation.HeadTurn,
				Timestamp: now,
				Strength:  math.Abs(ratio),
				Detail:    dir.String(),
			})
		}
	}
	s.mu.Unlock()

	// Emit outside the lock; the session may read Direction while handling.
	for _, sig := range sigs {
		s.sink.Emit(sig)
	}
}

// Start opens src off the caller's goroutine and schedules detection on g.
// A Loading notice is shown while the source opens. If opening fails the
// sampler is disabled, a notice is sent and the session continues.
// The source is closed once the detection task stops, or immediately on
// setup failure.
func (s *Sampler) Start(g *schedule.Group, src Source, n notify.Notifier) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(g, src, n)
	}()
}

func (s *Sampler) run(g *schedule.Group, src Source, n notify.Notifier) {
	ctx := g.Context()

	n.Notify(notify.Loading(Component, "Loading face detection model", false))
	if err := src.Open(ctx); err != nil {
		s.closeSource(src)
		if ctx.Err() != nil {
			return
		}
		s.disable()
		s.logger.Warn("camera setup failed", "error", err)
		n.Notify(notify.SetupFailed(Component, "Proctoring Setup Failed",
			"Unable to access webcam or microphone. Please allow access."))
		return
	}
	n.Notify(notify.Loading(Component, "Face detection ready", true))

	task, err := g.Every("video", s.cfg.Interval, func(ctx context.Context, now time.Time) {
		obs, err := src.Detect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("face detection failed", "error", err)
			}
			return
		}
		s.Observe(now, obs)
	})
	if err != nil {
		s.closeSource(src)
		return
	}

	<-task.Done()
	s.closeSource(src)
}

func (s *Sampler) closeSource(src Source) {
	if err := src.Close(); err != nil {
		s.logger.Debug("camera close failed", "error", err)
	}
}

func (s *Sampler) disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
}

// Wait blocks until a pull-mode source has been released.
func (s *Sampler) Wait() {
	s.wg.Wait()
}

// Direction returns the last estimated head direction.
func (s *Sampler) Direction() HeadDirection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// FaceCount returns the last observed face count.
func (s *Sampler) FaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faceCount
}

// Disabled reports whether setup failed.
func (s *Sampler) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}
