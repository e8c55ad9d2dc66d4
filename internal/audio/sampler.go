// Package audio measures microphone loudness and emits noise signals.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/violation"
)

// Component is the name used in logs and notices.
const Component = "audio"

// DefaultBufferSize is the number of time-domain samples per measurement,
// half an analyser FFT size of 2048.
const DefaultBufferSize = 1024

// ErrNoAudioTrack is returned by a Source that has no microphone track.
var ErrNoAudioTrack = errors.New("audio: no audio track")

// RMS returns the root mean square of samples in [-1, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Decibels converts a linear RMS level to dBFS.
func Decibels(rms float64) float64 {
	return 20 * math.Log10(rms+1e-12)
}

// Source is a pull-mode microphone.
type Source interface {
	Open(ctx context.Context) error
	// Read fills buf with the most recent samples and returns how many
	// were written.
	Read(ctx context.Context, buf []float32) (int, error)
	Close() error
}

// Config configures the sampler.
type Config struct {
	Policy        Policy
	BufferSize    int
	FrameInterval time.Duration
}

// DefaultConfig returns the default sampler settings.
func DefaultConfig() Config {
	return Config{
		Policy:        DefaultPolicy(),
		BufferSize:    DefaultBufferSize,
		FrameInterval: schedule.FrameInterval,
	}
}

// Sampler is the noise adapter of one session.
type Sampler struct {
	cfg    Config
	sink   violation.Sink
	logger *slog.Logger

	mu       sync.Mutex
	level    float64
	disabled bool

	wg sync.WaitGroup
}

// NewSampler returns a sampler that emits to sink.
func NewSampler(cfg Config, sink violation.Sink, logger *slog.Logger) *Sampler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = schedule.FrameInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", Component),
	}
}

// ProcessSamples measures a time-domain buffer. Only the most recent
// BufferSize samples are used.
func (s *Sampler) ProcessSamples(now time.Time, samples []float32) {
	if n := s.cfg.BufferSize; len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	s.ObserveLevel(now, RMS(samples))
}

// ObserveLevel processes one pre-computed linear RMS level.
func (s *Sampler) ObserveLevel(now time.Time, rms float64) {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	s.level = rms
	s.mu.Unlock()

	if !s.cfg.Policy.Exceeds(rms) {
		return
	}
	s.sink.Emit(violation.Signal{
		Category:  violation.Noise,
		Timestamp: now,
		Strength:  rms,
	})
}

// Start opens src off the caller's goroutine and runs the frame loop on g.
// On setup failure the sampler is disabled and a notice is sent.
func (s *Sampler) Start(g *schedule.Group, src Source, n notify.Notifier) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(g, src, n)
	}()
}

func (s *Sampler) run(g *schedule.Group, src Source, n notify.Notifier) {
	ctx := g.Context()

	if err := src.Open(ctx); err != nil {
		s.closeSource(src)
		if ctx.Err() != nil {
			return
		}
		s.disable()
		s.logger.Warn("microphone setup failed", "error", err)
		if errors.Is(err, ErrNoAudioTrack) {
			n.Notify(notify.SetupFailed(Component, "Audio Proctoring Failed",
				"No audio track available. Please ensure your microphone is enabled."))
		} else {
			n.Notify(notify.SetupFailed(Component, "Audio Proctoring Setup Failed",
				"Unable to access microphone. Please allow access."))
		}
		return
	}

	buf := make([]float32, s.cfg.BufferSize)
	task, err := g.Every("audio", s.cfg.FrameInterval, func(ctx context.Context, now time.Time) {
		nr, err := src.Read(ctx, buf)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("microphone read failed", "error", err)
			}
			return
		}
		s.ObserveLevel(now, RMS(buf[:nr]))
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
		s.logger.Debug("microphone close failed", "error", err)
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

// Level returns the last measured RMS level.
func (s *Sampler) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Disabled reports whether setup failed.
func (s *Sampler) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}
