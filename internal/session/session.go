// Package session runs one proctored exam session.
//
// A Session owns the escalation engine and every signal adapter. Adapters
// emit into Session.Emit, which serializes each signal under the session
// lock and drops signals once the session is no longer active. The first
// terminal decision flips the session to terminated under the lock; teardown
// then runs on its own goroutine and OnTermination fires exactly once after
// it completes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/audio"
	"proctord/internal/eventbus"
	"proctord/internal/fullscreen"
	"proctord/internal/guard"
	"proctord/internal/heuristic"
	"proctord/internal/notify"
	"proctord/internal/schedule"
	"proctord/internal/video"
	"proctord/internal/violation"
)

var (
	ErrAlreadyActive = errors.New("session: already active")
	ErrInactive      = errors.New("session: not active")
	ErrTerminated    = errors.New("session: terminated")
	ErrEnded         = errors.New("session: ended")
	ErrNotFound      = errors.New("session: not found")

	// ErrDisplayBlocked is returned by Activate while the display gate
	// holds the session.
	ErrDisplayBlocked = errors.New("session: external display check not passed")
)

// State is the externally visible lifecycle state.
type State struct {
	Active     bool   `json:"active"`
	Terminated bool   `json:"terminated"`
	Reason     string `json:"reason,omitempty"`
}

// Sources are optional pull-mode inputs. Any source left nil is fed in push
// mode through the Observe methods instead.
type Sources struct {
	Camera     video.Source
	Microphone audio.Source
	Display    fullscreen.Display
	Window     heuristic.Probe
}

// Option configures a Session.
type Option func(*Session)

// WithNotifier sets the presentation sink. The notifier is called while
// the session lock is held and must not call back into the session.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithObserver adds audit observers.
func WithObserver(obs ...Observer) Option {
	return func(s *Session) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSources sets pull-mode inputs.
func WithSources(src Sources) Option {
	return func(s *Session) { s.src = src }
}

// OnTermination sets the callback fired once when the session terminates.
// It is not called for a plain Deactivate.
func OnTermination(fn func(reason string)) Option {
	return func(s *Session) { s.onTermination = fn }
}

// OnContinue sets the callback fired when the display gate opens.
func OnContinue(fn func()) Option {
	return func(s *Session) { s.onContinue = fn }
}

// Session is one proctored exam session.
type Session struct {
	id            string
	cfg           Config
	src           Sources
	notifier      notify.Notifier
	observers     observers
	logger        *slog.Logger
	onTermination func(reason string)
	onContinue    func()

	bus    *eventbus.Bus
	latest *heuristic.LatestMetrics

	mu         sync.Mutex
	active     bool
	terminated bool
	ended      bool
	reason     string
	createdAt  time.Time
	startedAt  time.Time
	endedAt    time.Time

	engine   *violation.Engine
	group    *schedule.Group
	video    *video.Sampler
	audio    *audio.Sampler
	focus    *guard.FocusSampler
	keyboard *guard.KeyboardGuard
	fs       *fullscreen.Guard
	devtools *heuristic.Monitor
	display  *heuristic.Monitor
	gate     *heuristic.Gate

	teardownOnce sync.Once
	done         chan struct{}
}

// New returns an inactive session.
func New(id string, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: invalid config: %w", err)
	}
	s := &Session{
		id:        id,
		cfg:       cfg,
		notifier:  notify.Discard,
		logger:    slog.Default(),
		bus:       eventbus.New(),
		latest:    &heuristic.LatestMetrics{},
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Bus returns the session's event bus.
func (s *Session) Bus() *eventbus.Bus { return s.bus }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) probe() heuristic.Probe {
	if s.src.Window != nil {
		return s.src.Window
	}
	return s.latest
}

func (s *Session) fullscreenDisplay() fullscreen.Display {
	if s.src.Display != nil {
		return s.src.Display
	}
	return fullscreen.NotifierDisplay{Notifier: s.notifier}
}

// Activate builds the adapters with fresh counters and starts monitoring.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.terminated:
		s.mu.Unlock()
		return ErrTerminated
	case s.ended:
		s.mu.Unlock()
		return ErrEnded
	case s.active:
		s.mu.Unlock()
		return ErrAlreadyActive
	case s.gate != nil && s.gate.State() == heuristic.GateBlocked:
		s.mu.Unlock()
		return ErrDisplayBlocked
	}

	cfg := s.cfg
	sink := violation.SinkFunc(s.Emit)

	s.engine = violation.NewEngine(cfg.policies())
	s.group = schedule.NewGroup(context.Background(), s.logger)
	s.active = true
	s.startedAt = time.Now()

	s.focus = guard.NewFocusSampler(sink, s.logger)
	if cfg.FocusEnabled {
		s.focus.Attach(s.bus)
	}
	if cfg.KeyboardEnabled {
		var focus *guard.FocusSampler
		if cfg.FocusEnabled {
			focus = s.focus
		}
		s.keyboard = guard.NewKeyboardGuard(focus, s.notifier, s.logger)
		s.keyboard.Attach(s.bus)
	}
	if cfg.VideoEnabled {
		s.video = video.NewSampler(cfg.Video, sink, s.logger)
	}
	if cfg.AudioEnabled {
		s.audio = audio.NewSampler(cfg.Audio, sink, s.logger)
	}
	if cfg.FullscreenEnabled {
		s.fs = fullscreen.NewGuard(cfg.MaxExits, s.fullscreenDisplay(), s.notifier, s.terminate, s.logger)
		s.fs.Attach(s.bus)
	}

	var setupErr error
	if cfg.DevToolsEnabled {
		s.devtools = heuristic.NewMonitor(heuristic.NewDevTools(cfg.DevToolsGap), s.probe(), violation.DevTools, sink, s.logger)
		if err := s.devtools.Start(s.group, cfg.DevToolsInterval); err != nil {
			setupErr = fmt.Errorf("devtools monitor: %w", err)
		}
	}
	if cfg.DisplayEnabled && setupErr == nil {
		s.display = heuristic.NewMonitor(heuristic.NewDisplayTopology(cfg.DisplayMinConfidence), s.probe(), violation.ExternalDisplay, sink, s.logger)
		if s.gate != nil {
			s.display.Accept(s.gate.Accepted())
		}
		if err := s.display.Start(s.group, cfg.DisplayInterval); err != nil {
			setupErr = fmt.Errorf("display monitor: %w", err)
		}
		s.display.RecheckOn(s.bus, eventbus.Resize)
	}

	if setupErr != nil {
		s.active = false
		s.ended = true
		s.mu.Unlock()
		s.teardown(false)
		return fmt.Errorf("session: activate: %w", setupErr)
	}

	s.observeLocked(Event{Kind: EventStarted, At: s.startedAt})
	vs, as, fs := s.video, s.audio, s.fs
	group := s.group
	s.mu.Unlock()

	s.logger.Info("session activated")

	if vs != nil && s.src.Camera != nil {
		vs.Start(group, s.src.Camera, s.notifier)
	}
	if as != nil && s.src.Microphone != nil {
		as.Start(group, s.src.Microphone, s.notifier)
	}
	if fs != nil {
		fs.Activate(ctx)
		if !s.State().Active {
			fs.Deactivate(ctx)
		}
	}
	return nil
}

// Deactivate stops monitoring without terminating. It returns immediately
// when the session is not active. It must not be called from inside an
// adapter callback.
func (s *Session) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.ended = true
	s.endedAt = time.Now()
	s.observeLocked(Event{Kind: EventEnded, At: s.endedAt})
	s.mu.Unlock()

	s.logger.Info("session deactivated")
	s.teardown(false)
}

// Emit applies one signal. It is the sink of every adapter.
func (s *Session) Emit(sig violation.Signal) {
	if sig.Category == violation.FullscreenExit {
		if fs := s.fullscreenGuard(); fs != nil {
			fs.HandleExit(sig.Timestamp)
		}
		return
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	out := s.engine.Record(sig)
	s.observeLocked(Event{
		Kind:     EventSignal,
		At:       sig.Timestamp,
		Category: sig.Category.String(),
		Group:    out.Group.String(),
		Count:    out.Count,
		Strength: sig.Strength,
		Detail:   sig.Detail,
	})

	if w := out.Warning; w != nil {
		direction := ""
		if w.Category == violation.HeadTurn {
			direction = sig.Detail
		}
		s.notifier.Notify(notify.WarningToast(*w, direction))
		s.observeLocked(Event{
			Kind:     EventWarning,
			At:       w.At,
			Category: w.Category.String(),
			Group:    w.Group.String(),
			Count:    w.Count,
			Strength: w.Strength,
			Detail:   sig.Detail,
		})
	}
	if p := out.Popup; p != nil {
		s.popupOpenedLocked(*p, sig.Timestamp)
	}
	if out.Termination != nil {
		s.markTerminatedLocked(out.Termination)
	}
	s.mu.Unlock()

	if out.Termination != nil {
		go s.teardown(true)
	}
}

// Dismiss closes the open popup.
func (s *Session) Dismiss(now time.Time) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrInactive
	}

	out, err := s.engine.Dismiss(now)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: dismiss: %w", err)
	}

	s.notifier.Notify(notify.PopupClosed(out.Closed))
	s.observeLocked(Event{
		Kind:       EventPopupDismissed,
		At:         now,
		Group:      out.Closed.Group.String(),
		PopupCount: out.Closed.PopupCount,
	})
	if out.Next != nil {
		s.popupOpenedLocked(*out.Next, now)
	}
	if out.Termination != nil {
		s.markTerminatedLocked(out.Termination)
	}
	s.mu.Unlock()

	if out.Termination != nil {
		go s.teardown(true)
	}
	return nil
}

// ReturnToFullscreen is the candidate's answer to the fullscreen prompt.
func (s *Session) ReturnToFullscreen(ctx context.Context) error {
	if !s.State().Active {
		return ErrInactive
	}
	fs := s.fullscreenGuard()
	if fs == nil {
		return nil
	}
	return fs.ReturnToFullscreen(ctx)
}

// EndTest ends the session at the candidate's request.
func (s *Session) EndTest(now time.Time) error {
	if !s.State().Active {
		return ErrInactive
	}
	if fs := s.fullscreenGuard(); fs != nil {
		return fs.EndTest(now)
	}
	s.terminate(violation.FullscreenExit, violation.ReasonCandidateEnded, now)
	return nil
}

// Terminate ends the session with an operator-supplied reason.
func (s *Session) Terminate(reason string, now time.Time) error {
	if !s.State().Active {
		return ErrInactive
	}
	s.terminate(violation.FullscreenExit, reason, now)
	return nil
}

// terminate is the termination path for decisions made outside the engine.
func (s *Session) terminate(c violation.Category, reason string, now time.Time) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	term := s.engine.Terminate(c, reason, now)
	if term == nil {
		s.mu.Unlock()
		return
	}
	s.markTerminatedLocked(term)
	s.mu.Unlock()

	go s.teardown(true)
}

func (s *Session) popupOpenedLocked(p violation.PopupState, now time.Time) {
	s.notifier.Notify(notify.PopupMessage(p))
	s.observeLocked(Event{
		Kind:       EventPopupOpened,
		At:         now,
		Group:      p.Group.String(),
		PopupCount: p.PopupCount,
	})
}

func (s *Session) markTerminatedLocked(t *violation.Termination) {
	s.active = false
	s.terminated = true
	s.reason = t.Reason
	s.endedAt = t.At

	s.notifier.Notify(notify.Terminated(t.Reason))
	s.observeLocked(Event{
		Kind:     EventTerminated,
		At:       t.At,
		Category: t.Category.String(),
		Group:    t.Group.String(),
		Reason:   t.Reason,
	})
	s.logger.Info("session terminated", "reason", t.Reason, "category", t.Category)
}

func (s *Session) observeLocked(ev Event) {
	ev.SessionID = s.id
	s.observers.Observe(ev)
}

// teardown stops every adapter and closes Done. Only the first call does
// work. When terminated is set, OnTermination fires afterwards.
func (s *Session) teardown(terminated bool) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		group := s.group
		vs, as := s.video, s.audio
		focus, keyboard := s.focus, s.keyboard
		fs := s.fs
		devtools, display := s.devtools, s.display
		gate := s.gate
		s.mu.Unlock()

		if group != nil {
			group.Stop()
		}
		if vs != nil {
			vs.Wait()
		}
		if as != nil {
			as.Wait()
		}
		if focus != nil {
			focus.Detach()
		}
		if keyboard != nil {
			keyboard.Detach()
		}
		if devtools != nil {
			devtools.Detach()
		}
		if display != nil {
			display.Detach()
		}
		if fs != nil {
			if terminated {
				fs.MarkTerminated()
			}
			fs.Deactivate(context.Background())
		}
		if gate != nil {
			gate.Stop()
		}
		close(s.done)
	})

	if terminated && s.onTermination != nil {
		s.onTermination(s.State().Reason)
	}
}

func (s *Session) fullscreenGuard() *fullscreen.Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs
}

// CheckDisplay runs the pre-session display gate. It may be called before
// Activate. When the display check is disabled the gate opens at once.
func (s *Session) CheckDisplay(ctx context.Context) heuristic.GateState {
	if !s.cfg.DisplayEnabled {
		s.notifier.Notify(notify.Continue())
		if s.onContinue != nil {
			s.onContinue()
		}
		return heuristic.GateCleared
	}

	s.mu.Lock()
	if s.terminated || s.ended {
		s.mu.Unlock()
		return heuristic.GatePending
	}
	if s.gate == nil {
		s.gate = heuristic.NewGate(heuristic.NewDisplayTopology(s.cfg.DisplayMinConfidence), s.probe(), s.notifier, s.onContinue, s.logger)
		s.gate.RetryDelay = s.cfg.DisplayRetryDelay
		s.gate.MaxFailures = s.cfg.DisplayMaxFailures
	}
	gate := s.gate
	s.mu.Unlock()

	return gate.Check(ctx)
}

// RetryDisplay re-runs the display gate after the candidate disconnected
// external displays.
func (s *Session) RetryDisplay(ctx context.Context) heuristic.GateState {
	return s.CheckDisplay(ctx)
}

// ObserveFaces feeds one face detector result in push mode.
func (s *Session) ObserveFaces(now time.Time, obs video.FaceObservation) {
	if vs := s.videoSampler(); vs != nil {
		vs.Observe(now, obs)
	}
}

// ObserveSamples feeds one microphone buffer in push mode.
func (s *Session) ObserveSamples(now time.Time, samples []float32) {
	if as := s.audioSampler(); as != nil {
		as.ProcessSamples(now, samples)
	}
}

// ObserveLevel feeds one pre-computed RMS level in push mode.
func (s *Session) ObserveLevel(now time.Time, rms float64) {
	if as := s.audioSampler(); as != nil {
		as.ObserveLevel(now, rms)
	}
}

// UpdateMetrics stores the client's latest window metrics.
func (s *Session) UpdateMetrics(m heuristic.WindowMetrics) {
	s.latest.Update(m)
}

// Publish delivers a window event and reports whether its default action
// must be prevented.
func (s *Session) Publish(ev *eventbus.Event) bool {
	return s.bus.Publish(ev)
}

func (s *Session) videoSampler() *video.Sampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	return s.video
}

func (s *Session) audioSampler() *audio.Sampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	return s.audio
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Active: s.active, Terminated: s.terminated, Reason: s.reason}
}
