// Package fullscreen keeps the test page in fullscreen mode and terminates
// the session after repeated exits.
package fullscreen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/eventbus"
	"proctord/internal/notify"
	"proctord/internal/violation"
)

// DefaultMaxExits is the exit count that terminates the session.
const DefaultMaxExits = 3

var (
	// ErrInactive is returned when the guard is not active.
	ErrInactive = errors.New("fullscreen: guard inactive")
	// ErrTerminated is returned after the guard has terminated.
	ErrTerminated = errors.New("fullscreen: session terminated")
)

// State is the fullscreen guard state.
type State int

const (
	Idle State = iota
	Fullscreen
	Exited
	Warned
	Terminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Fullscreen:
		return "fullscreen"
	case Exited:
		return "exited"
	case Warned:
		return "warned"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Terminated; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("fullscreen: unknown state %q", b)
}

// Display enters and leaves fullscreen on the candidate's screen.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
}

// NotifierDisplay asks the client to change fullscreen through a notifier.
// The client confirms with a fullscreenchange event.
type NotifierDisplay struct {
	Notifier notify.Notifier
}

// RequestFullscreen implements Display.
func (d NotifierDisplay) RequestFullscreen(ctx context.Context) error {
	d.Notifier.Notify(notify.FullscreenEnter())
	return nil
}

// ExitFullscreen implements Display.
func (d NotifierDisplay) ExitFullscreen(ctx context.Context) error {
	d.Notifier.Notify(notify.FullscreenLeave())
	return nil
}

// TerminateFunc ends the session. It is called without the guard's lock held.
type TerminateFunc func(c violation.Category, reason string, now time.Time)

// Guard is the fullscreen state machine of one session.
type Guard struct {
	display   Display
	notifier  notify.Notifier
	terminate TerminateFunc
	maxExits  int
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	exits  int
	unsubs []func()
}

// NewGuard returns an idle guard.
func NewGuard(maxExits int, display Display, n notify.Notifier, terminate TerminateFunc, logger *slog.Logger) *Guard {
	if maxExits <= 0 {
		maxExits = DefaultMaxExits
	}
	if n == nil {
		n = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		display:   display,
		notifier:  n,
		terminate: terminate,
		maxExits:  maxExits,
		logger:    logger.With("component", "fullscreen"),
	}
}

// Activate requests fullscreen. A failed request is logged and leaves the
// guard in Exited; it does not fail the session.
func (g *Guard) Activate(ctx context.Context) {
	g.mu.Lock()
	g.state = Exited
	g.exits = 0
	g.mu.Unlock()

	if err := g.display.RequestFullscreen(ctx); err != nil {
		g.logger.Warn("fullscreen request failed", "error", err)
		return
	}

	g.mu.Lock()
	if g.state == Exited {
		g.state = Fullscreen
	}
	g.mu.Unlock()
}

// Attach subscribes to fullscreenchange events.
func (g *Guard) Attach(bus *eventbus.Bus) {
	unsub := bus.Subscribe(eventbus.FullscreenChange, func(ev *eventbus.Event) {
		if ev.Fullscreen {
			g.entered()
			return
		}
		g.HandleExit(ev.Time)
	})

	g.mu.Lock()
	g.unsubs = append(g.unsubs, unsub)
	g.mu.Unlock()
}

func (g *Guard) entered() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Exited || g.state == Warned {
		g.state = Fullscreen
	}
}

// HandleExit records one exit from fullscreen. The exit that reaches the
// limit terminates the session; earlier exits show the return prompt.
// Exits while idle or after termination are ignored.
func (g *Guard) HandleExit(now time.Time) {
	g.mu.Lock()
	if g.state == Idle || g.state == Terminated {
		g.mu.Unlock()
		return
	}
	g.exits++
	exits := g.exits
	final := exits >= g.maxExits
	if final {
		g.state = Terminated
	} else {
		g.state = Warned
	}
	g.mu.Unlock()

	g.logger.Info("fullscreen exited", "exits", exits, "max", g.maxExits)
	if final {
		g.terminate(violation.FullscreenExit, violation.ReasonFullscreenExits, now)
		return
	}
	g.notifier.Notify(notify.FullscreenPromptMessage(exits, g.maxExits))
}

// ReturnToFullscreen is the candidate's response to the prompt.
func (g *Guard) ReturnToFullscreen(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case Idle:
		g.mu.Unlock()
		return ErrInactive
	case Terminated:
		g.mu.Unlock()
		return ErrTerminated
	}
	g.mu.Unlock()

	if err := g.display.RequestFullscreen(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	if g.state == Warned || g.state == Exited {
		g.state = Fullscreen
	}
	g.mu.Unlock()
	return nil
}

// EndTest ends the session at the candidate's request.
func (g *Guard) EndTest(now time.Time) error {
	g.mu.Lock()
	switch g.state {
	case Idle:
		g.mu.Unlock()
		return ErrInactive
	case Terminated:
		g.mu.Unlock()
		return ErrTerminated
	}
	g.state = Terminated
	g.mu.Unlock()

	g.terminate(violation.FullscreenExit, violation.ReasonCandidateEnded, now)
	return nil
}

// MarkTerminated moves the guard to Terminated without calling back, for
// terminations decided elsewhere.
func (g *Guard) MarkTerminated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Idle {
		g.state = Terminated
	}
}

// Deactivate removes subscriptions and leaves fullscreen.
func (g *Guard) Deactivate(ctx context.Context) {
	g.mu.Lock()
	unsubs := g.unsubs
	g.unsubs = nil
	wasActive := g.state != Idle
	if g.state != Terminated {
		g.state = Idle
	}
	g.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if !wasActive {
		return
	}
	if err := g.display.ExitFullscreen(ctx); err != nil {
		g.logger.Debug("fullscreen exit failed", "error", err)
	}
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Exits returns the number of exits counted.
func (g *Guard) Exits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exits
}
