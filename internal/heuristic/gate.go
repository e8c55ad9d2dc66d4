package heuristic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/notify"
)

// Gate defaults.
const (
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxFailures = 3
)

// GateState is the state of the pre-session display gate.
type GateState int

const (
	GatePending GateState = iota
	GateBlocked
	GateCleared
	GateBypassed
)

// String returns the state name.
func (s GateState) String() string {
	switch s {
	case GateBlocked:
		return "blocked"
	case GateCleared:
		return "cleared"
	case GateBypassed:
		return "bypassed"
	default:
		return "pending"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s GateState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *GateState) UnmarshalText(b []byte) error {
	for st := GatePending; st <= GateBypassed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("heuristic: unknown gate state %q", b)
}

// Gate blocks the start of a session while an external display is attached.
// A clear check continues the session. A detection blocks until the
// candidate retries. Probe errors are retried after RetryDelay. Probe errors
// and blocked checks both count as failures; after MaxFailures of them the
// gate opens anyway so a broken probe or a heuristic false positive cannot
// lock the candidate out. An authoritative isExtended detection never
// bypasses the gate.
type Gate struct {
	RetryDelay  time.Duration
	MaxFailures int

	heuristic  SuspicionHeuristic
	probe      Probe
	notifier   notify.Notifier
	onContinue func()
	logger     *slog.Logger

	mu       sync.Mutex
	state    GateState
	attempts int
	failures int
	last     Result
	accepted string
	timer    *time.Timer
	stopped  bool
}

// NewGate returns a pending gate. onContinue is called at most once.
func NewGate(h SuspicionHeuristic, probe Probe, n notify.Notifier, onContinue func(), logger *slog.Logger) *Gate {
	if n == nil {
		n = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		RetryDelay:  DefaultRetryDelay,
		MaxFailures: DefaultMaxFailures,
		heuristic:   h,
		probe:       probe,
		notifier:    n,
		onContinue:  onContinue,
		logger:      logger.With("component", "display_gate"),
	}
}

// Check runs one evaluation and returns the resulting state.
func (g *Gate) Check(ctx context.Context) GateState {
	g.mu.Lock()
	if g.stopped || g.state == GateCleared || g.state == GateBypassed {
		state := g.state
		g.mu.Unlock()
		return state
	}
	g.attempts++
	g.mu.Unlock()

	m, err := g.probe.Metrics(ctx)
	if err != nil {
		return g.probeFailed(ctx, err)
	}

	res := g.heuristic.Evaluate(m)

	g.mu.Lock()
	if g.stopped || g.state == GateCleared || g.state == GateBypassed {
		state := g.state
		g.mu.Unlock()
		return state
	}
	g.last = res
	if res.Detected {
		g.failures++
		if g.failures >= g.MaxFailures && res.Confidence < ConfidenceExtended {
			g.state = GateBypassed
			g.accepted = res.Rule
			failures := g.failures
			g.mu.Unlock()

			g.logger.Warn("display still flagged, accepting as false positive",
				"rule", res.Rule, "confidence", res.Confidence, "failures", failures)
			g.open(true)
			return GateBypassed
		}
		g.state = GateBlocked
		g.mu.Unlock()

		g.logger.Info("external display detected", "rule", res.Rule, "confidence", res.Confidence)
		g.notifier.Notify(notify.DisplayBlocked(res.Evidence))
		return GateBlocked
	}
	g.state = GateCleared
	g.mu.Unlock()

	g.open(false)
	return GateCleared
}

func (g *Gate) probeFailed(ctx context.Context, err error) GateState {
	g.mu.Lock()
	if g.stopped || g.state == GateCleared || g.state == GateBypassed {
		state := g.state
		g.mu.Unlock()
		return state
	}
	g.failures++
	failures := g.failures

	if failures >= g.MaxFailures {
		g.state = GateBypassed
		g.mu.Unlock()

		g.logger.Warn("display check failed repeatedly, continuing", "failures", failures, "error", err)
		g.open(true)
		return GateBypassed
	}

	g.logger.Debug("display check failed, retrying", "failures", failures, "error", err)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		g.Check(ctx)
	})
	state := g.state
	g.mu.Unlock()
	return state
}

func (g *Gate) open(bypassed bool) {
	g.notifier.Notify(notify.DisplayCleared(bypassed))
	g.notifier.Notify(notify.Continue())
	if g.onContinue != nil {
		g.onContinue()
	}
}

// Retry re-runs the check after the candidate disconnected displays.
func (g *Gate) Retry(ctx context.Context) GateState {
	return g.Check(ctx)
}

// Stop cancels any pending retry. Later checks are no-ops.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// State returns the gate state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Last returns the most recent evaluation.
func (g *Gate) Last() Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Accepted returns the rule that was still firing when the gate bypassed a
// detection, or "" if the gate did not.
func (g *Gate) Accepted() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// Attempts returns the number of checks run, including failed ones.
func (g *Gate) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}
