package violation

import (
	"errors"
	"time"
)

var (
	// ErrNoPopup is returned by Dismiss when no popup is open.
	ErrNoPopup = errors.New("violation: no popup open")

	// ErrTerminated is returned for operations after termination.
	ErrTerminated = errors.New("violation: session terminated")
)

// State is the escalation state of one group.
type State int

const (
	StateNormal State = iota
	StateWarning
	StatePopupOpen
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StatePopupOpen:
		return "popup-open"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Warning is a visible notification that passed the cooldown gate.
type Warning struct {
	Category Category
	Group    Group
	Count    int
	Limit    int
	At       time.Time
	Strength float64
}

// PopupState describes the blocking dialog.
type PopupState struct {
	Group      Group `json:"group"`
	PopupCount int   `json:"popup_count"`
	PopupLimit int   `json:"popup_limit"`
	Open       bool  `json:"open"`
}

// Final reports whether dismissing this popup terminates the session.
func (p PopupState) Final() bool {
	return p.PopupLimit > 0 && p.PopupCount >= p.PopupLimit
}

// Remaining is the number of popups left before termination.
func (p PopupState) Remaining() int {
	if r := p.PopupLimit - p.PopupCount; r > 0 {
		return r
	}
	return 0
}

// Termination is the terminal decision of the engine.
type Termination struct {
	Reason   string
	Category Category
	Group    Group
	At       time.Time
}

// Outcome is the effect of recording one signal.
type Outcome struct {
	// Counted is true when the signal incremented a group counter.
	Counted bool
	Group   Group
	Count   int

	// Warning is set when a notification should be shown.
	Warning *Warning

	// Popup is set when this signal opened the popup.
	Popup *PopupState

	// Deferred is true when the group reached its limit while another
	// group held the popup slot.
	Deferred bool

	// Termination is set when this signal ended the session.
	Termination *Termination
}

// DismissOutcome is the effect of dismissing the open popup.
type DismissOutcome struct {
	Closed      PopupState
	Next        *PopupState
	Termination *Termination
}

// Counter is the read-only view of a group counter.
type Counter struct {
	Group         Group                  `json:"group"`
	State         State                  `json:"-"`
	Count         int                    `json:"count"`
	Limit         int                    `json:"limit"`
	PopupCount    int                    `json:"popup_count"`
	LastWarningAt map[Category]time.Time `json:"last_warning_at,omitempty"`
}

type groupState struct {
	group       Group
	policy      Policy
	count       int
	popupCount  int
	lastWarning map[Category]time.Time
	deferred    bool
}

// Engine is the aggregator and escalation state machine for one session.
//
// Engine is not safe for concurrent use; the session controller serializes
// every call under its own lock.
type Engine struct {
	policies    Policies
	groups      map[Group]*groupState
	open        Group
	queue       []Group
	termination *Termination
}

// NewEngine returns an engine with fresh counters.
func NewEngine(p Policies) *Engine {
	e := &Engine{
		policies: p,
		groups:   make(map[Group]*groupState, 2),
	}
	for _, g := range []Group{GroupFace, GroupAudio} {
		e.groups[g] = &groupState{
			group:       g,
			policy:      p.Policy(g),
			lastWarning: make(map[Category]time.Time),
		}
	}
	return e
}

// Policies returns the policies the engine was built with.
func (e *Engine) Policies() Policies {
	return e.policies
}

// Record applies one signal.
func (e *Engine) Record(sig Signal) Outcome {
	if e.termination != nil {
		return Outcome{}
	}

	if e.immediate(sig.Category) {
		return Outcome{Termination: e.terminate(sig.Category, GroupNone, e.policies.Reason(sig.Category), sig.Timestamp)}
	}

	g := sig.Category.Group()
	gs, ok := e.groups[g]
	if !ok {
		return Outcome{}
	}

	last := gs.lastWarning[sig.Category]
	warn := last.IsZero() || sig.Timestamp.Sub(last) >= gs.policy.Cooldown
	if !warn && gs.policy.CountOnWarning {
		return Outcome{Group: g, Count: gs.count}
	}

	gs.count++
	out := Outcome{Counted: true, Group: g, Count: gs.count}

	if warn {
		gs.lastWarning[sig.Category] = sig.Timestamp
		out.Warning = &Warning{
			Category: sig.Category,
			Group:    g,
			Count:    gs.count,
			Limit:    gs.policy.WarningLimit,
			At:       sig.Timestamp,
			Strength: sig.Strength,
		}
	}

	if gs.policy.WarningLimit == 0 || gs.count < gs.policy.WarningLimit {
		return out
	}

	if gs.policy.TerminateAtLimit {
		out.Termination = e.terminate(sig.Category, g, gs.policy.Reason, sig.Timestamp)
		return out
	}

	switch {
	case e.open == GroupNone:
		popup := e.openPopup(gs)
		out.Popup = &popup
	case e.open != g && !gs.deferred:
		gs.deferred = true
		e.queue = append(e.queue, g)
		out.Deferred = true
	case e.open != g:
		out.Deferred = true
	}
	return out
}

// Dismiss closes the open popup. Dismissing the final popup of a group
// terminates the session; otherwise the group counter resets to zero and
// the next deferred group, if any, gets the popup slot.
func (e *Engine) Dismiss(now time.Time) (DismissOutcome, error) {
	if e.termination != nil {
		return DismissOutcome{}, ErrTerminated
	}
	if e.open == GroupNone {
		return DismissOutcome{}, ErrNoPopup
	}

	gs := e.groups[e.open]
	closed := e.popupState(gs)
	closed.Open = false
	e.open = GroupNone

	if closed.Final() {
		t := e.terminate(lastCategory(gs), gs.group, gs.policy.Reason, now)
		return DismissOutcome{Closed: closed, Termination: t}, nil
	}

	gs.count = 0
	out := DismissOutcome{Closed: closed}

	for len(e.queue) > 0 {
		next := e.groups[e.queue[0]]
		e.queue = e.queue[1:]
		next.deferred = false
		if next.count >= next.policy.WarningLimit {
			popup := e.openPopup(next)
			out.Next = &popup
			break
		}
	}
	return out, nil
}

// Terminate records an externally decided termination, such as the
// fullscreen guard or a voluntary end. It returns nil if the engine had
// already terminated.
func (e *Engine) Terminate(c Category, reason string, now time.Time) *Termination {
	if e.termination != nil {
		return nil
	}
	return e.terminate(c, GroupNone, reason, now)
}

// Termination returns the terminal decision, or nil while running.
func (e *Engine) Termination() *Termination {
	return e.termination
}

// Popup returns the popup state. Open is false when no popup is showing.
func (e *Engine) Popup() PopupState {
	if e.open == GroupNone {
		return PopupState{}
	}
	return e.popupState(e.groups[e.open])
}

// Counter returns the read-only view of a group counter.
func (e *Engine) Counter(g Group) Counter {
	gs, ok := e.groups[g]
	if !ok {
		return Counter{Group: g}
	}
	last := make(map[Category]time.Time, len(gs.lastWarning))
	for c, t := range gs.lastWarning {
		last[c] = t
	}
	return Counter{
		Group:         g,
		State:         e.state(gs),
		Count:         gs.count,
		Limit:         gs.policy.WarningLimit,
		PopupCount:    gs.popupCount,
		LastWarningAt: last,
	}
}

// Counters returns every group counter.
func (e *Engine) Counters() []Counter {
	return []Counter{e.Counter(GroupFace), e.Counter(GroupAudio)}
}

func (e *Engine) state(gs *groupState) State {
	switch {
	case e.termination != nil:
		return StateTerminated
	case e.open == gs.group:
		return StatePopupOpen
	case gs.count > 0:
		return StateWarning
	default:
		return StateNormal
	}
}

func (e *Engine) immediate(c Category) bool {
	switch c {
	case DevTools, ExternalDisplay:
		return true
	case FocusLoss:
		return e.policies.FocusLossTerminates
	default:
		return false
	}
}

func (e *Engine) openPopup(gs *groupState) PopupState {
	gs.popupCount++
	e.open = gs.group
	return e.popupState(gs)
}

func (e *Engine) popupState(gs *groupState) PopupState {
	return PopupState{
		Group:      gs.group,
		PopupCount: gs.popupCount,
		PopupLimit: gs.policy.PopupLimit,
		Open:       e.open == gs.group,
	}
}

func (e *Engine) terminate(c Category, g Group, reason string, now time.Time) *Termination {
	e.termination = &Termination{
		Reason:   reason,
		Category: c,
		Group:    g,
		At:       now,
	}
	e.open = GroupNone
	e.queue = nil
	return e.termination
}

// lastCategory returns the category that most recently warned in the group.
func lastCategory(gs *groupState) Category {
	var (
		best Category
		at   time.Time
	)
	first := true
	for c, t := range gs.lastWarning {
		if first || t.After(at) {
			best, at, first = c, t, false
		}
	}
	if first && gs.group == GroupAudio {
		return Noise
	}
	return best
}
