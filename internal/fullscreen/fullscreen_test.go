package fullscreen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/eventbus"
	"proctord/internal/notify"
	"proctord/internal/violation"
)

type fakeDisplay struct {
	mu         sync.Mutex
	requestErr error
	requests   int
	exits      int
}

func (d *fakeDisplay) RequestFullscreen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	return d.requestErr
}

func (d *fakeDisplay) ExitFullscreen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exits++
	return nil
}

type termination struct {
	category violation.Category
	reason   string
}

type harness struct {
	guard   *Guard
	display *fakeDisplay
	notes   *notify.Recorder
	bus     *eventbus.Bus
	terms   []termination
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{display: &fakeDisplay{}, notes: &notify.Recorder{}, bus: eventbus.New()}
	h.guard = NewGuard(DefaultMaxExits, h.display, h.notes, func(c violation.Category, reason string, now time.Time) {
		h.terms = append(h.terms, termination{c, reason})
	}, nil)
	h.guard.Activate(context.Background())
	h.guard.Attach(h.bus)
	return h
}

func (h *harness) exit() {
	h.bus.Publish(&eventbus.Event{Kind: eventbus.FullscreenChange, Fullscreen: false})
}

func TestActivateEntersFullscreen(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Fullscreen, h.guard.State())
	assert.Equal(t, 1, h.display.requests)
}

func TestActivateRequestFailureIsNotFatal(t *testing.T) {
	d := &fakeDisplay{requestErr: errors.New("user gesture required")}
	g := NewGuard(0, d, nil, func(violation.Category, string, time.Time) {}, nil)
	g.Activate(context.Background())
	assert.Equal(t, Exited, g.State())
}

func TestExitsPromptThenTerminate(t *testing.T) {
	h := newHarness(t)

	h.exit()
	assert.Equal(t, Warned, h.guard.State())
	require.NoError(t, h.guard.ReturnToFullscreen(context.Background()))
	assert.Equal(t, Fullscreen, h.guard.State())

	h.exit()
	assert.Equal(t, Warned, h.guard.State())
	assert.Empty(t, h.terms)

	prompts := h.notes.OfKind(notify.KindFullscreenPrompt)
	require.Len(t, prompts, 2)
	assert.Equal(t, 2, prompts[1].FullscreenPrompt.ExitCount)

	h.exit()
	assert.Equal(t, Terminated, h.guard.State())
	require.Len(t, h.terms, 1)
	assert.Equal(t, violation.FullscreenExit, h.terms[0].category)
	assert.Equal(t, violation.ReasonFullscreenExits, h.terms[0].reason)
	assert.Len(t, h.notes.OfKind(notify.KindFullscreenPrompt), 2, "no prompt on the terminating exit")
}

func TestExitsAfterTerminationIgnored(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.exit()
	}
	assert.Len(t, h.terms, 1)
	assert.Equal(t, 3, h.guard.Exits())
}

func TestExitCountedWhileWarned(t *testing.T) {
	h := newHarness(t)
	h.exit()
	h.exit()
	h.exit()
	assert.Len(t, h.terms, 1)
}

func TestEndTest(t *testing.T) {
	h := newHarness(t)
	h.exit()

	require.NoError(t, h.guard.EndTest(time.Now()))
	require.Len(t, h.terms, 1)
	assert.Equal(t, violation.ReasonCandidateEnded, h.terms[0].reason)

	assert.ErrorIs(t, h.guard.EndTest(time.Now()), ErrTerminated)
	assert.ErrorIs(t, h.guard.ReturnToFullscreen(context.Background()), ErrTerminated)
	assert.Len(t, h.terms, 1)
}

func TestReturnWhileIdle(t *testing.T) {
	g := NewGuard(3, &fakeDisplay{}, nil, nil, nil)
	assert.ErrorIs(t, g.ReturnToFullscreen(context.Background()), ErrInactive)
	assert.ErrorIs(t, g.EndTest(time.Now()), ErrInactive)
}

func TestFullscreenChangeReentry(t *testing.T) {
	h := newHarness(t)
	h.exit()
	h.bus.Publish(&eventbus.Event{Kind: eventbus.FullscreenChange, Fullscreen: true})
	assert.Equal(t, Fullscreen, h.guard.State())
}

func TestDeactivateLeavesFullscreen(t *testing.T) {
	h := newHarness(t)
	h.guard.Deactivate(context.Background())

	assert.Equal(t, Idle, h.guard.State())
	assert.Equal(t, 1, h.display.exits)
	assert.Equal(t, 0, h.bus.Len())

	h.exit()
	assert.Empty(t, h.terms)

	h.guard.Deactivate(context.Background())
	assert.Equal(t, 1, h.display.exits)
}

func TestMarkTerminated(t *testing.T) {
	h := newHarness(t)
	h.guard.MarkTerminated()
	h.exit()
	assert.Empty(t, h.terms)
	assert.Equal(t, Terminated, h.guard.State())
}

func TestNotifierDisplay(t *testing.T) {
	rec := &notify.Recorder{}
	d := NotifierDisplay{Notifier: rec}
	require.NoError(t, d.RequestFullscreen(context.Background()))
	require.NoError(t, d.ExitFullscreen(context.Background()))

	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, notify.KindFullscreenEnter, msgs[0].Kind)
	assert.Equal(t, notify.KindFullscreenLeave, msgs[1].Kind)
}
