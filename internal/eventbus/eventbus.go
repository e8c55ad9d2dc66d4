// Package eventbus dispatches window and document events to the guards of a
// session.
//
// Events arrive from the client transport (or a native window probe) and are
// delivered synchronously to every subscriber of their kind, in subscription
// order. A handler may call PreventDefault to tell the client the default
// action (a shortcut, the context menu) must be suppressed.
package eventbus

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind int

const (
	Blur Kind = iota + 1
	Focus
	VisibilityChange
	KeyDown
	ContextMenu
	FullscreenChange
	Resize
)

var kindNames = map[Kind]string{
	Blur:             "blur",
	Focus:            "focus",
	VisibilityChange: "visibilitychange",
	KeyDown:          "keydown",
	ContextMenu:      "contextmenu",
	FullscreenChange: "fullscreenchange",
	Resize:           "resize",
}

// String returns the DOM name of the event kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a DOM event name.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("eventbus: unknown event %q", s)
}

// Key describes a keyboard event.
type Key struct {
	Key   string `json:"key" cbor:"key"`
	Code  string `json:"code,omitempty" cbor:"code,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty" cbor:"ctrl,omitempty"`
	Alt   bool   `json:"alt,omitempty" cbor:"alt,omitempty"`
	Shift bool   `json:"shift,omitempty" cbor:"shift,omitempty"`
	Meta  bool   `json:"meta,omitempty" cbor:"meta,omitempty"`
}

// Event is one window or document event.
type Event struct {
	Kind Kind
	Time time.Time

	// Hidden is set for VisibilityChange.
	Hidden bool

	// Fullscreen is set for FullscreenChange.
	Fullscreen bool

	// Key is set for KeyDown.
	Key Key

	prevented bool
}

// PreventDefault marks the event's default action as suppressed.
func (e *Event) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether any handler called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.prevented }

// Handler receives events of one kind.
type Handler func(ev *Event)

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus is a synchronous event dispatcher. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h for events of kind k and returns a function that
// removes the subscription. Calling the returned function more than once is
// harmless.
func (b *Bus) Subscribe(k Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: k, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber of its kind and reports whether the
// default action was prevented. Handlers run on the caller's goroutine and
// may subscribe or unsubscribe without deadlocking.
func (b *Bus) Publish(ev *Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == ev.Kind {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev.prevented
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
