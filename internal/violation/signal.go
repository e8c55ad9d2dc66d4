// Package violation implements the shared counting, cooldown and escalation
// state machine that every proctoring signal flows through.
//
// Signals are grouped: the face group (absence, multiple faces, head turn,
// focus loss) shares one counter and one popup index, the audio group owns
// its own. Each group walks Normal -> Warning(count) -> PopupOpen(index) ->
// Terminated. A single popup slot is shared across all groups.
package violation

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies the kind of violation a signal reports.
type Category int

const (
	// Absence is reported when no face has been seen for the sustain window.
	Absence Category = iota
	// MultipleFaces is reported when more than one face is in frame.
	MultipleFaces
	// HeadTurn is reported when the single visible face looks away.
	HeadTurn
	// Noise is reported when the microphone level exceeds the threshold.
	Noise
	// FocusLoss is reported on window blur or the document becoming hidden.
	FocusLoss
	// FullscreenExit is reported when the page leaves fullscreen.
	FullscreenExit
	// DevTools is reported when developer tools appear to be open.
	DevTools
	// ExternalDisplay is reported when a second display appears attached.
	ExternalDisplay
)

var categoryNames = [...]string{
	Absence:         "absence",
	MultipleFaces:   "multiple-faces",
	HeadTurn:        "head-turn",
	Noise:           "noise",
	FocusLoss:       "focus-loss",
	FullscreenExit:  "fullscreen-exit",
	DevTools:        "devtools",
	ExternalDisplay: "external-display",
}

// Categories lists every category in declaration order.
func Categories() []Category {
	out := make([]Category, len(categoryNames))
	for i := range categoryNames {
		out[i] = Category(i)
	}
	return out
}

// String returns the wire name of the category.
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseCategory parses a wire name into a Category.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("violation: unknown category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Group returns the counter group a category escalates through.
// FullscreenExit, DevTools and ExternalDisplay are not counted and
// return GroupNone.
func (c Category) Group() Group {
	switch c {
	case Absence, MultipleFaces, HeadTurn, FocusLoss:
		return GroupFace
	case Noise:
		return GroupAudio
	default:
		return GroupNone
	}
}

// Group is a set of categories sharing a counter and popup index.
type Group int

const (
	// GroupNone holds categories that never reach the counter.
	GroupNone Group = iota
	// GroupFace covers camera and focus categories.
	GroupFace
	// GroupAudio covers microphone noise.
	GroupAudio
)

// String returns the wire name of the group.
func (g Group) String() string {
	switch g {
	case GroupFace:
		return "face"
	case GroupAudio:
		return "audio"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (g Group) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Group) UnmarshalText(b []byte) error {
	for grp := GroupNone; grp <= GroupAudio; grp++ {
		if grp.String() == string(b) {
			*g = grp
			return nil
		}
	}
	return fmt.Errorf("violation: unknown group %q", b)
}

// Signal is a single detected condition emitted by an adapter.
type Signal struct {
	Category  Category
	Timestamp time.Time

	// Strength is the measured magnitude when the adapter has one
	// (RMS level, head-turn ratio, gap in pixels). Zero otherwise.
	Strength float64

	// Detail is free-form context for logs and the audit journal.
	Detail string
}

// Sink receives signals from adapters.
type Sink interface {
	Emit(sig Signal)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sig Signal)

// Emit calls f(sig).
func (f SinkFunc) Emit(sig Signal) { f(sig) }
