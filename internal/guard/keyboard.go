package guard

import (
	"log/slog"
	"strings"
	"sync"

	"proctord/internal/eventbus"
	"proctord/internal/notify"
)

// Block classifies a key combination.
type Block int

const (
	// Allow lets the key through.
	Allow Block = iota
	// BlockTabSwitch covers Alt+Tab, Alt+F4 and Ctrl+W.
	BlockTabSwitch
	// BlockDevTools covers F12 and Ctrl+Shift+I/J/C.
	BlockDevTools
	// BlockEscape covers Escape.
	BlockEscape
)

// String returns the block name.
func (b Block) String() string {
	switch b {
	case BlockTabSwitch:
		return "tab-switch"
	case BlockDevTools:
		return "devtools"
	case BlockEscape:
		return "escape"
	default:
		return "allow"
	}
}

// Classify decides whether a key combination must be blocked.
func Classify(k eventbus.Key) Block {
	key := k.Key
	lower := strings.ToLower(key)

	switch {
	case k.Alt && (key == "Tab" || key == "F4"):
		return BlockTabSwitch
	case k.Ctrl && lower == "w":
		return BlockTabSwitch
	case key == "F12":
		return BlockDevTools
	case k.Ctrl && k.Shift && (lower == "i" || lower == "j" || lower == "c"):
		return BlockDevTools
	case key == "Escape":
		return BlockEscape
	default:
		return Allow
	}
}

// ToneFor returns the feedback tone for the nth blocked attempt.
func ToneFor(attempts int) notify.Tone {
	switch {
	case attempts <= 3:
		return notify.ToneInfo
	case attempts <= 5:
		return notify.ToneWarning
	default:
		return notify.ToneFinal
	}
}

// KeyboardGuard suppresses restricted shortcuts and the context menu.
// It never terminates a session by itself.
type KeyboardGuard struct {
	focus    *FocusSampler
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	attempts int
	unsubs   []func()
}

// NewKeyboardGuard returns a guard. Tab switch shortcuts are reported to
// focus as focus losses; focus may be nil.
func NewKeyboardGuard(focus *FocusSampler, n notify.Notifier, logger *slog.Logger) *KeyboardGuard {
	if n == nil {
		n = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyboardGuard{focus: focus, notifier: n, logger: logger.With("component", "keyboard")}
}

// Attach subscribes to keydown and contextmenu events.
func (g *KeyboardGuard) Attach(bus *eventbus.Bus) {
	keys := bus.Subscribe(eventbus.KeyDown, g.handleKey)
	menu := bus.Subscribe(eventbus.ContextMenu, func(ev *eventbus.Event) {
		ev.PreventDefault()
		g.blocked("context menu", true)
	})

	g.mu.Lock()
	g.unsubs = append(g.unsubs, keys, menu)
	g.mu.Unlock()
}

// Detach removes the subscriptions.
func (g *KeyboardGuard) Detach() {
	g.mu.Lock()
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (g *KeyboardGuard) handleKey(ev *eventbus.Event) {
	block := Classify(ev.Key)
	if block == Allow {
		return
	}
	ev.PreventDefault()

	if block == BlockTabSwitch {
		// The focus-loss toast replaces the shortcut toast.
		g.blocked(block.String(), false)
		if g.focus != nil {
			g.focus.Report(ev.Time, DetailShortcut)
		}
		return
	}
	g.blocked(block.String(), true)
}

func (g *KeyboardGuard) blocked(what string, toast bool) {
	g.mu.Lock()
	g.attempts++
	n := g.attempts
	g.mu.Unlock()

	tone := ToneFor(n)
	g.logger.Debug("shortcut blocked", "what", what, "attempts", n, "tone", tone)
	if toast {
		g.notifier.Notify(notify.BlockedShortcutToast(tone))
	}
}

// BlockedAttempts returns the number of blocked attempts so far.
func (g *KeyboardGuard) BlockedAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}
