package notify

import (
	"log/slog"
	"sync"
)

// Notifier delivers presentation messages to the candidate.
// Implementations must be safe for concurrent use and must not block for
// long; Notify is called while a session is processing a signal.
type Notifier interface {
	Notify(msg Message)
}

// Func adapts a function to the Notifier interface.
type Func func(msg Message)

// Notify calls f(msg).
func (f Func) Notify(msg Message) { f(msg) }

// Discard drops every message.
var Discard Notifier = Func(func(Message) {})

// Multi fans a message out to several notifiers in order.
func Multi(ns ...Notifier) Notifier {
	return Func(func(msg Message) {
		for _, n := range ns {
			if n != nil {
				n.Notify(msg)
			}
		}
	})
}

// LogNotifier writes messages to a structured logger. It is the notifier of
// headless sessions and is layered under the transport notifier so every
// message leaves a trace.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs at debug level, except
// terminations which log at info.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(msg Message) {
	switch msg.Kind {
	case KindToast:
		n.logger.Debug("toast", "level", msg.Toast.Level, "title", msg.Toast.Title)
	case KindPopup:
		n.logger.Debug("popup",
			"group", msg.Popup.Group,
			"count", msg.Popup.PopupCount,
			"limit", msg.Popup.PopupLimit,
			"final", msg.Popup.Final)
	case KindNotice:
		n.logger.Debug("notice", "component", msg.Notice.Component, "title", msg.Notice.Title)
	case KindFullscreenPrompt:
		n.logger.Debug("fullscreen prompt", "exits", msg.FullscreenPrompt.ExitCount)
	case KindDisplayGate:
		n.logger.Debug("display gate", "blocked", msg.DisplayGate.Blocked, "bypassed", msg.DisplayGate.Bypassed)
	case KindTerminated:
		n.logger.Info("terminated", "reason", msg.Reason)
	default:
		n.logger.Debug("notify", "type", msg.Kind)
	}
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// OfKind returns the recorded messages of one kind.
func (r *Recorder) OfKind(k Kind) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
