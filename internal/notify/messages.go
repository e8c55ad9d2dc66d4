// Package notify builds the presentation messages a session pushes to the
// candidate: toasts, the blocking popup, notices, the fullscreen prompt,
// the display gate, and termination.
package notify

import (
	"fmt"

	"proctord/internal/violation"
)

// Kind is the wire type of a message.
type Kind string

const (
	KindToast            Kind = "toast"
	KindPopup            Kind = "popup"
	KindPopupClosed      Kind = "popup_closed"
	KindNotice           Kind = "notice"
	KindFullscreenPrompt Kind = "fullscreen_prompt"
	KindFullscreenEnter  Kind = "fullscreen_enter"
	KindFullscreenLeave  Kind = "fullscreen_leave"
	KindDisplayGate      Kind = "display_gate"
	KindContinue         Kind = "continue"
	KindTerminated       Kind = "terminated"
)

// Level is the visual tone of a toast or notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is one presentation instruction. Exactly one payload is set,
// matching Kind.
type Message struct {
	Kind             Kind              `json:"type"`
	Toast            *Toast            `json:"toast,omitempty"`
	Popup            *Popup            `json:"popup,omitempty"`
	Notice           *Notice           `json:"notice,omitempty"`
	FullscreenPrompt *FullscreenPrompt `json:"fullscreen_prompt,omitempty"`
	DisplayGate      *DisplayGate      `json:"display_gate,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// Toast is a transient, non-blocking notification.
type Toast struct {
	Level       Level  `json:"level"`
	Category    string `json:"category,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Popup is the blocking dialog the candidate must dismiss.
type Popup struct {
	Group      string `json:"group"`
	PopupCount int    `json:"popup_count"`
	PopupLimit int    `json:"popup_limit"`
	Remaining  int    `json:"remaining"`
	Final      bool   `json:"final"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Footer     string `json:"footer"`
	Action     string `json:"action"`
}

// Notice is a non-blocking status message about an adapter.
type Notice struct {
	Level       Level  `json:"level"`
	Component   string `json:"component"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Loading     bool   `json:"loading,omitempty"`
}

// FullscreenPrompt asks the candidate to return to fullscreen.
type FullscreenPrompt struct {
	ExitCount int    `json:"exit_count"`
	MaxExits  int    `json:"max_exits"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Caution   string `json:"caution"`
	Return    string `json:"return_label"`
	End       string `json:"end_label"`
}

// DisplayGate reports the pre-session external display check.
type DisplayGate struct {
	Blocked  bool           `json:"blocked"`
	Bypassed bool           `json:"bypassed,omitempty"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Steps    []string       `json:"steps,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Retry    string         `json:"retry_label,omitempty"`
}

// WarningToast renders a cooldown-passed warning. direction is used only for
// head turns and may be empty.
func WarningToast(w violation.Warning, direction string) Message {
	counter := fmt.Sprintf("(%d/%d)", w.Count, w.Limit)
	if w.Limit == 0 {
		counter = fmt.Sprintf("(%d)", w.Count)
	}

	var title, desc string
	switch w.Category {
	case violation.Absence:
		title, desc = "No face detected", "Please stay in the camera view."
	case violation.MultipleFaces:
		title, desc = "Multiple faces detected", "Only one person is allowed during the test."
	case violation.HeadTurn:
		title, desc = "Head turned", "Please face the camera directly."
		if direction != "" {
			title += " " + direction
		}
	case violation.FocusLoss:
		title, desc = "Tab switch detected", "Switching tabs is not allowed during the test."
	case violation.Noise:
		title, desc = "Noise detected", "Please maintain silence during the test."
	default:
		title, desc = "Proctoring violation detected", "Please comply with proctoring rules."
	}

	return Message{
		Kind: KindToast,
		Toast: &Toast{
			Level:       LevelWarning,
			Category:    w.Category.String(),
			Title:       title + " " + counter,
			Description: desc,
		},
	}
}

// PopupMessage renders the blocking dialog for an open popup.
func PopupMessage(p violation.PopupState) Message {
	out := &Popup{
		Group:      p.Group.String(),
		PopupCount: p.PopupCount,
		PopupLimit: p.PopupLimit,
		Remaining:  p.Remaining(),
		Final:      p.Final(),
	}

	switch p.Group {
	case violation.GroupAudio:
		out.Title = fmt.Sprintf("Noise Detection Warning %d/%d", p.PopupCount, p.PopupLimit)
		out.Body = "Excessive noise has been detected. Please maintain silence during the test."
	default:
		out.Title = fmt.Sprintf("Proctoring Warning %d/%d", p.PopupCount, p.PopupLimit)
		out.Body = "You have been detected not facing the camera or switching tabs multiple times. Please comply with proctoring rules."
	}

	if out.Final {
		out.Footer = "This is your final warning. The test will now be terminated."
		out.Action = "Close and Terminate"
	} else {
		out.Footer = fmt.Sprintf("You have %d chance(s) remaining before test termination.", out.Remaining)
		out.Action = "Understood"
	}
	return Message{Kind: KindPopup, Popup: out}
}

// PopupClosed tells the client the popup slot is free.
func PopupClosed(p violation.PopupState) Message {
	return Message{
		Kind: KindPopupClosed,
		Popup: &Popup{
			Group:      p.Group.String(),
			PopupCount: p.PopupCount,
			PopupLimit: p.PopupLimit,
			Remaining:  p.Remaining(),
		},
	}
}

// Tone is the escalation level of a blocked shortcut.
type Tone int

const (
	ToneInfo Tone = iota
	ToneWarning
	ToneFinal
)

// String returns the tone name.
func (t Tone) String() string {
	switch t {
	case ToneWarning:
		return "warning"
	case ToneFinal:
		return "final-warning"
	default:
		return "info"
	}
}

// BlockedShortcutToast renders the feedback for a blocked key combination.
func BlockedShortcutToast(t Tone) Message {
	toast := &Toast{Category: "keyboard"}
	switch t {
	case ToneInfo:
		toast.Level = LevelWarning
		toast.Title = "This action is not allowed during the test"
		toast.Description = "Developer tools access is restricted in secure test mode."
	case ToneWarning:
		toast.Level = LevelError
		toast.Title = "Multiple attempts to access developer tools detected"
		toast.Description = "Further attempts may result in test termination."
	default:
		toast.Level = LevelError
		toast.Title = "Final warning: Developer tools access is prohibited"
		toast.Description = "Your test will be terminated if developer tools are opened."
	}
	return Message{Kind: KindToast, Toast: toast}
}

// SetupFailed renders the notice for an adapter that could not start.
func SetupFailed(component, title, description string) Message {
	return Message{
		Kind: KindNotice,
		Notice: &Notice{
			Level:       LevelError,
			Component:   component,
			Title:       title,
			Description: description,
		},
	}
}

// Loading renders the notice shown while an adapter initialises. done clears
// the indicator.
func Loading(component, title string, done bool) Message {
	return Message{
		Kind: KindNotice,
		Notice: &Notice{
			Level:     LevelInfo,
			Component: component,
			Title:     title,
			Loading:   !done,
		},
	}
}

// FullscreenPromptMessage renders the return-to-fullscreen dialog.
func FullscreenPromptMessage(exitCount, maxExits int) Message {
	return Message{
		Kind: KindFullscreenPrompt,
		FullscreenPrompt: &FullscreenPrompt{
			ExitCount: exitCount,
			MaxExits:  maxExits,
			Title:     "Warning: Full Screen Mode Required",
			Body: fmt.Sprintf("You have exited full screen mode. This is attempt %d of %d. "+
				"Please return to full screen mode to continue with your test. "+
				"Exiting full screen mode is not allowed during the test.", exitCount, maxExits),
			Caution: "Warning: Switching tabs, minimizing the window, or using developer tools will immediately terminate your test.",
			Return:  "Return to Full Screen",
			End:     "End Test",
		},
	}
}

// FullscreenEnter asks the client to enter fullscreen.
func FullscreenEnter() Message {
	return Message{Kind: KindFullscreenEnter}
}

// FullscreenLeave asks the client to leave fullscreen.
func FullscreenLeave() Message {
	return Message{Kind: KindFullscreenLeave}
}

// DisplayBlocked renders the gate blocking the session start.
func DisplayBlocked(evidence map[string]any) Message {
	return Message{
		Kind: KindDisplayGate,
		DisplayGate: &DisplayGate{
			Blocked: true,
			Title:   "Multiple Displays Detected",
			Body: "We've detected that you have multiple displays connected to your device. " +
				"External displays are not allowed during the test for security reasons.",
			Steps: []string{
				"Disconnect all external monitors from your device",
				"Close any screen sharing or remote desktop applications",
				"If using a laptop, close the lid if you're using an external display",
				`Click "Check Again" after you've disconnected all external displays`,
			},
			Evidence: evidence,
			Retry:    "Check Again",
		},
	}
}

// DisplayCleared renders the gate opening. bypassed is set when the check
// gave up after repeated probe failures.
func DisplayCleared(bypassed bool) Message {
	return Message{Kind: KindDisplayGate, DisplayGate: &DisplayGate{Bypassed: bypassed}}
}

// Continue tells the client the pre-session checks passed.
func Continue() Message {
	return Message{Kind: KindContinue}
}

// Terminated tells the client the session ended.
func Terminated(reason string) Message {
	return Message{Kind: KindTerminated, Reason: reason}
}
