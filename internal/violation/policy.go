package violation

import (
	"errors"
	"fmt"
	"time"
)

// Default termination reasons. They are shown to the candidate verbatim.
const (
	ReasonFaceViolations   = "Test terminated due to repeated proctoring violations."
	ReasonNoiseViolations  = "Test terminated due to excessive noise detections."
	ReasonDevTools         = "Developer tools were opened during the test."
	ReasonExternalDisplay  = "External display detected during the test."
	ReasonFocusLoss        = "You switched focus away from the test window."
	ReasonFullscreenExits  = "You exited full screen mode multiple times."
	ReasonCandidateEnded   = "Test ended by the candidate."
	ReasonStrictNoiseLimit = "Test terminated: noise limit reached."
	ReasonOperator         = "Test terminated by the proctor."
)

// Policy configures escalation for one group.
type Policy struct {
	// Cooldown is the minimum time between visible warnings for one
	// category. Signals arriving during the cooldown are still counted
	// unless CountOnWarning is set.
	Cooldown time.Duration

	// WarningLimit is the counter value that opens a popup.
	// Zero disables popups and termination for the group (warn only).
	WarningLimit int

	// PopupLimit is the number of popups allowed before dismissal of the
	// last one terminates the session.
	PopupLimit int

	// CountOnWarning counts only signals that pass the cooldown gate, so
	// the counter tracks visible warnings instead of raw detections.
	// Frame-rate sources such as the microphone need it.
	CountOnWarning bool

	// TerminateAtLimit skips popup negotiation: reaching WarningLimit
	// terminates immediately.
	TerminateAtLimit bool

	// Reason is the termination reason reported for this group.
	Reason string
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}
	if p.WarningLimit < 0 {
		return errors.New("warning limit must not be negative")
	}
	if p.PopupLimit < 0 {
		return errors.New("popup limit must not be negative")
	}
	if p.WarningLimit > 0 && !p.TerminateAtLimit && p.PopupLimit == 0 {
		return errors.New("popup limit must be positive when popups are enabled")
	}
	return nil
}

// Policies is the complete escalation policy of a session.
type Policies struct {
	Face  Policy
	Audio Policy

	// FocusLossTerminates makes focus loss immediately terminal instead of
	// counting through the face group.
	FocusLossTerminates bool

	// Reasons overrides the termination reason of immediate categories.
	Reasons map[Category]string
}

// DefaultPolicies returns the face and audio policies used when nothing
// else is configured.
func DefaultPolicies() Policies {
	return Policies{
		Face: Policy{
			Cooldown:     2 * time.Second,
			WarningLimit: 10,
			PopupLimit:   3,
			Reason:       ReasonFaceViolations,
		},
		Audio: Policy{
			Cooldown:       2 * time.Second,
			WarningLimit:   5,
			PopupLimit:     3,
			CountOnWarning: true,
			Reason:         ReasonNoiseViolations,
		},
		Reasons: map[Category]string{
			DevTools:        ReasonDevTools,
			ExternalDisplay: ReasonExternalDisplay,
			FocusLoss:       ReasonFocusLoss,
		},
	}
}

// Validate checks both group policies.
func (p Policies) Validate() error {
	if err := p.Face.Validate(); err != nil {
		return fmt.Errorf("face policy: %w", err)
	}
	if err := p.Audio.Validate(); err != nil {
		return fmt.Errorf("audio policy: %w", err)
	}
	return nil
}

// Policy returns the policy for a group.
func (p Policies) Policy(g Group) Policy {
	switch g {
	case GroupFace:
		return p.Face
	case GroupAudio:
		return p.Audio
	default:
		return Policy{}
	}
}

// Reason returns the termination reason for an immediate category.
func (p Policies) Reason(c Category) string {
	if r, ok := p.Reasons[c]; ok && r != "" {
		return r
	}
	switch c {
	case DevTools:
		return ReasonDevTools
	case ExternalDisplay:
		return ReasonExternalDisplay
	case FocusLoss:
		return ReasonFocusLoss
	case FullscreenExit:
		return ReasonFullscreenExits
	default:
		return fmt.Sprintf("Test terminated: %s violation.", c)
	}
}
