package audio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"proctord/internal/violation"
)

// Mode selects what happens when the noise counter reaches its limit.
type Mode string

const (
	// ModePopup negotiates through the blocking popup.
	ModePopup Mode = "popup"
	// ModeTerminate ends the session as soon as the limit is reached.
	ModeTerminate Mode = "terminate"
)

// Policy is the unified noise policy.
type Policy struct {
	// Threshold is the level above which a frame is noise. It is a linear
	// RMS value, or dBFS when Decibels is set.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
	Decibels  bool    `toml:"decibels" json:"decibels" yaml:"decibels"`

	Cooldown     time.Duration `toml:"cooldown" json:"cooldown" yaml:"cooldown"`
	WarningLimit int           `toml:"warning_limit" json:"warning_limit" yaml:"warning_limit"`
	PopupLimit   int           `toml:"popup_limit" json:"popup_limit" yaml:"popup_limit"`
	Mode         Mode          `toml:"mode" json:"mode" yaml:"mode"`
}

// DefaultPolicy returns the default noise policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    0.1,
		Cooldown:     2 * time.Second,
		WarningLimit: 5,
		PopupLimit:   3,
		Mode:         ModePopup,
	}
}

var presets = map[string]Policy{
	"default": DefaultPolicy(),
	"voice": {
		Threshold:    0.05,
		Cooldown:     2 * time.Second,
		WarningLimit: 5,
		PopupLimit:   3,
		Mode:         ModePopup,
	},
	"monitor": {
		Threshold: 0.1,
		Cooldown:  5 * time.Second,
		Mode:      ModePopup,
	},
}

// Preset returns a named policy.
func Preset(name string) (Policy, error) {
	p, ok := presets[name]
	if !ok {
		return Policy{}, fmt.Errorf("audio: unknown preset %q", name)
	}
	return p, nil
}

// Presets lists the preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Decibels {
		if p.Threshold > 0 {
			return errors.New("decibel threshold must not be positive")
		}
	} else if p.Threshold <= 0 || p.Threshold > 1 {
		return errors.New("threshold must be in (0, 1]")
	}
	switch p.Mode {
	case ModePopup, ModeTerminate, "":
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.Mode == ModeTerminate && p.WarningLimit == 0 {
		return errors.New("terminate mode needs a warning limit")
	}
	return p.Escalation().Validate()
}

// Escalation converts the policy to the audio group's escalation policy.
func (p Policy) Escalation() violation.Policy {
	out := violation.Policy{
		Cooldown:       p.Cooldown,
		WarningLimit:   p.WarningLimit,
		PopupLimit:     p.PopupLimit,
		CountOnWarning: true,
		Reason:         violation.ReasonNoiseViolations,
	}
	if p.Mode == ModeTerminate {
		out.TerminateAtLimit = true
		out.PopupLimit = 0
		out.Reason = violation.ReasonStrictNoiseLimit
	}
	return out
}

// Exceeds reports whether a measured RMS level is noise under this policy.
func (p Policy) Exceeds(rms float64) bool {
	if p.Decibels {
		return Decibels(rms) > p.Threshold
	}
	return rms > p.Threshold
}
