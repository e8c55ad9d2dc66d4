package session

import (
	"errors"
	"fmt"
	"time"

	"proctord/internal/audio"
	"proctord/internal/fullscreen"
	"proctord/internal/heuristic"
	"proctord/internal/video"
	"proctord/internal/violation"
)

// Config selects and tunes the adapters of a session.
type Config struct {
	// Policies holds the escalation policies. The audio group policy is
	// always derived from Audio.Policy.
	Policies violation.Policies

	VideoEnabled bool
	Video        video.Config

	AudioEnabled bool
	Audio        audio.Config

	FocusEnabled    bool
	KeyboardEnabled bool

	FullscreenEnabled bool
	MaxExits          int

	DevToolsEnabled  bool
	DevToolsGap      int
	DevToolsInterval time.Duration

	DisplayEnabled       bool
	DisplayInterval      time.Duration
	DisplayMinConfidence float64
	DisplayRetryDelay    time.Duration
	DisplayMaxFailures   int
}

// DefaultConfig enables every adapter with standard settings.
func DefaultConfig() Config {
	return Config{
		Policies:             violation.DefaultPolicies(),
		VideoEnabled:         true,
		Video:                video.DefaultConfig(),
		AudioEnabled:         true,
		Audio:                audio.DefaultConfig(),
		FocusEnabled:         true,
		KeyboardEnabled:      true,
		FullscreenEnabled:    true,
		MaxExits:             fullscreen.DefaultMaxExits,
		DevToolsEnabled:      true,
		DevToolsGap:          heuristic.DefaultDevToolsGap,
		DevToolsInterval:     time.Second,
		DisplayEnabled:       true,
		DisplayInterval:      5 * time.Second,
		DisplayMinConfidence: 0.5,
		DisplayRetryDelay:    heuristic.DefaultRetryDelay,
		DisplayMaxFailures:   heuristic.DefaultMaxFailures,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.policies().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.VideoEnabled {
		if err := c.Video.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("video: %w", err))
		}
	}
	if c.AudioEnabled {
		if err := c.Audio.Policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("audio: %w", err))
		}
	}
	if c.DevToolsEnabled && c.DevToolsInterval <= 0 {
		errs = append(errs, errors.New("devtools: interval must be positive"))
	}
	if c.DisplayEnabled && c.DisplayInterval <= 0 {
		errs = append(errs, errors.New("display: interval must be positive"))
	}
	if c.DisplayMinConfidence < 0 || c.DisplayMinConfidence > 1 {
		errs = append(errs, errors.New("display: min confidence must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

func (c Config) policies() violation.Policies {
	p := c.Policies
	p.Audio = c.Audio.Policy.Escalation()
	return p
}
