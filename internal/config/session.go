package config

import (
	"fmt"
	"time"

	"proctord/internal/audio"
	"proctord/internal/session"
	"proctord/internal/video"
	"proctord/internal/violation"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ToSession converts the detection sections into a session configuration.
func (c *Config) ToSession() (session.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.toSession()
}

// AudioPolicy resolves the noise policy, applying the preset if one is set.
func (a AudioConfig) AudioPolicy() (audio.Policy, error) {
	if a.Preset != "" {
		return audio.Preset(a.Preset)
	}
	return audio.Policy{
		Threshold:    a.Threshold,
		Decibels:     a.Decibels,
		Cooldown:     ms(a.CooldownMs),
		WarningLimit: a.WarningLimit,
		PopupLimit:   a.PopupLimit,
		Mode:         audio.Mode(a.Mode),
	}, nil
}

func (c *Config) toSession() (session.Config, error) {
	out := session.DefaultConfig()

	out.Policies.Face = violation.Policy{
		Cooldown:     ms(c.Face.CooldownMs),
		WarningLimit: c.Face.WarningLimit,
		PopupLimit:   c.Face.PopupLimit,
		Reason:       violation.ReasonFaceViolations,
	}
	out.Policies.FocusLossTerminates = c.Focus.Terminates

	out.VideoEnabled = c.Face.Enabled
	out.Video = video.Config{
		Interval:       ms(c.Face.IntervalMs),
		AbsenceSustain: ms(c.Face.AbsenceSustainMs),
		TurnThreshold:  c.Face.TurnThreshold,
	}

	out.AudioEnabled = c.Audio.Enabled
	policy, err := c.Audio.AudioPolicy()
	if err != nil {
		return session.Config{}, err
	}
	out.Audio = audio.Config{
		Policy:        policy,
		BufferSize:    c.Audio.BufferSize,
		FrameInterval: ms(c.Audio.FrameIntervalMs),
	}

	out.FocusEnabled = c.Focus.Enabled
	out.KeyboardEnabled = c.Keyboard.Enabled

	out.FullscreenEnabled = c.Fullscreen.Enabled
	out.MaxExits = c.Fullscreen.MaxExits

	out.DevToolsEnabled = c.DevTools.Enabled
	out.DevToolsGap = c.DevTools.Gap
	out.DevToolsInterval = ms(c.DevTools.IntervalMs)

	out.DisplayEnabled = c.Display.Enabled
	out.DisplayInterval = ms(c.Display.IntervalMs)
	out.DisplayMinConfidence = c.Display.MinConfidence
	out.DisplayRetryDelay = ms(c.Display.RetryDelayMs)
	out.DisplayMaxFailures = c.Display.MaxFailures

	if err := out.Validate(); err != nil {
		return session.Config{}, fmt.Errorf("session config: %w", err)
	}
	return out, nil
}
