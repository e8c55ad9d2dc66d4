package session

import (
	"time"

	"proctord/internal/fullscreen"
	"proctord/internal/heuristic"
	"proctord/internal/video"
	"proctord/internal/violation"
)

// Snapshot is a point-in-time view of a session for operators.
type Snapshot struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	Counters []violation.Counter  `json:"counters,omitempty"`
	Popup    violation.PopupState `json:"popup"`

	HeadDirection   video.HeadDirection `json:"head_direction"`
	FaceCount       int                 `json:"face_count"`
	VideoDisabled   bool                `json:"video_disabled,omitempty"`
	AudioLevel      float64             `json:"audio_level"`
	AudioDisabled   bool                `json:"audio_disabled,omitempty"`
	Fullscreen      fullscreen.State    `json:"fullscreen"`
	FullscreenExits int                 `json:"fullscreen_exits"`
	BlockedAttempts int                 `json:"blocked_attempts"`
	FocusLosses     int                 `json:"focus_losses"`
	DisplayGate     heuristic.GateState `json:"display_gate"`
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		State:     State{Active: s.active, Terminated: s.terminated, Reason: s.reason},
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	if s.engine != nil {
		snap.Counters = s.engine.Counters()
		snap.Popup = s.engine.Popup()
	}
	vs, as := s.video, s.audio
	focus, keyboard := s.focus, s.keyboard
	fs, gate := s.fs, s.gate
	s.mu.Unlock()

	if vs != nil {
		snap.HeadDirection = vs.Direction()
		snap.FaceCount = vs.FaceCount()
		snap.VideoDisabled = vs.Disabled()
	}
	if as != nil {
		snap.AudioLevel = as.Level()
		snap.AudioDisabled = as.Disabled()
	}
	if fs != nil {
		snap.Fullscreen = fs.State()
		snap.FullscreenExits = fs.Exits()
	}
	if keyboard != nil {
		snap.BlockedAttempts = keyboard.BlockedAttempts()
	}
	if focus != nil {
		snap.FocusLosses = focus.Losses()
	}
	if gate != nil {
		snap.DisplayGate = gate.State()
	}
	return snap
}
