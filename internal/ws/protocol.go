package ws

import (
	"errors"
	"fmt"
	"time"

	"proctord/internal/eventbus"
	"proctord/internal/heuristic"
	"proctord/internal/session"
	"proctord/internal/video"
)

type MessageType string

// Client to server.
const (
	MsgHello            MessageType = "hello"
	MsgActivate         MessageType = "activate"
	MsgDeactivate       MessageType = "deactivate"
	MsgFaces            MessageType = "faces"
	MsgAudio            MessageType = "audio"
	MsgLevel            MessageType = "level"
	MsgEvent            MessageType = "event"
	MsgMetrics          MessageType = "metrics"
	MsgDismiss          MessageType = "dismiss"
	MsgFullscreenReturn MessageType = "fullscreen_return"
	MsgEndTest          MessageType = "end_test"
	MsgDisplayRetry     MessageType = "display_retry"
)

// metered reports whether frames of this type count against the
// connection's frame budget. Rejected frames count too.
func (t MessageType) metered() bool {
	switch t {
	case MsgFaces, MsgAudio, MsgLevel, MsgMetrics:
		return true
	default:
		return false
	}
}

// Server to client, in addition to the notify message kinds.
const (
	MsgState MessageType = "state"
	MsgAck   MessageType = "ack"
	MsgError MessageType = "error"
)

// Encoding selects the frame format the server answers with.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

var errMissingPayload = errors.New("missing payload")

// ClientMessage is one inbound frame. Exactly the payload matching Type is
// set. Text frames carry JSON, binary frames CBOR with the same field names.
type ClientMessage struct {
	Type MessageType `json:"type" cbor:"type"`
	Seq  uint64      `json:"seq,omitempty" cbor:"seq,omitempty"`

	Hello   *Hello                   `json:"hello,omitempty" cbor:"hello,omitempty"`
	Faces   *video.FaceObservation   `json:"faces,omitempty" cbor:"faces,omitempty"`
	Samples []float32                `json:"samples,omitempty" cbor:"samples,omitempty"`
	Level   *float64                 `json:"level,omitempty" cbor:"level,omitempty"`
	Event   *WindowEvent             `json:"event,omitempty" cbor:"event,omitempty"`
	Metrics *heuristic.WindowMetrics `json:"metrics,omitempty" cbor:"metrics,omitempty"`
}

// Hello opens the session of a connection.
type Hello struct {
	Client   string   `json:"client,omitempty" cbor:"client,omitempty"`
	Version  string   `json:"version,omitempty" cbor:"version,omitempty"`
	Encoding Encoding `json:"encoding,omitempty" cbor:"encoding,omitempty"`
}

// WindowEvent is a DOM event forwarded by the client.
type WindowEvent struct {
	Name       string        `json:"name" cbor:"name"`
	Hidden     bool          `json:"hidden,omitempty" cbor:"hidden,omitempty"`
	Fullscreen bool          `json:"fullscreen,omitempty" cbor:"fullscreen,omitempty"`
	Key        *eventbus.Key `json:"key,omitempty" cbor:"key,omitempty"`
}

// toBus converts the wire event into a bus event stamped with now.
func (e *WindowEvent) toBus(now time.Time) (*eventbus.Event, error) {
	kind, err := eventbus.ParseKind(e.Name)
	if err != nil {
		return nil, err
	}
	ev := &eventbus.Event{
		Kind:       kind,
		Time:       now,
		Hidden:     e.Hidden,
		Fullscreen: e.Fullscreen,
	}
	if kind == eventbus.KeyDown {
		if e.Key == nil {
			return nil, fmt.Errorf("keydown: %w", errMissingPayload)
		}
		ev.Key = *e.Key
	}
	return ev, nil
}

// check verifies that the payload required by the type is present. Text
// frames are also schema-validated; binary frames only get this check.
func (m *ClientMessage) check() error {
	var ok bool
	switch m.Type {
	case MsgHello:
		ok = true
	case MsgFaces:
		ok = m.Faces != nil && m.Faces.FaceCount >= 0
	case MsgAudio:
		ok = len(m.Samples) > 0
	case MsgLevel:
		ok = m.Level != nil && *m.Level >= 0
	case MsgEvent:
		ok = m.Event != nil && m.Event.Name != ""
	case MsgMetrics:
		ok = m.Metrics != nil
	case MsgActivate, MsgDeactivate, MsgDismiss, MsgFullscreenReturn, MsgEndTest, MsgDisplayRetry:
		ok = true
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s: %w", m.Type, errMissingPayload)
	}
	return nil
}

// StateMessage reports the lifecycle state of the connection's session.
type StateMessage struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Seq       uint64        `json:"seq,omitempty"`
	State     session.State `json:"state"`
}

// AckMessage answers an event frame.
type AckMessage struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq,omitempty"`
	Prevented bool        `json:"prevented"`
}

// ErrorMessage reports a rejected frame or a failed operation.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Error codes.
const (
	CodeBadMessage     = "bad_message"
	CodeNoSession      = "no_session"
	CodeConflict       = "conflict"
	CodeInactive       = "inactive"
	CodeNoPopup        = "no_popup"
	CodeRateLimited    = "rate_limited"
	CodeDisplayBlocked = "display_blocked"
	CodeInternal       = "internal"
)
