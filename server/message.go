package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the wire tag of a message.
type MessageType string

// MessageType instances
const (
	MessageTypeQueueUpdate  MessageType = "queue_update"
	MessageTypeTrackStarted MessageType = "track_started"
	MessageTypeProgress     MessageType = "track_progress"
	MessageTypePause        MessageType = "pause"
	MessageTypeResume       MessageType = "resume"
	MessageTypeSeek         MessageType = "seek"
	MessageTypeVolume       MessageType = "volume_change"
	MessageTypeSkip         MessageType = "skip"
	MessageTypeClearPlayer  MessageType = "clear_player"
	MessageTypeRequestState MessageType = "request_state"
	MessageTypeStateUpdate  MessageType = "state_update"
	MessageTypeTrackEnded   MessageType = "track_ended"
	MessageTypeHello        MessageType = "hello"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSessionEnded MessageType = "session_ended"
	MessageTypeError        MessageType = "error"
)

// ErrUnknownMessageType is returned by Deserialise for tags outside the protocol.
var ErrUnknownMessageType = errors.New("unknown message type")

// Payload is the body of a Message. The set of payloads is closed: only the
// types in this file implement it.
type Payload interface {
	messageType() MessageType
}

// Message defines the wire format {type, payload}.
type Message struct {
	Sender     string      `json:"-"`
	ReceivedAt time.Time   `json:"-"`
	Type       MessageType `json:"type"`
	Payload    Payload     `json:"payload"`
}

type receivedMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage wraps p with its tag.
func NewMessage(p Payload) *Message {
	return &Message{Type: p.messageType(), Payload: p}
}

type QueueUpdateMessage struct{}

type TrackStartedMessage struct {
	TrackID     string  `json:"track_id"`
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"`
	PlaybackURL string  `json:"playback_url,omitempty"`
}

type TrackProgressMessage struct {
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

type PauseMessage struct{}

type ResumeMessage struct{}

type SeekMessage struct {
	Time float64 `json:"time"`
}

type VolumeChangeMessage struct {
	Volume int `json:"volume"`
}

type SkipMessage struct{}

type ClearPlayerMessage struct{}

type RequestStateMessage struct{}

// CurrentTrack identifies the playing queue item inside a state_update.
type CurrentTrack struct {
	TrackID     string  `json:"track_id"`
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"`
	PlaybackURL string  `json:"playback_url"`
}

// StateUpdateMessage is a full playback snapshot. CurrentTrack is null when
// nothing is playing.
type StateUpdateMessage struct {
	Volume       int           `json:"volume"`
	CurrentTrack *CurrentTrack `json:"currentTrack"`
	IsPlaying    bool          `json:"isPlaying"`
	CurrentTime  float64       `json:"currentTime"`
	Duration     float64       `json:"duration"`
}

// TrackEndedMessage is sent by the host when its player finishes TrackID.
type TrackEndedMessage struct {
	TrackID string `json:"track_id"`
}

type HelloMessage struct {
	Authority string `json:"authority"`
	ConnID    string `json:"conn_id"`
}

type PingMessage struct {
	Timestamp float64 `json:"sendtime"`
}

type PongMessage struct {
	Timestamp float64 `json:"sendtime"`
	SvcTime   float64 `json:"servicetime"`
}

type SessionEndedMessage struct {
	Reason string `json:"reason"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
}

func (*QueueUpdateMessage) messageType() MessageType   { return MessageTypeQueueUpdate }
func (*TrackStartedMessage) messageType() MessageType  { return MessageTypeTrackStarted }
func (*TrackProgressMessage) messageType() MessageType { return MessageTypeProgress }
func (*PauseMessage) messageType() MessageType         { return MessageTypePause }
func (*ResumeMessage) messageType() MessageType        { return MessageTypeResume }
func (*SeekMessage) messageType() MessageType          { return MessageTypeSeek }
func (*VolumeChangeMessage) messageType() MessageType  { return MessageTypeVolume }
func (*SkipMessage) messageType() MessageType          { return MessageTypeSkip }
func (*ClearPlayerMessage) messageType() MessageType   { return MessageTypeClearPlayer }
func (*RequestStateMessage) messageType() MessageType  { return MessageTypeRequestState }
func (*StateUpdateMessage) messageType() MessageType   { return MessageTypeStateUpdate }
func (*TrackEndedMessage) messageType() MessageType    { return MessageTypeTrackEnded }
func (*HelloMessage) messageType() MessageType         { return MessageTypeHello }
func (*PingMessage) messageType() MessageType          { return MessageTypePing }
func (*PongMessage) messageType() MessageType          { return MessageTypePong }
func (*SessionEndedMessage) messageType() MessageType  { return MessageTypeSessionEnded }
func (*ErrorMessage) messageType() MessageType         { return MessageTypeError }

// newPayload returns an empty payload for the tag.
func newPayload(t MessageType) (Payload, error) {
	switch t {
	case MessageTypeQueueUpdate:
		return &QueueUpdateMessage{}, nil
	case MessageTypeTrackStarted:
		return &TrackStartedMessage{}, nil
	case MessageTypeProgress:
		return &TrackProgressMessage{}, nil
	case MessageTypePause:
		return &PauseMessage{}, nil
	case MessageTypeResume:
		return &ResumeMessage{}, nil
	case MessageTypeSeek:
		return &SeekMessage{}, nil
	case MessageTypeVolume:
		return &VolumeChangeMessage{}, nil
	case MessageTypeSkip:
		return &SkipMessage{}, nil
	case MessageTypeClearPlayer:
		return &ClearPlayerMessage{}, nil
	case MessageTypeRequestState:
		return &RequestStateMessage{}, nil
	case MessageTypeStateUpdate:
		return &StateUpdateMessage{}, nil
	case MessageTypeTrackEnded:
		return &TrackEndedMessage{}, nil
	case MessageTypeHello:
		return &HelloMessage{}, nil
	case MessageTypePing:
		return &PingMessage{}, nil
	case MessageTypePong:
		return &PongMessage{}, nil
	case MessageTypeSessionEnded:
		return &SessionEndedMessage{}, nil
	case MessageTypeError:
		return &ErrorMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
}

// Serialise a Message to its wire format as []byte. The tag is always taken
// from the payload; m itself is not modified, so one Message may be
// serialised by several writers at once.
func (m *Message) Serialise() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("message has no payload")
	}
	return json.Marshal(&wireMessage{
		Type:    m.Payload.messageType(),
		Payload: m.Payload,
	})
}

type wireMessage struct {
	Type    MessageType `json:"type"`
	Payload Payload     `json:"payload"`
}

// Deserialise a Message stored in data in its wire format back to a struct
// and store it to the value pointed to by m. A missing or null payload is
// accepted for every type.
func Deserialise(data []byte, m *Message) error {
	var rm receivedMessage
	if err := json.Unmarshal(data, &rm); err != nil {
		return err
	}

	p, err := newPayload(rm.Type)
	if err != nil {
		return err
	}
	if len(rm.Payload) > 0 && !bytes.Equal(rm.Payload, []byte("null")) {
		if err := json.Unmarshal(rm.Payload, p); err != nil {
			return fmt.Errorf("%s payload: %w", rm.Type, err)
		}
	}

	m.ReceivedAt = time.Now()
	m.Type = rm.Type
	m.Payload = p
	return nil
}
