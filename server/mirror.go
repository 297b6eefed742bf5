package server

import (
	"sync"
	"time"
)

// Mirror is a participant's local copy of a session's playback state.
//
// The confirmed state only ever changes through messages received from the
// session. Local predictions made when the user acts are kept in a separate
// overlay which is discarded field by field as confirmed values arrive, so a
// prediction is never applied twice or mistaken for the session's answer.
type Mirror struct {
	mu        sync.Mutex
	confirmed *PlaybackState

	// optimistic overlay
	predPlaying  *bool
	predPosition *float64
	predVolume   *int

	authority  string
	connID     string
	queueStale bool
	connected  bool
	ended      string
	lastError  string
	rtt        time.Duration
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{confirmed: NewPlaybackState()}
}

func (m *Mirror) clearPredictions() {
	m.predPlaying = nil
	m.predPosition = nil
	m.predVolume = nil
}

// Apply folds one received message into the mirror.
func (m *Mirror) Apply(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := msg.Payload.(type) {
	case *QueueUpdateMessage:
		m.queueStale = true
	case *TrackStartedMessage, *ClearPlayerMessage, *StateUpdateMessage:
		m.confirmed.Apply(p)
		m.clearPredictions()
	case *TrackProgressMessage:
		m.confirmed.Apply(p)
		m.predPosition = nil
	case *PauseMessage, *ResumeMessage:
		m.confirmed.Apply(p)
		m.predPlaying = nil
	case *SeekMessage:
		m.confirmed.Apply(p)
		m.predPosition = nil
	case *VolumeChangeMessage:
		m.confirmed.Apply(p)
		m.predVolume = nil
	case *HelloMessage:
		m.authority = p.Authority
		m.connID = p.ConnID
		m.connected = true
	case *PongMessage:
		sent := time.Unix(0, int64(p.Timestamp*float64(time.Second)))
		m.rtt = time.Since(sent)
	case *SessionEndedMessage:
		m.ended = p.Reason
		m.connected = false
	case *ErrorMessage:
		m.lastError = p.Reason
	case *SkipMessage, *RequestStateMessage, *TrackEndedMessage, *PingMessage:
		// addressed to the session, not to participants
	}
}

// Predict records the local effect of an action the user just took.
func (m *Mirror) Predict(p Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := p.(type) {
	case *PauseMessage:
		v := false
		m.predPlaying = &v
	case *ResumeMessage:
		v := true
		m.predPlaying = &v
	case *SeekMessage:
		v := p.Time
		m.predPosition = &v
	case *VolumeChangeMessage:
		v := clampVolume(p.Volume)
		m.predVolume = &v
	}
}

// Confirmed returns the state as last reported by the session.
func (m *Mirror) Confirmed() *StateUpdateMessage {
	return m.confirmed.Snapshot()
}

// View returns the confirmed state with pending predictions laid over it.
func (m *Mirror) View() *StateUpdateMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.confirmed.Snapshot()
	if m.predPlaying != nil {
		v.IsPlaying = *m.predPlaying
	}
	if m.predPosition != nil {
		v.CurrentTime = *m.predPosition
	}
	if m.predVolume != nil {
		v.Volume = *m.predVolume
	}
	return v
}

// HasPredictions reports whether any local prediction is unconfirmed.
func (m *Mirror) HasPredictions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predPlaying != nil || m.predPosition != nil || m.predVolume != nil
}

// TakeQueueStale reports whether a queue_update arrived since the last call.
func (m *Mirror) TakeQueueStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.queueStale
	m.queueStale = false
	return stale
}

// Authority is "host" or "guest" as announced in hello.
func (m *Mirror) Authority() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authority
}

// ConnID is the id the server gave the current connection.
func (m *Mirror) ConnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Connected reports whether the transport is up.
func (m *Mirror) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mirror) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Ended returns the session_ended reason, or "" while the session lives.
func (m *Mirror) Ended() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *Mirror) setEnded(reason string) {
	m.mu.Lock()
	m.ended = reason
	m.connected = false
	m.mu.Unlock()
}

// LastError is the reason of the last error message received.
func (m *Mirror) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// RTT is the round trip time measured by the last pong.
func (m *Mirror) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}
