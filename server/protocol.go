package server

import (
	"sync"
	"time"

	"github.com/pravuX/ksunira/queue"
)

// DefaultVolume is the volume of a fresh session.
const DefaultVolume = 100

// PlaybackState is the authoritative playback snapshot of a room. It is
// replaced field-wise by each applicable message and read by everyone.
// The same type backs the confirmed view of a Mirror on the client side.
type PlaybackState struct {
	mu          sync.RWMutex
	current     *CurrentTrack
	playing     bool
	position    float64
	duration    float64
	volume      int
	lastUpdated time.Time
	now         func() time.Time
}

// NewPlaybackState returns an idle state at DefaultVolume.
func NewPlaybackState() *PlaybackState {
	return &PlaybackState{
		volume:      DefaultVolume,
		lastUpdated: time.Now(),
		now:         time.Now,
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// positionLocked extrapolates the position while playing and clamps it at the
// track duration.
func (s *PlaybackState) positionLocked(now time.Time) float64 {
	pos := s.position
	if s.playing {
		pos += now.Sub(s.lastUpdated).Seconds()
	}
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// checkPosition settles an overrun track: once the extrapolated position
// passes the duration the state stops advancing.
func (s *PlaybackState) checkPositionLocked(now time.Time) {
	if s.playing && s.duration > 0 && s.positionLocked(now) >= s.duration {
		s.position = s.duration
		s.playing = false
		s.lastUpdated = now
	}
}

// Apply folds a playback message into the state and reports whether the
// message type affects playback at all.
func (s *PlaybackState) Apply(p Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch m := p.(type) {
	case *TrackStartedMessage:
		s.current = &CurrentTrack{
			TrackID:     m.TrackID,
			Title:       m.Title,
			Duration:    m.Duration,
			PlaybackURL: m.PlaybackURL,
		}
		s.playing = true
		s.position = 0
		s.duration = m.Duration
	case *TrackProgressMessage:
		s.position = m.CurrentTime
		if m.Duration > 0 {
			s.duration = m.Duration
		}
	case *PauseMessage:
		s.position = s.positionLocked(now)
		s.playing = false
	case *ResumeMessage:
		s.position = s.positionLocked(now)
		s.playing = s.current != nil
	case *SeekMessage:
		s.position = m.Time
		if s.position < 0 {
			s.position = 0
		}
		if s.duration > 0 && s.position > s.duration {
			s.position = s.duration
		}
	case *VolumeChangeMessage:
		s.volume = clampVolume(m.Volume)
	case *ClearPlayerMessage:
		s.current = nil
		s.playing = false
		s.position = 0
		s.duration = 0
	case *StateUpdateMessage:
		if m.CurrentTrack != nil {
			ct := *m.CurrentTrack
			s.current = &ct
		} else {
			s.current = nil
		}
		s.volume = clampVolume(m.Volume)
		s.playing = m.IsPlaying && s.current != nil
		s.position = m.CurrentTime
		s.duration = m.Duration
	default:
		return false
	}
	s.lastUpdated = now
	return true
}

// StartTrack makes item the current track, playing from zero, and returns the
// track_started announcement.
func (s *PlaybackState) StartTrack(item queue.Item) *TrackStartedMessage {
	m := &TrackStartedMessage{
		TrackID:     item.ID,
		Title:       item.Track.Title,
		Duration:    float64(item.Track.Duration),
		PlaybackURL: item.Track.PlaybackURL,
	}
	s.Apply(m)
	return m
}

// Clear drops the current track.
func (s *PlaybackState) Clear() {
	s.Apply(&ClearPlayerMessage{})
}

// Snapshot returns a full state_update with the position extrapolated to now.
func (s *PlaybackState) Snapshot() *StateUpdateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.checkPositionLocked(now)

	m := &StateUpdateMessage{
		Volume:      s.volume,
		IsPlaying:   s.playing,
		CurrentTime: s.positionLocked(now),
		Duration:    s.duration,
	}
	if s.current != nil {
		ct := *s.current
		m.CurrentTrack = &ct
	}
	return m
}

// CurrentTrackID is the queue item id of the current track, or "".
func (s *PlaybackState) CurrentTrackID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.TrackID
}

// IsPlaying reports whether playback is running.
func (s *PlaybackState) IsPlaying() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

// Volume returns the current volume.
func (s *PlaybackState) Volume() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume
}
