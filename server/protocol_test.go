package server

import (
	"testing"
	"time"

	"github.com/pravuX/ksunira/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move a PlaybackState through time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestState() (*PlaybackState, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewPlaybackState()
	s.now = clock.now
	return s, clock
}

func testItem(id string, duration int) queue.Item {
	return queue.Item{
		ID: id,
		Track: queue.Track{
			Title:       "track " + id,
			Duration:    duration,
			PlaybackURL: "https://cdn/" + id,
		},
	}
}

func TestPlaybackStartTrack(t *testing.T) {
	s, _ := newTestState()
	s.Apply(&SeekMessage{Time: 30})

	started := s.StartTrack(testItem("q1", 180))
	assert.Equal(t, "q1", started.TrackID)
	assert.Equal(t, float64(180), started.Duration)

	snap := s.Snapshot()
	require.NotNil(t, snap.CurrentTrack)
	assert.Equal(t, "q1", snap.CurrentTrack.TrackID)
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, float64(0), snap.CurrentTime)
	assert.Equal(t, DefaultVolume, snap.Volume)
	assert.Equal(t, "q1", s.CurrentTrackID())
}

func TestPlaybackExtrapolatesAndClamps(t *testing.T) {
	s, clock := newTestState()
	s.StartTrack(testItem("q1", 100))

	clock.advance(10 * time.Second)
	assert.InDelta(t, 10, s.Snapshot().CurrentTime, 1e-9)

	s.Apply(&PauseMessage{})
	clock.advance(time.Minute)
	snap := s.Snapshot()
	assert.False(t, snap.IsPlaying)
	assert.InDelta(t, 10, snap.CurrentTime, 1e-9, "paused position does not move")

	s.Apply(&ResumeMessage{})
	clock.advance(5 * time.Minute)
	snap = s.Snapshot()
	assert.Equal(t, float64(100), snap.CurrentTime)
	assert.False(t, snap.IsPlaying, "an overrun track stops at its duration")
}

func TestPlaybackSeekAndVolume(t *testing.T) {
	s, _ := newTestState()
	s.StartTrack(testItem("q1", 60))

	s.Apply(&SeekMessage{Time: 500})
	assert.Equal(t, float64(60), s.Snapshot().CurrentTime)
	s.Apply(&SeekMessage{Time: -3})
	assert.Equal(t, float64(0), s.Snapshot().CurrentTime)

	s.Apply(&VolumeChangeMessage{Volume: 150})
	assert.Equal(t, 100, s.Volume())
	s.Apply(&VolumeChangeMessage{Volume: -1})
	assert.Equal(t, 0, s.Volume())
	s.Apply(&VolumeChangeMessage{Volume: 35})
	assert.Equal(t, 35, s.Volume())
}

func TestPlaybackProgressAndClear(t *testing.T) {
	s, _ := newTestState()
	s.StartTrack(testItem("q1", 60))
	s.Apply(&TrackProgressMessage{CurrentTime: 20, Duration: 61})

	snap := s.Snapshot()
	assert.Equal(t, float64(20), snap.CurrentTime)
	assert.Equal(t, float64(61), snap.Duration)

	s.Clear()
	snap = s.Snapshot()
	assert.Nil(t, snap.CurrentTrack)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, "", s.CurrentTrackID())

	s.Apply(&ResumeMessage{})
	assert.False(t, s.IsPlaying(), "nothing to resume without a track")
}

func TestPlaybackStateUpdateReplacesEverything(t *testing.T) {
	s, _ := newTestState()
	s.StartTrack(testItem("old", 60))
	s.Apply(&VolumeChangeMessage{Volume: 10})

	s.Apply(&StateUpdateMessage{
		Volume:       70,
		CurrentTrack: &CurrentTrack{TrackID: "new", Title: "n", Duration: 90},
		IsPlaying:    false,
		CurrentTime:  45,
		Duration:     90,
	})
	snap := s.Snapshot()
	assert.Equal(t, "new", snap.CurrentTrack.TrackID)
	assert.Equal(t, 70, snap.Volume)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, float64(45), snap.CurrentTime)

	assert.False(t, s.Apply(&SkipMessage{}), "skip is not a state change")
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := newTestState()
	s.StartTrack(testItem("q1", 60))
	snap := s.Snapshot()
	snap.CurrentTrack.TrackID = "mutated"
	assert.Equal(t, "q1", s.CurrentTrackID())
}
