package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	id        string
	userID    string
	host      bool
	full      atomic.Bool
	finalised atomic.Bool
	mu        sync.Mutex
	msgs      []*Message
}

func newFakeConn(id string, host bool) *fakeConn {
	return &fakeConn{id: id, userID: "user-" + id, host: host}
}

func (f *fakeConn) GetID() string     { return f.id }
func (f *fakeConn) GetUserID() string { return f.userID }
func (f *fakeConn) IsHost() bool      { return f.host }
func (f *fakeConn) Finalise()         { f.finalised.Store(true) }

func (f *fakeConn) SendMessage(m *Message) bool {
	if f.full.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeConn) received(t MessageType) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) count(t MessageType) int { return len(f.received(t)) }

func (f *fakeConn) last(t MessageType) *Message {
	got := f.received(t)
	if len(got) == 0 {
		return nil
	}
	return got[len(got)-1]
}

func newTestRoom(t *testing.T, config RoomConfig) *Room {
	t.Helper()
	r := NewRoom(fmt.Sprintf("room-%s", t.Name()), config, zaptest.NewLogger(t))
	go r.RunManager()
	t.Cleanup(func() {
		r.Close("test over")
		<-r.Done()
	})
	return r
}

func joinAll(t *testing.T, r *Room, conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, r.Join(c))
	}
}

func from(c *fakeConn, p Payload) *Message {
	m := NewMessage(p)
	m.Sender = c.id
	m.ReceivedAt = time.Now()
	return m
}

func testTrack(name string) queue.Track {
	return queue.Track{
		Title:       name,
		Duration:    120,
		SourceType:  queue.SourceYouTube,
		PlaybackURL: "https://cdn/" + name,
		CanonicalID: name,
	}
}

func TestRoomRelayExcludesSenderAndConfirms(t *testing.T) {
	r := newTestRoom(t, RoomConfig{GuestControl: true})
	host, g1, g2 := newFakeConn("h", true), newFakeConn("g1", false), newFakeConn("g2", false)
	joinAll(t, r, host, g1, g2)

	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	_, _, err = r.Advance()
	require.NoError(t, err)

	require.NoError(t, r.Submit(from(g1, &PauseMessage{})))

	require.Eventually(t, func() bool {
		return host.count(MessageTypePause) == 1 && g2.count(MessageTypePause) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, g1.count(MessageTypePause), "sender does not get its own message back")

	require.Eventually(t, func() bool { return g1.count(MessageTypeStateUpdate) == 1 }, waitFor, tick)
	confirm := g1.last(MessageTypeStateUpdate).Payload.(*StateUpdateMessage)
	assert.False(t, confirm.IsPlaying)
	assert.Equal(t, 0, host.count(MessageTypeStateUpdate))
	assert.False(t, r.state.IsPlaying())
}

func TestRoomRequestStateIsUnicast(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	host, g1, g2 := newFakeConn("h", true), newFakeConn("g1", false), newFakeConn("g2", false)
	joinAll(t, r, host, g1, g2)

	r.state.Apply(&VolumeChangeMessage{Volume: 40})
	require.NoError(t, r.Submit(from(g1, &RequestStateMessage{})))

	require.Eventually(t, func() bool { return g1.count(MessageTypeStateUpdate) == 1 }, waitFor, tick)
	snap := g1.last(MessageTypeStateUpdate).Payload.(*StateUpdateMessage)
	assert.Equal(t, 40, snap.Volume)
	assert.Nil(t, snap.CurrentTrack)
	assert.Equal(t, 0, host.count(MessageTypeStateUpdate))
	assert.Equal(t, 0, g2.count(MessageTypeStateUpdate))
	assert.Equal(t, 0, host.count(MessageTypeRequestState), "the server answers, the host is not asked")
}

func TestRoomHostOnlyFacts(t *testing.T) {
	r := newTestRoom(t, RoomConfig{GuestControl: true})
	host, guest := newFakeConn("h", true), newFakeConn("g", false)
	joinAll(t, r, host, guest)

	require.NoError(t, r.Submit(from(guest, &TrackProgressMessage{CurrentTime: 99, Duration: 100})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeError) == 1 }, waitFor, tick)
	assert.Equal(t, 0, host.count(MessageTypeProgress))

	require.NoError(t, r.Submit(from(host, &TrackProgressMessage{CurrentTime: 5, Duration: 100})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeProgress) == 1 }, waitFor, tick)
	assert.Equal(t, float64(5), r.state.Snapshot().CurrentTime)
}

func TestRoomGuestControlDisabled(t *testing.T) {
	r := newTestRoom(t, RoomConfig{GuestControl: false})
	host, guest := newFakeConn("h", true), newFakeConn("g", false)
	joinAll(t, r, host, guest)

	require.NoError(t, r.Submit(from(guest, &VolumeChangeMessage{Volume: 5})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeError) == 1 }, waitFor, tick)
	assert.Equal(t, DefaultVolume, r.state.Volume())
	assert.Equal(t, 0, host.count(MessageTypeVolume))

	require.NoError(t, r.Submit(from(host, &VolumeChangeMessage{Volume: 5})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeVolume) == 1 }, waitFor, tick)
	assert.Equal(t, 5, r.state.Volume())
}

func TestRoomAdvanceGuardRejectsReentry(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)

	require.NoError(t, r.beginAdvance(false))
	assert.Equal(t, AdvancePopping, r.AdvanceState())

	_, _, err = r.Advance()
	assert.ErrorIs(t, err, errs.ErrAdvanceInFlight)
	assert.Equal(t, 1, r.queue.Len(), "a rejected advance must not pop")

	item, ok := r.queue.PopNext()
	r.finishAdvance(item, ok)
	assert.Equal(t, AdvancePlaying, r.AdvanceState())
}

func TestRoomConcurrentAdvanceSingleItem(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	host := newFakeConn("h", true)
	joinAll(t, r, host)
	_, err := r.Enqueue(testTrack("only"))
	require.NoError(t, err)

	var popped, empty, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.Advance()
			switch {
			case err != nil:
				rejected.Add(1)
			case ok:
				popped.Add(1)
			default:
				empty.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, popped.Load())
	assert.EqualValues(t, 32, popped.Load()+empty.Load()+rejected.Load())
	assert.Equal(t, 1, host.count(MessageTypeTrackStarted))
}

func TestRoomAdvanceEmptyClearsPlayer(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	host, guest := newFakeConn("h", true), newFakeConn("g", false)
	joinAll(t, r, host, guest)

	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	item, ok, err := r.Advance()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item.ID, r.state.CurrentTrackID())
	assert.Equal(t, AdvancePlaying, r.AdvanceState())

	_, ok, err = r.Advance()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, AdvanceIdle, r.AdvanceState())
	assert.Equal(t, 1, host.count(MessageTypeClearPlayer))
	assert.Equal(t, 1, guest.count(MessageTypeClearPlayer))
	assert.Nil(t, r.state.Snapshot().CurrentTrack, "no stale current track after the queue empties")
}

func TestRoomAutoplay(t *testing.T) {
	r := newTestRoom(t, RoomConfig{Autoplay: true})
	guest := newFakeConn("g", false)
	joinAll(t, r, guest)

	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, guest.count(MessageTypeTrackStarted))
	assert.Equal(t, AdvancePlaying, r.AdvanceState())
	assert.Equal(t, 0, r.queue.Len())

	_, err = r.Enqueue(testTrack("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, guest.count(MessageTypeTrackStarted), "autoplay only starts from idle")
	assert.Equal(t, 1, r.queue.Len())
}

func TestRoomTrackEnded(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	host, guest := newFakeConn("h", true), newFakeConn("g", false)
	joinAll(t, r, host, guest)

	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	_, err = r.Enqueue(testTrack("b"))
	require.NoError(t, err)
	first, _, err := r.Advance()
	require.NoError(t, err)

	require.NoError(t, r.Submit(from(host, &TrackEndedMessage{TrackID: "stale"})))
	require.NoError(t, r.Submit(from(guest, &TrackEndedMessage{TrackID: first.ID})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeError) == 1 }, waitFor, tick)
	assert.Equal(t, first.ID, r.state.CurrentTrackID())

	require.NoError(t, r.Submit(from(host, &TrackEndedMessage{TrackID: first.ID})))
	require.Eventually(t, func() bool { return guest.count(MessageTypeTrackStarted) == 2 }, waitFor, tick)
	assert.NotEqual(t, first.ID, r.state.CurrentTrackID())
}

func TestRoomSkip(t *testing.T) {
	r := newTestRoom(t, RoomConfig{GuestControl: true})
	host, guest := newFakeConn("h", true), newFakeConn("g", false)
	joinAll(t, r, host, guest)

	_, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	require.NoError(t, r.Submit(from(guest, &SkipMessage{})))

	require.Eventually(t, func() bool { return host.count(MessageTypeTrackStarted) == 1 }, waitFor, tick)
	assert.Equal(t, 1, host.count(MessageTypeSkip))
	assert.Equal(t, 0, guest.count(MessageTypeSkip))
	assert.Equal(t, 1, guest.count(MessageTypeTrackStarted), "server announcements reach the sender too")
}

func TestRoomVoteBroadcastsQueueUpdate(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	guest := newFakeConn("g", false)
	joinAll(t, r, guest)

	item, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	_, err = r.Vote(item.ID, "u1", queue.VoteUp)
	require.NoError(t, err)
	assert.Equal(t, 2, guest.count(MessageTypeQueueUpdate))

	_, err = r.Vote("missing", "u1", queue.VoteUp)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRoomDropsSlowClient(t *testing.T) {
	r := newTestRoom(t, RoomConfig{})
	slow, ok := newFakeConn("slow", false), newFakeConn("ok", false)
	joinAll(t, r, slow, ok)
	slow.full.Store(true)

	r.Broadcast(&QueueUpdateMessage{})

	assert.Equal(t, 1, ok.count(MessageTypeQueueUpdate))
	assert.True(t, slow.finalised.Load())
	assert.Equal(t, 1, r.NClients())
	assert.False(t, r.Online()[slow.userID])
}

func TestRoomCloseEndsSession(t *testing.T) {
	r := NewRoom("closing", RoomConfig{}, zaptest.NewLogger(t))
	go r.RunManager()
	c := newFakeConn("c", false)
	require.NoError(t, r.Join(c))
	item, err := r.Enqueue(testTrack("a"))
	require.NoError(t, err)
	_, err = r.Enqueue(testTrack("b"))
	require.NoError(t, err)
	got, err := r.Get(item.ID, "")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	r.Close("deleted")
	<-r.Done()
	assert.Zero(t, r.queue.Len(), "queued items go with the room")

	require.Equal(t, 1, c.count(MessageTypeSessionEnded))
	assert.Equal(t, "deleted", c.last(MessageTypeSessionEnded).Payload.(*SessionEndedMessage).Reason)
	assert.True(t, c.finalised.Load())

	_, err = r.Enqueue(testTrack("late"))
	assert.ErrorIs(t, err, errs.ErrSessionGone)
	_, err = r.Get(item.ID, "")
	assert.ErrorIs(t, err, errs.ErrSessionGone)
	_, err = r.Vote("x", "u", queue.VoteUp)
	assert.ErrorIs(t, err, errs.ErrSessionGone)
	_, _, err = r.Advance()
	assert.ErrorIs(t, err, errs.ErrSessionGone)
	_, err = r.Snapshot()
	assert.ErrorIs(t, err, errs.ErrSessionGone)
	assert.ErrorIs(t, r.Join(newFakeConn("d", false)), errs.ErrSessionGone)
	assert.ErrorIs(t, r.Submit(from(c, &PauseMessage{})), errs.ErrSessionGone)
	r.Leave(c) // must not block
}

func TestRoomIdleTimeout(t *testing.T) {
	r := NewRoom("idle", RoomConfig{IdleTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	var idled atomic.Bool
	r.onIdle = func(*Room) { idled.Store(true) }
	go r.RunManager()

	c := newFakeConn("c", false)
	require.NoError(t, r.Join(c))
	time.Sleep(120 * time.Millisecond)
	assert.False(t, r.Closed(), "a room with members is never idle")

	r.Leave(c)
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("idle room was not closed")
	}
	assert.True(t, idled.Load())
	assert.True(t, r.Closed())
}

func TestRoomsAreIsolated(t *testing.T) {
	a := newTestRoom(t, RoomConfig{GuestControl: true})
	b := NewRoom("other", RoomConfig{GuestControl: true}, zaptest.NewLogger(t))
	go b.RunManager()
	defer b.Close("test over")

	a1, a2 := newFakeConn("a1", false), newFakeConn("a2", false)
	b1 := newFakeConn("b1", false)
	joinAll(t, a, a1, a2)
	require.NoError(t, b.Join(b1))

	require.NoError(t, a.Submit(from(a1, &SeekMessage{Time: 10})))
	require.Eventually(t, func() bool { return a2.count(MessageTypeSeek) == 1 }, waitFor, tick)
	assert.Equal(t, 0, b1.count(MessageTypeSeek))
	assert.Equal(t, float64(0), b.state.Snapshot().CurrentTime)
}

func TestRoomPreservesSenderOrder(t *testing.T) {
	r := newTestRoom(t, RoomConfig{GuestControl: true})
	sender, receiver := newFakeConn("s", true), newFakeConn("r", false)
	joinAll(t, r, sender, receiver)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Submit(from(sender, &SeekMessage{Time: float64(i)})))
	}
	require.Eventually(t, func() bool { return receiver.count(MessageTypeSeek) == 20 }, waitFor, tick)
	for i, m := range receiver.received(MessageTypeSeek) {
		assert.Equal(t, float64(i), m.Payload.(*SeekMessage).Time)
	}
}
