package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/queue"
	"go.uber.org/zap"
)

const (
	roomMessageQueueSize = 256
	clientSendQueueSize  = 32
	clientRecvQueueSize  = 32
)

const (
	// DefaultIdleTimeout is how long a room survives with nobody connected
	// and no REST activity.
	DefaultIdleTimeout = 5 * time.Minute
	touchPeriod        = 1 * time.Minute
)

// AdvanceState is the state of a room's "next track" machine.
type AdvanceState int

// AdvanceState values
const (
	AdvanceIdle AdvanceState = iota
	AdvancePlaying
	AdvancePopping
)

func (s AdvanceState) String() string {
	switch s {
	case AdvanceIdle:
		return "idle"
	case AdvancePlaying:
		return "playing"
	case AdvancePopping:
		return "popping"
	default:
		return "unknown"
	}
}

var errNotIdle = errors.New("room is not idle")

// RoomConfig holds the per-room policy knobs.
type RoomConfig struct {
	// GuestControl lets guests send pause/resume/seek/volume_change/skip.
	GuestControl bool
	// Autoplay starts the next track when something is enqueued while idle.
	Autoplay    bool
	IdleTimeout time.Duration
}

// VCClientConn is a member of a room's roster.
type VCClientConn interface {
	GetID() string
	GetUserID() string
	IsHost() bool
	// SendMessage queues m without blocking and reports false when the
	// connection cannot take it.
	SendMessage(*Message) bool
	Finalise()
}

// Room is the runtime of one session: its queue, playback state and the
// connections fanned out to.
type Room struct {
	ID     string
	queue  *queue.Queue
	state  *PlaybackState
	config RoomConfig
	logger *zap.Logger

	clients map[string]VCClientConn
	mutex   sync.RWMutex // guards clients

	advMutex sync.Mutex
	advance  AdvanceState

	recvQueue chan *Message
	enqClient chan VCClientConn
	deqClient chan VCClientConn
	activity  chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	reason    string

	// hooks into the coordinator, called from the manager goroutine
	onIdle     func(*Room)
	onActivity func(*Room)
}

// NewRoom creates a room with an empty queue and no clients. RunManager must
// be started before clients join.
func NewRoom(id string, config RoomConfig, logger *zap.Logger) *Room {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	return &Room{
		ID:        id,
		queue:     queue.New(),
		state:     NewPlaybackState(),
		config:    config,
		logger:    logger.With(zap.String("session_id", id)),
		clients:   make(map[string]VCClientConn),
		recvQueue: make(chan *Message, roomMessageQueueSize),
		enqClient: make(chan VCClientConn),
		deqClient: make(chan VCClientConn),
		activity:  make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Closed reports whether the room has been torn down.
func (r *Room) Closed() bool { return r.closed.Load() }

// Done is closed once the manager has said goodbye to every client.
func (r *Room) Done() <-chan struct{} { return r.done }

// Close tears the room down. Every connection receives session_ended with
// reason and is closed; later operations fail with errs.ErrSessionGone.
func (r *Room) Close(reason string) {
	r.closeOnce.Do(func() {
		r.reason = reason
		r.closed.Store(true)
		close(r.closing)
	})
}

// Join adds c to the roster. It returns once the manager has registered c,
// so messages c sends afterwards are never handled before its join.
func (r *Room) Join(c VCClientConn) error {
	if r.Closed() {
		return errs.ErrSessionGone
	}
	select {
	case r.enqClient <- c:
		return nil
	case <-r.closing:
		return errs.ErrSessionGone
	}
}

// Leave removes c from the roster. The session stays alive.
func (r *Room) Leave(c VCClientConn) {
	select {
	case r.deqClient <- c:
	case <-r.closing:
	}
}

// Submit hands an inbound client message to the manager.
func (r *Room) Submit(m *Message) error {
	if r.Closed() {
		return errs.ErrSessionGone
	}
	select {
	case r.recvQueue <- m:
		return nil
	case <-r.closing:
		return errs.ErrSessionGone
	}
}

func (r *Room) touch() {
	select {
	case r.activity <- struct{}{}:
	default:
	}
}

// NClients is the number of joined connections.
func (r *Room) NClients() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.clients)
}

// Online returns the set of user ids with at least one open connection.
func (r *Room) Online() map[string]bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	online := make(map[string]bool, len(r.clients))
	for _, c := range r.clients {
		online[c.GetUserID()] = true
	}
	return online
}

func (r *Room) client(id string) VCClientConn {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.clients[id]
}

func (r *Room) joinClient(c VCClientConn) {
	r.mutex.Lock()
	r.clients[c.GetID()] = c
	r.mutex.Unlock()
	metricClientsConnected.Inc()
	r.logger.Info("client joined",
		zap.String("conn_id", c.GetID()),
		zap.String("user_id", c.GetUserID()),
		zap.String("role", authority(c.IsHost())))
}

// killClient removes c from the roster and closes it. Only the first call
// for a given connection has any effect.
func (r *Room) killClient(c VCClientConn) bool {
	r.mutex.Lock()
	_c, ok := r.clients[c.GetID()]
	if !ok || _c != c {
		r.mutex.Unlock()
		return false
	}
	delete(r.clients, c.GetID())
	r.mutex.Unlock()

	c.Finalise()
	metricClientsConnected.Dec()
	r.logger.Info("client left", zap.String("conn_id", c.GetID()), zap.String("user_id", c.GetUserID()))
	return true
}

// fanout delivers m to every client except the one with id except. Clients
// whose queue is full are dropped rather than waited on.
func (r *Room) fanout(m *Message, except string) {
	var slow []VCClientConn
	r.mutex.RLock()
	for id, c := range r.clients {
		if id == except {
			continue
		}
		if !c.SendMessage(m) {
			slow = append(slow, c)
		}
	}
	r.mutex.RUnlock()
	metricMessagesRelayed.WithLabelValues(string(m.Type)).Inc()

	for _, c := range slow {
		if r.killClient(c) {
			metricClientsDropped.Inc()
			r.logger.Warn("dropped slow client", zap.String("conn_id", c.GetID()))
		}
	}
}

// Broadcast sends a server-originated message to every client.
func (r *Room) Broadcast(p Payload) {
	r.fanout(NewMessage(p), "")
}

// relay forwards a client message to everyone but its sender.
func (r *Room) relay(m *Message) {
	r.fanout(m, m.Sender)
}

func (r *Room) sendTo(c VCClientConn, p Payload) {
	if !c.SendMessage(NewMessage(p)) {
		if r.killClient(c) {
			metricClientsDropped.Inc()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// RunManager manages room r until it is closed.
func (r *Room) RunManager() {
	shutdownTimer := time.NewTimer(r.config.IdleTimeout)
	touchTicker := time.NewTicker(touchPeriod)
	metricRoomsActive.Inc()
	defer func() {
		touchTicker.Stop()
		stopTimer(shutdownTimer)

		ended := NewMessage(&SessionEndedMessage{Reason: r.reason})
		r.mutex.Lock()
		clients := r.clients
		r.clients = make(map[string]VCClientConn)
		r.mutex.Unlock()
		for _, c := range clients {
			c.SendMessage(ended)
			c.Finalise()
		}
		metricClientsConnected.Sub(float64(len(clients)))
		metricRoomsActive.Dec()
		dropped := r.queue.Clear()
		r.logger.Info("room closed",
			zap.String("reason", r.reason),
			zap.Int("clients", len(clients)),
			zap.Int("dropped_items", dropped))
		close(r.done)
	}()

	for {
		select {
		case m := <-r.recvQueue:
			r.handleMessage(m)
		case c := <-r.enqClient:
			r.joinClient(c)
			stopTimer(shutdownTimer)
		case c := <-r.deqClient:
			r.killClient(c)
			if r.NClients() == 0 {
				resetTimer(shutdownTimer, r.config.IdleTimeout)
			}
		case <-r.activity:
			if r.NClients() == 0 {
				resetTimer(shutdownTimer, r.config.IdleTimeout)
			}
		case <-touchTicker.C:
			if r.NClients() > 0 && r.onActivity != nil {
				r.onActivity(r)
			}
		case <-shutdownTimer.C:
			r.logger.Info("room idle, shutting down", zap.Duration("timeout", r.config.IdleTimeout))
			if r.onIdle != nil {
				r.onIdle(r)
			}
			r.Close("idle")
		case <-r.closing:
			return
		}
	}
}

func (r *Room) mayControl(c VCClientConn) bool {
	return c.IsHost() || r.config.GuestControl
}

func (r *Room) reject(c VCClientConn, m *Message, why string) {
	r.logger.Debug(why,
		zap.String("conn_id", c.GetID()),
		zap.String("type", string(m.Type)))
	r.sendTo(c, &ErrorMessage{Reason: fmt.Sprintf("%s: %s", m.Type, why)})
}

// handleMessage applies one inbound message. It only runs on the manager
// goroutine, so messages of one session are handled one at a time in
// arrival order.
func (r *Room) handleMessage(m *Message) {
	sender := r.client(m.Sender)
	if sender == nil {
		return
	}

	switch p := m.Payload.(type) {
	case *RequestStateMessage:
		r.sendTo(sender, r.state.Snapshot())

	case *PauseMessage, *ResumeMessage, *SeekMessage, *VolumeChangeMessage:
		if !r.mayControl(sender) {
			r.reject(sender, m, "non host attempted to control playback")
			return
		}
		r.state.Apply(p)
		r.relay(m)
		r.sendTo(sender, r.state.Snapshot())

	case *SkipMessage:
		if !r.mayControl(sender) {
			r.reject(sender, m, "non host attempted to skip")
			return
		}
		r.relay(m)
		if _, _, err := r.Advance(); err != nil {
			r.logger.Debug("skip ignored", zap.Error(err))
		}

	case *TrackEndedMessage:
		if !sender.IsHost() {
			r.reject(sender, m, "non host attempted to end track")
			return
		}
		if cur := r.state.CurrentTrackID(); p.TrackID != cur {
			r.logger.Debug("stale track_ended", zap.String("track_id", p.TrackID), zap.String("current", cur))
			return
		}
		if _, _, err := r.Advance(); err != nil {
			r.logger.Debug("track_ended ignored", zap.Error(err))
		}

	case *TrackStartedMessage, *TrackProgressMessage, *StateUpdateMessage:
		if !sender.IsHost() {
			r.reject(sender, m, "non host attempted to change room state")
			return
		}
		r.state.Apply(p)
		r.relay(m)

	case *ClearPlayerMessage:
		if !sender.IsHost() {
			r.reject(sender, m, "non host attempted to change room state")
			return
		}
		r.state.Apply(p)
		r.advMutex.Lock()
		if r.advance == AdvancePlaying {
			r.advance = AdvanceIdle
		}
		r.advMutex.Unlock()
		r.relay(m)

	case *QueueUpdateMessage:
		r.relay(m)

	case *HelloMessage, *PongMessage, *SessionEndedMessage, *ErrorMessage:
		r.reject(sender, m, "server only message")

	default:
		r.logger.Warn("unhandled message", zap.String("type", string(m.Type)))
	}
}

// AdvanceState returns the current state of the advance machine.
func (r *Room) AdvanceState() AdvanceState {
	r.advMutex.Lock()
	defer r.advMutex.Unlock()
	return r.advance
}

// beginAdvance moves the machine to Popping. A second caller while a pop
// is in flight gets errs.ErrAdvanceInFlight; it is dropped, not queued.
func (r *Room) beginAdvance(onlyIfIdle bool) error {
	r.advMutex.Lock()
	defer r.advMutex.Unlock()

	if r.Closed() {
		return errs.ErrSessionGone
	}
	switch r.advance {
	case AdvancePopping:
		metricAdvances.WithLabelValues("rejected").Inc()
		return errs.ErrAdvanceInFlight
	case AdvancePlaying:
		if onlyIfIdle {
			return errNotIdle
		}
	}
	r.advance = AdvancePopping
	return nil
}

// finishAdvance publishes the pop outcome and leaves Popping. Announcements
// go out before the state changes, so two advances never interleave theirs.
func (r *Room) finishAdvance(item queue.Item, ok bool) {
	next := AdvanceIdle
	if ok {
		r.Broadcast(r.state.StartTrack(item))
		r.Broadcast(&QueueUpdateMessage{})
		next = AdvancePlaying
		metricAdvances.WithLabelValues("popped").Inc()
		r.logger.Info("track started", zap.String("item_id", item.ID), zap.String("title", item.Track.Title))
	} else {
		r.state.Clear()
		r.Broadcast(&ClearPlayerMessage{})
		metricAdvances.WithLabelValues("empty").Inc()
		r.logger.Debug("queue empty, player cleared")
	}

	r.advMutex.Lock()
	r.advance = next
	r.advMutex.Unlock()
}

// Advance pops the highest ranked item and makes it the current track. ok
// is false when the queue was empty, in which case the player is cleared.
func (r *Room) Advance() (item queue.Item, ok bool, err error) {
	if err := r.beginAdvance(false); err != nil {
		return queue.Item{}, false, err
	}
	item, ok = r.queue.PopNext()
	r.finishAdvance(item, ok)
	return item, ok, nil
}

func (r *Room) autoplay() {
	if err := r.beginAdvance(true); err != nil {
		return
	}
	item, ok := r.queue.PopNext()
	r.finishAdvance(item, ok)
}

// Enqueue adds a resolved track and tells everyone to refetch the queue.
func (r *Room) Enqueue(t queue.Track) (queue.Item, error) {
	if r.Closed() {
		return queue.Item{}, errs.ErrSessionGone
	}
	item, err := r.queue.Enqueue(t)
	if err != nil {
		metricQueueOps.WithLabelValues("enqueue", "error").Inc()
		return queue.Item{}, err
	}
	metricQueueOps.WithLabelValues("enqueue", "ok").Inc()
	r.touch()
	r.Broadcast(&QueueUpdateMessage{})
	if r.config.Autoplay {
		r.autoplay()
	}
	return item, nil
}

// Vote applies userID's vote. Voting on an item that was popped meanwhile
// yields errs.ErrNotFound, which callers treat as an ordinary race.
func (r *Room) Vote(itemID, userID string, v queue.Vote) (queue.Item, error) {
	if r.Closed() {
		return queue.Item{}, errs.ErrSessionGone
	}
	item, err := r.queue.Vote(itemID, userID, v)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			r.logger.Debug("vote on departed item", zap.String("item_id", itemID))
		}
		metricQueueOps.WithLabelValues("vote", "error").Inc()
		return queue.Item{}, err
	}
	metricQueueOps.WithLabelValues("vote", "ok").Inc()
	r.touch()
	r.Broadcast(&QueueUpdateMessage{})
	return item, nil
}

// Get returns one queued item, annotated for userID when set.
func (r *Room) Get(itemID, userID string) (queue.Item, error) {
	if r.Closed() {
		return queue.Item{}, errs.ErrSessionGone
	}
	return r.queue.Get(itemID, userID)
}

// List returns the ranked queue, annotated for userID when set.
func (r *Room) List(userID string) ([]queue.Item, error) {
	if r.Closed() {
		return nil, errs.ErrSessionGone
	}
	r.touch()
	return r.queue.List(userID), nil
}

// Snapshot returns the authoritative playback state.
func (r *Room) Snapshot() (*StateUpdateMessage, error) {
	if r.Closed() {
		return nil, errs.ErrSessionGone
	}
	return r.state.Snapshot(), nil
}

func authority(host bool) string {
	if host {
		return "host"
	}
	return "guest"
}
