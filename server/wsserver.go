package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/resolver"
	"github.com/pravuX/ksunira/store"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// WebsocketSubprotocolMagicV1 is offered to clients that ask for a
// subprotocol. Browsers that ask for none are accepted too.
const WebsocketSubprotocolMagicV1 = "ksunira_v1"

const (
	HeartbeatTimeout   = 60 * time.Second
	PingPeriod         = HeartbeatTimeout * 9 / 10
	WriteWait          = 10 * time.Second
	DefaultSweepPeriod = 30 * time.Second
	storeCallTimeout   = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	Room            RoomConfig
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SweepPeriod     time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Room: RoomConfig{
			GuestControl: true,
			Autoplay:     true,
			IdleTimeout:  DefaultIdleTimeout,
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 << 10,
		SweepPeriod:     DefaultSweepPeriod,
	}
}

// Server coordinates the rooms of one backend. Rooms are created lazily on
// first reference to a session the store knows about, and torn down on
// delete, store expiry or idleness.
type Server struct {
	rooms        map[string]*Room
	mutex        sync.RWMutex // guard rooms for look up
	store        store.Store
	resolver     resolver.Resolver
	uploads      *resolver.Uploads
	config       Config
	upgrader     *websocket.Upgrader
	logger       *zap.Logger
	closing      chan struct{}
	closingGuard sync.Once
}

// NewServer creates a Server. uploads may be nil, which disables file uploads.
func NewServer(st store.Store, res resolver.Resolver, uploads *resolver.Uploads, config Config, logger *zap.Logger) *Server {
	if config.SweepPeriod <= 0 {
		config.SweepPeriod = DefaultSweepPeriod
	}
	return &Server{
		rooms:    make(map[string]*Room),
		store:    st,
		resolver: res,
		uploads:  uploads,
		config:   config,
		upgrader: GetWSUpgrader(config.ReadBufferSize, config.WriteBufferSize),
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// GetWSUpgrader returns the websocket upgrader used for room connections.
func GetWSUpgrader(readBufferSize, writeBufferSize int) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		Subprotocols: []string{
			WebsocketSubprotocolMagicV1,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		}, //disable origin check
	}
}

func (s *Server) lookupRoom(sid string) *Room {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if r, ok := s.rooms[sid]; ok && !r.Closed() {
		return r
	}
	return nil
}

// GetRoom returns the live room of session sid, creating it on first
// reference. Sessions unknown to the store yield errs.ErrSessionGone.
func (s *Server) GetRoom(ctx context.Context, sid string) (*Room, error) {
	if r := s.lookupRoom(sid); r != nil {
		return r, nil
	}

	exists, err := s.store.SessionExists(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.ErrSessionGone
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	select {
	case <-s.closing:
		return nil, errs.ErrSessionGone
	default:
	}
	if r, ok := s.rooms[sid]; ok && !r.Closed() {
		return r, nil
	}

	r := NewRoom(sid, s.config.Room, s.logger)
	r.onIdle = s.expireIdleRoom
	r.onActivity = s.touchRoom
	s.rooms[sid] = r
	go r.RunManager()
	s.logger.Info("room registered", zap.String("session_id", sid))
	return r, nil
}

// removeRoom drops r from the registry if it is still the registered room.
func (s *Server) removeRoom(r *Room) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _r, ok := s.rooms[r.ID]; ok && _r == r {
		delete(s.rooms, r.ID)
		s.logger.Info("room deregistered", zap.String("session_id", r.ID))
	}
}

func (s *Server) closeRoom(r *Room, reason string) {
	s.removeRoom(r)
	r.Close(reason)
	s.removeUploads(r.ID)
}

func (s *Server) removeUploads(sid string) {
	if s.uploads == nil {
		return
	}
	if err := s.uploads.RemoveSession(sid); err != nil {
		s.logger.Warn("failed to remove uploads", zap.String("session_id", sid), zap.Error(err))
	}
}

// EndSession deletes the session from the store and tears its room down.
func (s *Server) EndSession(ctx context.Context, sid, reason string) error {
	err := s.store.DeleteSession(ctx, sid)
	r := s.lookupRoom(sid)
	if err != nil && !(errors.Is(err, errs.ErrNotFound) && r != nil) {
		return err
	}
	if r != nil {
		s.closeRoom(r, reason)
	} else {
		s.removeUploads(sid)
	}
	s.logger.Info("session ended", zap.String("session_id", sid), zap.String("reason", reason))
	return nil
}

// expireIdleRoom runs on the room's manager goroutine when nobody has used
// the room for its idle timeout. The room closes itself afterwards.
func (s *Server) expireIdleRoom(r *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := s.store.DeleteSession(ctx, r.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.logger.Warn("failed to delete idle session", zap.String("session_id", r.ID), zap.Error(err))
	}
	s.removeRoom(r)
	s.removeUploads(r.ID)
}

func (s *Server) touchRoom(r *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	err := s.store.Touch(ctx, r.ID)
	switch {
	case errors.Is(err, errs.ErrSessionGone):
		s.closeRoom(r, "expired")
	case err != nil:
		s.logger.Warn("failed to refresh session ttl", zap.String("session_id", r.ID), zap.Error(err))
	}
}

// sweep tears down rooms whose session expired in the store.
func (s *Server) sweep(ctx context.Context) {
	s.mutex.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mutex.RUnlock()

	for _, r := range rooms {
		exists, err := s.store.SessionExists(ctx, r.ID)
		if err != nil {
			s.logger.Warn("sweep failed", zap.String("session_id", r.ID), zap.Error(err))
			continue
		}
		if !exists {
			s.closeRoom(r, "expired")
		}
	}
}

// Run sweeps expired sessions until ctx is done or Shutdown is called, then
// closes every room.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepPeriod)
	defer func() {
		ticker.Stop()
		s.Shutdown()
	}()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		}
	}
}

// Shutdown closes every room. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.closingGuard.Do(func() {
		close(s.closing)
	})
	s.mutex.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*Room)
	s.mutex.Unlock()
	for _, r := range rooms {
		r.Close("server shutting down")
	}
}

// NRooms returns the number of live rooms.
func (s *Server) NRooms() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.rooms)
}

// SessionIDs returns the ids of the live rooms.
func (s *Server) SessionIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// ClientConn encapsulates an established client websocket connection
type ClientConn struct {
	ID        string
	userID    string
	host      bool
	conn      *websocket.Conn
	recvQueue chan *Message
	sendQueue chan *Message
	closing   chan struct{}
	closeOnce sync.Once
	room      *Room
	logger    *zap.Logger
}

// NewClientConn creates a client websocket connection wrapper
func NewClientConn(id, userID string, host bool, room *Room, conn *websocket.Conn, logger *zap.Logger) *ClientConn {
	return &ClientConn{
		ID:        id,
		userID:    userID,
		host:      host,
		conn:      conn,
		recvQueue: make(chan *Message, clientRecvQueueSize),
		sendQueue: make(chan *Message, clientSendQueueSize),
		closing:   make(chan struct{}),
		room:      room,
		logger: logger.With(
			zap.String("session_id", room.ID),
			zap.String("conn_id", id),
			zap.String("user_id", userID),
			zap.String("role", authority(host))),
	}
}

func (c *ClientConn) GetID() string     { return c.ID }
func (c *ClientConn) GetUserID() string { return c.userID }
func (c *ClientConn) IsHost() bool      { return c.host }

func (c *ClientConn) SendMessage(m *Message) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.sendQueue <- m:
		return true
	default:
		return false
	}
}

// Finalise stops the connection; whatever is already queued is flushed
// before the socket closes.
func (c *ClientConn) Finalise() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

// the goroutine that runs this function reads from c.conn
func (c *ClientConn) HandleWSClientRecv(maxMessageSize int64) {
	defer func() {
		close(c.recvQueue)
		c.room.Leave(c)
		c.Finalise()
	}()
	if maxMessageSize > 0 {
		c.conn.SetReadLimit(maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected closure", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))

		var msg Message
		if err := Deserialise(data, &msg); err != nil {
			c.logger.Debug("invalid message", zap.Error(err))
			c.SendMessage(NewMessage(&ErrorMessage{Reason: err.Error()}))
			continue
		}
		msg.Sender = c.ID
		select {
		case c.recvQueue <- &msg:
		case <-c.closing:
			return
		}
	}
}

func (c *ClientConn) write(msg *Message) error {
	b, err := msg.Serialise()
	if err != nil {
		c.logger.Warn("failed to serialise message", zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// the goroutine that runs this function writes to c.conn
func (c *ClientConn) HandleWSClientSend() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.sendQueue:
			if err := c.write(msg); err != nil {
				c.Finalise()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Finalise()
				return
			}
		case <-c.closing:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(WriteWait))
			return
		}
	}
}

// flush writes out messages queued before the connection was finalised.
func (c *ClientConn) flush() {
	for {
		select {
		case msg := <-c.sendQueue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// the goroutine that runs this function answers heartbeats and forwards
// everything else to the room
func (c *ClientConn) HandleClient() {
	gone := false
	for m := range c.recvQueue {
		if gone {
			continue
		}
		if p, ok := m.Payload.(*PingMessage); ok {
			c.SendMessage(NewMessage(&PongMessage{
				Timestamp: p.Timestamp,
				SvcTime:   time.Since(m.ReceivedAt).Seconds(),
			}))
			continue
		}
		if err := c.room.Submit(m); err != nil {
			gone = true
		}
	}
}

// hostAuthority grants host only to a host user that also presents the
// session's host secret. User ids are not secret.
func (s *Server) hostAuthority(ctx context.Context, sid, userID, secret string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	host, err := s.store.IsHost(ctx, sid, userID)
	if err != nil || !host {
		return false, err
	}
	sess, err := s.store.GetSession(ctx, sid)
	if err != nil {
		return false, err
	}
	if !hostSecretMatches(sess, secret) {
		s.logger.Info("host connected without host secret, downgraded to guest",
			zap.String("session_id", sid), zap.String("user_id", userID))
		return false, nil
	}
	return true, nil
}

func (s *Server) handleWSClient(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	userID := r.URL.Query().Get("user_id")

	room, err := s.GetRoom(r.Context(), sid)
	if err != nil {
		s.logger.Debug("client fails to connect", zap.String("remote", r.RemoteAddr), zap.String("session_id", sid), zap.Error(err))
		RespondWithErr(err, w)
		return
	}

	host, err := s.hostAuthority(r.Context(), sid, userID, r.URL.Query().Get("host_secret"))
	if err != nil {
		RespondWithErr(err, w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	cid := xid.New().String()
	client := NewClientConn(cid, userID, host, room, conn, s.logger)
	go client.HandleWSClientSend()

	client.SendMessage(NewMessage(&HelloMessage{
		Authority: authority(host),
		ConnID:    cid,
	}))
	if err := room.Join(client); err != nil {
		client.SendMessage(NewMessage(&SessionEndedMessage{Reason: err.Error()}))
		client.Finalise()
		return
	}

	go client.HandleClient()
	go client.HandleWSClientRecv(s.config.MaxMessageSize)
}
