package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	hostpool "github.com/bitly/go-hostpool"
	"github.com/gorilla/websocket"
	"github.com/pravuX/ksunira/errs"
	"go.uber.org/zap"
)

const (
	// DebounceDelay coalesces rapid seek and volume changes.
	DebounceDelay     = 100 * time.Millisecond
	minReconnectDelay = 250 * time.Millisecond
	maxReconnectDelay = 10 * time.Second
	clientWriteWait   = 5 * time.Second
	clientEventQueue  = 256
)

// Client is a headless session participant. It keeps a Mirror of the
// session, reconnects with exponential backoff across its addresses and
// reconciles with request_state after every (re)connect.
type Client struct {
	sessionID  string
	userID     string
	hostSecret string
	dialer     *websocket.Dialer
	pool       hostpool.HostPool
	mirror     *Mirror
	debouncer  *Debouncer
	logger     *zap.Logger

	mutex sync.Mutex // guards conn and writes to it
	conn  *websocket.Conn

	events   chan *Message
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// DefaultDialer is used when Connect is given a nil dialer.
func DefaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{WebsocketSubprotocolMagicV1},
	}
}

// ClientOption customises Connect.
type ClientOption func(*Client)

// WithHostSecret presents the session's host secret on every (re)connect.
// Without it a host user connects with guest authority.
func WithHostSecret(secret string) ClientOption {
	return func(c *Client) { c.hostSecret = secret }
}

// SessionURL builds the websocket url of a session on the backend at addr
// (e.g. "ws://localhost:8080").
func SessionURL(addr, sessionID, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return "", err
	}
	u.Path += "/ws/session/" + url.PathEscape(sessionID)
	if userID != "" {
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect joins session sessionID through one of addrs. It returns once the
// hello has been received and request_state sent.
func Connect(ctx context.Context, dialer *websocket.Dialer, addrs []string, sessionID, userID string, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no server address")
	}
	if dialer == nil {
		dialer = DefaultDialer()
	}
	c := &Client{
		sessionID: sessionID,
		userID:    userID,
		dialer:    dialer,
		pool:      hostpool.New(addrs),
		mirror:    NewMirror(),
		logger:    logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID)),
		events:    make(chan *Message, clientEventQueue),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.debouncer = NewDebouncer(DebounceDelay, c.SendMessage)

	var err error
	for _, addr := range addrs {
		if err = c.dialAddr(ctx, addr); err == nil {
			go c.run()
			return c, nil
		}
		if errors.Is(err, errs.ErrSessionGone) {
			break
		}
	}
	return nil, err
}

// Mirror returns the client's local session view.
func (c *Client) Mirror() *Mirror { return c.mirror }

// Events delivers every message received. Events are dropped when nobody
// keeps up with the channel.
func (c *Client) Events() <-chan *Message { return c.events }

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.stopped }

func (c *Client) dial(ctx context.Context) error {
	hpr := c.pool.Get()
	err := c.dialAddr(ctx, hpr.Host())
	hpr.Mark(err)
	return err
}

func (c *Client) sessionURL(addr string) (string, error) {
	raw, err := SessionURL(addr, c.sessionID, c.userID)
	if err != nil || c.hostSecret == "" {
		return raw, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("host_secret", c.hostSecret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dialAddr(ctx context.Context, addr string) error {
	u, err := c.sessionURL(addr)
	if err != nil {
		return err
	}
	conn, rsp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if rsp != nil && rsp.StatusCode == http.StatusGone {
			return errs.ErrSessionGone
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
	_, b, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})
	var hello Message
	if err := Deserialise(b, &hello); err != nil || hello.Type != MessageTypeHello {
		conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
		if err == nil {
			err = fmt.Errorf("expected hello, got %s", hello.Type)
		}
		return err
	}
	c.mirror.Apply(&hello)

	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()

	// reconcile before anything else
	if err := c.SendMessage(NewMessage(&RequestStateMessage{})); err != nil {
		conn.Close()
		return err
	}
	c.logger.Debug("connected", zap.String("addr", addr), zap.String("conn_id", c.mirror.ConnID()))
	return nil
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		err := c.readLoop()
		select {
		case <-c.stop:
			return
		default:
		}
		c.mirror.setConnected(false)
		if c.mirror.Ended() != "" {
			c.logger.Info("session ended", zap.String("reason", c.mirror.Ended()))
			return
		}
		c.logger.Warn("connection lost", zap.Error(err))
		if err := c.reconnect(); err != nil {
			return
		}
	}
}

func (c *Client) readLoop() error {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%v: %w", err, errs.ErrConnectionLost)
		}
		var msg Message
		if err := Deserialise(b, &msg); err != nil {
			c.logger.Debug("invalid message", zap.Error(err))
			continue
		}
		c.mirror.Apply(&msg)
		select {
		case c.events <- &msg:
		default:
		}
	}
}

// reconnect retries with exponential backoff until it succeeds, the
// session is gone, or the client is closed.
func (c *Client) reconnect() error {
	delay := minReconnectDelay
	for {
		select {
		case <-c.stop:
			return errs.ErrConnectionLost
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), HeartbeatTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrSessionGone) {
			c.mirror.setEnded("session ended")
			return err
		}
		c.logger.Debug("reconnect failed", zap.Duration("delay", delay), zap.Error(err))
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// SendMessage writes msg to the current connection.
func (c *Client) SendMessage(msg *Message) error {
	b, err := msg.Serialise()
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return errs.ErrConnectionLost
	}
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrConnectionLost)
	}
	return nil
}

func (c *Client) control(p Payload) error {
	c.mirror.Predict(p)
	return c.SendMessage(NewMessage(p))
}

// Pause asks the session to pause.
func (c *Client) Pause() error { return c.control(&PauseMessage{}) }

// Resume asks the session to resume.
func (c *Client) Resume() error { return c.control(&ResumeMessage{}) }

// Skip asks the session to advance to the next track.
func (c *Client) Skip() error { return c.SendMessage(NewMessage(&SkipMessage{})) }

// RequestState asks for a full state_update.
func (c *Client) RequestState() error {
	return c.SendMessage(NewMessage(&RequestStateMessage{}))
}

// Seek predicts the new position locally and sends it debounced.
func (c *Client) Seek(t float64) {
	p := &SeekMessage{Time: t}
	c.mirror.Predict(p)
	c.debouncer.Submit(NewMessage(p))
}

// SetVolume predicts the new volume locally and sends it debounced.
func (c *Client) SetVolume(v int) {
	p := &VolumeChangeMessage{Volume: v}
	c.mirror.Predict(p)
	c.debouncer.Submit(NewMessage(p))
}

// ReportProgress is the host's periodic position report.
func (c *Client) ReportProgress(currentTime, duration float64) error {
	return c.SendMessage(NewMessage(&TrackProgressMessage{CurrentTime: currentTime, Duration: duration}))
}

// TrackEnded tells the session the host's player finished trackID.
func (c *Client) TrackEnded(trackID string) error {
	return c.SendMessage(NewMessage(&TrackEndedMessage{TrackID: trackID}))
}

// ClientSendHeartbeat pings the server every period until the client closes.
func (c *Client) ClientSendHeartbeat(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := PingMessage{Timestamp: float64(time.Now().UnixNano()) / float64(time.Second)}
			if err := c.SendMessage(NewMessage(&ping)); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
			}
		case <-c.stop:
			return
		}
	}
}

// Close leaves the session and stops reconnecting.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.debouncer.Stop()
		c.mutex.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(clientWriteWait))
			c.conn.Close()
		}
		c.mutex.Unlock()
	})
	<-c.stopped
}

// Debouncer holds back messages of the same type until no newer one has
// been submitted for delay, then sends only the latest.
type Debouncer struct {
	delay  time.Duration
	send   func(*Message) error
	mutex  sync.Mutex
	latest map[MessageType]*Message
	timers map[MessageType]*time.Timer
	closed bool
}

// NewDebouncer creates a Debouncer that hands messages to send.
func NewDebouncer(delay time.Duration, send func(*Message) error) *Debouncer {
	return &Debouncer{
		delay:  delay,
		send:   send,
		latest: make(map[MessageType]*Message),
		timers: make(map[MessageType]*time.Timer),
	}
}

// Submit replaces any pending message of the same type and restarts its timer.
func (d *Debouncer) Submit(m *Message) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return
	}
	t := m.Payload.messageType()
	d.latest[t] = m
	if timer, ok := d.timers[t]; ok {
		timer.Stop()
	}
	d.timers[t] = time.AfterFunc(d.delay, func() { d.fire(t) })
}

func (d *Debouncer) fire(t MessageType) {
	d.mutex.Lock()
	m, ok := d.latest[t]
	delete(d.latest, t)
	delete(d.timers, t)
	closed := d.closed
	d.mutex.Unlock()
	if ok && !closed {
		d.send(m)
	}
}

// Flush sends every pending message now.
func (d *Debouncer) Flush() {
	d.mutex.Lock()
	pending := make([]*Message, 0, len(d.latest))
	for t, m := range d.latest {
		d.timers[t].Stop()
		pending = append(pending, m)
	}
	d.latest = make(map[MessageType]*Message)
	d.timers = make(map[MessageType]*time.Timer)
	d.mutex.Unlock()
	for _, m := range pending {
		d.send(m)
	}
}

// Stop drops pending messages.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.closed = true
	for _, timer := range d.timers {
		timer.Stop()
	}
	d.latest = make(map[MessageType]*Message)
	d.timers = make(map[MessageType]*time.Timer)
}
