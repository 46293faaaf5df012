// Package channel implements the client side of the signaling protocol:
// a websocket transport with request/response correlation, typed event
// listeners, heartbeats and automatic reconnection.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxhall/sfu-signaling/internal/protocol"
)

var (
	ErrConnectTimeout     = errors.New("timed out waiting for connected frame")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrChannelClosed      = errors.New("channel closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAlreadyConnected   = errors.New("already connected")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = 3 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxReconnects     = 10
)

const writeWait = 1 * time.Second

type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL    string
	Header http.Header
	Log    *slog.Logger

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int

	Dialer *websocket.Dialer

	// OnStateChange is invoked outside the channel lock on every state
	// transition.
	OnStateChange func(State)
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Handler receives a server frame. Handlers run on the read loop
// goroutine; blocking ones stall the connection.
type Handler func(env protocol.Envelope)

// Subscription identifies a registered handler so it can be removed.
type Subscription int

type listener struct {
	id Subscription
	fn Handler
}

type Channel struct {
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	closed       bool
	reconnecting bool

	// pending maps request ids to their response slots.
	pending map[string]chan protocol.Envelope

	// queue holds frames written while disconnected, flushed in order on
	// reconnect.
	queue []protocol.Envelope

	listeners map[protocol.MessageType][]listener
	nextSub   Subscription

	// helloCh is re-armed per dial and closed when the connected frame
	// arrives.
	helloCh chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Channel {
	return &Channel{
		opts:      opts.withDefaults(),
		log:       opts.withDefaults().Log,
		state:     StateDisconnected,
		pending:   make(map[string]chan protocol.Envelope),
		listeners: make(map[protocol.MessageType][]listener),
	}
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently holds a live socket
// that completed the connected handshake.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// ConnectionID reports the server-assigned id from the last connected
// frame. Empty until the first successful connect.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Connect dials the server and blocks until the connected frame arrives
// or the connect timeout fires.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dialOnce(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	return nil
}

// dialOnce performs a single dial attempt and waits for the hello.
func (c *Channel) dialOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	if err != nil {
		return err
	}

	hello := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.conn = conn
	c.helloCh = hello
	c.mu.Unlock()

	go c.readLoop(conn)

	select {
	case <-hello:
		return nil
	case <-time.After(c.opts.ConnectTimeout):
		conn.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// Disconnect closes the channel permanently. No reconnection is
// attempted and all pending requests fail with ErrChannelClosed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.rejectPendingLocked()
	c.queue = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Send writes a fire-and-forget frame. While disconnected the frame is
// queued and flushed, in order, after the next successful reconnect.
func (c *Channel) Send(msgType protocol.MessageType, payload any) error {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

// Request sends a frame carrying a fresh request id and blocks until the
// matching response, the request timeout, ctx cancellation or channel
// close. The response may be an error frame; that surfaces as a
// *ServerError.
func (c *Channel) Request(ctx context.Context, msgType protocol.MessageType, payload any) (protocol.Envelope, error) {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.RequestID = uuid.NewString()

	respCh := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrChannelClosed
	}
	c.pending[env.RequestID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return protocol.Envelope{}, ErrChannelClosed
		}
		if resp.Type == protocol.TypeError {
			return resp, &ServerError{Message: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		return protocol.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// ServerError is an error frame returned in response to a request.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }

// On registers a handler for server frames of the given type.
func (c *Channel) On(msgType protocol.MessageType, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.listeners[msgType] = append(c.listeners[msgType], listener{id: c.nextSub, fn: fn})
	return c.nextSub
}

// Off removes a previously registered handler.
func (c *Channel) Off(msgType protocol.MessageType, sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls := c.listeners[msgType]
	for i, l := range ls {
		if l.id == sub {
			c.listeners[msgType] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

func (c *Channel) write(env protocol.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateConnected {
		if c.state == StateFailed {
			c.mu.Unlock()
			return ErrReconnectExhausted
		}
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeConn(conn, env)
}

func (c *Channel) writeConn(conn *websocket.Conn, env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	go c.heartbeatLoop(conn, heartbeatStop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		env, err := protocol.Parse(msg)
		if err != nil {
			c.log.Warn("dropping malformed server frame", "err", err)
			continue
		}
		c.handleFrame(env)
	}
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env, _ := protocol.Encode(protocol.TypePing, nil)
			if err := c.writeConn(conn, env); err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleFrame(env protocol.Envelope) {
	if env.Type == protocol.TypeConnected {
		c.handleHello(env)
		return
	}

	if env.RequestID != "" {
		c.mu.Lock()
		respCh, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.mu.Unlock()
		if ok {
			respCh <- env
		} else {
			// Response for a request that already timed out or was
			// rejected during a disconnect.
			c.log.Debug("discarding late response", "request_id", env.RequestID, "type", env.Type)
		}
		return
	}

	c.mu.Lock()
	ls := append([]listener(nil), c.listeners[env.Type]...)
	c.mu.Unlock()
	for _, l := range ls {
		l.fn(env)
	}
}

func (c *Channel) handleHello(env protocol.Envelope) {
	var data protocol.ConnectedData
	if err := protocol.DecodeData(env, &data); err != nil {
		c.log.Warn("malformed connected frame", "err", err)
		return
	}

	c.mu.Lock()
	c.connectionID = data.ConnectionID
	c.setStateLocked(StateConnected)
	queued := c.queue
	c.queue = nil
	hello := c.helloCh
	c.helloCh = nil
	conn := c.conn
	c.mu.Unlock()

	if hello != nil {
		close(hello)
	}

	for i, env := range queued {
		if err := c.writeConn(conn, env); err != nil {
			// Put the unflushed tail back in front of anything queued since,
			// so the frames survive into the next reconnect in order.
			c.mu.Lock()
			requeue := make([]protocol.Envelope, 0, len(queued)-i+len(c.queue))
			requeue = append(requeue, queued[i:]...)
			requeue = append(requeue, c.queue...)
			c.queue = requeue
			c.mu.Unlock()
			c.log.Warn("flush of queued frames failed", "flushed", i, "requeued", len(queued)-i, "err", err)
			return
		}
	}
}

// handleDisconnect runs when a read loop dies. Pending requests are
// rejected as a unit; frames queued for delivery survive into the next
// connection.
func (c *Channel) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.rejectPendingLocked()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	_ = conn.Close()
	go c.reconnectLoop()
}

// rejectPendingLocked fails every in-flight request with ErrChannelClosed.
func (c *Channel) rejectPendingLocked() {
	for id, respCh := range c.pending {
		close(respCh)
		delete(c.pending, id)
	}
}

func (c *Channel) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 0; attempt < c.opts.MaxReconnects; attempt++ {
		delay := Backoff(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax)
		c.log.Info("reconnecting", "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dialOnce(context.Background()); err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt+1, "err", err)
			continue
		}
		c.log.Info("reconnected", "attempts", attempt+1)
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
	c.log.Error("reconnect attempts exhausted", "attempts", c.opts.MaxReconnects)
}

// setStateLocked transitions the state and schedules the callback. The
// callback runs on its own goroutine so it may call back into the
// channel.
func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if cb := c.opts.OnStateChange; cb != nil {
		go cb(s)
	}
}
