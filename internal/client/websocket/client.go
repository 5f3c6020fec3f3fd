package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/wire"
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultAckTimeout       = 30 * time.Second
	reconnectMinDelay       = time.Second
	reconnectMaxDelay       = 30 * time.Second
)

// EventHandler receives the payload of a named server event.
type EventHandler func(payload json.RawMessage)

// Options configures a websocket client connection.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://host:3005/v1/updates".
	URL   string
	Token string
	// Scope is one of the wire scope constants. Session scope requires
	// SessionID, machine scope requires MachineID.
	Scope     string
	SessionID string
	MachineID string
	Log       zerolog.Logger
}

// Client is a reconnecting websocket client speaking the JSON frame protocol:
// an auth frame first, then event frames correlated with acks by id.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	conn      *gws.Conn
	connected bool
	handlers  map[string][]EventHandler

	reconnectMu        sync.Mutex
	reconnectObservers map[int]func()
	nextObserverID     int

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan json.RawMessage

	nextID atomic.Uint64

	rpc *RPCManager

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client. Call Connect to establish the connection.
func New(opts Options) *Client {
	return &Client{
		opts:               opts,
		log:                opts.Log.With().Str("component", "ws-client").Logger(),
		handlers:           make(map[string][]EventHandler),
		reconnectObservers: make(map[int]func()),
		pending:            make(map[uint64]chan json.RawMessage),
		closed:             make(chan struct{}),
	}
}

// On registers a handler for a named server event. Handlers run on the read
// loop goroutine and must not block.
func (c *Client) On(event string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// OnReconnected registers an observer invoked after every successful
// reconnect handshake. The returned function unsubscribes it.
func (c *Client) OnReconnected(fn func()) func() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	id := c.nextObserverID
	c.nextObserverID++
	c.reconnectObservers[id] = fn
	return func() {
		c.reconnectMu.Lock()
		defer c.reconnectMu.Unlock()
		delete(c.reconnectObservers, id)
	}
}

// Connect dials and authenticates, then keeps the connection alive in the
// background, reconnecting with exponential backoff until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.run(conn)
	return nil
}

// IsConnected reports whether the connection is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit sends a fire-and-forget event frame.
func (c *Client) Emit(event string, payload any) error {
	raw, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(wire.Frame{Type: wire.FrameEvent, Event: event, Payload: raw})
}

// EmitWithAck sends an event frame and waits for its correlated ack.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := wire.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAckTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(wire.Frame{Type: wire.FrameEvent, ID: id, Event: event, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("client closed")
	}
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) dial(ctx context.Context) (*gws.Conn, error) {
	dialer := gws.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake sends the auth frame and waits for its ack.
func (c *Client) handshake(conn *gws.Conn) error {
	payload, err := wire.Marshal(wire.AuthPayload{
		Token:     c.opts.Token,
		Scope:     c.opts.Scope,
		SessionID: c.opts.SessionID,
		MachineID: c.opts.MachineID,
	})
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	raw, err := wire.EncodeFrame(wire.Frame{Type: wire.FrameAuth, ID: id, Payload: payload})
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(defaultHandshakeTimeout))
	if err := conn.WriteMessage(gws.TextMessage, raw); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	_, respRaw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, err := wire.DecodeFrame(respRaw)
	if err != nil {
		return err
	}
	if frame.Type != wire.FrameAck || frame.ID != id {
		return fmt.Errorf("unexpected handshake frame %q", frame.Type)
	}

	var ack wire.AuthAck
	if err := wire.Unmarshal(frame.Payload, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("auth rejected: %s", ack.Error)
	}
	return nil
}

func (c *Client) setConn(conn *gws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
}

// run reads frames until the connection drops, then reconnects with backoff.
func (c *Client) run(conn *gws.Conn) {
	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-c.closed:
			return
		default:
		}

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect dials until success or Close, with exponential backoff.
func (c *Client) reconnect() *gws.Conn {
	delay := reconnectMinDelay
	for {
		select {
		case <-c.closed:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.setConn(conn)
			c.notifyReconnected()
			return conn
		}

		c.log.Debug().Err(err).Dur("next_delay", delay).Msg("reconnect failed")
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Client) notifyReconnected() {
	c.reconnectMu.Lock()
	observers := make([]func(), 0, len(c.reconnectObservers))
	for _, fn := range c.reconnectObservers {
		observers = append(observers, fn)
	}
	c.reconnectMu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (c *Client) readLoop(conn *gws.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case wire.FrameAck:
			c.resolveAck(frame.ID, frame.Payload)
		case wire.FrameEvent:
			c.dispatch(frame)
		}
	}
}

func (c *Client) resolveAck(id uint64, payload json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (c *Client) dispatch(frame wire.Frame) {
	if frame.Event == "rpc-request" {
		c.mu.Lock()
		rpc := c.rpc
		c.mu.Unlock()
		if rpc != nil {
			// The handler may take a while; keep the read loop free.
			go rpc.handleRequest(frame.ID, frame.Payload)
		}
		return
	}

	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers[frame.Event]...)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(frame.Payload)
	}
}

// sendAck answers an event frame that requested an ack.
func (c *Client) sendAck(id uint64, payload any) error {
	if id == 0 {
		return nil
	}
	raw, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(wire.Frame{Type: wire.FrameAck, ID: id, Payload: raw})
}

func (c *Client) writeFrame(frame wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteMessage(gws.TextMessage, raw)
}
