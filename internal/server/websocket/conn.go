package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"

	"github.com/y804508275/happy-sub000/internal/wire"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Socket interface. It
// serializes writes and correlates outgoing event frames with incoming acks.
type wsConn struct {
	id string
	ws *gws.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan json.RawMessage

	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(id string, ws *gws.Conn) *wsConn {
	return &wsConn{
		id:      id,
		ws:      ws,
		pending: make(map[uint64]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Emit sends a fire-and-forget event frame. Errors are swallowed; a broken
// transport surfaces through the read loop.
func (c *wsConn) Emit(event string, payload any) {
	raw, err := wire.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.writeFrame(wire.Frame{Type: wire.FrameEvent, Event: event, Payload: raw})
}

// Request sends an event frame and waits for the peer's ack or the context
// deadline.
func (c *wsConn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := wire.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
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
		return nil, fmt.Errorf("connection closed")
	}
}

// resolveAck delivers an ack frame to the waiter, if any. Unknown ids are
// dropped (the waiter may have timed out already).
func (c *wsConn) resolveAck(id uint64, payload json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Ack answers a peer event frame that requested an ack.
func (c *wsConn) Ack(id uint64, payload any) {
	raw, err := wire.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.writeFrame(wire.Frame{Type: wire.FrameAck, ID: id, Payload: raw})
}

func (c *wsConn) writeFrame(f wire.Frame) error {
	raw, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(gws.TextMessage, raw)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
