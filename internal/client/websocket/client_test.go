package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/wire"
)

// testServer accepts one connection at a time, answers the auth frame, then
// hands the raw connection to serve.
type testServer struct {
	t        *testing.T
	upgrader gws.Upgrader
	authOK   bool

	mu   sync.Mutex
	auth wire.AuthPayload

	serve func(conn *gws.Conn)

	srv *httptest.Server
}

func newTestServer(t *testing.T, authOK bool, serve func(conn *gws.Conn)) *testServer {
	ts := &testServer{t: t, authOK: authOK, serve: serve}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, wire.FrameAuth, frame.Type)

		var auth wire.AuthPayload
		require.NoError(t, wire.Unmarshal(frame.Payload, &auth))
		ts.mu.Lock()
		ts.auth = auth
		ts.mu.Unlock()

		ack := wire.AuthAck{Success: ts.authOK}
		if !ts.authOK {
			ack.Error = "invalid token"
		}
		payload, err := wire.Marshal(ack)
		require.NoError(t, err)
		ackRaw, err := wire.EncodeFrame(wire.Frame{Type: wire.FrameAck, ID: frame.ID, Payload: payload})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(gws.TextMessage, ackRaw))

		if !ts.authOK {
			conn.Close()
			return
		}
		if ts.serve != nil {
			ts.serve(conn)
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) authPayload() wire.AuthPayload {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.auth
}

func sendEvent(t *testing.T, conn *gws.Conn, id uint64, event string, payload any) {
	raw, err := wire.Marshal(payload)
	require.NoError(t, err)
	frameRaw, err := wire.EncodeFrame(wire.Frame{Type: wire.FrameEvent, ID: id, Event: event, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, frameRaw))
}

func TestConnectSendsScopedAuthFrame(t *testing.T) {
	done := make(chan struct{})
	ts := newTestServer(t, true, func(conn *gws.Conn) {
		close(done)
		conn.ReadMessage()
	})

	client := New(Options{
		URL:       ts.url(),
		Token:     "jwt-1",
		Scope:     wire.ScopeSession,
		SessionID: "s1",
		Log:       zerolog.Nop(),
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	<-done
	auth := ts.authPayload()
	require.Equal(t, "jwt-1", auth.Token)
	require.Equal(t, wire.ScopeSession, auth.Scope)
	require.Equal(t, "s1", auth.SessionID)
	require.True(t, client.IsConnected())
}

func TestConnectRejectedAuthFailsClosed(t *testing.T) {
	ts := newTestServer(t, false, nil)

	client := New(Options{URL: ts.url(), Token: "bad", Scope: wire.ScopeUser, Log: zerolog.Nop()})
	err := client.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid token")
	require.False(t, client.IsConnected())
}

func TestEventDispatchesToHandlers(t *testing.T) {
	ts := newTestServer(t, true, func(conn *gws.Conn) {
		sendEvent(t, conn, 0, "update", map[string]string{"id": "u1"})
		conn.ReadMessage()
	})

	client := New(Options{URL: ts.url(), Token: "jwt-1", Scope: wire.ScopeUser, Log: zerolog.Nop()})

	received := make(chan json.RawMessage, 1)
	client.On("update", func(payload json.RawMessage) {
		received <- payload
	})

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	select {
	case payload := <-received:
		require.JSONEq(t, `{"id":"u1"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("update never dispatched")
	}
}

func TestEmitWithAckCorrelatesByID(t *testing.T) {
	ts := newTestServer(t, true, func(conn *gws.Conn) {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, "ping", frame.Event)
		require.NotZero(t, frame.ID)

		ackRaw, err := wire.EncodeFrame(wire.Frame{
			Type:    wire.FrameAck,
			ID:      frame.ID,
			Payload: json.RawMessage(`{"pong":true}`),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(gws.TextMessage, ackRaw))
		conn.ReadMessage()
	})

	client := New(Options{URL: ts.url(), Token: "jwt-1", Scope: wire.ScopeUser, Log: zerolog.Nop()})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.EmitWithAck(ctx, "ping", map[string]any{})
	require.NoError(t, err)
	require.JSONEq(t, `{"pong":true}`, string(resp))
}

func TestRPCManagerServesRequests(t *testing.T) {
	acks := make(chan wire.RPCAck, 2)
	ts := newTestServer(t, true, func(conn *gws.Conn) {
		// The client announces the method first.
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, "rpc-register", frame.Event)

		sendEvent(t, conn, 42, "rpc-request", wire.RPCRequestPayload{Method: "ping"})

		_, raw, err = conn.ReadMessage()
		require.NoError(t, err)
		ackFrame, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, wire.FrameAck, ackFrame.Type)
		require.EqualValues(t, 42, ackFrame.ID)

		var ack wire.RPCAck
		require.NoError(t, wire.Unmarshal(ackFrame.Payload, &ack))
		acks <- ack
		conn.ReadMessage()
	})

	client := New(Options{URL: ts.url(), Token: "jwt-1", Scope: wire.ScopeMachine, MachineID: "m1", Log: zerolog.Nop()})
	rpc := NewRPCManager(client)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	rpc.Register("ping", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	select {
	case ack := <-acks:
		require.True(t, ack.OK)
		require.JSONEq(t, `"pong"`, string(ack.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("rpc ack never arrived")
	}
}
