package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/metrics"
	"github.com/y804508275/happy-sub000/internal/server/websocket/handlers"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// handshakeTimeout bounds how long an unauthenticated socket may linger.
const handshakeTimeout = 10 * time.Second

// Server accepts websocket connections, authenticates them at handshake and
// runs the per-connection event loop. Handlers are pure functions; the server
// executes the instructions they return.
type Server struct {
	upgrader gws.Upgrader

	manager     *ConnectionManager
	router      *EventRouter
	registry    *RPCRegistry
	relay       *RPCRelay
	accumulator *ActivityAccumulator

	deps handlers.Deps
	jwt  *crypto.JWTManager
	log  zerolog.Logger
}

// NewServer wires the websocket surface. relay and accumulator are owned by
// the server and closed via Close.
func NewServer(
	manager *ConnectionManager,
	router *EventRouter,
	registry *RPCRegistry,
	relay *RPCRelay,
	accumulator *ActivityAccumulator,
	deps handlers.Deps,
	jwt *crypto.JWTManager,
	log zerolog.Logger,
) *Server {
	return &Server{
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The HTTP API carries its own CORS policy; websocket auth happens
			// at the frame level.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		manager:     manager,
		router:      router,
		registry:    registry,
		relay:       relay,
		accumulator: accumulator,
		deps:        deps,
		jwt:         jwt,
		log:         log.With().Str("component", "websocket").Logger(),
	}
}

// Relay exposes the RPC relay for bus wiring.
func (s *Server) Relay() *RPCRelay { return s.relay }

// Router exposes the event router for HTTP handlers and bus wiring.
func (s *Server) Router() *EventRouter { return s.router }

// Close flushes the activity accumulator and drops all connections.
func (s *Server) Close() {
	s.accumulator.Close()
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	conn := newWSConn(uuid.NewString(), ws)
	client, ok := s.handshake(conn, ws)
	if !ok {
		_ = conn.Close()
		return
	}

	s.manager.AddConnection(client)
	metrics.ConnectionsActive.Inc()
	s.log.Info().
		Str("socket", conn.id).
		Str("user", client.UserID).
		Str("scope", string(client.Scope)).
		Msg("client connected")

	auth := handlers.NewAuthContext(client.UserID, conn.id, string(client.Scope))
	ctx := context.Background()
	s.apply(conn, 0, handlers.ConnectEffects(ctx, s.deps, auth, client.SessionID, client.MachineID))

	s.readLoop(conn, client, auth)

	// Transport closed: synchronously deregister from the connection map and
	// the RPC method table before presence goes out.
	s.manager.RemoveConnection(conn.id)
	s.registry.UnregisterAll(client.UserID, conn.id)
	metrics.ConnectionsActive.Dec()
	_ = conn.Close()

	s.apply(conn, 0, handlers.DisconnectEffects(ctx, s.deps, auth, client.SessionID, client.MachineID))
	s.log.Info().Str("socket", conn.id).Str("user", client.UserID).Msg("client disconnected")
}

// handshake reads and validates the auth frame. Invalid or missing auth
// closes the connection before any registration.
func (s *Server) handshake(conn *wsConn, ws *gws.Conn) (*ClientConnection, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	_ = ws.SetReadDeadline(time.Time{})

	frame, err := wire.DecodeFrame(raw)
	if err != nil || frame.Type != wire.FrameAuth {
		return nil, false
	}

	var auth wire.AuthPayload
	if err := wire.Unmarshal(frame.Payload, &auth); err != nil {
		return nil, false
	}

	claims, err := s.jwt.VerifyToken(auth.Token)
	if err != nil {
		s.log.Debug().Err(err).Str("socket", conn.id).Msg("handshake auth failed")
		conn.Ack(frame.ID, wire.AuthAck{Success: false, Error: "authentication failed"})
		return nil, false
	}

	client := &ClientConnection{Socket: conn, UserID: claims.Subject}
	switch auth.Scope {
	case wire.ScopeUser:
		client.Scope = ScopeUser
	case wire.ScopeSession:
		if auth.SessionID == "" {
			conn.Ack(frame.ID, wire.AuthAck{Success: false, Error: "sessionId is required"})
			return nil, false
		}
		client.Scope = ScopeSession
		client.SessionID = auth.SessionID
	case wire.ScopeMachine:
		if auth.MachineID == "" {
			conn.Ack(frame.ID, wire.AuthAck{Success: false, Error: "machineId is required"})
			return nil, false
		}
		client.Scope = ScopeMachine
		client.MachineID = auth.MachineID
	default:
		conn.Ack(frame.ID, wire.AuthAck{Success: false, Error: "invalid scope"})
		return nil, false
	}

	conn.Ack(frame.ID, wire.AuthAck{Success: true})
	return client, true
}

func (s *Server) readLoop(conn *wsConn, client *ClientConnection, auth handlers.AuthContext) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			s.log.Debug().Err(err).Str("socket", conn.id).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case wire.FrameAck:
			conn.resolveAck(frame.ID, frame.Payload)
		case wire.FrameEvent:
			s.dispatch(conn, client, auth, frame)
		default:
			s.log.Debug().Str("type", frame.Type).Msg("dropping unexpected frame type")
		}
	}
}

// dispatch routes one event frame. Store-backed events run inline to keep a
// connection's own mutations ordered; rpc-call runs in its own goroutine
// because it can legitimately take the full relay timeout.
func (s *Server) dispatch(conn *wsConn, client *ClientConnection, auth handlers.AuthContext, frame wire.Frame) {
	ctx := context.Background()

	switch frame.Event {
	case "message":
		var req wire.MessageEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.Message(ctx, s.deps, auth, req))

	case "session-alive":
		var req wire.SessionAliveEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.SessionAlive(ctx, s.deps, auth, req))

	case "session-end":
		var req wire.SessionEndEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.SessionEnd(ctx, s.deps, auth, req))

	case "machine-alive":
		var req wire.MachineAliveEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.MachineAlive(ctx, s.deps, auth, req))

	case "update-metadata":
		var req wire.UpdateMetadataEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.UpdateMetadata(ctx, s.deps, auth, req))

	case "update-state":
		var req wire.UpdateStateEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.UpdateState(ctx, s.deps, auth, req))

	case "machine-update-metadata":
		var req wire.MachineUpdateMetadataEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.MachineUpdateMetadata(ctx, s.deps, auth, req))

	case "machine-update-state":
		var req wire.MachineUpdateStateEvent
		if !s.decode(conn, frame, &req) {
			return
		}
		s.apply(conn, frame.ID, handlers.MachineUpdateState(ctx, s.deps, auth, req))

	case "rpc-register":
		var req wire.RPCRegisterPayload
		if !s.decode(conn, frame, &req) {
			return
		}
		if req.Method == "" {
			s.ack(conn, frame.ID, wire.RPCAck{OK: false, Error: "method is required"})
			return
		}
		s.registry.Register(client.UserID, req.Method, conn.id)
		s.ack(conn, frame.ID, wire.RPCAck{OK: true})

	case "rpc-unregister":
		var req wire.RPCUnregisterPayload
		if !s.decode(conn, frame, &req) {
			return
		}
		s.registry.Unregister(client.UserID, req.Method, conn.id)
		s.ack(conn, frame.ID, wire.RPCAck{OK: true})

	case "rpc-call":
		var req wire.RPCCallPayload
		if !s.decode(conn, frame, &req) {
			return
		}
		go func() {
			s.ack(conn, frame.ID, s.relay.Call(ctx, conn.id, client.UserID, req))
		}()

	case "ephemeral":
		var payload wire.EphemeralPayload
		if !s.decode(conn, frame, &payload) {
			return
		}
		s.apply(conn, frame.ID, handlers.EphemeralForward(auth, payload))

	case "ping":
		s.ack(conn, frame.ID, map[string]bool{"ok": true})

	default:
		s.log.Debug().Str("event", frame.Event).Msg("dropping unknown event")
	}
}

func (s *Server) decode(conn *wsConn, frame wire.Frame, v any) bool {
	if err := wire.Unmarshal(frame.Payload, v); err != nil {
		// Malformed event bodies are dropped with a diagnostic, never applied
		// partially.
		s.log.Debug().Err(err).Str("event", frame.Event).Msg("dropping malformed event payload")
		s.ack(conn, frame.ID, wire.ErrorResponse{Error: "malformed payload"})
		return false
	}
	return true
}

func (s *Server) ack(conn *wsConn, frameID uint64, payload any) {
	if frameID == 0 {
		return
	}
	conn.Ack(frameID, payload)
}

// apply executes handler instructions: ack the caller, allocate account seqs
// and fan out updates, route ephemerals (optionally through the debounce
// buffer).
func (s *Server) apply(conn *wsConn, frameID uint64, res handlers.EventResult) {
	if res.Ack() != nil {
		s.ack(conn, frameID, res.Ack())
	}

	ctx := context.Background()
	for _, u := range res.Updates() {
		seq, err := s.deps.Accounts().UpdateAccountSeq(ctx, u.UserID())
		if err != nil {
			s.log.Warn().Err(err).Str("user", u.UserID()).Msg("failed to allocate account seq")
			continue
		}

		envelope := wire.UpdateEnvelope{
			ID:        uuid.NewString(),
			Seq:       seq,
			CreatedAt: s.deps.Now().UnixMilli(),
			Body:      u.Body(),
		}

		filter := &RecipientFilter{Type: FilterAllUserAuthenticated}
		if u.IsSession() {
			filter = &RecipientFilter{Type: FilterAllInterestedInSession, SessionID: u.SessionID()}
		}

		skip := ""
		if u.SkipSelf() {
			skip = conn.id
		}
		s.router.EmitUpdate(u.UserID(), envelope, filter, skip)
	}

	for _, e := range res.Ephemerals() {
		skip := ""
		if e.SkipSelf() {
			skip = conn.id
		}

		if e.Coalesce() {
			s.accumulator.Add(e.UserID(), e.SessionID(), e.Payload(), skip)
			continue
		}

		filter := &RecipientFilter{Type: FilterAllUserAuthenticated}
		switch {
		case e.UserScopedOnly():
			filter = &RecipientFilter{Type: FilterUserScopedOnly}
		case e.SessionID() != "":
			filter = &RecipientFilter{Type: FilterAllInterestedInSession, SessionID: e.SessionID()}
		}
		s.router.EmitEphemeral(e.UserID(), e.Payload(), filter, skip)
	}
}
