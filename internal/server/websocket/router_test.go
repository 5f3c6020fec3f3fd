package websocket

import (
	"context"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/wire"
)

type stubEmit struct {
	event   string
	payload any
}

// stubSocket is an in-memory Socket for router and relay tests.
type stubSocket struct {
	id      string
	respond func(event string, payload any) (json.RawMessage, error)

	mu      sync.Mutex
	emitted []stubEmit
}

func (s *stubSocket) ID() string { return s.id }

func (s *stubSocket) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, stubEmit{event: event, payload: payload})
}

func (s *stubSocket) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if s.respond != nil {
		return s.respond(event, payload)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stubSocket) Close() error { return nil }

func (s *stubSocket) events() []stubEmit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubEmit(nil), s.emitted...)
}

type recordingBus struct {
	mu         sync.Mutex
	updates    int
	ephemerals int
	lastFilter string
}

func (b *recordingBus) PublishUpdate(userID string, payload wire.UpdateEnvelope, filterType, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
	b.lastFilter = filterType
}

func (b *recordingBus) PublishEphemeral(userID string, payload wire.EphemeralPayload, filterType, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ephemerals++
	b.lastFilter = filterType
}

// testConnections registers one connection per scope for user-1 and returns
// them keyed by a short name.
func testConnections(manager *ConnectionManager) map[string]*stubSocket {
	sockets := map[string]*stubSocket{
		"user":     {id: "sock-user"},
		"sessionA": {id: "sock-a"},
		"sessionB": {id: "sock-b"},
		"machine":  {id: "sock-m"},
	}
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: sockets["user"], UserID: "user-1"})
	manager.AddConnection(&ClientConnection{Scope: ScopeSession, Socket: sockets["sessionA"], UserID: "user-1", SessionID: "sA"})
	manager.AddConnection(&ClientConnection{Scope: ScopeSession, Socket: sockets["sessionB"], UserID: "user-1", SessionID: "sB"})
	manager.AddConnection(&ClientConnection{Scope: ScopeMachine, Socket: sockets["machine"], UserID: "user-1", MachineID: "m1"})
	return sockets
}

func TestRouterSessionFilterTargetsInterestedConnections(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())

	router.EmitUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, &RecipientFilter{
		Type:      FilterAllInterestedInSession,
		SessionID: "sA",
	}, "")

	require.Len(t, sockets["user"].events(), 1)
	require.Len(t, sockets["sessionA"].events(), 1)
	require.Empty(t, sockets["sessionB"].events())
	require.Empty(t, sockets["machine"].events())
}

func TestRouterUserScopedOnlyFilter(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())

	router.EmitEphemeral("user-1", wire.MachineActivity("m1", true, 1), &RecipientFilter{
		Type: FilterUserScopedOnly,
	}, "")

	require.Len(t, sockets["user"].events(), 1)
	require.Empty(t, sockets["sessionA"].events())
	require.Empty(t, sockets["machine"].events())
}

func TestRouterNilFilterReachesAllConnections(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())

	router.EmitUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, nil, "")

	for name, socket := range sockets {
		require.Len(t, socket.events(), 1, "connection %s", name)
	}
}

func TestRouterSkipsSender(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())

	router.EmitUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, nil, "sock-a")

	require.Empty(t, sockets["sessionA"].events())
	require.Len(t, sockets["user"].events(), 1)
}

func TestRouterDoesNotLeakAcrossUsers(t *testing.T) {
	manager := NewConnectionManager()
	mine := &stubSocket{id: "mine"}
	theirs := &stubSocket{id: "theirs"}
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: mine, UserID: "user-1"})
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: theirs, UserID: "user-2"})
	router := NewEventRouter(manager, nil, zerolog.Nop())

	router.EmitUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, nil, "")

	require.Len(t, mine.events(), 1)
	require.Empty(t, theirs.events())
}

func TestRouterPublishesToBusOnce(t *testing.T) {
	manager := NewConnectionManager()
	testConnections(manager)
	bus := &recordingBus{}
	router := NewEventRouter(manager, bus, zerolog.Nop())

	router.EmitUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, &RecipientFilter{
		Type:      FilterAllInterestedInSession,
		SessionID: "sA",
	}, "")

	require.Equal(t, 1, bus.updates)
	require.Equal(t, FilterAllInterestedInSession, bus.lastFilter)
}

func TestRouterBusDeliveryDoesNotRepublish(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	bus := &recordingBus{}
	router := NewEventRouter(manager, bus, zerolog.Nop())

	router.HandleBusUpdate("user-1", wire.UpdateEnvelope{ID: "u1"}, FilterUserScopedOnly, "")

	require.Len(t, sockets["user"].events(), 1)
	// Events that arrived over the bus must not bounce back onto it.
	require.Zero(t, bus.updates)
}
