package websocket

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/wire"
)

type stubForwarder struct {
	calls   int
	forward func(ctx context.Context, userID, method string, params json.RawMessage) (wire.RPCAck, error)
}

func (f *stubForwarder) Forward(ctx context.Context, userID, method string, params json.RawMessage) (wire.RPCAck, error) {
	f.calls++
	return f.forward(ctx, userID, method, params)
}

func relayFixture(forwarder Forwarder) (*RPCRelay, *ConnectionManager, *RPCRegistry) {
	manager := NewConnectionManager()
	registry := NewRPCRegistry()
	relay := NewRPCRelay(manager, registry, forwarder, 200*time.Millisecond, zerolog.Nop())
	return relay, manager, registry
}

func TestRelayCallsLocalHolder(t *testing.T) {
	relay, manager, registry := relayFixture(nil)

	holder := &stubSocket{
		id: "holder",
		respond: func(event string, payload any) (json.RawMessage, error) {
			req := payload.(wire.RPCRequestPayload)
			require.Equal(t, "rpc-request", event)
			require.Equal(t, "spawn", req.Method)
			return json.Marshal(wire.RPCAck{OK: true, Result: json.RawMessage(`"done"`)})
		},
	}
	manager.AddConnection(&ClientConnection{Scope: ScopeMachine, Socket: holder, UserID: "user-1", MachineID: "m1"})
	registry.Register("user-1", "spawn", "holder")

	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.True(t, ack.OK)
	require.JSONEq(t, `"done"`, string(ack.Result))
}

func TestRelayRejectsSelfCall(t *testing.T) {
	relay, manager, registry := relayFixture(nil)
	sock := &stubSocket{id: "sock-1"}
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: sock, UserID: "user-1"})
	registry.Register("user-1", "spawn", "sock-1")

	ack := relay.Call(context.Background(), "sock-1", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.False(t, ack.OK)
	require.Equal(t, ErrSelfCall.Error(), ack.Error)
}

func TestRelayRequiresMethod(t *testing.T) {
	relay, _, _ := relayFixture(nil)
	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{})
	require.False(t, ack.OK)
	require.Contains(t, ack.Error, "method is required")
}

func TestRelayMethodNotAvailableWithoutForwarder(t *testing.T) {
	relay, _, _ := relayFixture(nil)
	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.False(t, ack.OK)
	require.Equal(t, ErrMethodNotAvailable.Error(), ack.Error)
}

func TestRelayForwardsWhenNoLocalHolder(t *testing.T) {
	forwarder := &stubForwarder{
		forward: func(_ context.Context, userID, method string, _ json.RawMessage) (wire.RPCAck, error) {
			require.Equal(t, "user-1", userID)
			require.Equal(t, "spawn", method)
			return wire.RPCAck{OK: true, Result: json.RawMessage(`"remote"`)}, nil
		},
	}
	relay, _, _ := relayFixture(forwarder)

	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.True(t, ack.OK)
	require.JSONEq(t, `"remote"`, string(ack.Result))
	require.Equal(t, 1, forwarder.calls)
}

func TestRelayForwardTimeoutFoldsIntoAck(t *testing.T) {
	forwarder := &stubForwarder{
		forward: func(ctx context.Context, _, _ string, _ json.RawMessage) (wire.RPCAck, error) {
			<-ctx.Done()
			return wire.RPCAck{}, ctx.Err()
		},
	}
	relay, _, _ := relayFixture(forwarder)

	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.False(t, ack.OK)
	require.Equal(t, ErrRPCTimeout.Error(), ack.Error)
}

func TestRelayLocalTimeoutFoldsIntoAck(t *testing.T) {
	relay, manager, registry := relayFixture(nil)

	// The holder never answers; the stub blocks on the call context.
	holder := &stubSocket{id: "holder"}
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: holder, UserID: "user-1"})
	registry.Register("user-1", "spawn", "holder")

	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.False(t, ack.OK)
	require.Equal(t, ErrRPCTimeout.Error(), ack.Error)
}

func TestRelayHandleForwardSilentWithoutRegistration(t *testing.T) {
	relay, _, _ := relayFixture(nil)

	_, held := relay.HandleForward(context.Background(), "user-1", "spawn", nil)
	require.False(t, held)
}

func TestRelayHandleForwardServesLocalHolder(t *testing.T) {
	relay, manager, registry := relayFixture(nil)

	holder := &stubSocket{
		id: "holder",
		respond: func(string, any) (json.RawMessage, error) {
			return json.Marshal(wire.RPCAck{OK: true})
		},
	}
	manager.AddConnection(&ClientConnection{Scope: ScopeUser, Socket: holder, UserID: "user-1"})
	registry.Register("user-1", "spawn", "holder")

	ack, held := relay.HandleForward(context.Background(), "user-1", "spawn", nil)
	require.True(t, held)
	require.True(t, ack.OK)
}

func TestRelayStaleRegistrationFallsThroughToForwarder(t *testing.T) {
	forwarder := &stubForwarder{
		forward: func(context.Context, string, string, json.RawMessage) (wire.RPCAck, error) {
			return wire.RPCAck{OK: true}, nil
		},
	}
	relay, _, registry := relayFixture(forwarder)

	// Registration exists but the socket is gone (disconnect raced the
	// unregister).
	registry.Register("user-1", "spawn", "vanished")

	ack := relay.Call(context.Background(), "caller", "user-1", wire.RPCCallPayload{Method: "spawn"})
	require.True(t, ack.OK)
	require.Equal(t, 1, forwarder.calls)
}

func TestRegistryReplaceAndUnregister(t *testing.T) {
	registry := NewRPCRegistry()

	registry.Register("user-1", "spawn", "sock-1")
	registry.Register("user-1", "spawn", "sock-2")

	holder, ok := registry.GetSocketID("user-1", "spawn")
	require.True(t, ok)
	require.Equal(t, "sock-2", holder)

	// The replaced holder cannot unregister the new one.
	registry.Unregister("user-1", "spawn", "sock-1")
	_, ok = registry.GetSocketID("user-1", "spawn")
	require.True(t, ok)

	registry.Unregister("user-1", "spawn", "sock-2")
	_, ok = registry.GetSocketID("user-1", "spawn")
	require.False(t, ok)
}

func TestRegistryUnregisterAll(t *testing.T) {
	registry := NewRPCRegistry()
	registry.Register("user-1", "spawn", "sock-1")
	registry.Register("user-1", "stop", "sock-1")
	registry.Register("user-1", "other", "sock-2")

	registry.UnregisterAll("user-1", "sock-1")

	_, ok := registry.GetSocketID("user-1", "spawn")
	require.False(t, ok)
	_, ok = registry.GetSocketID("user-1", "other")
	require.True(t, ok)
}
