package websocket

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/y804508275/happy-sub000/internal/wire"
)

// RPCHandler handles one RPC method call and returns a result payload.
type RPCHandler func(params json.RawMessage) (json.RawMessage, error)

// RPCManager owns the RPC handlers of a connection. Registrations are
// replayed automatically after every reconnect, since the server drops them
// when the socket goes away.
type RPCManager struct {
	client *Client

	mu       sync.RWMutex
	handlers map[string]RPCHandler
}

// NewRPCManager attaches an RPC manager to the client.
func NewRPCManager(client *Client) *RPCManager {
	m := &RPCManager{
		client:   client,
		handlers: make(map[string]RPCHandler),
	}
	client.mu.Lock()
	client.rpc = m
	client.mu.Unlock()
	client.OnReconnected(m.registerAll)
	return m
}

// Register installs a handler and announces the method to the server. A later
// registration for the same method on another socket takes the method over.
func (m *RPCManager) Register(method string, handler RPCHandler) {
	m.mu.Lock()
	m.handlers[method] = handler
	m.mu.Unlock()

	if m.client.IsConnected() {
		_ = m.client.Emit("rpc-register", wire.RPCRegisterPayload{Method: method})
	}
}

// Unregister removes a handler and withdraws the method.
func (m *RPCManager) Unregister(method string) {
	m.mu.Lock()
	delete(m.handlers, method)
	m.mu.Unlock()

	if m.client.IsConnected() {
		_ = m.client.Emit("rpc-unregister", wire.RPCUnregisterPayload{Method: method})
	}
}

// Call invokes a method registered by one of the user's other connections.
// The server relays the call to whichever socket currently holds the method,
// on this instance or another.
func (m *RPCManager) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	raw, err := m.client.EmitWithAck(ctx, "rpc-call", wire.RPCCallPayload{
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}

	var ack wire.RPCAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("rpc call %s: decode ack: %w", method, err)
	}
	if !ack.OK {
		return nil, fmt.Errorf("rpc call %s: %s", method, ack.Error)
	}
	return ack.Result, nil
}

func (m *RPCManager) registerAll() {
	m.mu.RLock()
	methods := make([]string, 0, len(m.handlers))
	for method := range m.handlers {
		methods = append(methods, method)
	}
	m.mu.RUnlock()

	for _, method := range methods {
		_ = m.client.Emit("rpc-register", wire.RPCRegisterPayload{Method: method})
	}
}

// handleRequest serves one incoming rpc-request frame from the server.
func (m *RPCManager) handleRequest(frameID uint64, payload json.RawMessage) {
	var req wire.RPCRequestPayload
	if err := wire.Unmarshal(payload, &req); err != nil {
		_ = m.client.sendAck(frameID, wire.RPCAck{OK: false, Error: "invalid rpc request"})
		return
	}

	m.mu.RLock()
	handler, ok := m.handlers[req.Method]
	m.mu.RUnlock()
	if !ok {
		_ = m.client.sendAck(frameID, wire.RPCAck{OK: false, Error: fmt.Sprintf("unknown method: %s", req.Method)})
		return
	}

	result, err := handler(req.Params)
	if err != nil {
		_ = m.client.sendAck(frameID, wire.RPCAck{OK: false, Error: err.Error()})
		return
	}
	_ = m.client.sendAck(frameID, wire.RPCAck{OK: true, Result: result})
}
