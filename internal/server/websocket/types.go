package websocket

import (
	"context"

	json "github.com/goccy/go-json"
)

// ConnectionScope classifies a websocket connection for fan-out routing.
type ConnectionScope string

const (
	ScopeUser    ConnectionScope = "user-scoped"
	ScopeSession ConnectionScope = "session-scoped"
	ScopeMachine ConnectionScope = "machine-scoped"
)

// Socket is the transport-facing surface the registry and router need from a
// live connection. Implemented by the gorilla adapter and by test fakes.
type Socket interface {
	// ID returns the unique socket id.
	ID() string
	// Emit sends a fire-and-forget event frame.
	Emit(event string, payload any)
	// Request sends an event frame and waits for the peer's ack.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Close tears down the transport.
	Close() error
}

// ClientConnection is a registered, authenticated connection.
type ClientConnection struct {
	Scope     ConnectionScope
	Socket    Socket
	UserID    string
	SessionID string // only for session-scoped
	MachineID string // only for machine-scoped
}
