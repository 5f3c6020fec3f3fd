package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Frame types for the websocket protocol. Every frame is a single JSON
// object. "event" frames carry a named event and optionally request an ack by
// setting ID; "ack" frames answer a prior event frame with the same ID.
const (
	FrameAuth  = "auth"
	FrameEvent = "event"
	FrameAck   = "ack"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type string `json:"type"`
	// ID correlates an event frame with its ack. Zero means no ack requested.
	ID uint64 `json:"id,omitempty"`
	// Event is the event name for event frames (e.g. "update", "rpc-call").
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connection scope discriminators used during the auth handshake.
const (
	ScopeUser    = "user-scoped"
	ScopeSession = "session-scoped"
	ScopeMachine = "machine-scoped"
)

// AuthPayload is the first frame a client sends after the websocket opens.
// Invalid or missing auth closes the connection before any registration.
type AuthPayload struct {
	Token     string `json:"token"`
	Scope     string `json:"scope"`
	SessionID string `json:"sessionId,omitempty"`
	MachineID string `json:"machineId,omitempty"`
}

// AuthAck acknowledges a successful handshake.
type AuthAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EncodeFrame marshals a frame for transmission.
func EncodeFrame(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return raw, nil
}

// DecodeFrame parses a received websocket message.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// Marshal encodes a payload for embedding in a frame.
func Marshal(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes a frame payload into the given value.
func Unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}
