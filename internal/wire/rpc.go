package wire

import json "github.com/goccy/go-json"

// RPCRegisterPayload registers the calling connection as the handler for a
// method. One handler per method per user; re-registration replaces the
// previous holder.
type RPCRegisterPayload struct {
	Method string `json:"method"`
}

// RPCUnregisterPayload removes the calling connection's registration.
type RPCUnregisterPayload struct {
	Method string `json:"method"`
}

// RPCCallPayload invokes a method registered by another connection of the
// same user.
type RPCCallPayload struct {
	Method string `json:"method"`
	// Params is the opaque (typically encrypted) parameter payload.
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCRequestPayload is the "rpc-request" event forwarded to the connection
// holding the method registration.
type RPCRequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCAck is the response payload for "rpc-call" and "rpc-register" events.
type RPCAck struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
