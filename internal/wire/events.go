package wire

// Client -> server websocket event payloads.

// MessageEvent submits one encrypted message over the live connection.
type MessageEvent struct {
	SessionID string `json:"sid"`
	// Message is the base64 ciphertext of the message body.
	Message string `json:"message"`
	// LocalID is the client idempotency key.
	LocalID string `json:"localId,omitempty"`
}

// SessionAliveEvent is a session keep-alive signal.
type SessionAliveEvent struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
	Thinking  bool   `json:"thinking"`
}

// SessionEndEvent marks a session inactive.
type SessionEndEvent struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
}

// MachineAliveEvent is a machine daemon keep-alive signal.
type MachineAliveEvent struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

// UpdateMetadataEvent updates session metadata with optimistic concurrency.
type UpdateMetadataEvent struct {
	SessionID       string `json:"sid"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// UpdateStateEvent updates session agent state with optimistic concurrency.
type UpdateStateEvent struct {
	SessionID       string  `json:"sid"`
	AgentState      *string `json:"agentState"`
	ExpectedVersion int64   `json:"expectedVersion"`
}

// MachineUpdateMetadataEvent updates machine metadata with optimistic
// concurrency.
type MachineUpdateMetadataEvent struct {
	MachineID       string `json:"machineId"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// MachineUpdateStateEvent updates machine daemon state with optimistic
// concurrency.
type MachineUpdateStateEvent struct {
	MachineID       string  `json:"machineId"`
	DaemonState     *string `json:"daemonState"`
	ExpectedVersion int64   `json:"expectedVersion"`
}
