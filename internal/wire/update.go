package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Update body discriminators.
const (
	UpdateNewMessage     = "new-message"
	UpdateSession        = "update-session"
	UpdateMachine        = "update-machine"
	UpdateNewArtifact    = "new-artifact"
	UpdateArtifact       = "update-artifact"
	UpdateDeleteArtifact = "delete-artifact"
	UpdateAccount        = "update-account"
)

// UpdateEnvelope is the typed wrapper for server "update" events. Seq is the
// per-account sequence number assigned when the update was persisted.
type UpdateEnvelope struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	CreatedAt int64      `json:"createdAt"`
	Body      UpdateBody `json:"body"`
}

// UpdateBody is the tagged-union payload inside an update event. Exactly the
// fields relevant to T are populated.
type UpdateBody struct {
	// T is the update type (e.g. "new-message").
	T string `json:"t"`
	// SID is the session id for session-oriented updates.
	SID string `json:"sid,omitempty"`
	// ID is the entity id for entity-oriented updates.
	ID string `json:"id,omitempty"`
	// Message contains the payload for "new-message" updates.
	Message *UpdateMessage `json:"message,omitempty"`
	// Metadata carries a versioned metadata value for entity updates.
	Metadata *VersionedValue `json:"metadata,omitempty"`
	// AgentState carries a versioned agent state value for session updates.
	AgentState *VersionedValue `json:"agentState,omitempty"`
	// DaemonState carries a versioned daemon state value for machine updates.
	DaemonState *VersionedValue `json:"daemonState,omitempty"`
	// Artifact contains the payload for artifact updates.
	Artifact *UpdateArtifactBody `json:"artifact,omitempty"`
	// Settings carries a versioned account settings blob.
	Settings *VersionedValue `json:"settings,omitempty"`
	// Profile carries a versioned account profile blob.
	Profile *VersionedValue `json:"profile,omitempty"`
}

// UpdateMessage is the message payload inside a "new-message" update.
type UpdateMessage struct {
	ID string `json:"id"`
	// Seq is the server-assigned per-session sequence number.
	Seq int64 `json:"seq"`
	// LocalID is the sender-supplied idempotency key (when available).
	LocalID *string `json:"localId,omitempty"`
	// Content is the encrypted content envelope.
	Content *EncryptedContent `json:"content,omitempty"`
	// CreatedAt is the server creation time in unix millis.
	CreatedAt int64 `json:"createdAt"`
}

// EncryptedContent contains ciphertext for an encrypted field or message.
type EncryptedContent struct {
	// T is the content type tag, always "encrypted" on the wire.
	T string `json:"t"`
	// C is the base64 ciphertext.
	C string `json:"c"`
}

// NewEncryptedContent wraps a ciphertext in the wire content envelope.
func NewEncryptedContent(cipher string) *EncryptedContent {
	return &EncryptedContent{T: "encrypted", C: cipher}
}

// VersionedValue pairs an encrypted field value with its optimistic
// concurrency version.
type VersionedValue struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// UpdateArtifactBody is the artifact payload inside artifact updates.
type UpdateArtifactBody struct {
	ID            string  `json:"id"`
	Header        string  `json:"header,omitempty"`
	HeaderVersion int64   `json:"headerVersion,omitempty"`
	Body          *string `json:"body,omitempty"`
	BodyVersion   int64   `json:"bodyVersion,omitempty"`
}

// ParseUpdateEnvelope parses an update event payload into a typed envelope.
func ParseUpdateEnvelope(raw []byte) (*UpdateEnvelope, error) {
	var env UpdateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse update envelope: %w", err)
	}
	if env.Body.T == "" {
		return nil, fmt.Errorf("update envelope missing body type")
	}
	return &env, nil
}
