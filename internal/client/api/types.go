package api

// Session is a session as returned by the REST API. Metadata and agent state
// are opaque encrypted blobs with independent versions.
type Session struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Tag               string  `json:"tag"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	Metadata          string  `json:"metadata"`
	MetadataVersion   int64   `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int64   `json:"agentStateVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// CreateSessionRequest creates (or idempotently resolves) a session by tag.
type CreateSessionRequest struct {
	Tag               string  `json:"tag"`
	Metadata          string  `json:"metadata"`
	AgentState        *string `json:"agentState,omitempty"`
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

// Machine is a registered daemon host.
type Machine struct {
	ID                 string  `json:"id"`
	Seq                int64   `json:"seq"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int64   `json:"daemonStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// RegisterMachineRequest registers a machine, idempotent per machine id.
type RegisterMachineRequest struct {
	ID                string  `json:"id"`
	Metadata          string  `json:"metadata"`
	DaemonState       *string `json:"daemonState,omitempty"`
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

// Account is the authenticated account blob.
type Account struct {
	ID              string `json:"id"`
	PublicKey       string `json:"publicKey"`
	Settings        string `json:"settings"`
	SettingsVersion int64  `json:"settingsVersion"`
	Profile         string `json:"profile"`
	ProfileVersion  int64  `json:"profileVersion"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Artifact is an encrypted document with independently versioned header and
// body.
type Artifact struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Header            string  `json:"header"`
	HeaderVersion     int64   `json:"headerVersion"`
	Body              *string `json:"body"`
	BodyVersion       int64   `json:"bodyVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}
