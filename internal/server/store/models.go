package store

import (
	"database/sql"
	"time"
)

// Account is an authenticated end user identity.
type Account struct {
	ID              string
	PublicKey       string
	Seq             int64
	Settings        string
	SettingsVersion int64
	Profile         string
	ProfileVersion  int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session is one agent conversation owned by an account. Metadata and agent
// state are independently versioned encrypted fields.
type Session struct {
	ID                string
	AccountID         string
	Tag               string
	Seq               int64
	Active            int64
	LastActiveAt      time.Time
	Metadata          string
	MetadataVersion   int64
	AgentState        sql.NullString
	AgentStateVersion int64
	DataEncryptionKey sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one persisted chat message within a session. Seq is strictly
// increasing per session.
type Message struct {
	ID        string
	SessionID string
	LocalID   sql.NullString
	Seq       int64
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Machine is a CLI daemon host owned by an account.
type Machine struct {
	ID                 string
	AccountID          string
	Seq                int64
	Active             int64
	LastActiveAt       time.Time
	Metadata           string
	MetadataVersion    int64
	DaemonState        sql.NullString
	DaemonStateVersion int64
	DataEncryptionKey  sql.NullString
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Artifact is an encrypted document owned by an account, with independently
// versioned header and body.
type Artifact struct {
	ID                string
	AccountID         string
	Seq               int64
	Header            string
	HeaderVersion     int64
	Body              sql.NullString
	BodyVersion       int64
	DataEncryptionKey sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
