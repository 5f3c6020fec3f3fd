package sync

import (
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Session is the decrypted client view of a session.
type Session struct {
	ID                string
	Tag               string
	Active            bool
	ActiveAt          int64
	Seq               int64
	Metadata          json.RawMessage
	MetadataVersion   int64
	AgentState        json.RawMessage
	AgentStateVersion int64
}

// Machine is the decrypted client view of a machine.
type Machine struct {
	ID                 string
	Active             bool
	ActiveAt           int64
	Metadata           json.RawMessage
	MetadataVersion    int64
	DaemonState        json.RawMessage
	DaemonStateVersion int64
}

// Artifact is the decrypted client view of an artifact.
type Artifact struct {
	ID            string
	Header        json.RawMessage
	HeaderVersion int64
	Body          json.RawMessage
	BodyVersion   int64
}

// Message is one decrypted chat message. Pending messages are optimistic
// local sends that have no server seq yet.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   string
	Content   json.RawMessage
	CreatedAt int64
	Pending   bool
	Failed    bool
}

// Settings is the decrypted account settings blob with its version.
type Settings struct {
	Data    map[string]any
	Version int64
}

// BadgeCounts is the derived unread-message view.
type BadgeCounts struct {
	PerSession map[string]int
	Total      int
}

// Store is the in-memory authoritative cache of synced entities. It has a
// single writer (the engine); readers receive snapshot copies.
type Store struct {
	mu sync.RWMutex

	sessions  map[string]Session
	machines  map[string]Machine
	artifacts map[string]Artifact

	// messages are kept per session in ascending seq order, pending sends
	// last.
	messages map[string][]Message
	lastSeq  map[string]int64
	readSeq  map[string]int64

	settings       Settings
	profile        json.RawMessage
	profileVersion int64

	activeWindow time.Duration
}

// NewStore creates an empty store. activeWindow bounds the active-sessions
// derived view.
func NewStore(activeWindow time.Duration) *Store {
	return &Store{
		sessions:     make(map[string]Session),
		machines:     make(map[string]Machine),
		artifacts:    make(map[string]Artifact),
		messages:     make(map[string][]Message),
		lastSeq:      make(map[string]int64),
		readSeq:      make(map[string]int64),
		settings:     Settings{Data: make(map[string]any)},
		activeWindow: activeWindow,
	}
}

// ApplySessions merges the given sessions into the cache by id.
func (s *Store) ApplySessions(sessions []Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
}

// ApplyMachines merges the given machines into the cache by id.
func (s *Store) ApplyMachines(machines []Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, machine := range machines {
		s.machines[machine.ID] = machine
	}
}

// ApplyArtifacts merges the given artifacts into the cache by id.
func (s *Store) ApplyArtifacts(artifacts []Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, artifact := range artifacts {
		s.artifacts[artifact.ID] = artifact
	}
}

// DeleteArtifact removes an artifact from the cache.
func (s *Store) DeleteArtifact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
}

// ApplyMessages inserts messages for a session, keeping ascending seq order.
// A message whose localId matches a pending optimistic send replaces it.
// Duplicate ids and seqs are dropped. The session's last known seq advances
// to the highest applied seq.
func (s *Store) ApplyMessages(sessionID string, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[sessionID]
	for _, msg := range messages {
		if msg.Pending {
			current = append(current, msg)
			continue
		}

		replaced := false
		duplicate := false
		for i := range current {
			if msg.LocalID != "" && current[i].Pending && current[i].LocalID == msg.LocalID {
				current[i] = msg
				replaced = true
				break
			}
			if !current[i].Pending && (current[i].ID == msg.ID || current[i].Seq == msg.Seq) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		if !replaced {
			current = append(current, msg)
		}
		if msg.Seq > s.lastSeq[sessionID] {
			s.lastSeq[sessionID] = msg.Seq
		}
	}

	// Confirmed messages in seq order, pending sends after them in insertion
	// order.
	sort.SliceStable(current, func(i, j int) bool {
		if current[i].Pending != current[j].Pending {
			return !current[i].Pending
		}
		if current[i].Pending {
			return false
		}
		return current[i].Seq < current[j].Seq
	})
	s.messages[sessionID] = current
}

// ConfirmMessage upgrades a pending optimistic send to its server identity.
func (s *Store) ConfirmMessage(sessionID, localID, serverID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.messages[sessionID]
	for i := range current {
		if current[i].Pending && current[i].LocalID == localID {
			current[i].Pending = false
			current[i].ID = serverID
			current[i].Seq = seq
			break
		}
	}
	if seq > s.lastSeq[sessionID] {
		s.lastSeq[sessionID] = seq
	}
	sort.SliceStable(current, func(i, j int) bool {
		if current[i].Pending != current[j].Pending {
			return !current[i].Pending
		}
		if current[i].Pending {
			return false
		}
		return current[i].Seq < current[j].Seq
	})
	s.messages[sessionID] = current
}

// FailPendingMessages marks every pending send in a session as failed and
// returns how many were affected.
func (s *Store) FailPendingMessages(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	current := s.messages[sessionID]
	for i := range current {
		if current[i].Pending && !current[i].Failed {
			current[i].Failed = true
			failed++
		}
	}
	return failed
}

// ApplySettings replaces the settings blob.
func (s *Store) ApplySettings(data map[string]any, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		data = make(map[string]any)
	}
	s.settings = Settings{Data: data, Version: version}
}

// ApplyProfile replaces the profile blob.
func (s *Store) ApplyProfile(profile json.RawMessage, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = profile
	s.profileVersion = version
}

// GetSession returns a snapshot of one session.
func (s *Store) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Sessions returns a snapshot of all sessions.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActiveAt > out[j].ActiveAt })
	return out
}

// ActiveSessions returns sessions with presence inside the active window.
func (s *Store) ActiveSessions(now time.Time) []Session {
	cutoff := now.Add(-s.activeWindow).UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, session := range s.sessions {
		if session.Active && session.ActiveAt >= cutoff {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActiveAt > out[j].ActiveAt })
	return out
}

// Machines returns a snapshot of all machines.
func (s *Store) Machines() []Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Machine, 0, len(s.machines))
	for _, machine := range s.machines {
		out = append(out, machine)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Artifacts returns a snapshot of all artifacts.
func (s *Store) Artifacts() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Messages returns a snapshot of a session's messages in applied order.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[sessionID]...)
}

// LastKnownSeq returns the session's last known message seq.
func (s *Store) LastKnownSeq(sessionID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq[sessionID]
}

// SetLastKnownSeq restores a persisted seq anchor, used by Restore.
func (s *Store) SetLastKnownSeq(sessionID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq[sessionID] {
		s.lastSeq[sessionID] = seq
	}
}

// MarkRead advances the session's read cursor to its last known seq.
func (s *Store) MarkRead(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readSeq[sessionID] = s.lastSeq[sessionID]
}

// Badges computes unread counts per session and in total. Pending local
// sends never count as unread.
func (s *Store) Badges() BadgeCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := BadgeCounts{PerSession: make(map[string]int)}
	for sessionID, messages := range s.messages {
		read := s.readSeq[sessionID]
		unread := 0
		for _, msg := range messages {
			if !msg.Pending && msg.Seq > read {
				unread++
			}
		}
		if unread > 0 {
			counts.PerSession[sessionID] = unread
			counts.Total += unread
		}
	}
	return counts
}

// GetSettings returns a snapshot copy of the settings blob.
func (s *Store) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make(map[string]any, len(s.settings.Data))
	for k, v := range s.settings.Data {
		data[k] = v
	}
	return Settings{Data: data, Version: s.settings.Version}
}

// GetProfile returns the profile blob and its version.
func (s *Store) GetProfile() (json.RawMessage, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, s.profileVersion
}

// DeleteSession removes a session and its messages from the cache.
func (s *Store) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.lastSeq, sessionID)
	delete(s.readSeq, sessionID)
}
