package handlers

import (
	"github.com/y804508275/happy-sub000/internal/wire"
)

// UpdateScope describes where an update should be emitted.
type UpdateScope int

const (
	updateScopeUnknown UpdateScope = iota
	updateScopeUser
	updateScopeSession
)

// UpdateInstruction describes a single outbound update emission produced by a
// handler call.
type UpdateInstruction struct {
	scope     UpdateScope
	userID    string
	sessionID string
	body      wire.UpdateBody
	skipSelf  bool
}

func newUserUpdate(userID string, body wire.UpdateBody) UpdateInstruction {
	return UpdateInstruction{scope: updateScopeUser, userID: userID, body: body}
}

func newUserUpdateSkippingSelf(userID string, body wire.UpdateBody) UpdateInstruction {
	return UpdateInstruction{scope: updateScopeUser, userID: userID, body: body, skipSelf: true}
}

func newSessionUpdateSkippingSelf(userID, sessionID string, body wire.UpdateBody) UpdateInstruction {
	return UpdateInstruction{scope: updateScopeSession, userID: userID, sessionID: sessionID, body: body, skipSelf: true}
}

// IsUser reports whether the update targets all user sockets.
func (u UpdateInstruction) IsUser() bool { return u.scope == updateScopeUser }

// IsSession reports whether the update targets session-interested sockets.
func (u UpdateInstruction) IsSession() bool { return u.scope == updateScopeSession }

// SkipSelf reports whether the transport adapter should skip emitting the
// update back to the calling socket.
func (u UpdateInstruction) SkipSelf() bool { return u.skipSelf }

// UserID returns the account id for the emission.
func (u UpdateInstruction) UserID() string { return u.userID }

// SessionID returns the target session id for session-scoped emissions.
func (u UpdateInstruction) SessionID() string { return u.sessionID }

// Body returns the update body payload. The transport adapter wraps it in an
// envelope with a freshly allocated account seq.
func (u UpdateInstruction) Body() wire.UpdateBody { return u.body }

// EphemeralInstruction describes a single outbound ephemeral emission.
type EphemeralInstruction struct {
	userID         string
	sessionID      string
	payload        wire.EphemeralPayload
	userScopedOnly bool
	coalesce       bool
	skipSelf       bool
}

func newEphemeralToSession(userID, sessionID string, payload wire.EphemeralPayload) EphemeralInstruction {
	return EphemeralInstruction{userID: userID, sessionID: sessionID, payload: payload, skipSelf: true}
}

// newCoalescedActivity marks a session activity signal for the debounce
// buffer instead of immediate emission.
func newCoalescedActivity(userID, sessionID string, payload wire.EphemeralPayload) EphemeralInstruction {
	return EphemeralInstruction{userID: userID, sessionID: sessionID, payload: payload, coalesce: true, skipSelf: true}
}

func newEphemeralToUserScoped(userID string, payload wire.EphemeralPayload) EphemeralInstruction {
	return EphemeralInstruction{userID: userID, payload: payload, userScopedOnly: true}
}

// UserID returns the account id for the emission.
func (e EphemeralInstruction) UserID() string { return e.userID }

// SessionID returns the session the ephemeral refers to, when any.
func (e EphemeralInstruction) SessionID() string { return e.sessionID }

// Payload returns the ephemeral payload.
func (e EphemeralInstruction) Payload() wire.EphemeralPayload { return e.payload }

// UserScopedOnly reports whether only user-scoped sockets should receive the
// event (machine presence).
func (e EphemeralInstruction) UserScopedOnly() bool { return e.userScopedOnly }

// Coalesce reports whether the signal should pass through the activity
// debounce buffer.
func (e EphemeralInstruction) Coalesce() bool { return e.coalesce }

// SkipSelf reports whether the originating socket should be skipped.
func (e EphemeralInstruction) SkipSelf() bool { return e.skipSelf }

// EventResult is the output of a handler invocation.
type EventResult struct {
	ack        any
	updates    []UpdateInstruction
	ephemerals []EphemeralInstruction
}

// NewEventResult constructs a handler result.
func NewEventResult(ack any, updates []UpdateInstruction) EventResult {
	return EventResult{ack: ack, updates: updates}
}

// NewEventResultWithEphemerals constructs a handler result including
// ephemeral emissions.
func NewEventResultWithEphemerals(ack any, updates []UpdateInstruction, ephemerals []EphemeralInstruction) EventResult {
	return EventResult{ack: ack, updates: updates, ephemerals: ephemerals}
}

// Ack returns the ACK payload to send to the caller.
func (r EventResult) Ack() any { return r.ack }

// Updates returns the update emissions requested by the handler.
func (r EventResult) Updates() []UpdateInstruction { return r.updates }

// Ephemerals returns the ephemeral emissions requested by the handler.
func (r EventResult) Ephemerals() []EphemeralInstruction { return r.ephemerals }
