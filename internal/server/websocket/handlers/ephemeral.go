package handlers

import (
	"github.com/y804508275/happy-sub000/internal/wire"
)

// EphemeralForward validates a client-originated ephemeral (usage reports,
// streaming text deltas) and relays it to the connections interested in the
// session. Malformed payloads are dropped; ephemerals carry no delivery
// contract, so the caller gets no ack either way.
func EphemeralForward(auth AuthContext, payload wire.EphemeralPayload) EventResult {
	switch payload.Type {
	case wire.EphemeralUsage, wire.EphemeralTextDelta:
	default:
		// Only session-data ephemerals may be forwarded by clients; activity
		// and presence are synthesized server-side.
		return NewEventResult(nil, nil)
	}
	if payload.ID == "" {
		return NewEventResult(nil, nil)
	}

	return NewEventResultWithEphemerals(nil, nil, []EphemeralInstruction{
		newEphemeralToSession(auth.UserID(), payload.ID, payload),
	})
}
