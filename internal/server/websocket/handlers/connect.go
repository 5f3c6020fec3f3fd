package handlers

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// ConnectEffects applies scope-dependent side effects after a successful
// handshake. A machine-scoped connect marks the machine online and emits a
// presence ephemeral to user-scoped sockets; a session-scoped connect marks
// the session active.
func ConnectEffects(ctx context.Context, deps Deps, auth AuthContext, sessionID, machineID string) EventResult {
	var ephemerals []EphemeralInstruction
	now := deps.Now()

	if auth.Scope() == wire.ScopeSession && sessionID != "" {
		if err := deps.Sessions().UpdateSessionActivity(ctx, store.UpdateSessionActivityParams{
			Active:       1,
			LastActiveAt: now,
			ID:           sessionID,
		}); err != nil {
			log.Warn().Err(err).Str("sid", sessionID).Msg("failed to update session activity")
		}

		ephemerals = append(ephemerals, newEphemeralToSession(auth.UserID(), sessionID,
			wire.SessionActivity(sessionID, true, false, now.UnixMilli())))
	}

	if auth.Scope() == wire.ScopeMachine && machineID != "" {
		if err := deps.Machines().UpdateMachineActivity(ctx, store.UpdateMachineActivityParams{
			Active:       1,
			LastActiveAt: now,
			AccountID:    auth.UserID(),
			ID:           machineID,
		}); err != nil {
			log.Warn().Err(err).Str("machine", machineID).Msg("failed to update machine activity")
		}

		ephemerals = append(ephemerals, newEphemeralToUserScoped(auth.UserID(),
			wire.MachineActivity(machineID, true, now.UnixMilli())))
	}

	return NewEventResultWithEphemerals(nil, nil, ephemerals)
}
