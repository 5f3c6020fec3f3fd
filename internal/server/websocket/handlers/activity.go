package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// SessionAlive handles session keep-alive signals. The resulting activity
// ephemeral goes through the debounce buffer so high-frequency thinking
// signals are coalesced per session.
func SessionAlive(ctx context.Context, deps Deps, auth AuthContext, req wire.SessionAliveEvent) EventResult {
	if req.SessionID == "" {
		return NewEventResult(nil, nil)
	}

	if err := deps.Sessions().UpdateSessionActivity(ctx, store.UpdateSessionActivityParams{
		Active:       1,
		LastActiveAt: time.UnixMilli(req.Time),
		ID:           req.SessionID,
	}); err != nil {
		log.Warn().Err(err).Str("sid", req.SessionID).Msg("failed to update session activity")
	}

	return NewEventResultWithEphemerals(nil, nil, []EphemeralInstruction{
		newCoalescedActivity(auth.UserID(), req.SessionID,
			wire.SessionActivity(req.SessionID, true, req.Thinking, req.Time)),
	})
}

// SessionEnd marks a session inactive and emits the final activity state
// immediately (not coalesced, so observers see the end without delay).
func SessionEnd(ctx context.Context, deps Deps, auth AuthContext, req wire.SessionEndEvent) EventResult {
	if req.SessionID == "" {
		return NewEventResult(nil, nil)
	}

	if err := deps.Sessions().UpdateSessionActivity(ctx, store.UpdateSessionActivityParams{
		Active:       0,
		LastActiveAt: time.UnixMilli(req.Time),
		ID:           req.SessionID,
	}); err != nil {
		log.Warn().Err(err).Str("sid", req.SessionID).Msg("failed to end session")
	}

	return NewEventResultWithEphemerals(nil, nil, []EphemeralInstruction{
		newEphemeralToSession(auth.UserID(), req.SessionID,
			wire.SessionActivity(req.SessionID, false, false, req.Time)),
	})
}

// MachineAlive handles machine daemon keep-alive signals. Presence goes to
// user-scoped connections only.
func MachineAlive(ctx context.Context, deps Deps, auth AuthContext, req wire.MachineAliveEvent) EventResult {
	if req.MachineID == "" {
		return NewEventResult(nil, nil)
	}

	if err := deps.Machines().UpdateMachineActivity(ctx, store.UpdateMachineActivityParams{
		Active:       1,
		LastActiveAt: time.UnixMilli(req.Time),
		AccountID:    auth.UserID(),
		ID:           req.MachineID,
	}); err != nil {
		log.Warn().Err(err).Str("machine", req.MachineID).Msg("failed to update machine activity")
	}

	return NewEventResultWithEphemerals(nil, nil, []EphemeralInstruction{
		newEphemeralToUserScoped(auth.UserID(), wire.MachineActivity(req.MachineID, true, req.Time)),
	})
}
