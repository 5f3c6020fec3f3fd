package handlers

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// Optimistic-concurrency field updates. A write is accepted only when the
// caller's expected version matches server state; on mismatch the ack carries
// the authoritative value and version so the caller can re-base and retry.

// UpdateMetadata handles session metadata updates.
func UpdateMetadata(ctx context.Context, deps Deps, auth AuthContext, req wire.UpdateMetadataEvent) EventResult {
	session, err := deps.Sessions().GetSessionByID(ctx, req.SessionID)
	if err != nil || session.AccountID != auth.UserID() {
		return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
	}

	newVersion := req.ExpectedVersion + 1
	rowsAffected, err := deps.Sessions().UpdateSessionMetadata(ctx, store.UpdateSessionMetadataParams{
		Metadata:        req.Metadata,
		MetadataVersion: newVersion,
		ID:              req.SessionID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil || rowsAffected == 0 {
		current, gerr := deps.Sessions().GetSessionByID(ctx, req.SessionID)
		if gerr != nil {
			return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
		}
		value := current.Metadata
		return NewEventResult(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.MetadataVersion,
			Value:   &value,
		}, nil)
	}

	update := newSessionUpdateSkippingSelf(auth.UserID(), req.SessionID, wire.UpdateBody{
		T:        wire.UpdateSession,
		ID:       req.SessionID,
		Metadata: &wire.VersionedValue{Value: req.Metadata, Version: newVersion},
	})

	return NewEventResult(wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	}, []UpdateInstruction{update})
}

// UpdateState handles session agent state updates.
func UpdateState(ctx context.Context, deps Deps, auth AuthContext, req wire.UpdateStateEvent) EventResult {
	session, err := deps.Sessions().GetSessionByID(ctx, req.SessionID)
	if err != nil || session.AccountID != auth.UserID() {
		return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
	}

	agentState := sql.NullString{}
	if req.AgentState != nil {
		agentState = sql.NullString{String: *req.AgentState, Valid: true}
	}

	newVersion := req.ExpectedVersion + 1
	rowsAffected, err := deps.Sessions().UpdateSessionAgentState(ctx, store.UpdateSessionAgentStateParams{
		AgentState:        agentState,
		AgentStateVersion: newVersion,
		ID:                req.SessionID,
		ExpectedVersion:   req.ExpectedVersion,
	})
	if err != nil || rowsAffected == 0 {
		current, gerr := deps.Sessions().GetSessionByID(ctx, req.SessionID)
		if gerr != nil {
			return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
		}
		var value *string
		if current.AgentState.Valid {
			v := current.AgentState.String
			value = &v
		}
		return NewEventResult(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.AgentStateVersion,
			Value:   value,
		}, nil)
	}

	stateValue := ""
	if req.AgentState != nil {
		stateValue = *req.AgentState
	}
	update := newSessionUpdateSkippingSelf(auth.UserID(), req.SessionID, wire.UpdateBody{
		T:          wire.UpdateSession,
		ID:         req.SessionID,
		AgentState: &wire.VersionedValue{Value: stateValue, Version: newVersion},
	})

	return NewEventResult(wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	}, []UpdateInstruction{update})
}

// MachineUpdateMetadata handles machine metadata updates.
func MachineUpdateMetadata(ctx context.Context, deps Deps, auth AuthContext, req wire.MachineUpdateMetadataEvent) EventResult {
	newVersion := req.ExpectedVersion + 1
	rowsAffected, err := deps.Machines().UpdateMachineMetadata(ctx, store.UpdateMachineMetadataParams{
		Metadata:        req.Metadata,
		MetadataVersion: newVersion,
		AccountID:       auth.UserID(),
		ID:              req.MachineID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil || rowsAffected == 0 {
		machine, gerr := deps.Machines().GetMachine(ctx, store.GetMachineParams{
			AccountID: auth.UserID(),
			ID:        req.MachineID,
		})
		if gerr != nil {
			return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
		}
		value := machine.Metadata
		return NewEventResult(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: machine.MetadataVersion,
			Value:   &value,
		}, nil)
	}

	update := newUserUpdateSkippingSelf(auth.UserID(), wire.UpdateBody{
		T:        wire.UpdateMachine,
		ID:       req.MachineID,
		Metadata: &wire.VersionedValue{Value: req.Metadata, Version: newVersion},
	})

	return NewEventResult(wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	}, []UpdateInstruction{update})
}

// MachineUpdateState handles machine daemon state updates.
func MachineUpdateState(ctx context.Context, deps Deps, auth AuthContext, req wire.MachineUpdateStateEvent) EventResult {
	daemonState := sql.NullString{}
	if req.DaemonState != nil {
		daemonState = sql.NullString{String: *req.DaemonState, Valid: true}
	}

	newVersion := req.ExpectedVersion + 1
	rowsAffected, err := deps.Machines().UpdateMachineDaemonState(ctx, store.UpdateMachineDaemonStateParams{
		DaemonState:        daemonState,
		DaemonStateVersion: newVersion,
		AccountID:          auth.UserID(),
		ID:                 req.MachineID,
		ExpectedVersion:    req.ExpectedVersion,
	})
	if err != nil || rowsAffected == 0 {
		machine, gerr := deps.Machines().GetMachine(ctx, store.GetMachineParams{
			AccountID: auth.UserID(),
			ID:        req.MachineID,
		})
		if gerr != nil {
			log.Debug().Err(gerr).Str("machine", req.MachineID).Msg("machine lookup failed after version mismatch")
			return NewEventResult(wire.VersionedUpdateResponse{Result: wire.UpdateResultError}, nil)
		}
		var value *string
		if machine.DaemonState.Valid {
			v := machine.DaemonState.String
			value = &v
		}
		return NewEventResult(wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: machine.DaemonStateVersion,
			Value:   value,
		}, nil)
	}

	stateValue := ""
	if req.DaemonState != nil {
		stateValue = *req.DaemonState
	}
	update := newUserUpdateSkippingSelf(auth.UserID(), wire.UpdateBody{
		T:           wire.UpdateMachine,
		ID:          req.MachineID,
		DaemonState: &wire.VersionedValue{Value: stateValue, Version: newVersion},
	})

	return NewEventResult(wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	}, []UpdateInstruction{update})
}
