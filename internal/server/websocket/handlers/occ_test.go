package handlers

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

func TestUpdateMetadataAcceptsMatchingVersion(t *testing.T) {
	q := newFakeQueries()
	q.sessions["s1"] = store.Session{ID: "s1", AccountID: "user-1", Metadata: "old", MetadataVersion: 3}

	result := UpdateMetadata(context.Background(), q.deps(), testAuth(), wire.UpdateMetadataEvent{
		SessionID: "s1", Metadata: "new", ExpectedVersion: 3,
	})

	ack := result.Ack().(wire.VersionedUpdateResponse)
	require.Equal(t, wire.UpdateResultSuccess, ack.Result)
	require.EqualValues(t, 4, ack.Version)
	require.Equal(t, "new", q.sessions["s1"].Metadata)

	// The accepted write fans out with the new value and version, skipping
	// the writer.
	require.Len(t, result.Updates(), 1)
	body := result.Updates()[0].Body()
	require.Equal(t, wire.UpdateSession, body.T)
	require.Equal(t, "new", body.Metadata.Value)
	require.EqualValues(t, 4, body.Metadata.Version)
	require.True(t, result.Updates()[0].SkipSelf())
}

func TestUpdateMetadataMismatchReturnsAuthoritativeValue(t *testing.T) {
	q := newFakeQueries()
	q.sessions["s1"] = store.Session{ID: "s1", AccountID: "user-1", Metadata: "current", MetadataVersion: 5}

	result := UpdateMetadata(context.Background(), q.deps(), testAuth(), wire.UpdateMetadataEvent{
		SessionID: "s1", Metadata: "stale-write", ExpectedVersion: 3,
	})

	ack := result.Ack().(wire.VersionedUpdateResponse)
	require.Equal(t, wire.UpdateResultVersionMismatch, ack.Result)
	require.EqualValues(t, 5, ack.Version)
	require.NotNil(t, ack.Value)
	require.Equal(t, "current", *ack.Value)

	// A rejected write never bumps the version or fans out.
	require.Equal(t, "current", q.sessions["s1"].Metadata)
	require.EqualValues(t, 5, q.sessions["s1"].MetadataVersion)
	require.Empty(t, result.Updates())
}

func TestUpdateMetadataRejectsForeignSession(t *testing.T) {
	q := newFakeQueries()
	q.sessions["s1"] = store.Session{ID: "s1", AccountID: "someone-else", MetadataVersion: 1}

	result := UpdateMetadata(context.Background(), q.deps(), testAuth(), wire.UpdateMetadataEvent{
		SessionID: "s1", Metadata: "x", ExpectedVersion: 1,
	})

	require.Equal(t, wire.UpdateResultError, result.Ack().(wire.VersionedUpdateResponse).Result)
}

func TestUpdateStateHandlesNullAgentState(t *testing.T) {
	q := newFakeQueries()
	q.sessions["s1"] = store.Session{ID: "s1", AccountID: "user-1"}

	state := "agent-blob"
	result := UpdateState(context.Background(), q.deps(), testAuth(), wire.UpdateStateEvent{
		SessionID: "s1", AgentState: &state, ExpectedVersion: 0,
	})
	require.Equal(t, wire.UpdateResultSuccess, result.Ack().(wire.VersionedUpdateResponse).Result)
	require.Equal(t, "agent-blob", q.sessions["s1"].AgentState.String)

	// Clearing the state back to null is also a versioned write.
	result = UpdateState(context.Background(), q.deps(), testAuth(), wire.UpdateStateEvent{
		SessionID: "s1", AgentState: nil, ExpectedVersion: 1,
	})
	require.Equal(t, wire.UpdateResultSuccess, result.Ack().(wire.VersionedUpdateResponse).Result)
	require.False(t, q.sessions["s1"].AgentState.Valid)
}

func TestMachineUpdateMetadataVersionRace(t *testing.T) {
	q := newFakeQueries()
	q.machines["m1"] = store.Machine{ID: "m1", AccountID: "user-1", Metadata: "v2-value", MetadataVersion: 2}

	winner := MachineUpdateMetadata(context.Background(), q.deps(), testAuth(), wire.MachineUpdateMetadataEvent{
		MachineID: "m1", Metadata: "winner", ExpectedVersion: 2,
	})
	require.Equal(t, wire.UpdateResultSuccess, winner.Ack().(wire.VersionedUpdateResponse).Result)

	loser := MachineUpdateMetadata(context.Background(), q.deps(), testAuth(), wire.MachineUpdateMetadataEvent{
		MachineID: "m1", Metadata: "loser", ExpectedVersion: 2,
	})
	ack := loser.Ack().(wire.VersionedUpdateResponse)
	require.Equal(t, wire.UpdateResultVersionMismatch, ack.Result)
	require.EqualValues(t, 3, ack.Version)
	require.Equal(t, "winner", *ack.Value)
}

func TestMachineUpdateStateMismatchCarriesNullValue(t *testing.T) {
	q := newFakeQueries()
	q.machines["m1"] = store.Machine{
		ID: "m1", AccountID: "user-1",
		DaemonState: sql.NullString{}, DaemonStateVersion: 4,
	}

	state := "blob"
	result := MachineUpdateState(context.Background(), q.deps(), testAuth(), wire.MachineUpdateStateEvent{
		MachineID: "m1", DaemonState: &state, ExpectedVersion: 1,
	})

	ack := result.Ack().(wire.VersionedUpdateResponse)
	require.Equal(t, wire.UpdateResultVersionMismatch, ack.Result)
	require.EqualValues(t, 4, ack.Version)
	require.Nil(t, ack.Value)
}
