package sync

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func confirmed(id string, seq int64) Message {
	return Message{ID: id, Seq: seq, Content: json.RawMessage(`{}`)}
}

func TestStoreApplyMessagesOrdersBySeq(t *testing.T) {
	store := NewStore(time.Minute)

	store.ApplyMessages("s1", []Message{confirmed("m3", 3), confirmed("m1", 1), confirmed("m2", 2)})

	messages := store.Messages("s1")
	require.Len(t, messages, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{messages[0].ID, messages[1].ID, messages[2].ID})
	require.EqualValues(t, 3, store.LastKnownSeq("s1"))
}

func TestStoreApplyMessagesDropsDuplicates(t *testing.T) {
	store := NewStore(time.Minute)

	store.ApplyMessages("s1", []Message{confirmed("m1", 1)})
	store.ApplyMessages("s1", []Message{confirmed("m1", 1), confirmed("m2", 2)})
	// Same seq under a different id is also a duplicate.
	store.ApplyMessages("s1", []Message{confirmed("m1-replayed", 1)})

	require.Len(t, store.Messages("s1"), 2)
}

func TestStoreConfirmReplacesPendingByLocalID(t *testing.T) {
	store := NewStore(time.Minute)

	local := Message{ID: "local-1", LocalID: "local-1", Pending: true, Content: json.RawMessage(`{"text":"hi"}`)}
	store.ApplyMessages("s1", []Message{local})

	// Server echo of our own send carries the localId.
	localID := "local-1"
	store.ApplyMessages("s1", []Message{{
		ID: "srv-1", Seq: 7, LocalID: localID, Content: json.RawMessage(`{"text":"hi"}`),
	}})

	messages := store.Messages("s1")
	require.Len(t, messages, 1)
	require.Equal(t, "srv-1", messages[0].ID)
	require.False(t, messages[0].Pending)
	require.EqualValues(t, 7, store.LastKnownSeq("s1"))
}

func TestStorePendingSortAfterConfirmed(t *testing.T) {
	store := NewStore(time.Minute)

	store.ApplyMessages("s1", []Message{
		{ID: "p1", LocalID: "p1", Pending: true},
		confirmed("m1", 1),
		{ID: "p2", LocalID: "p2", Pending: true},
		confirmed("m2", 2),
	})

	messages := store.Messages("s1")
	require.Len(t, messages, 4)
	require.False(t, messages[0].Pending)
	require.False(t, messages[1].Pending)
	require.True(t, messages[2].Pending)
	require.True(t, messages[3].Pending)
	// Pending sends keep insertion order.
	require.Equal(t, "p1", messages[2].ID)
	require.Equal(t, "p2", messages[3].ID)
}

func TestStoreConfirmMessage(t *testing.T) {
	store := NewStore(time.Minute)
	store.ApplyMessages("s1", []Message{{ID: "local-1", LocalID: "local-1", Pending: true}})

	store.ConfirmMessage("s1", "local-1", "srv-9", 9)

	messages := store.Messages("s1")
	require.Len(t, messages, 1)
	require.Equal(t, "srv-9", messages[0].ID)
	require.False(t, messages[0].Pending)
	require.EqualValues(t, 9, store.LastKnownSeq("s1"))
}

func TestStoreFailPendingMessages(t *testing.T) {
	store := NewStore(time.Minute)
	store.ApplyMessages("s1", []Message{
		confirmed("m1", 1),
		{ID: "p1", LocalID: "p1", Pending: true},
		{ID: "p2", LocalID: "p2", Pending: true},
	})

	require.Equal(t, 2, store.FailPendingMessages("s1"))
	// Already-failed messages are not counted twice.
	require.Equal(t, 0, store.FailPendingMessages("s1"))

	for _, msg := range store.Messages("s1") {
		if msg.Pending {
			require.True(t, msg.Failed)
		}
	}
}

func TestStoreBadges(t *testing.T) {
	store := NewStore(time.Minute)

	store.ApplyMessages("s1", []Message{confirmed("m1", 1), confirmed("m2", 2)})
	store.ApplyMessages("s2", []Message{confirmed("m3", 1)})
	store.ApplyMessages("s2", []Message{{ID: "p1", LocalID: "p1", Pending: true}})

	badges := store.Badges()
	require.Equal(t, 3, badges.Total)
	require.Equal(t, 2, badges.PerSession["s1"])
	require.Equal(t, 1, badges.PerSession["s2"])

	store.MarkRead("s1")
	badges = store.Badges()
	require.Equal(t, 1, badges.Total)
	require.NotContains(t, badges.PerSession, "s1")

	// New arrivals after the read cursor count again.
	store.ApplyMessages("s1", []Message{confirmed("m4", 3)})
	require.Equal(t, 2, store.Badges().Total)
}

func TestStoreActiveSessionsWindow(t *testing.T) {
	store := NewStore(time.Minute)
	now := time.Now()

	store.ApplySessions([]Session{
		{ID: "fresh", Active: true, ActiveAt: now.Add(-10 * time.Second).UnixMilli()},
		{ID: "stale", Active: true, ActiveAt: now.Add(-5 * time.Minute).UnixMilli()},
		{ID: "inactive", Active: false, ActiveAt: now.UnixMilli()},
	})

	active := store.ActiveSessions(now)
	require.Len(t, active, 1)
	require.Equal(t, "fresh", active[0].ID)
}

func TestStoreDeleteSession(t *testing.T) {
	store := NewStore(time.Minute)
	store.ApplySessions([]Session{{ID: "s1"}})
	store.ApplyMessages("s1", []Message{confirmed("m1", 1)})

	store.DeleteSession("s1")

	_, ok := store.GetSession("s1")
	require.False(t, ok)
	require.Empty(t, store.Messages("s1"))
	require.Zero(t, store.LastKnownSeq("s1"))
}

func TestStoreSetLastKnownSeqNeverRegresses(t *testing.T) {
	store := NewStore(time.Minute)
	store.SetLastKnownSeq("s1", 10)
	store.SetLastKnownSeq("s1", 4)
	require.EqualValues(t, 10, store.LastKnownSeq("s1"))
}
