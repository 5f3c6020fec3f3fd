package websocket

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/y804508275/happy-sub000/internal/wire"
)

func TestAccumulatorCoalescesSameSession(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())
	acc := NewActivityAccumulator(router, 30*time.Millisecond)
	defer acc.Close()

	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: true, ActiveAt: 1}, "")
	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: true, ActiveAt: 2}, "")
	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: false, ActiveAt: 3}, "")

	require.Eventually(t, func() bool {
		return len(sockets["sessionA"].events()) == 1
	}, time.Second, 5*time.Millisecond)

	events := sockets["sessionA"].events()
	payload := events[0].payload.(wire.EphemeralPayload)
	require.False(t, payload.Active)
	require.EqualValues(t, 3, payload.ActiveAt)

	// Only the latest state survives the window, nothing trails it.
	time.Sleep(60 * time.Millisecond)
	require.Len(t, sockets["sessionA"].events(), 1)
	require.Empty(t, sockets["sessionB"].events())
}

func TestAccumulatorKeepsSessionsSeparate(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())
	acc := NewActivityAccumulator(router, 10*time.Millisecond)
	defer acc.Close()

	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: true}, "")
	acc.Add("user-1", "sB", wire.EphemeralPayload{Type: "activity", ID: "sB", Active: true}, "")

	require.Eventually(t, func() bool {
		return len(sockets["sessionA"].events()) == 1 && len(sockets["sessionB"].events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAccumulatorCloseFlushesPending(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())
	acc := NewActivityAccumulator(router, time.Hour)

	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: true}, "")
	acc.Close()

	require.Len(t, sockets["sessionA"].events(), 1)
}

func TestAccumulatorOverflowEmitsImmediately(t *testing.T) {
	manager := NewConnectionManager()
	sockets := testConnections(manager)
	router := NewEventRouter(manager, nil, zerolog.Nop())
	acc := NewActivityAccumulator(router, time.Hour)
	defer acc.Close()

	for i := 0; i < accumulatorMaxSessions; i++ {
		acc.Add("user-1", fmt.Sprintf("fill-%d", i), wire.EphemeralPayload{Type: "activity"}, "")
	}

	// The buffer is full, so the next distinct session bypasses it.
	acc.Add("user-1", "sA", wire.EphemeralPayload{Type: "activity", ID: "sA", Active: true}, "")
	require.Len(t, sockets["sessionA"].events(), 1)
}
