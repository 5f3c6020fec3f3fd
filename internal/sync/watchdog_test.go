package sync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdogExpiresInBackground(t *testing.T) {
	var expirations atomic.Int32
	w := newDeliveryWatchdog(50*time.Millisecond, func() {
		expirations.Add(1)
	})
	defer w.Stop()

	w.NoteOutboxSize(2)
	w.SetForeground(false)

	require.Eventually(t, func() bool {
		return expirations.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The timer does not re-arm until the outbox refills.
	time.Sleep(120 * time.Millisecond)
	require.EqualValues(t, 1, expirations.Load())
}

func TestWatchdogNeverFiresInForeground(t *testing.T) {
	var expirations atomic.Int32
	w := newDeliveryWatchdog(50*time.Millisecond, func() {
		expirations.Add(1)
	})
	defer w.Stop()

	w.NoteOutboxSize(1)
	time.Sleep(120 * time.Millisecond)
	require.Zero(t, expirations.Load())
}

func TestWatchdogDisarmedByDelivery(t *testing.T) {
	var expirations atomic.Int32
	w := newDeliveryWatchdog(100*time.Millisecond, func() {
		expirations.Add(1)
	})
	defer w.Stop()

	w.NoteOutboxSize(1)
	w.SetForeground(false)
	// Delivery lands just before the deadline.
	time.Sleep(40 * time.Millisecond)
	w.NoteOutboxSize(0)

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, expirations.Load())
}

func TestWatchdogForegroundStopsTimer(t *testing.T) {
	var expirations atomic.Int32
	w := newDeliveryWatchdog(80*time.Millisecond, func() {
		expirations.Add(1)
	})
	defer w.Stop()

	w.NoteOutboxSize(1)
	w.SetForeground(false)
	time.Sleep(30 * time.Millisecond)
	w.SetForeground(true)

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, expirations.Load())
}

func TestWatchdogRearmsForNewSends(t *testing.T) {
	var expirations atomic.Int32
	w := newDeliveryWatchdog(40*time.Millisecond, func() {
		expirations.Add(1)
	})
	defer w.Stop()

	w.SetForeground(false)
	w.NoteOutboxSize(1)
	require.Eventually(t, func() bool { return expirations.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	// The expire callback cleared the outbox; a fresh send arms again.
	w.NoteOutboxSize(0)
	w.NoteOutboxSize(3)
	require.Eventually(t, func() bool { return expirations.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
}
