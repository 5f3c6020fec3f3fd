package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestVersionedChannelCoalescesBursts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}, zerolog.Nop())
	defer ch.Stop()

	ch.Invalidate()
	<-started
	// A burst of triggers while a run is in flight collapses into exactly
	// one rerun.
	for i := 0; i < 25; i++ {
		ch.Invalidate()
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.AwaitQueue(ctx))
	require.EqualValues(t, 2, runs.Load())
}

func TestVersionedChannelAwaitReturnsRunError(t *testing.T) {
	sentinel := errors.New("refresh broken")
	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		return sentinel
	}, zerolog.Nop())
	defer ch.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, ch.InvalidateAndAwait(ctx), sentinel)
}

func TestVersionedChannelRetriesUntilSuccess(t *testing.T) {
	var runs atomic.Int32
	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, zerolog.Nop())
	defer ch.Stop()

	ch.Invalidate()

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 10*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ch.AwaitQueue(ctx))
	require.EqualValues(t, 3, runs.Load())
}

func TestVersionedChannelAwaitQueueIdle(t *testing.T) {
	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		return nil
	}, zerolog.Nop())
	defer ch.Stop()

	require.NoError(t, ch.AwaitQueue(context.Background()))
}

func TestVersionedChannelStopReleasesWaiters(t *testing.T) {
	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		done <- ch.InvalidateAndAwait(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	ch.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrChannelStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released on stop")
	}
}

func TestVersionedChannelInvalidateAfterStopIsNoop(t *testing.T) {
	var runs atomic.Int32
	ch := NewVersionedChannel("test", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, zerolog.Nop())
	ch.Stop()

	ch.Invalidate()
	require.ErrorIs(t, ch.InvalidateAndAwait(context.Background()), ErrChannelStopped)
	require.EqualValues(t, 0, runs.Load())
}
