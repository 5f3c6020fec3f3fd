package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	refreshBackoffMin = time.Second
	refreshBackoffMax = time.Minute
)

// ErrChannelStopped is returned to waiters when the channel is stopped before
// their awaited run completes.
var ErrChannelStopped = errors.New("sync channel stopped")

// RefreshFunc reconciles one entity collection against the server. It must
// honor ctx cancellation.
type RefreshFunc func(ctx context.Context) error

// VersionedChannel is a coalescing invalidate-and-refresh primitive: one unit
// of "this entity set may be stale, refresh it".
//
// Invalidate marks the channel dirty and schedules exactly one run of the
// refresh function if none is in flight. While a run is in flight, any number
// of further invalidations coalesce into exactly one rerun after it
// completes. A failed run keeps the channel dirty and is retried with
// exponential backoff forever; the error is surfaced only to callers awaiting
// that run, once.
type VersionedChannel struct {
	name    string
	refresh RefreshFunc
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	rerun   bool
	// pendingWaiters await a run that has not started yet; they are promoted
	// to runWaiters when their run begins and resolved when it completes.
	pendingWaiters []chan error
	runWaiters     []chan error
	idleWaiters    []chan struct{}
}

// NewVersionedChannel creates a channel for the given refresh function. The
// channel starts clean; call Invalidate to schedule the first run.
func NewVersionedChannel(name string, refresh RefreshFunc, log zerolog.Logger) *VersionedChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &VersionedChannel{
		name:    name,
		refresh: refresh,
		log:     log.With().Str("channel", name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Invalidate marks the channel dirty. Safe to call from any goroutine.
func (c *VersionedChannel) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *VersionedChannel) invalidateLocked() {
	if c.ctx.Err() != nil {
		return
	}
	if c.running {
		c.rerun = true
		return
	}
	c.running = true
	go c.run()
}

// InvalidateAndAwait marks the channel dirty and blocks until the run
// covering this invalidation completes, returning its error.
func (c *VersionedChannel) InvalidateAndAwait(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrChannelStopped
	}
	waiter := make(chan error, 1)
	c.pendingWaiters = append(c.pendingWaiters, waiter)
	c.invalidateLocked()
	c.mu.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelStopped
	}
}

// AwaitQueue blocks until no run and no pending rerun remain.
func (c *VersionedChannel) AwaitQueue(ctx context.Context) error {
	c.mu.Lock()
	if !c.running && !c.rerun {
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	c.idleWaiters = append(c.idleWaiters, waiter)
	c.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelStopped
	}
}

// Stop cancels any in-flight run and releases all waiters. The channel cannot
// be reused afterwards.
func (c *VersionedChannel) Stop() {
	c.cancel()
}

// run is the channel's worker: one refresh, then a rerun if invalidations
// arrived mid-run, retrying failures with backoff until success or Stop.
func (c *VersionedChannel) run() {
	backoff := refreshBackoffMin

	for {
		c.mu.Lock()
		// Waiters registered before this run starts are resolved by it.
		c.runWaiters = append(c.runWaiters, c.pendingWaiters...)
		c.pendingWaiters = nil
		c.mu.Unlock()

		err := c.refresh(c.ctx)

		if c.ctx.Err() != nil {
			c.finish()
			return
		}

		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("refresh failed, retrying")
			c.notifyRunWaiters(err)

			select {
			case <-c.ctx.Done():
				c.finish()
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > refreshBackoffMax {
				backoff = refreshBackoffMax
			}
			continue
		}

		c.notifyRunWaiters(nil)
		backoff = refreshBackoffMin

		c.mu.Lock()
		if c.rerun {
			c.rerun = false
			c.mu.Unlock()
			continue
		}
		c.running = false
		c.releaseIdleWaitersLocked()
		c.mu.Unlock()
		return
	}
}

// notifyRunWaiters surfaces the run outcome to awaiting callers exactly once.
func (c *VersionedChannel) notifyRunWaiters(err error) {
	c.mu.Lock()
	waiters := c.runWaiters
	c.runWaiters = nil
	c.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- err
	}
}

func (c *VersionedChannel) finish() {
	c.mu.Lock()
	c.running = false
	c.rerun = false
	c.releaseIdleWaitersLocked()
	c.mu.Unlock()
	c.notifyRunWaiters(ErrChannelStopped)
}

func (c *VersionedChannel) releaseIdleWaitersLocked() {
	for _, waiter := range c.idleWaiters {
		close(waiter)
	}
	c.idleWaiters = nil
}
