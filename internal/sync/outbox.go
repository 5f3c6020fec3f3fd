package sync

import (
	"context"
	"sync"

	"github.com/y804508275/happy-sub000/internal/wire"
)

// outbox is the per-session queue of not-yet-acknowledged outgoing messages.
// Entries accumulate while offline and are flushed as one batch.
type outbox struct {
	mu      sync.Mutex
	entries []wire.OutboxEntry

	// cancelInFlight aborts the current batch submit, used by the delivery
	// watchdog.
	cancelInFlight context.CancelFunc
}

func (o *outbox) append(entry wire.OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
}

// snapshot returns the current entries for one batch submit.
func (o *outbox) snapshot() []wire.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]wire.OutboxEntry(nil), o.entries...)
}

// removeSubmitted removes exactly the acknowledged entries. Arrivals during
// the network round trip stay queued for the next run.
func (o *outbox) removeSubmitted(localIDs map[string]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	remaining := o.entries[:0]
	for _, entry := range o.entries {
		if !localIDs[entry.LocalID] {
			remaining = append(remaining, entry)
		}
	}
	o.entries = remaining
}

// drainAll clears the outbox and returns what was queued.
func (o *outbox) drainAll() []wire.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	drained := o.entries
	o.entries = nil
	return drained
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// setCancel records the abort handle for the in-flight submit.
func (o *outbox) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelInFlight = cancel
}

// abort cancels the in-flight submit, if any.
func (o *outbox) abort() {
	o.mu.Lock()
	cancel := o.cancelInFlight
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
