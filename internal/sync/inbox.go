package sync

import (
	"sync"
)

// inboxArena holds the per-session inbox queues. It is keyed by session id
// with explicit eviction on session delete so it cannot grow without bound
// across the process lifetime.
type inboxArena struct {
	store *Store

	mu     sync.Mutex
	queues map[string]*sessionInbox
}

// sessionInbox serializes message application for one session: messages are
// applied in enqueue order even when server push and catch-up fetch deliver
// concurrently.
type sessionInbox struct {
	sessionID string
	store     *Store

	mu       sync.Mutex
	queue    []Message
	draining bool
}

func newInboxArena(store *Store) *inboxArena {
	return &inboxArena{
		store:  store,
		queues: make(map[string]*sessionInbox),
	}
}

// enqueue appends messages to the session's queue and starts a drain if none
// is running. A drain already in flight picks the new items up itself.
func (a *inboxArena) enqueue(sessionID string, messages []Message) {
	if len(messages) == 0 {
		return
	}

	a.mu.Lock()
	inbox, ok := a.queues[sessionID]
	if !ok {
		inbox = &sessionInbox{sessionID: sessionID, store: a.store}
		a.queues[sessionID] = inbox
	}
	a.mu.Unlock()

	inbox.enqueue(messages)
}

// evict removes a session's queue when the session is deleted.
func (a *inboxArena) evict(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.queues, sessionID)
}

func (b *sessionInbox) enqueue(messages []Message) {
	b.mu.Lock()
	b.queue = append(b.queue, messages...)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	go b.drain()
}

// drain applies queued messages to the store in enqueue order, batching
// anything that arrived while a batch was being applied, and re-arms until
// the queue is observed empty.
func (b *sessionInbox) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		b.store.ApplyMessages(b.sessionID, batch)
	}
}
