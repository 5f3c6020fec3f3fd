package websocket

import (
	"sync"
	"time"

	"github.com/y804508275/happy-sub000/internal/server/metrics"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// accumulatorMaxSessions bounds the debounce buffer. Signals for further
// sessions are emitted immediately instead of buffered.
const accumulatorMaxSessions = 512

type pendingActivity struct {
	userID   string
	payload  wire.EphemeralPayload
	skipSock string
}

// ActivityAccumulator coalesces high-frequency session activity signals per
// session over a debounce window before fan-out. Only the latest state per
// session survives the window; the final state is never lost.
type ActivityAccumulator struct {
	router   *EventRouter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]pendingActivity // sessionID -> latest signal

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewActivityAccumulator creates an accumulator flushing every interval.
func NewActivityAccumulator(router *EventRouter, interval time.Duration) *ActivityAccumulator {
	a := &ActivityAccumulator{
		router:   router,
		interval: interval,
		pending:  make(map[string]pendingActivity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Add buffers a session activity signal, replacing any pending signal for the
// same session. When the buffer is full the signal is emitted immediately.
func (a *ActivityAccumulator) Add(userID, sessionID string, payload wire.EphemeralPayload, skipSocketID string) {
	a.mu.Lock()
	if _, buffered := a.pending[sessionID]; !buffered && len(a.pending) >= accumulatorMaxSessions {
		a.mu.Unlock()
		a.router.EmitEphemeral(userID, payload, &RecipientFilter{
			Type:      FilterAllInterestedInSession,
			SessionID: sessionID,
		}, skipSocketID)
		return
	}
	if _, buffered := a.pending[sessionID]; buffered {
		metrics.ActivityCoalesced.Inc()
	}
	a.pending[sessionID] = pendingActivity{userID: userID, payload: payload, skipSock: skipSocketID}
	a.mu.Unlock()
}

// Flush emits all pending signals now. Called from the periodic loop and on
// shutdown.
func (a *ActivityAccumulator) Flush() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.pending
	a.pending = make(map[string]pendingActivity)
	a.mu.Unlock()

	for sessionID, p := range batch {
		a.router.EmitEphemeral(p.userID, p.payload, &RecipientFilter{
			Type:      FilterAllInterestedInSession,
			SessionID: sessionID,
		}, p.skipSock)
	}
}

// Close stops the flush loop after a final flush.
func (a *ActivityAccumulator) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	<-a.done
}

func (a *ActivityAccumulator) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-a.stop:
			a.Flush()
			return
		}
	}
}
