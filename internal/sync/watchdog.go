package sync

import (
	"sync"
	"time"
)

// deliveryWatchdog bounds how long queued sends may sit unacknowledged while
// the app is backgrounded. When the timer fires, the engine cancels in-flight
// submits, drains the outbox into a synthetic failure message and raises one
// notification. Foregrounding after expiry still surfaces the failure
// retroactively.
type deliveryWatchdog struct {
	timeout time.Duration
	expire  func()

	mu         sync.Mutex
	foreground bool
	outboxSize int
	timer      *time.Timer
	expired    bool
}

func newDeliveryWatchdog(timeout time.Duration, expire func()) *deliveryWatchdog {
	return &deliveryWatchdog{
		timeout:    timeout,
		expire:     expire,
		foreground: true,
	}
}

// SetForeground reports app visibility transitions.
func (w *deliveryWatchdog) SetForeground(foreground bool) {
	w.mu.Lock()
	w.foreground = foreground

	if foreground {
		w.stopTimerLocked()
		if w.expired {
			// The timer fired while backgrounded and could not surface then;
			// surface the failure retroactively.
			w.expired = false
			w.mu.Unlock()
			w.expire()
			return
		}
		w.mu.Unlock()
		return
	}

	w.armIfNeededLocked()
	w.mu.Unlock()
}

// NoteOutboxSize reports the total number of queued outbox entries. An empty
// outbox disarms the watchdog.
func (w *deliveryWatchdog) NoteOutboxSize(size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outboxSize = size
	if size == 0 {
		w.stopTimerLocked()
		w.expired = false
		return
	}
	w.armIfNeededLocked()
}

// Stop disarms the watchdog permanently.
func (w *deliveryWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimerLocked()
}

func (w *deliveryWatchdog) armIfNeededLocked() {
	if w.foreground || w.outboxSize == 0 || w.timer != nil || w.expired {
		return
	}
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *deliveryWatchdog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *deliveryWatchdog) fire() {
	w.mu.Lock()
	w.timer = nil
	if w.foreground || w.outboxSize == 0 {
		w.mu.Unlock()
		return
	}
	w.expired = true
	w.mu.Unlock()

	w.expire()
}
