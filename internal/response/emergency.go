package response

import (
	"sync"
	"sync/atomic"

	"tripwire/detection-engine/internal/metrics"
)

// EmergencyMode is a process-wide lockdown flag. Readers on the hot path
// cost one atomic load; state changes fan out to subscribers so components
// (strict-mode handlers, schedulers) react without polling.
type EmergencyMode struct {
	active atomic.Bool

	mu   sync.Mutex
	subs []chan bool
}

func NewEmergencyMode() *EmergencyMode {
	return &EmergencyMode{}
}

// Active reports the current flag without locking.
func (e *EmergencyMode) Active() bool {
	return e.active.Load()
}

// Activate flips the flag on. Only the transition publishes; repeated
// activations are no-ops, so responders can call this idempotently.
func (e *EmergencyMode) Activate() bool {
	if !e.active.CompareAndSwap(false, true) {
		return false
	}
	metrics.EmergencyMode.Set(1)
	e.publish(true)
	return true
}

// Deactivate flips the flag off (operator action).
func (e *EmergencyMode) Deactivate() bool {
	if !e.active.CompareAndSwap(true, false) {
		return false
	}
	metrics.EmergencyMode.Set(0)
	e.publish(false)
	return true
}

// Subscribe returns a channel receiving each state change. The channel is
// buffered; a subscriber that stops draining misses updates rather than
// blocking the responder.
func (e *EmergencyMode) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *EmergencyMode) publish(state bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- state:
		default:
		}
	}
}
