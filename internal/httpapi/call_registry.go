package httpapi

import (
	"sync"
	"sync/atomic"
)

// CallRegistry tracks the media sessions currently bridged to a backend,
// browser sockets and telephony streams alike. Once draining starts new
// sessions are refused while the ones in flight run to completion, which
// lets shutdown wait for live audio instead of cutting it off.
type CallRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{}
}

// Add registers a session about to be bridged. It returns false while
// draining, in which case the caller must turn the session away. The
// draining check and the waitgroup increment happen under one lock so no
// session can slip in after StartDraining returns.
func (cr *CallRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done releases a session. Exactly one Done per successful Add.
func (cr *CallRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

// StartDraining flips the registry into refuse mode.
func (cr *CallRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.draining = true
}

// IsDraining reports whether new sessions are being refused.
func (cr *CallRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns how many sessions are currently bridged.
func (cr *CallRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until every registered session has called Done.
func (cr *CallRegistry) Wait() {
	cr.wg.Wait()
}
