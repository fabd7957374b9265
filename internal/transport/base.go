package transport

import "sync"

// base centralizes the state machine, callback dispatch and stats tracking
// shared by every backend so each backend file only has to implement its own
// I/O plumbing. Embedding base gives a backend GetStats/ResetStats/State/
// SetCallbacks for free.
type base struct {
	mu    sync.Mutex
	state State
	cb    Callbacks
	stats *statCounters
}

func newBase() base {
	return base{state: StateClosed, stats: newStatCounters()}
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	cb := b.cb.OnStateChanged
	b.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (b *base) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

func (b *base) callbacks() Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

func (b *base) GetStats() Stats {
	return b.stats.snapshot()
}

func (b *base) ResetStats() {
	b.stats.reset()
}

func (b *base) reportError(kind ErrorKind, msg string) {
	b.stats.onError(kind)
	cb := b.callbacks().OnError
	if cb != nil {
		cb(kind, msg)
	}
}

func (b *base) deliverData(data []byte) {
	cb := b.callbacks().OnDataReceived
	if cb != nil {
		cb(data)
	}
}
