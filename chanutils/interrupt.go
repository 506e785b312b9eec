package chanutils

import (
	"sync"
	"time"
)

// Interrupt is a cooperative interruption flag shared between the component
// requesting a shutdown and the goroutines that must observe it. The flag is
// level triggered: once tripped it stays tripped until Reset is called, so
// observers that check late do not miss the request.
type Interrupt struct {
	mtx     sync.Mutex
	ch      chan struct{}
	tripped bool
}

// NewInterrupt constructs a new, untripped Interrupt.
func NewInterrupt() *Interrupt {
	return &Interrupt{
		ch: make(chan struct{}),
	}
}

// Trip requests interruption. It is safe to call from multiple goroutines
// and repeated calls have no further effect.
func (i *Interrupt) Trip() {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if i.tripped {
		return
	}

	i.tripped = true
	close(i.ch)
}

// Tripped reports whether interruption has been requested.
func (i *Interrupt) Tripped() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	return i.tripped
}

// Reset rearms the flag after a trip so the owner can be reused.
func (i *Interrupt) Reset() {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if !i.tripped {
		return
	}

	i.tripped = false
	i.ch = make(chan struct{})
}

// Chan returns a channel that is closed for as long as the flag is tripped.
// Callers must re-fetch the channel after a Reset.
func (i *Interrupt) Chan() <-chan struct{} {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	return i.ch
}

// Sleep blocks for up to d. It returns false if the flag was tripped before
// the full duration elapsed, and true once d has passed without
// interruption.
func (i *Interrupt) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-i.Chan():
		return false
	}
}
