package network

import "sync"

// permits is a counting semaphore over admission slots. Acquire before
// attempting a connection, release exactly once on any terminal outcome.
type permits struct {
	slots chan struct{}
}

func newPermits(n int) *permits {
	p := &permits{slots: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// TryAcquire takes a slot without blocking. A full table means "try someone
// else", never "wait".
func (p *permits) TryAcquire() (*Permit, bool) {
	select {
	case <-p.slots:
		return &Permit{pool: p}, true
	default:
		return nil, false
	}
}

func (p *permits) available() int {
	return len(p.slots)
}

// Permit is one held admission slot. Release is idempotent-guarded because
// multiple paths (explicit close, drain expiry, disconnect callback) may
// race to release the same slot.
type Permit struct {
	pool     *permits
	mu       sync.Mutex
	released bool
}

// Release returns the slot to the pool. It reports whether this call was
// the one that actually released it.
func (p *Permit) Release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return false
	}
	p.released = true
	p.pool.slots <- struct{}{}
	return true
}
