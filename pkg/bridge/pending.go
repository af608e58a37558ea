package bridge

import (
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
)

type result struct {
	env *Envelope
	err error
}

type pendingCall struct {
	done    chan result
	timer   *clock.Timer
	created time.Time
}

// pendingTable correlates outbound calls with their replies. Each entry
// completes exactly once: by reply, timeout, cancellation or
// disconnect, whichever comes first. IDs increase monotonically and are
// never reused.
type pendingTable struct {
	clock clock.Clock

	mu    sync.Mutex
	next  uint64
	calls map[uint64]*pendingCall
}

func newPendingTable(clk clock.Clock) *pendingTable {
	return &pendingTable{clock: clk, calls: make(map[uint64]*pendingCall)}
}

// add registers a call that fails with ErrTimeout after timeout.
func (p *pendingTable) add(timeout time.Duration) (uint64, <-chan result) {
	p.mu.Lock()
	p.next++
	id := p.next
	c := &pendingCall{done: make(chan result, 1), created: p.clock.Now()}
	p.calls[id] = c
	p.mu.Unlock()

	// The timer is created outside the lock: a zero timeout fires inline.
	t := p.clock.AfterFunc(timeout, func() { p.complete(id, result{err: ErrTimeout}) })

	p.mu.Lock()
	if _, live := p.calls[id]; live {
		c.timer = t
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		t.Stop()
	}
	return id, c.done
}

// complete resolves id and reports whether it was still pending. A late
// reply for a finished id is a no-op.
func (p *pendingTable) complete(id uint64, res result) bool {
	p.mu.Lock()
	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.done <- res
	return true
}

// failAll rejects every pending call with err.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[uint64]*pendingCall)
	p.mu.Unlock()

	for _, c := range calls {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.done <- result{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
