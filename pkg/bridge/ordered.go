package bridge

import "sync"

// keyedRunner runs functions sequentially per key and concurrently
// across keys. Functions for one key run in submission order.
type keyedRunner struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newKeyedRunner() *keyedRunner {
	return &keyedRunner{queues: make(map[string][]func())}
}

func (r *keyedRunner) run(key string, fn func()) {
	r.mu.Lock()
	q, busy := r.queues[key]
	r.queues[key] = append(q, fn)
	r.mu.Unlock()
	if busy {
		return
	}

	r.wg.Add(1)
	go r.drain(key)
}

func (r *keyedRunner) drain(key string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		r.queues[key] = q[1:]
		r.mu.Unlock()

		fn()
	}
}

// wait blocks until every submitted function has run.
func (r *keyedRunner) wait() { r.wg.Wait() }
