package bridge

import (
	"context"
	"sync"
)

// EventHandler handles a fire-and-forget event. Its error is logged.
type EventHandler func(ctx context.Context, req *Request) error

// RequestHandler answers a query or action. The returned value becomes
// the reply payload; an error becomes a RemoteError on the caller side.
type RequestHandler func(ctx context.Context, req *Request) (any, error)

// handlers holds one handler per message name and kind. It outlives
// individual connections.
type handlers struct {
	mu       sync.RWMutex
	events   map[string]EventHandler
	requests map[Kind]map[string]RequestHandler
}

func newHandlers() *handlers {
	return &handlers{
		events: make(map[string]EventHandler),
		requests: map[Kind]map[string]RequestHandler{
			KindQuery:  {},
			KindAction: {},
		},
	}
}

func (h *handlers) setEvent(name string, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[name] = fn
}

func (h *handlers) setRequest(kind Kind, name string, fn RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests[kind][name] = fn
}

func (h *handlers) event(name string) EventHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.events[name]
}

func (h *handlers) request(kind Kind, name string) RequestHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.requests[kind][name]
}
