package bus

import (
	"context"
	"sync"
)

// Hub is the in-process implementation of the session channel. Each
// peer joins and gets its own Endpoint; a publish on any endpoint is
// delivered synchronously to every subscriber on every endpoint,
// publisher included, mirroring Redis pub/sub semantics. Used by
// tests and by single-process deployments where only one client
// instance exists.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
	closed    bool
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Join creates a new endpoint on the hub.
func (h *Hub) Join() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &Endpoint{hub: h, subs: make(map[int]func(Message))}
	if !h.closed {
		h.endpoints[ep] = struct{}{}
	} else {
		ep.closed = true
	}
	return ep
}

// Close detaches every endpoint. Subsequent publishes fail with
// ErrClosed, which the election layer treats as "bus unavailable".
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ep := range h.endpoints {
		ep.markClosed()
	}
	h.endpoints = make(map[*Endpoint]struct{})
}

func (h *Hub) broadcast(msg Message) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for ep := range h.endpoints {
		targets = append(targets, ep)
	}
	h.mu.RUnlock()

	for _, ep := range targets {
		ep.deliver(msg)
	}
	return nil
}

// Endpoint is one peer's handle on a Hub.
type Endpoint struct {
	hub *Hub

	mu     sync.RWMutex
	subs   map[int]func(Message)
	nextID int
	closed bool
}

var _ Bus = (*Endpoint)(nil)

func (e *Endpoint) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.hub.broadcast(msg)
}

func (e *Endpoint) Subscribe(fn func(Message)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Endpoint) Close() error {
	e.hub.mu.Lock()
	delete(e.hub.endpoints, e)
	e.hub.mu.Unlock()
	e.markClosed()
	return nil
}

func (e *Endpoint) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.subs = make(map[int]func(Message))
	e.mu.Unlock()
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.RLock()
	fns := make([]func(Message), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}
