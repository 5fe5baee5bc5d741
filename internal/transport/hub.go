package transport

import (
	"context"
	"fmt"
	"sync"
)

// Interceptor sees every message in transit. Returning nil drops the message.
type Interceptor func(from, to int, msg []byte) []byte

// Hub is an in-memory relay connecting n local endpoints.
type Hub struct {
	mu        sync.Mutex
	queues    []*queue
	intercept Interceptor
	closed    bool
}

type queue struct {
	mu     sync.Mutex
	items  []delivery
	notify chan struct{}
}

type delivery struct {
	from int
	msg  []byte
}

// NewHub creates a hub with n endpoints.
func NewHub(n int) *Hub {
	h := &Hub{queues: make([]*queue, n)}
	for i := range h.queues {
		h.queues[i] = &queue{notify: make(chan struct{}, 1)}
	}
	return h
}

// Intercept installs fn on every future delivery.
func (h *Hub) Intercept(fn Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.intercept = fn
}

// Endpoint returns the transport of party i.
func (h *Hub) Endpoint(i int) Transport {
	return &endpoint{hub: h, self: i}
}

// Close fails every pending and future Receive.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, q := range h.queues {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) deliver(from, to int, msg []byte) error {
	if to < 0 || to >= len(h.queues) || to == from {
		return fmt.Errorf("hub: invalid destination %d", to)
	}
	h.mu.Lock()
	closed, fn := h.closed, h.intercept
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	cp := append([]byte(nil), msg...)
	if fn != nil {
		if cp = fn(from, to, cp); cp == nil {
			return nil
		}
	}

	q := h.queues[to]
	q.mu.Lock()
	q.items = append(q.items, delivery{from: from, msg: cp})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type endpoint struct {
	hub  *Hub
	self int
}

func (e *endpoint) Send(ctx context.Context, to int, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to != Broadcast {
		return e.hub.deliver(e.self, to, msg)
	}
	for i := range e.hub.queues {
		if i == e.self {
			continue
		}
		if err := e.hub.deliver(e.self, i, msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *endpoint) Receive(ctx context.Context) (int, []byte, error) {
	q := e.hub.queues[e.self]
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return d.from, d.msg, nil
		}
		q.mu.Unlock()

		if e.hub.isClosed() {
			return 0, nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-q.notify:
		}
	}
}
