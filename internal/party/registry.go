package party

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dkls-node/internal/logger"
)

// Inbound is a protocol message addressed to one local session.
type Inbound struct {
	From int
	Data []byte
}

const (
	inboxSize     = 1024
	maxParkedMsgs = 512
)

// deliverTimeout bounds how long Deliver waits on a full inbox.
var deliverTimeout = 5 * time.Second

type inbox struct {
	ch   chan Inbound
	done chan struct{} // closed by Deregister
}

// Registry routes protocol messages to the local sessions they belong to.
// Messages for a session not yet registered are parked until it is.
type Registry struct {
	mu      sync.RWMutex
	inboxes map[string]*inbox
	parked  *lru.Cache[string, []Inbound]
}

// NewRegistry creates a registry parking messages for up to parkedSessions
// unknown sessions, least recently used first out.
func NewRegistry(parkedSessions int) *Registry {
	parked, err := lru.New[string, []Inbound](parkedSessions)
	if err != nil {
		panic(err)
	}
	return &Registry{
		inboxes: make(map[string]*inbox),
		parked:  parked,
	}
}

// Register creates the inbox of sessionID and hands it any parked messages.
func (r *Registry) Register(sessionID string) <-chan Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.inboxes[sessionID]; ok {
		return in.ch
	}
	in := &inbox{ch: make(chan Inbound, inboxSize), done: make(chan struct{})}
	if msgs, ok := r.parked.Get(sessionID); ok {
		for _, m := range msgs {
			in.ch <- m
		}
		r.parked.Remove(sessionID)
	}
	r.inboxes[sessionID] = in
	return in.ch
}

// Deregister removes a session. Later messages for it are parked and
// eventually evicted.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.inboxes[sessionID]; ok {
		close(in.done)
		delete(r.inboxes, sessionID)
	}
}

// Deliver hands a message to its session and reports whether the session
// took it. While the inbox is full it waits until the session is
// deregistered or deliverTimeout passes, then drops the message.
func (r *Registry) Deliver(sessionID string, from int, data []byte) bool {
	msg := Inbound{From: from, Data: data}
	r.mu.Lock()
	in, ok := r.inboxes[sessionID]
	if !ok {
		msgs, _ := r.parked.Get(sessionID)
		if len(msgs) < maxParkedMsgs {
			r.parked.Add(sessionID, append(msgs, msg))
		}
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	select {
	case in.ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(deliverTimeout)
	defer timer.Stop()
	select {
	case in.ch <- msg:
		return true
	case <-in.done:
		logger.Log.Debugf("[Registry] session %s closed, dropping message from %d", sessionID, from)
	case <-timer.C:
		logger.Log.Warnf("[Registry] inbox of session %s is full, dropping message from %d", sessionID, from)
	}
	return false
}

// Active returns the number of registered sessions.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inboxes)
}
