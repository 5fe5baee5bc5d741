package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ceremony statuses.
const (
	StatusPending  = "Pending"
	StatusRunning  = "Running"
	StatusFinished = "Finished"
	StatusFailed   = "Failed"
)

// SessionState tracks one node-side ceremony from announcement to result.
type SessionState struct {
	SessionID        string
	Protocol         string // "keygen" or "sign"
	KeyID            string
	Participants     []string
	Coordinator      string
	Acknowledgements map[string]bool
	Status           string
	Error            string
	CreatedAt        time.Time
	FinishedAt       time.Time
	Done             chan struct{} // closed once the ceremony finished or failed
}

// Snapshot is a copy of a SessionState safe to hand out.
type Snapshot struct {
	SessionID    string    `json:"sessionId"`
	Protocol     string    `json:"protocol"`
	KeyID        string    `json:"keyId,omitempty"`
	Participants []string  `json:"participants"`
	Coordinator  string    `json:"coordinator"`
	Acknowledged []string  `json:"acknowledged"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// Manager handles the lifecycle of ceremonies on a node.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*SessionState),
	}
}

// GetOrCreateSession retrieves an existing session or creates a new one.
func (m *Manager) GetOrCreateSession(sessionID, protocol string, participants []string, coordinator string) *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, exists := m.sessions[sessionID]; exists {
		return session
	}

	session := &SessionState{
		SessionID:        sessionID,
		Protocol:         protocol,
		Participants:     participants,
		Coordinator:      coordinator,
		Acknowledgements: make(map[string]bool),
		Status:           StatusPending,
		CreatedAt:        time.Now(),
		Done:             make(chan struct{}),
	}

	m.sessions[sessionID] = session
	return session
}

// GetSession retrieves a session by its ID.
func (m *Manager) GetSession(sessionID string) (*SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// Snapshot returns a copy of the session's current state.
func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return Snapshot{}, false
	}
	out := Snapshot{
		SessionID:    s.SessionID,
		Protocol:     s.Protocol,
		KeyID:        s.KeyID,
		Participants: append([]string(nil), s.Participants...),
		Coordinator:  s.Coordinator,
		Status:       s.Status,
		Error:        s.Error,
		CreatedAt:    s.CreatedAt,
		FinishedAt:   s.FinishedAt,
	}
	for _, p := range s.Participants {
		if s.Acknowledgements[p] {
			out.Acknowledged = append(out.Acknowledged, p)
		}
	}
	return out, true
}

// SetKeyID records the key a ceremony produced or signs with.
func (m *Manager) SetKeyID(sessionID string, keyID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, exists := m.sessions[sessionID]; exists {
		session.KeyID = keyID.String()
	}
}

// RecordAcknowledgement records an acknowledgement from a participant and
// reports whether every participant has now acknowledged. It reports true
// only once.
func (m *Manager) RecordAcknowledgement(sessionID, partyID string) (allAcksReceived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists || session.Status != StatusPending || session.Acknowledgements[partyID] {
		return false
	}

	known := false
	for _, p := range session.Participants {
		known = known || p == partyID
	}
	if !known {
		return false
	}
	session.Acknowledgements[partyID] = true

	ackCount := 0
	for _, p := range session.Participants {
		if session.Acknowledgements[p] {
			ackCount++
		}
	}
	if ackCount == len(session.Participants) {
		session.Status = StatusRunning
		return true
	}
	return false
}

// UpdateStatus moves a live session to status.
func (m *Manager) UpdateStatus(sessionID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, exists := m.sessions[sessionID]; exists && !session.finished() {
		session.Status = status
	}
}

// Finish ends a session, failed when err is non-nil, and closes Done. Later
// calls are ignored.
func (m *Manager) Finish(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[sessionID]
	if !exists || session.finished() {
		return
	}
	session.Status = StatusFinished
	if err != nil {
		session.Status = StatusFailed
		session.Error = err.Error()
	}
	session.FinishedAt = time.Now()
	close(session.Done)
}

// Prune forgets finished sessions older than maxAge and returns their ids.
func (m *Manager) Prune(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	cutoff := time.Now().Add(-maxAge)
	for id, s := range m.sessions {
		if s.finished() && s.FinishedAt.Before(cutoff) {
			delete(m.sessions, id)
			out = append(out, id)
		}
	}
	return out
}

func (s *SessionState) finished() bool {
	return s.Status == StatusFinished || s.Status == StatusFailed
}
