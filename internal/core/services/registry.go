package services

import (
	"sync"

	"classmesh/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

// SessionRegistry owns the live sessions and the per-peer candidate queues.
// Each check-then-act operation runs under one lock.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[domain.ParticipantID]*peerSession
	pending  map[domain.ParticipantID][]webrtc.ICECandidateInit
	restarts map[domain.ParticipantID]int
	nextGen  uint64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[domain.ParticipantID]*peerSession),
		pending:  make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
		restarts: make(map[domain.ParticipantID]int),
	}
}

func (r *SessionRegistry) nextGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	return r.nextGen
}

// Replace installs s for its peer and returns the session it displaced.
func (r *SessionRegistry) Replace(s *peerSession) *peerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.peerID]
	r.sessions[s.peerID] = s
	return old
}

func (r *SessionRegistry) Get(peer domain.ParticipantID) *peerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[peer]
}

// RemoveIf removes the entry only while it still points at s.
func (r *SessionRegistry) RemoveIf(s *peerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.peerID]; ok && cur == s {
		delete(r.sessions, s.peerID)
		return true
	}
	return false
}

func (r *SessionRegistry) All() []*peerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Enqueue stages a candidate received before the remote description.
func (r *SessionRegistry) Enqueue(peer domain.ParticipantID, c webrtc.ICECandidateInit) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[peer] = append(r.pending[peer], c)
	return len(r.pending[peer])
}

// Drain returns the staged candidates in arrival order and empties the queue.
func (r *SessionRegistry) Drain(peer domain.ParticipantID) []webrtc.ICECandidateInit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending[peer]
	delete(r.pending, peer)
	return out
}

func (r *SessionRegistry) PendingCount(peer domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[peer])
}

func (r *SessionRegistry) ClearQueue(peer domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, peer)
}

func (r *SessionRegistry) Restarts(peer domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts[peer]
}

func (r *SessionRegistry) IncRestarts(peer domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts[peer]++
	return r.restarts[peer]
}

func (r *SessionRegistry) ResetRestarts(peer domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.restarts, peer)
}

// Clear empties every map and returns the sessions that were live.
func (r *SessionRegistry) Clear() []*peerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[domain.ParticipantID]*peerSession)
	r.pending = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	r.restarts = make(map[domain.ParticipantID]int)
	return out
}
