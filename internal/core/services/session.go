package services

import (
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

// peerSession is one negotiation object and its bookkeeping. Everything but
// the state snapshot is touched only from the peer's mailbox goroutine.
type peerSession struct {
	peerID     domain.ParticipantID
	peer       domain.Participant
	pc         ports.PeerConnection
	initiator  bool
	generation uint64

	pendingNegotiation bool
	closed             bool
	remoteTracks       []ports.RemoteTrack

	offerTimer   *time.Timer
	restartTimer *time.Timer
	stopWaiting  chan struct{}

	mu    sync.Mutex
	state domain.ConnectionState
}

func (s *peerSession) setState(state domain.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *peerSession) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// reusable reports whether an incoming offer can be applied to s instead of
// recreating it.
func (s *peerSession) reusable() bool {
	if s.closed {
		return false
	}
	switch s.State() {
	case domain.ConnectionFailed, domain.ConnectionClosed:
		return false
	}
	return true
}

func (s *peerSession) addRemoteTrack(t ports.RemoteTrack) {
	for i, existing := range s.remoteTracks {
		if existing.Kind() == t.Kind() {
			s.remoteTracks[i] = t
			return
		}
	}
	s.remoteTracks = append(s.remoteTracks, t)
}

func (s *peerSession) stopTimers() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	if s.stopWaiting != nil {
		close(s.stopWaiting)
		s.stopWaiting = nil
	}
}

func (s *peerSession) info(pending, restarts int) domain.SessionInfo {
	return domain.SessionInfo{
		PeerID:         s.peerID,
		Initiator:      s.initiator,
		Generation:     s.generation,
		State:          s.State(),
		SignalingState: s.pc.SignalingState().String(),
		PendingICE:     pending,
		Restarts:       restarts,
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}
