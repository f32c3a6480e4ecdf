package services

import (
	"errors"
	"fmt"

	"classmesh/internal/core/domain"
	"classmesh/pkg/tracing"

	"github.com/pion/webrtc/v4"
)

func (m *PeerSessionManager) handleSignal(msg domain.SignalMessage) {
	m.metrics.SignalReceived(msg.Type)

	var err error
	switch msg.Type {
	case domain.SignalOffer:
		err = m.handleOffer(msg)
	case domain.SignalAnswer:
		err = m.handleAnswer(msg)
	case domain.SignalICECandidate:
		err = m.handleCandidate(msg)
	default:
		err = fmt.Errorf("%w: unknown type %q", domain.ErrMalformedSignal, msg.Type)
	}

	if err != nil {
		m.metrics.SignalDropped(dropReason(err))
		m.logger.Warnw("signal dropped",
			"peer_id", msg.From,
			"type", msg.Type,
			"error", err,
		)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedSignal):
		return "malformed"
	case errors.Is(err, domain.ErrUnexpectedSignal):
		return "unexpected_state"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "no_session"
	case errors.Is(err, domain.ErrParticipantNotFound):
		return "unknown_peer"
	default:
		return "negotiation_error"
	}
}

// handleOffer answers an offer, creating the session on demand. On a
// collision the side that wins the initiator tie-break ignores the incoming
// offer; the other side rolls back its own and accepts.
func (m *PeerSessionManager) handleOffer(msg domain.SignalMessage) error {
	peer := msg.From
	ctx, span := tracing.TraceNegotiation(m.ctx, "answer", string(peer))
	defer span.End()

	s := m.registry.Get(peer)
	if s == nil || !s.reusable() {
		p, err := m.directory.Lookup(ctx, peer)
		if err != nil {
			return fmt.Errorf("offer from unknown peer: %w", err)
		}
		if !m.policy.ShouldConnect(m.self.Role, p.Role) {
			return fmt.Errorf("%w: policy rejects pairing with %s", domain.ErrUnexpectedSignal, p.Role)
		}
		if s = m.createSessionFor(p, false, false); s == nil {
			return fmt.Errorf("create session for offer from %s", peer)
		}
	}

	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		polite := !m.policy.IsInitiator(m.self.Role, m.self.ID, s.peer.Role, peer)
		if !polite {
			m.metrics.GlareResolved(false)
			m.logger.Infow("ignoring colliding offer", "peer_id", peer)
			return nil
		}

		m.metrics.GlareResolved(true)
		if err := s.pc.Rollback(); err != nil {
			m.logger.Warnw("rollback failed, recreating session", "peer_id", peer, "error", err)
			if s = m.createSessionFor(s.peer, false, false); s == nil {
				return fmt.Errorf("recreate session after failed rollback")
			}
		} else {
			m.logger.Infow("rolled back local offer for colliding offer", "peer_id", peer)
			s.pendingNegotiation = true
		}
		if s.offerTimer != nil {
			s.offerTimer.Stop()
		}
	}

	if err := s.pc.SetRemoteDescription(descriptionFromDomain(msg.SDP)); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushCandidates(s)

	answer, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("set local answer: %w", err)
	}
	if s.offerTimer != nil {
		s.offerTimer.Stop()
	}

	out := domain.SignalMessage{Type: domain.SignalAnswer, SDP: descriptionToDomain(answer)}
	if err := m.signals.Send(ctx, peer, out); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	m.logger.Infow("answered offer", "peer_id", peer, "generation", s.generation)

	if s.pendingNegotiation {
		s.pendingNegotiation = false
		m.sendOffer(s)
	}
	return nil
}

func (m *PeerSessionManager) handleAnswer(msg domain.SignalMessage) error {
	s := m.current(msg.From, 0)
	if s == nil {
		return fmt.Errorf("answer: %w", domain.ErrSessionNotFound)
	}
	if state := s.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", domain.ErrUnexpectedSignal, state)
	}
	if err := s.pc.SetRemoteDescription(descriptionFromDomain(msg.SDP)); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushCandidates(s)
	m.logger.Infow("applied answer", "peer_id", msg.From, "generation", s.generation)

	if s.pendingNegotiation {
		s.pendingNegotiation = false
		m.sendOffer(s)
	}
	return nil
}

// handleCandidate applies the candidate when a remote description exists
// and stages it otherwise.
func (m *PeerSessionManager) handleCandidate(msg domain.SignalMessage) error {
	candidate := candidateFromDomain(msg.Candidate)
	s := m.current(msg.From, 0)
	if s == nil {
		p, err := m.directory.Lookup(m.ctx, msg.From)
		if err != nil {
			return fmt.Errorf("candidate from unknown peer: %w", err)
		}
		if !m.policy.ShouldConnect(m.self.Role, p.Role) {
			return fmt.Errorf("%w: policy rejects pairing with %s", domain.ErrUnexpectedSignal, p.Role)
		}
	}
	if s == nil || s.pc.RemoteDescription() == nil {
		n := m.registry.Enqueue(msg.From, candidate)
		m.logger.Debugw("queued ice candidate", "peer_id", msg.From, "queued", n)
		return nil
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// flushCandidates applies staged candidates in arrival order.
func (m *PeerSessionManager) flushCandidates(s *peerSession) {
	queued := m.registry.Drain(s.peerID)
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("failed to apply queued candidate", "peer_id", s.peerID, "error", err)
		}
	}
	if len(queued) > 0 {
		m.logger.Debugw("flushed queued candidates", "peer_id", s.peerID, "count", len(queued))
	}
}

// sendOffer starts a negotiation round, or defers it until the current one
// completes.
func (m *PeerSessionManager) sendOffer(s *peerSession) {
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		s.pendingNegotiation = true
		return
	}

	ctx, span := tracing.TraceNegotiation(m.ctx, "offer", string(s.peerID))
	defer span.End()

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		m.logger.Warnw("failed to create offer", "peer_id", s.peerID, "error", err)
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		m.logger.Warnw("failed to set local offer", "peer_id", s.peerID, "error", err)
		return
	}

	msg := domain.SignalMessage{Type: domain.SignalOffer, SDP: descriptionToDomain(offer)}
	if err := m.signals.Send(ctx, s.peerID, msg); err != nil {
		m.logger.Warnw("failed to send offer", "peer_id", s.peerID, "error", err)
		return
	}
	m.logger.Infow("sent offer", "peer_id", s.peerID, "generation", s.generation)
}

func descriptionToDomain(d webrtc.SessionDescription) *domain.SessionDescription {
	return &domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func descriptionFromDomain(d *domain.SessionDescription) webrtc.SessionDescription {
	if d == nil {
		return webrtc.SessionDescription{}
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateToDomain(c webrtc.ICECandidateInit) *domain.ICECandidate {
	return &domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromDomain(c *domain.ICECandidate) webrtc.ICECandidateInit {
	if c == nil {
		return webrtc.ICECandidateInit{}
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
