package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type SessionConfig struct {
	OfferDelay         time.Duration
	RestartBackoff     time.Duration
	RestartMaxAttempts int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		OfferDelay:         500 * time.Millisecond,
		RestartBackoff:     2 * time.Second,
		RestartMaxAttempts: 1,
	}
}

// PeerDirectory resolves participant records, possibly before the roster
// subscription has reported them.
type PeerDirectory interface {
	Lookup(ctx context.Context, id domain.ParticipantID) (domain.Participant, error)
	// Refresh bypasses any cached copy.
	Refresh(ctx context.Context, id domain.ParticipantID) (domain.Participant, error)
}

type SignalSender interface {
	Send(ctx context.Context, to domain.ParticipantID, msg domain.SignalMessage) error
}

type ManagerDeps struct {
	Factory   ports.PeerConnectionFactory
	Directory PeerDirectory
	Signals   SignalSender
	Gate      *MediaGate
	Router    *StreamRouter
	Observer  ports.StatusObserver
	Notifier  ports.Notifier
	Metrics   ports.SessionMetrics
	Logger    *zap.SugaredLogger
	Config    SessionConfig
}

// PeerSessionManager owns the peer sessions of the local participant. All
// work for one peer runs on that peer's mailbox; different peers proceed
// concurrently.
type PeerSessionManager struct {
	self     domain.Participant
	policy   ConnectionPolicy
	registry *SessionRegistry
	dispatch *dispatcher

	factory   ports.PeerConnectionFactory
	directory PeerDirectory
	signals   SignalSender
	gate      *MediaGate
	router    *StreamRouter
	observer  ports.StatusObserver
	notifier  ports.Notifier
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
	cfg       SessionConfig

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPeerSessionManager(self domain.Participant, deps ManagerDeps) *PeerSessionManager {
	if deps.Observer == nil {
		deps.Observer = ports.NopUI{}
	}
	if deps.Notifier == nil {
		deps.Notifier = ports.NopUI{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Gate == nil {
		deps.Gate = NewMediaGate()
	}
	if deps.Router == nil {
		deps.Router = NewStreamRouter(ports.NopUI{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &PeerSessionManager{
		self:      self,
		registry:  NewSessionRegistry(),
		factory:   deps.Factory,
		directory: deps.Directory,
		signals:   deps.Signals,
		gate:      deps.Gate,
		router:    deps.Router,
		observer:  deps.Observer,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("participant_id", self.ID),
		cfg:       deps.Config,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.dispatch = newDispatcher(m.handle)
	return m
}

// PeerJoined creates a session when the policy pairs us with p.
func (m *PeerSessionManager) PeerJoined(p domain.Participant) {
	if p.ID == m.self.ID {
		return
	}
	m.dispatch.post(p.ID, evPeerJoined{peer: p})
}

// PeerLeft tears down the peer's session; unknown peers are ignored.
func (m *PeerSessionManager) PeerLeft(id domain.ParticipantID) {
	m.dispatch.post(id, evPeerLeft{})
}

// HandleSignal queues an incoming negotiation message for its sender.
func (m *PeerSessionManager) HandleSignal(msg domain.SignalMessage) {
	m.dispatch.post(msg.From, evSignal{msg: msg})
}

// CreateSession replaces any session for peer with a fresh one and returns
// once it is installed.
func (m *PeerSessionManager) CreateSession(peer domain.ParticipantID, initiator bool) {
	done := make(chan struct{})
	if m.dispatch.post(peer, evCreate{initiator: initiator, done: done}) {
		<-done
	}
}

// CloseSession closes the peer's session. Closing twice is a no-op.
func (m *PeerSessionManager) CloseSession(peer domain.ParticipantID) {
	done := make(chan struct{})
	if m.dispatch.post(peer, evClose{done: done}) {
		<-done
	}
}

// SyncOutgoing attaches the current outgoing tracks to every live session,
// replacing same-kind tracks in place, and waits for all sessions.
func (m *PeerSessionManager) SyncOutgoing(ctx context.Context) error {
	sessions := m.registry.All()
	waits := make([]chan error, 0, len(sessions))
	for _, s := range sessions {
		done := make(chan error, 1)
		if m.dispatch.post(s.peerID, evSyncMedia{done: done}) {
			waits = append(waits, done)
		}
	}

	var errs []error
	for _, done := range waits {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func (m *PeerSessionManager) Sessions() []domain.SessionInfo {
	sessions := m.registry.All()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info(m.registry.PendingCount(s.peerID), m.registry.Restarts(s.peerID)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *PeerSessionManager) Session(peer domain.ParticipantID) (domain.SessionInfo, bool) {
	s := m.registry.Get(peer)
	if s == nil {
		return domain.SessionInfo{}, false
	}
	return s.info(m.registry.PendingCount(peer), m.registry.Restarts(peer)), true
}

// Close stops event processing and closes every session.
func (m *PeerSessionManager) Close() {
	m.cancel()
	m.dispatch.stop()
	for _, s := range m.registry.Clear() {
		m.closeSession(s, false)
	}
}

func (m *PeerSessionManager) handle(peer domain.ParticipantID, ev any) {
	switch e := ev.(type) {
	case evPeerJoined:
		m.onPeerJoined(e.peer)
	case evPeerLeft:
		m.onPeerLeft(peer)
	case evSignal:
		m.handleSignal(e.msg)
	case evCreate:
		m.createSession(peer, e.initiator, e.initiator)
		close(e.done)
	case evClose:
		if s := m.registry.Get(peer); s != nil {
			m.closeSession(s, true)
		}
		m.registry.ClearQueue(peer)
		m.registry.ResetRestarts(peer)
		close(e.done)
	case evLocalCandidate:
		m.onLocalCandidate(peer, e)
	case evRemoteTrack:
		m.onRemoteTrack(peer, e)
	case evConnState:
		m.onConnectionState(peer, e)
	case evNegotiate:
		if s := m.current(peer, e.gen); s != nil {
			m.sendOffer(s)
		}
	case evRestart:
		m.onRestart(peer, e.gen)
	case evSyncMedia:
		var err error
		if s := m.current(peer, e.gen); s != nil {
			err = m.attachMedia(s)
		}
		if e.done != nil {
			e.done <- err
		}
	default:
		m.logger.Warnw("unknown peer event", "peer_id", peer, "event", fmt.Sprintf("%T", ev))
	}
}

// current returns the live session for peer when gen matches it; gen 0
// matches any live session.
func (m *PeerSessionManager) current(peer domain.ParticipantID, gen uint64) *peerSession {
	s := m.registry.Get(peer)
	if s == nil || s.closed {
		return nil
	}
	if gen != 0 && s.generation != gen {
		return nil
	}
	return s
}

func (m *PeerSessionManager) onPeerJoined(p domain.Participant) {
	if !m.policy.ShouldConnect(m.self.Role, p.Role) {
		m.logger.Debugw("no media connection for pair", "peer_id", p.ID, "peer_role", p.Role)
		return
	}
	if s := m.registry.Get(p.ID); s != nil && s.reusable() {
		s.peer = p
		return
	}
	initiator := m.policy.IsInitiator(m.self.Role, m.self.ID, p.Role, p.ID)
	m.createSessionFor(p, initiator, initiator)
}

func (m *PeerSessionManager) onPeerLeft(peer domain.ParticipantID) {
	if s := m.registry.Get(peer); s != nil {
		m.closeSession(s, true)
	}
	m.registry.ClearQueue(peer)
	m.registry.ResetRestarts(peer)
	m.router.Remove(peer)
}

func (m *PeerSessionManager) createSession(peer domain.ParticipantID, initiator, scheduleOffer bool) *peerSession {
	p, err := m.directory.Lookup(m.ctx, peer)
	if err != nil {
		m.logger.Debugw("peer record unavailable at session creation", "peer_id", peer, "error", err)
		p = domain.Participant{ID: peer}
	}
	return m.createSessionFor(p, initiator, scheduleOffer)
}

// createSessionFor closes any existing session for the peer, then installs
// a new one. Only the peer's mailbox goroutine calls it.
func (m *PeerSessionManager) createSessionFor(p domain.Participant, initiator, scheduleOffer bool) *peerSession {
	if old := m.registry.Get(p.ID); old != nil {
		// Candidates staged after the old remote description belong to
		// the previous generation.
		if old.pc.RemoteDescription() != nil {
			m.registry.ClearQueue(p.ID)
		}
		m.closeSession(old, false)
	}

	pc, err := m.factory.NewPeerConnection(p.ID)
	if err != nil {
		m.logger.Errorw("failed to create peer connection", "peer_id", p.ID, "error", err)
		return nil
	}

	s := &peerSession{
		peerID:     p.ID,
		peer:       p,
		pc:         pc,
		initiator:  initiator,
		generation: m.registry.nextGeneration(),
		state:      domain.ConnectionNew,
	}
	gen := s.generation
	peer := p.ID

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.dispatch.post(peer, evLocalCandidate{gen: gen, candidate: c})
	})
	pc.OnTrack(func(t ports.RemoteTrack) {
		m.dispatch.post(peer, evRemoteTrack{gen: gen, track: t})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.dispatch.post(peer, evConnState{gen: gen, state: state})
	})

	m.registry.Replace(s)
	m.metrics.SessionOpened(initiator)
	m.logger.Infow("peer session created",
		"peer_id", peer,
		"initiator", initiator,
		"generation", gen,
	)

	if len(m.gate.OutgoingTracks()) > 0 {
		if err := m.attachMedia(s); err != nil {
			m.logger.Warnw("failed to attach local media", "peer_id", peer, "error", err)
		}
	} else {
		m.awaitMedia(s)
	}

	if scheduleOffer {
		s.offerTimer = time.AfterFunc(m.cfg.OfferDelay, func() {
			m.dispatch.post(peer, evNegotiate{gen: gen})
		})
	}
	return s
}

// awaitMedia attaches tracks once the local camera becomes available.
func (m *PeerSessionManager) awaitMedia(s *peerSession) {
	stop := make(chan struct{})
	s.stopWaiting = stop
	ready := m.gate.Ready()
	peer, gen := s.peerID, s.generation

	go func() {
		select {
		case <-ready:
			m.dispatch.post(peer, evSyncMedia{gen: gen})
		case <-stop:
		case <-m.ctx.Done():
		}
	}()
}

// attachMedia puts the current outgoing tracks on s. Same-kind senders get
// their track replaced in place; a missing kind becomes a new sender, which
// needs a fresh offer once the session has been negotiated or has an offer
// in flight.
func (m *PeerSessionManager) attachMedia(s *peerSession) error {
	tracks := m.gate.OutgoingTracks()
	if len(tracks) == 0 {
		return nil
	}

	added := false
	var errs []error
	for _, track := range tracks {
		sender := senderOfKind(s.pc, track.Kind())
		if sender != nil {
			if sender.Track() == track {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace %s track: %w", track.Kind(), err))
			}
			continue
		}
		if _, err := s.pc.AddTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("add %s track: %w", track.Kind(), err))
			continue
		}
		added = true
	}

	if added && (s.pc.RemoteDescription() != nil || s.pc.SignalingState() != webrtc.SignalingStateStable) {
		m.sendOffer(s)
	}
	return errors.Join(errs...)
}

func senderOfKind(pc ports.PeerConnection, kind webrtc.RTPCodecType) ports.RTPSender {
	for _, sender := range pc.Senders() {
		if sender == nil {
			continue
		}
		if t := sender.Track(); t != nil && t.Kind() == kind {
			return sender
		}
	}
	return nil
}

// closeSession is idempotent. notify reports the closed state to the UI,
// which replacements skip.
func (m *PeerSessionManager) closeSession(s *peerSession, notify bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimers()
	m.registry.RemoveIf(s)

	if err := s.pc.Close(); err != nil {
		m.logger.Warnw("error closing peer connection", "peer_id", s.peerID, "error", err)
	}
	s.setState(domain.ConnectionClosed)
	m.metrics.SessionClosed()
	m.logger.Infow("peer session closed", "peer_id", s.peerID, "generation", s.generation)

	if notify {
		m.observer.OnConnectionStateChanged(s.peerID, domain.ConnectionClosed)
	}
}

func (m *PeerSessionManager) onLocalCandidate(peer domain.ParticipantID, e evLocalCandidate) {
	if m.current(peer, e.gen) == nil {
		return
	}
	msg := domain.SignalMessage{
		Type:      domain.SignalICECandidate,
		Candidate: candidateToDomain(e.candidate),
	}
	if err := m.signals.Send(m.ctx, peer, msg); err != nil {
		m.logger.Warnw("failed to send ice candidate", "peer_id", peer, "error", err)
	}
}

func (m *PeerSessionManager) onRemoteTrack(peer domain.ParticipantID, e evRemoteTrack) {
	s := m.current(peer, e.gen)
	if s == nil {
		return
	}
	s.addRemoteTrack(e.track)
	if s.peer.Role == "" {
		if p, err := m.directory.Lookup(m.ctx, peer); err == nil {
			s.peer = p
		}
	}
	m.logger.Infow("remote track received",
		"peer_id", peer,
		"track_id", e.track.ID(),
		"kind", e.track.Kind().String(),
	)
	m.router.Deliver(s.peer, s.remoteTracks)
}

func (m *PeerSessionManager) onConnectionState(peer domain.ParticipantID, e evConnState) {
	s := m.current(peer, e.gen)
	if s == nil {
		return
	}
	state := mapConnectionState(e.state)
	if s.State() == state {
		return
	}
	s.setState(state)
	m.metrics.ConnectionStateChanged(state)
	m.observer.OnConnectionStateChanged(peer, state)
	m.logger.Infow("peer connection state changed", "peer_id", peer, "state", state)

	name := displayName(s.peer)
	switch state {
	case domain.ConnectionConnected:
		m.registry.ClearQueue(peer)
		m.registry.ResetRestarts(peer)
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		m.notifier.Notify(domain.NotifySuccess, fmt.Sprintf("Connected to %s", name))
	case domain.ConnectionDisconnected:
		m.notifier.Notify(domain.NotifyWarning, fmt.Sprintf("Connection to %s interrupted", name))
	case domain.ConnectionFailed:
		m.scheduleRestart(s)
	case domain.ConnectionClosed:
		m.registry.RemoveIf(s)
	}
}

// scheduleRestart arms one restart after the backoff. Once the attempts are
// used up the session stays failed and is surfaced as such.
func (m *PeerSessionManager) scheduleRestart(s *peerSession) {
	if m.registry.Restarts(s.peerID) >= m.cfg.RestartMaxAttempts {
		m.logger.Warnw("peer connection failed, restart attempts exhausted", "peer_id", s.peerID)
		m.notifier.Notify(domain.NotifyError, fmt.Sprintf("Connection to %s failed", displayName(s.peer)))
		return
	}
	attempt := m.registry.IncRestarts(s.peerID)
	peer, gen := s.peerID, s.generation
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartTimer = time.AfterFunc(m.cfg.RestartBackoff, func() {
		m.dispatch.post(peer, evRestart{gen: gen})
	})
	m.metrics.RestartScheduled()
	m.logger.Infow("peer connection failed, restart scheduled",
		"peer_id", peer,
		"attempt", attempt,
		"backoff", m.cfg.RestartBackoff,
	)
}

// onRestart recreates the session with the initiator role re-derived from
// the peer's current record.
func (m *PeerSessionManager) onRestart(peer domain.ParticipantID, gen uint64) {
	s := m.current(peer, gen)
	if s == nil {
		return
	}
	p, err := m.directory.Refresh(m.ctx, peer)
	if err != nil {
		m.logger.Infow("peer gone before restart", "peer_id", peer, "error", err)
		m.onPeerLeft(peer)
		return
	}
	if !m.policy.ShouldConnect(m.self.Role, p.Role) {
		m.closeSession(s, true)
		return
	}
	initiator := m.policy.IsInitiator(m.self.Role, m.self.ID, p.Role, p.ID)
	m.logger.Infow("restarting peer session", "peer_id", peer, "initiator", initiator)
	m.createSessionFor(p, initiator, initiator)
}

func displayName(p domain.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ID)
}
