package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// fakeNet connects fake peer connections to each other. Two connections
// are connected once both are stable and each one's remote description was
// produced by the other.
type fakeNet struct {
	mu  sync.Mutex
	seq int
	pcs map[string]*fakePC
}

func newFakeNet() *fakeNet {
	return &fakeNet{pcs: make(map[string]*fakePC)}
}

func (n *fakeNet) Factory(owner domain.ParticipantID) ports.PeerConnectionFactory {
	return &fakeFactory{net: n, owner: owner}
}

// Latest returns the newest connection owner created towards peer.
func (n *fakeNet) Latest(owner, peer domain.ParticipantID) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	var latest *fakePC
	for _, pc := range n.pcs {
		if pc.owner == owner && pc.peer == peer && (latest == nil || pc.seq > latest.seq) {
			latest = pc
		}
	}
	return latest
}

// Count returns how many connections owner ever created towards peer.
func (n *fakeNet) Count(owner, peer domain.ParticipantID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, pc := range n.pcs {
		if pc.owner == owner && pc.peer == peer {
			count++
		}
	}
	return count
}

// Fail drives pc into the failed state.
func (n *fakeNet) Fail(pc *fakePC) {
	pc.mu.Lock()
	pc.conn = webrtc.PeerConnectionStateFailed
	cb := pc.onState
	pc.mu.Unlock()
	if cb != nil {
		go cb(webrtc.PeerConnectionStateFailed)
	}
}

func (n *fakeNet) get(id string) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[id]
}

// check connects pc with the connection its remote description came from
// and delivers any tracks the other side has not delivered yet.
func (n *fakeNet) check(pc *fakePC) {
	otherID := pc.remoteSession()
	if otherID == "" {
		return
	}
	other := n.get(otherID)
	if other == nil || other.remoteSession() != pc.id {
		return
	}
	if !pc.stable() || !other.stable() {
		return
	}
	pc.connect()
	other.connect()
	pc.deliverFrom(other)
	other.deliverFrom(pc)
}

type fakeFactory struct {
	net   *fakeNet
	owner domain.ParticipantID
	fail  bool
}

func (f *fakeFactory) NewPeerConnection(peer domain.ParticipantID) (ports.PeerConnection, error) {
	if f.fail {
		return nil, errors.New("factory failure")
	}
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	f.net.seq++
	pc := &fakePC{
		net:       f.net,
		seq:       f.net.seq,
		id:        fmt.Sprintf("%s-%s-%d", f.owner, peer, f.net.seq),
		owner:     f.owner,
		peer:      peer,
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
		delivered: make(map[string]bool),
	}
	f.net.pcs[pc.id] = pc
	return pc, nil
}

type fakePC struct {
	net   *fakeNet
	seq   int
	id    string
	owner domain.ParticipantID
	peer  domain.ParticipantID

	mu          sync.Mutex
	signaling   webrtc.SignalingState
	conn        webrtc.PeerConnectionState
	local       *webrtc.SessionDescription
	stableLocal *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	senders     []*fakeSender
	candidates  []webrtc.ICECandidateInit
	delivered   map[string]bool
	rollbacks   int
	closed      bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(ports.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("connection closed")
	}
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) Senders() []ports.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.RTPSender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) describe(t webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: "v=0\r\nsess=" + p.id + "\r\n"}
}

func (p *fakePC) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("connection closed")
	}
	return p.describe(webrtc.SDPTypeOffer), nil
}

func (p *fakePC) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", p.signaling)
	}
	return p.describe(webrtc.SDPTypeAnswer), nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return errors.New("connection closed")
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		state := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("set local %s in %s", desc.Type, state)
	}
	if p.signaling == webrtc.SignalingStateStable {
		p.stableLocal = &desc
	}
	p.local = &desc
	cb := p.onCandidate
	p.mu.Unlock()

	if cb != nil {
		idx := uint16(0)
		go cb(webrtc.ICECandidateInit{Candidate: "candidate:" + p.id, SDPMLineIndex: &idx})
	}
	p.net.check(p)
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return errors.New("connection closed")
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
		p.stableLocal = p.local
	default:
		state := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", desc.Type, state)
	}
	p.remote = &desc
	p.mu.Unlock()

	p.net.check(p)
	return nil
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in %s", p.signaling)
	}
	p.signaling = webrtc.SignalingStateStable
	p.local = p.stableLocal
	p.rollbacks++
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *fakePC) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnTrack(f func(ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	p.conn = webrtc.PeerConnectionStateClosed
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		go cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePC) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePC) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *fakePC) remoteSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.closed {
		return ""
	}
	for _, line := range strings.Split(p.remote.SDP, "\r\n") {
		if id, ok := strings.CutPrefix(line, "sess="); ok {
			return id
		}
	}
	return ""
}

func (p *fakePC) stable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling == webrtc.SignalingStateStable && p.local != nil
}

func (p *fakePC) connect() {
	p.mu.Lock()
	if p.closed || p.conn == webrtc.PeerConnectionStateConnected {
		p.mu.Unlock()
		return
	}
	p.conn = webrtc.PeerConnectionStateConnected
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		go func() {
			cb(webrtc.PeerConnectionStateConnecting)
			cb(webrtc.PeerConnectionStateConnected)
		}()
	}
}

// deliverFrom fires OnTrack for every sender of other not seen yet.
func (p *fakePC) deliverFrom(other *fakePC) {
	other.mu.Lock()
	senders := append([]*fakeSender(nil), other.senders...)
	other.mu.Unlock()

	p.mu.Lock()
	var fresh []ports.RemoteTrack
	for i, s := range senders {
		track := s.Track()
		if track == nil {
			continue
		}
		key := fmt.Sprintf("%s/%d", other.id, i)
		if p.delivered[key] {
			continue
		}
		p.delivered[key] = true
		fresh = append(fresh, &fakeRemoteTrack{id: key, stream: other.id, kind: track.Kind(), sender: s})
	}
	cb := p.onTrack
	p.mu.Unlock()

	if cb != nil && len(fresh) > 0 {
		go func() {
			for _, t := range fresh {
				cb(t)
			}
		}()
	}
}

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// fakeRemoteTrack mirrors whatever the remote sender currently sends.
type fakeRemoteTrack struct {
	id     string
	stream string
	kind   webrtc.RTPCodecType
	sender *fakeSender
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return t.stream }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// Current is the id of the local track feeding this remote track.
func (t *fakeRemoteTrack) Current() string {
	if track := t.sender.Track(); track != nil {
		return track.ID()
	}
	return ""
}

type fakeStream struct {
	id    string
	kind  domain.SourceKind
	video webrtc.TrackLocal
	audio webrtc.TrackLocal

	mu       sync.Mutex
	disabled map[webrtc.RTPCodecType]bool
	done     chan struct{}
	once     sync.Once
}

func newFakeStream(t *testing.T, id string, kind domain.SourceKind, withAudio bool) *fakeStream {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id+"-video", id)
	require.NoError(t, err)
	s := &fakeStream{
		id:       id,
		kind:     kind,
		video:    video,
		disabled: make(map[webrtc.RTPCodecType]bool),
		done:     make(chan struct{}),
	}
	if withAudio {
		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id+"-audio", id)
		require.NoError(t, err)
		s.audio = audio
	}
	return s
}

func (s *fakeStream) ID() string              { return s.id }
func (s *fakeStream) Kind() domain.SourceKind { return s.kind }

func (s *fakeStream) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{s.video}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

func (s *fakeStream) VideoTrack() webrtc.TrackLocal { return s.video }

func (s *fakeStream) AudioTrack() webrtc.TrackLocal {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *fakeStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[kind] = !enabled
}

func (s *fakeStream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[kind]
}

func (s *fakeStream) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

// fakeMedia hands out fresh streams; errors can be injected per source.
type fakeMedia struct {
	t *testing.T

	mu        sync.Mutex
	cameraErr error
	screenErr error
	cameras   []*fakeStream
	screens   []*fakeStream
}

func newFakeMedia(t *testing.T) *fakeMedia {
	return &fakeMedia{t: t}
}

func (m *fakeMedia) AcquireCamera(context.Context) (ports.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cameraErr != nil {
		return nil, m.cameraErr
	}
	s := newFakeStream(m.t, fmt.Sprintf("camera%d-%p", len(m.cameras), m), domain.SourceCamera, true)
	m.cameras = append(m.cameras, s)
	return s, nil
}

func (m *fakeMedia) AcquireScreen(context.Context) (ports.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	s := newFakeStream(m.t, fmt.Sprintf("screen%d-%p", len(m.screens), m), domain.SourceScreen, false)
	m.screens = append(m.screens, s)
	return s, nil
}

func (m *fakeMedia) lastScreen() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.screens) == 0 {
		return nil
	}
	return m.screens[len(m.screens)-1]
}

func (m *fakeMedia) lastCamera() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cameras) == 0 {
		return nil
	}
	return m.cameras[len(m.cameras)-1]
}

type notification struct {
	level   domain.NotifyLevel
	message string
}

type streamEvent struct {
	kind    string
	peer    domain.ParticipantID
	surface domain.Surface
}

// recordingUI keeps every callback for assertions.
type recordingUI struct {
	mu            sync.Mutex
	notifications []notification
	streamEvents  []streamEvent
	states        map[domain.ParticipantID][]domain.ConnectionState
	joined        []domain.ParticipantID
	left          []domain.ParticipantID
	screenShare   []domain.ScreenShareState
	previews      []string
}

func newRecordingUI() *recordingUI {
	return &recordingUI{states: make(map[domain.ParticipantID][]domain.ConnectionState)}
}

func (u *recordingUI) OnRemoteStreamReady(s ports.RemoteStream) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.streamEvents = append(u.streamEvents, streamEvent{"ready", s.PeerID, s.Surface})
}

func (u *recordingUI) OnRemoteStreamUpdated(s ports.RemoteStream) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.streamEvents = append(u.streamEvents, streamEvent{"updated", s.PeerID, s.Surface})
}

func (u *recordingUI) OnRemoteStreamRemoved(peer domain.ParticipantID, surface domain.Surface) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.streamEvents = append(u.streamEvents, streamEvent{"removed", peer, surface})
}

func (u *recordingUI) OnConnectionStateChanged(peer domain.ParticipantID, state domain.ConnectionState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.states[peer] = append(u.states[peer], state)
}

func (u *recordingUI) OnParticipantJoined(p domain.Participant) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.joined = append(u.joined, p.ID)
}

func (u *recordingUI) OnParticipantUpdated(domain.Participant) {}

func (u *recordingUI) OnParticipantLeft(id domain.ParticipantID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.left = append(u.left, id)
}

func (u *recordingUI) OnScreenShareChanged(state domain.ScreenShareState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.screenShare = append(u.screenShare, state)
}

func (u *recordingUI) OnLocalPreview(s ports.LocalStream) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.previews = append(u.previews, s.ID())
}

func (u *recordingUI) Notify(level domain.NotifyLevel, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notifications = append(u.notifications, notification{level, message})
}

func (u *recordingUI) hasNotification(level domain.NotifyLevel, substr string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, n := range u.notifications {
		if n.level == level && strings.Contains(n.message, substr) {
			return true
		}
	}
	return false
}

func (u *recordingUI) countStreamEvents(kind string, peer domain.ParticipantID) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, e := range u.streamEvents {
		if e.kind == kind && e.peer == peer {
			n++
		}
	}
	return n
}

func (u *recordingUI) statesOf(peer domain.ParticipantID) []domain.ConnectionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]domain.ConnectionState(nil), u.states[peer]...)
}

func (u *recordingUI) lastScreenShare() (domain.ScreenShareState, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.screenShare) == 0 {
		return domain.ScreenShareState{}, false
	}
	return u.screenShare[len(u.screenShare)-1], true
}

func (u *recordingUI) hasLeft(id domain.ParticipantID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, l := range u.left {
		if l == id {
			return true
		}
	}
	return false
}

// countingMetrics counts the negotiation events tests care about.
type countingMetrics struct {
	ports.NopMetrics

	mu         sync.Mutex
	rolledBack int
	ignored    int
	restarts   int
	dropped    map[string]int
	switched   map[domain.SourceKind]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: make(map[string]int), switched: make(map[domain.SourceKind]int)}
}

func (m *countingMetrics) GlareResolved(rolledBack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rolledBack {
		m.rolledBack++
	} else {
		m.ignored++
	}
}

func (m *countingMetrics) RestartScheduled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *countingMetrics) SignalDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *countingMetrics) TrackSwitched(kind domain.SourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switched[kind]++
}

func (m *countingMetrics) switchedTo(kind domain.SourceKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switched[kind]
}

func (m *countingMetrics) glare() (rolledBack, ignored int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolledBack, m.ignored
}

func (m *countingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *countingMetrics) restartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// staticDirectory is a PeerDirectory over a fixed participant set.
type staticDirectory struct {
	mu    sync.Mutex
	peers map[domain.ParticipantID]domain.Participant
}

func newStaticDirectory(peers ...domain.Participant) *staticDirectory {
	d := &staticDirectory{peers: make(map[domain.ParticipantID]domain.Participant)}
	for _, p := range peers {
		d.peers[p.ID] = p
	}
	return d
}

func (d *staticDirectory) Lookup(_ context.Context, id domain.ParticipantID) (domain.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (d *staticDirectory) Refresh(ctx context.Context, id domain.ParticipantID) (domain.Participant, error) {
	return d.Lookup(ctx, id)
}

func (d *staticDirectory) remove(id domain.ParticipantID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// signalBus delivers messages straight to the recipient's manager. While
// held, messages are buffered until release.
type signalBus struct {
	mu       sync.Mutex
	managers map[domain.ParticipantID]*PeerSessionManager
	held     bool
	buffer   []domain.SignalMessage
	sent     []domain.SignalMessage
}

func newSignalBus() *signalBus {
	return &signalBus{managers: make(map[domain.ParticipantID]*PeerSessionManager)}
}

func (b *signalBus) attach(id domain.ParticipantID, m *PeerSessionManager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.managers[id] = m
}

func (b *signalBus) sender(from domain.ParticipantID) SignalSender {
	return busSender{bus: b, from: from}
}

func (b *signalBus) hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = true
}

func (b *signalBus) release() {
	b.mu.Lock()
	b.held = false
	buffered := b.buffer
	b.buffer = nil
	b.mu.Unlock()
	for _, msg := range buffered {
		b.deliver(msg)
	}
}

func (b *signalBus) deliver(msg domain.SignalMessage) {
	b.mu.Lock()
	m := b.managers[msg.To]
	b.mu.Unlock()
	if m != nil {
		m.HandleSignal(msg)
	}
}

func (b *signalBus) sentOfType(t domain.SignalType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.sent {
		if msg.Type == t {
			n++
		}
	}
	return n
}

type busSender struct {
	bus  *signalBus
	from domain.ParticipantID
}

func (s busSender) Send(_ context.Context, to domain.ParticipantID, msg domain.SignalMessage) error {
	msg.From = s.from
	msg.To = to
	s.bus.mu.Lock()
	s.bus.sent = append(s.bus.sent, msg)
	if s.bus.held {
		s.bus.buffer = append(s.bus.buffer, msg)
		s.bus.mu.Unlock()
		return nil
	}
	s.bus.mu.Unlock()
	s.bus.deliver(msg)
	return nil
}
