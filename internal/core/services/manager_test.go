package services

import (
	"context"
	"testing"
	"time"

	"classmesh/internal/core/domain"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		OfferDelay:         10 * time.Millisecond,
		RestartBackoff:     30 * time.Millisecond,
		RestartMaxAttempts: 1,
	}
}

type peerHarness struct {
	self    domain.Participant
	m       *PeerSessionManager
	gate    *MediaGate
	router  *StreamRouter
	ui      *recordingUI
	metrics *countingMetrics
	camera  *fakeStream
}

func newHarness(t *testing.T, net *fakeNet, bus *signalBus, dir *staticDirectory, self domain.Participant, withCamera bool) *peerHarness {
	t.Helper()
	h := &peerHarness{
		self:    self,
		gate:    NewMediaGate(),
		ui:      newRecordingUI(),
		metrics: newCountingMetrics(),
	}
	h.router = NewStreamRouter(h.ui)
	if withCamera {
		h.camera = newFakeStream(t, string(self.ID)+"-cam", domain.SourceCamera, true)
		h.gate.SetCamera(h.camera)
	}
	h.m = NewPeerSessionManager(self, ManagerDeps{
		Factory:   net.Factory(self.ID),
		Directory: dir,
		Signals:   bus.sender(self.ID),
		Gate:      h.gate,
		Router:    h.router,
		Observer:  h.ui,
		Notifier:  h.ui,
		Metrics:   h.metrics,
		Logger:    zaptest.NewLogger(t).Sugar(),
		Config:    testSessionConfig(),
	})
	bus.attach(self.ID, h.m)
	t.Cleanup(h.m.Close)
	return h
}

func (h *peerHarness) connectedTo(peer domain.ParticipantID) bool {
	info, ok := h.m.Session(peer)
	return ok && info.State == domain.ConnectionConnected
}

// remoteVideo returns the id of the local track the peer currently sends us
// as video.
func (h *peerHarness) remoteSource(peer domain.ParticipantID, kind webrtc.RTPCodecType) string {
	stream, ok := h.router.Get(peer)
	if !ok {
		return ""
	}
	for _, tr := range stream.Tracks {
		if tr.Kind() == kind {
			return tr.(*fakeRemoteTrack).Current()
		}
	}
	return ""
}

var (
	teacher  = domain.Participant{ID: "user_t", Name: "Tess", Role: domain.RoleTeacher}
	student1 = domain.Participant{ID: "user_a", Name: "Ann", Role: domain.RoleStudent}
	student2 = domain.Participant{ID: "user_b", Name: "Ben", Role: domain.RoleStudent}
)

func TestManager_TeacherAndStudentConnect(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)
	sh := newHarness(t, net, bus, dir, student1, true)

	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)

	require.Eventually(t, func() bool {
		return th.connectedTo(student1.ID) && sh.connectedTo(teacher.ID)
	}, waitFor, tick)

	info, _ := th.m.Session(student1.ID)
	assert.True(t, info.Initiator)
	info, _ = sh.m.Session(teacher.ID)
	assert.False(t, info.Initiator)

	assert.Equal(t, 1, net.Count(teacher.ID, student1.ID))
	assert.Equal(t, 1, net.Count(student1.ID, teacher.ID))

	require.Eventually(t, func() bool {
		s, ok := sh.router.Get(teacher.ID)
		return ok && len(s.Tracks) == 2
	}, waitFor, tick)
	s, _ := sh.router.Get(teacher.ID)
	assert.Equal(t, domain.SurfacePodium, s.Surface)

	require.Eventually(t, func() bool {
		s, ok := th.router.Get(student1.ID)
		return ok && s.Surface == domain.SurfaceTile
	}, waitFor, tick)

	assert.Equal(t, 1, sh.ui.countStreamEvents("ready", teacher.ID))
	assert.True(t, sh.ui.hasNotification(domain.NotifySuccess, "Connected to Tess"))
}

func TestManager_CoTeachersDoNotConnect(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	other := domain.Participant{ID: "user_u", Name: "Uma", Role: domain.RoleTeacher}
	dir := newStaticDirectory(teacher, other)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.PeerJoined(other)
	th.m.PeerJoined(teacher)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, th.m.Sessions())
	assert.Zero(t, net.Count(teacher.ID, other.ID))
}

func TestManager_OfferFromCoTeacherIsDropped(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	other := domain.Participant{ID: "user_u", Name: "Uma", Role: domain.RoleTeacher}
	dir := newStaticDirectory(teacher, other)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.HandleSignal(domain.SignalMessage{
		From: other.ID,
		To:   teacher.ID,
		Type: domain.SignalOffer,
		SDP:  &domain.SessionDescription{Type: "offer", SDP: "v=0\r\nsess=x\r\n"},
	})

	require.Eventually(t, func() bool {
		return th.metrics.droppedFor("unexpected_state") == 1
	}, waitFor, tick)
	assert.Empty(t, th.m.Sessions())
}

func TestManager_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	sh := newHarness(t, net, bus, dir, student1, true)

	idx := uint16(0)
	for _, c := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		sh.m.HandleSignal(domain.SignalMessage{
			From:      teacher.ID,
			To:        student1.ID,
			Type:      domain.SignalICECandidate,
			Candidate: &domain.ICECandidate{Candidate: c, SDPMLineIndex: &idx},
		})
	}
	require.Eventually(t, func() bool {
		return sh.m.registry.PendingCount(teacher.ID) == 3
	}, waitFor, tick)

	sh.m.HandleSignal(domain.SignalMessage{
		From: teacher.ID,
		To:   student1.ID,
		Type: domain.SignalOffer,
		SDP:  &domain.SessionDescription{Type: "offer", SDP: "v=0\r\nsess=external\r\n"},
	})

	require.Eventually(t, func() bool {
		pc := net.Latest(student1.ID, teacher.ID)
		return pc != nil && len(pc.Candidates()) == 3
	}, waitFor, tick)

	pc := net.Latest(student1.ID, teacher.ID)
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, pc.Candidates())
	assert.Zero(t, sh.m.registry.PendingCount(teacher.ID))
	assert.Equal(t, 1, bus.sentOfType(domain.SignalAnswer))

	info, ok := sh.m.Session(teacher.ID)
	require.True(t, ok)
	assert.False(t, info.Initiator)
}

func TestManager_CandidatesFromUnpairedSendersAreDropped(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	other := domain.Participant{ID: "user_u", Name: "Uma", Role: domain.RoleTeacher}
	dir := newStaticDirectory(teacher, other)
	th := newHarness(t, net, bus, dir, teacher, true)

	idx := uint16(0)
	th.m.HandleSignal(domain.SignalMessage{
		From:      other.ID,
		To:        teacher.ID,
		Type:      domain.SignalICECandidate,
		Candidate: &domain.ICECandidate{Candidate: "candidate:co", SDPMLineIndex: &idx},
	})
	th.m.HandleSignal(domain.SignalMessage{
		From:      student2.ID,
		To:        teacher.ID,
		Type:      domain.SignalICECandidate,
		Candidate: &domain.ICECandidate{Candidate: "candidate:gone", SDPMLineIndex: &idx},
	})

	require.Eventually(t, func() bool {
		return th.metrics.droppedFor("unexpected_state") == 1 && th.metrics.droppedFor("unknown_peer") == 1
	}, waitFor, tick)
	assert.Zero(t, th.m.registry.PendingCount(other.ID))
	assert.Zero(t, th.m.registry.PendingCount(student2.ID))
	assert.Empty(t, th.m.Sessions())
}

func TestManager_ReplacedSessionDiscardsStaleCandidates(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	sh := newHarness(t, net, bus, dir, student1, true)

	offer := func(sess string) {
		sh.m.HandleSignal(domain.SignalMessage{
			From: teacher.ID,
			To:   student1.ID,
			Type: domain.SignalOffer,
			SDP:  &domain.SessionDescription{Type: "offer", SDP: "v=0\r\nsess=" + sess + "\r\n"},
		})
	}
	offer("first")
	require.Eventually(t, func() bool { return bus.sentOfType(domain.SignalAnswer) == 1 }, waitFor, tick)
	require.NotNil(t, net.Latest(student1.ID, teacher.ID).RemoteDescription())

	sh.m.registry.Enqueue(teacher.ID, webrtc.ICECandidateInit{Candidate: "candidate:stale"})
	sh.m.CreateSession(teacher.ID, false)
	assert.Zero(t, sh.m.registry.PendingCount(teacher.ID))

	idx := uint16(0)
	sh.m.HandleSignal(domain.SignalMessage{
		From:      teacher.ID,
		To:        student1.ID,
		Type:      domain.SignalICECandidate,
		Candidate: &domain.ICECandidate{Candidate: "candidate:fresh", SDPMLineIndex: &idx},
	})
	offer("second")

	require.Eventually(t, func() bool { return bus.sentOfType(domain.SignalAnswer) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"candidate:fresh"}, net.Latest(student1.ID, teacher.ID).Candidates())
	assert.Equal(t, 2, net.Count(student1.ID, teacher.ID))
}

func TestManager_UnexpectedAnswersAreDropped(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	sh := newHarness(t, net, bus, dir, student1, true)

	answer := domain.SignalMessage{
		From: teacher.ID,
		To:   student1.ID,
		Type: domain.SignalAnswer,
		SDP:  &domain.SessionDescription{Type: "answer", SDP: "v=0\r\nsess=x\r\n"},
	}
	sh.m.HandleSignal(answer)
	require.Eventually(t, func() bool { return sh.metrics.droppedFor("no_session") == 1 }, waitFor, tick)

	sh.m.CreateSession(teacher.ID, false)
	sh.m.HandleSignal(answer)
	require.Eventually(t, func() bool { return sh.metrics.droppedFor("unexpected_state") == 1 }, waitFor, tick)

	info, ok := sh.m.Session(teacher.ID)
	require.True(t, ok)
	assert.Equal(t, webrtc.SignalingStateStable.String(), info.SignalingState)
}

func TestManager_GlareResolvesToOneConnection(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(student1, student2)
	a := newHarness(t, net, bus, dir, student1, true)
	b := newHarness(t, net, bus, dir, student2, true)

	bus.hold()
	a.m.CreateSession(student2.ID, true)
	b.m.CreateSession(student1.ID, true)

	haveLocalOffer := webrtc.SignalingStateHaveLocalOffer.String()
	require.Eventually(t, func() bool {
		ia, okA := a.m.Session(student2.ID)
		ib, okB := b.m.Session(student1.ID)
		return okA && okB && ia.SignalingState == haveLocalOffer && ib.SignalingState == haveLocalOffer
	}, waitFor, tick)

	bus.release()

	require.Eventually(t, func() bool {
		return a.connectedTo(student2.ID) && b.connectedTo(student1.ID)
	}, waitFor, tick)

	// user_a has the smaller id, so it keeps its offer
	rolledBack, ignored := a.metrics.glare()
	assert.Equal(t, 0, rolledBack)
	assert.Equal(t, 1, ignored)
	rolledBack, ignored = b.metrics.glare()
	assert.Equal(t, 1, rolledBack)
	assert.Equal(t, 0, ignored)

	assert.Equal(t, 1, net.Count(student1.ID, student2.ID))
	assert.Equal(t, 1, net.Count(student2.ID, student1.ID))
	assert.Equal(t, 1, net.Latest(student2.ID, student1.ID).Rollbacks())

	require.Eventually(t, func() bool {
		_, okA := a.router.Get(student2.ID)
		_, okB := b.router.Get(student1.ID)
		return okA && okB
	}, waitFor, tick)
}

func TestManager_CloseSessionIsIdempotent(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.CreateSession(student1.ID, false)
	require.Len(t, th.m.Sessions(), 1)

	th.m.CloseSession(student1.ID)
	th.m.CloseSession(student1.ID)
	th.m.PeerLeft(student1.ID)
	th.m.PeerLeft("user_unknown")

	require.Eventually(t, func() bool { return len(th.m.Sessions()) == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	closed := 0
	for _, s := range th.ui.statesOf(student1.ID) {
		if s == domain.ConnectionClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestManager_CreateSessionReplacesExisting(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.CreateSession(student1.ID, false)
	first := net.Latest(teacher.ID, student1.ID)
	firstInfo, _ := th.m.Session(student1.ID)

	th.m.CreateSession(student1.ID, false)
	info, ok := th.m.Session(student1.ID)
	require.True(t, ok)
	assert.Greater(t, info.Generation, firstInfo.Generation)
	assert.Len(t, th.m.Sessions(), 1)
	assert.Equal(t, webrtc.PeerConnectionStateClosed, first.ConnectionState())

	// events of the replaced connection are ignored
	net.Fail(first)
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, th.metrics.restartCount())
	assert.Equal(t, 2, net.Count(teacher.ID, student1.ID))
}

func TestManager_RestartsFailedSession(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)
	sh := newHarness(t, net, bus, dir, student1, true)

	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)
	require.Eventually(t, func() bool {
		return th.connectedTo(student1.ID) && sh.connectedTo(teacher.ID)
	}, waitFor, tick)
	before, _ := th.m.Session(student1.ID)

	net.Fail(net.Latest(teacher.ID, student1.ID))

	require.Eventually(t, func() bool {
		info, ok := th.m.Session(student1.ID)
		return ok && info.Generation > before.Generation && info.State == domain.ConnectionConnected
	}, waitFor, tick)

	info, _ := th.m.Session(student1.ID)
	assert.True(t, info.Initiator)
	assert.Zero(t, info.Restarts)
	assert.Equal(t, 1, th.metrics.restartCount())
	assert.Equal(t, 2, net.Count(teacher.ID, student1.ID))
	assert.Equal(t, 1, net.Count(student1.ID, teacher.ID))
}

func TestManager_RestartGivesUpAfterMaxAttempts(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.PeerJoined(student1)
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 1 }, waitFor, tick)

	net.Fail(net.Latest(teacher.ID, student1.ID))
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		info, ok := th.m.Session(student1.ID)
		return ok && info.Generation == 2
	}, waitFor, tick)

	net.Fail(net.Latest(teacher.ID, student1.ID))
	require.Eventually(t, func() bool {
		return th.ui.hasNotification(domain.NotifyError, "Connection to Ann failed")
	}, waitFor, tick)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, net.Count(teacher.ID, student1.ID))
	assert.Equal(t, 1, th.metrics.restartCount())

	info, ok := th.m.Session(student1.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionFailed, info.State)
}

func TestManager_CloseSessionResetsRestartBudget(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.PeerJoined(student1)
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 1 }, waitFor, tick)
	net.Fail(net.Latest(teacher.ID, student1.ID))
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		info, ok := th.m.Session(student1.ID)
		return ok && info.Generation == 2
	}, waitFor, tick)
	net.Fail(net.Latest(teacher.ID, student1.ID))
	require.Eventually(t, func() bool {
		return th.ui.hasNotification(domain.NotifyError, "Connection to Ann failed")
	}, waitFor, tick)

	th.m.CloseSession(student1.ID)
	th.m.CreateSession(student1.ID, true)
	require.Equal(t, 3, net.Count(teacher.ID, student1.ID))

	net.Fail(net.Latest(teacher.ID, student1.ID))
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 4 }, waitFor, tick)
	assert.Equal(t, 2, th.metrics.restartCount())
}

func TestManager_RestartDropsPeerThatLeft(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)

	th.m.PeerJoined(student1)
	require.Eventually(t, func() bool { return net.Count(teacher.ID, student1.ID) == 1 }, waitFor, tick)

	dir.remove(student1.ID)
	net.Fail(net.Latest(teacher.ID, student1.ID))

	require.Eventually(t, func() bool { return len(th.m.Sessions()) == 0 }, waitFor, tick)
	assert.Equal(t, 1, net.Count(teacher.ID, student1.ID))
}

func TestManager_AttachesMediaOnceCameraIsReady(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, false)
	sh := newHarness(t, net, bus, dir, student1, true)

	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)
	require.Eventually(t, func() bool {
		return th.connectedTo(student1.ID) && sh.connectedTo(teacher.ID)
	}, waitFor, tick)

	_, ok := sh.router.Get(teacher.ID)
	assert.False(t, ok)

	camera := newFakeStream(t, "late-cam", domain.SourceCamera, true)
	th.gate.SetCamera(camera)

	require.Eventually(t, func() bool {
		return sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeVideo) == camera.video.ID()
	}, waitFor, tick)
	assert.Len(t, net.Latest(teacher.ID, student1.ID).Senders(), 2)
	assert.Equal(t, 1, net.Count(teacher.ID, student1.ID))
}

func TestManager_RenegotiatesTracksAddedDuringPendingOffer(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, false)
	sh := newHarness(t, net, bus, dir, student1, true)

	bus.hold()
	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)
	require.Eventually(t, func() bool { return bus.sentOfType(domain.SignalOffer) == 1 }, waitFor, tick)
	assert.Nil(t, net.Latest(teacher.ID, student1.ID).RemoteDescription())

	camera := newFakeStream(t, "late-cam", domain.SourceCamera, true)
	th.gate.SetCamera(camera)
	require.Eventually(t, func() bool {
		return len(net.Latest(teacher.ID, student1.ID).Senders()) == 2
	}, waitFor, tick)
	assert.Equal(t, 1, bus.sentOfType(domain.SignalOffer))

	bus.release()

	require.Eventually(t, func() bool {
		return bus.sentOfType(domain.SignalOffer) >= 2 &&
			sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeVideo) == camera.video.ID()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return net.Latest(teacher.ID, student1.ID).SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	assert.Equal(t, 1, net.Count(teacher.ID, student1.ID))
}

func TestManager_SyncOutgoingReplacesTracksInPlace(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)
	sh := newHarness(t, net, bus, dir, student1, true)

	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)
	require.Eventually(t, func() bool {
		return sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeVideo) == th.camera.video.ID()
	}, waitFor, tick)

	ctx := context.Background()
	screen := newFakeStream(t, "screen", domain.SourceScreen, false)
	th.gate.SetScreen(screen)
	require.NoError(t, th.m.SyncOutgoing(ctx))

	assert.Equal(t, screen.video.ID(), sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeVideo))
	assert.Equal(t, th.camera.audio.ID(), sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeAudio))
	assert.Len(t, net.Latest(teacher.ID, student1.ID).Senders(), 2)

	th.gate.SetScreen(nil)
	require.NoError(t, th.m.SyncOutgoing(ctx))
	assert.Equal(t, th.camera.video.ID(), sh.remoteSource(teacher.ID, webrtc.RTPCodecTypeVideo))
	assert.Equal(t, 1, net.Count(teacher.ID, student1.ID))
}

func TestManager_PeerLeftRemovesStream(t *testing.T) {
	net, bus := newFakeNet(), newSignalBus()
	dir := newStaticDirectory(teacher, student1)
	th := newHarness(t, net, bus, dir, teacher, true)
	sh := newHarness(t, net, bus, dir, student1, true)

	th.m.PeerJoined(student1)
	sh.m.PeerJoined(teacher)
	require.Eventually(t, func() bool {
		_, ok := sh.router.Get(teacher.ID)
		return ok
	}, waitFor, tick)

	sh.m.PeerLeft(teacher.ID)
	require.Eventually(t, func() bool {
		return sh.ui.countStreamEvents("removed", teacher.ID) == 1
	}, waitFor, tick)
	assert.Empty(t, sh.m.Sessions())
}
