package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/utils"
	"classmesh/pkg/validation"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type ClassroomConfig struct {
	Session SessionConfig
	Relay   RelayConfig
}

type ClassroomDeps struct {
	Channel ports.SignalingChannel
	Factory ports.PeerConnectionFactory
	Media   ports.MediaSource
	UI      ports.UI
	Metrics ports.SessionMetrics
	Logger  *zap.SugaredLogger
}

// Classroom is the entry point for one local participant: join, leave,
// control toggles and screen sharing.
type Classroom struct {
	cfg  ClassroomConfig
	deps ClassroomDeps

	mu      sync.RWMutex
	session *roomSession
}

// roomSession is everything that exists only while joined.
type roomSession struct {
	room     domain.RoomID
	self     domain.Participant
	gate     *MediaGate
	router   *StreamRouter
	roster   *Roster
	relay    *SignalRelay
	manager  *PeerSessionManager
	switcher *MediaSwitcher

	screenSub   ports.Subscription
	screenState domain.ScreenShareState
}

func NewClassroom(cfg ClassroomConfig, deps ClassroomDeps) *Classroom {
	if deps.UI == nil {
		deps.UI = ports.NopUI{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Classroom{cfg: cfg, deps: deps}
}

// Join acquires the camera, publishes the local participant record and
// starts negotiating with the room. A media failure aborts the join with no
// state left behind.
func (c *Classroom) Join(ctx context.Context, name string, role domain.Role, roomID string) (domain.Participant, error) {
	name = utils.SanitizeString(name)
	room := domain.RoomID(utils.NormalizeRoomID(roomID))
	if err := validation.ValidateJoin(name, string(room), string(role)); err != nil {
		return domain.Participant{}, fmt.Errorf("%w: %v", domain.ErrInvalidJoin, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return domain.Participant{}, domain.ErrAlreadyJoined
	}

	camera, err := c.deps.Media.AcquireCamera(ctx)
	if err != nil {
		var me *domain.MediaError
		if errors.As(err, &me) {
			c.deps.UI.Notify(domain.NotifyError, me.UserMessage())
		} else {
			c.deps.UI.Notify(domain.NotifyError, "Error accessing camera and microphone: "+err.Error())
		}
		c.deps.Logger.Errorw("failed to acquire local media", "error", err)
		return domain.Participant{}, err
	}

	now := utils.NowMillis()
	self := domain.Participant{
		ID:           domain.ParticipantID(utils.GenerateParticipantID()),
		Name:         name,
		Role:         role,
		VideoEnabled: true,
		AudioEnabled: true,
		JoinedAt:     now,
		LastActive:   now,
	}
	logger := c.deps.Logger.With("room_id", room, "participant_id", self.ID)

	rs := &roomSession{room: room, self: self}
	rs.gate = NewMediaGate()
	rs.gate.SetCamera(camera)
	rs.router = NewStreamRouter(c.deps.UI)
	rs.roster = NewRoster(c.deps.Channel, room, self.ID, logger)
	rs.relay = NewSignalRelay(c.deps.Channel, room, self.ID, c.cfg.Relay, c.deps.Metrics, logger)
	rs.manager = NewPeerSessionManager(self, ManagerDeps{
		Factory:   c.deps.Factory,
		Directory: rs.roster,
		Signals:   rs.relay,
		Gate:      rs.gate,
		Router:    rs.router,
		Observer:  c.deps.UI,
		Notifier:  c.deps.UI,
		Metrics:   c.deps.Metrics,
		Logger:    logger,
		Config:    c.cfg.Session,
	})
	rs.switcher = NewMediaSwitcher(room, SwitcherDeps{
		Channel:  c.deps.Channel,
		Media:    c.deps.Media,
		Gate:     rs.gate,
		Sessions: rs.manager,
		UI:       c.deps.UI,
		Metrics:  c.deps.Metrics,
		Logger:   logger,
		Self:     func() domain.Participant { return c.selfOf(rs) },
		OnSharingChanged: func(ctx context.Context, sharing bool) {
			c.mu.Lock()
			rs.self.ScreenSharing = sharing
			c.mu.Unlock()
			_ = c.publishStatus(ctx, rs)
		},
	})

	if err := c.start(ctx, rs); err != nil {
		c.teardown(ctx, rs)
		return domain.Participant{}, err
	}

	c.session = rs
	c.deps.UI.OnLocalPreview(camera)
	c.deps.UI.Notify(domain.NotifySuccess, fmt.Sprintf("Joined room %s as %s", room, role))
	logger.Infow("joined room", "role", role, "name", name)
	return self, nil
}

func (c *Classroom) start(ctx context.Context, rs *roomSession) error {
	ch := c.deps.Channel
	selfPath := ParticipantPath(rs.room, rs.self.ID)

	if err := rs.relay.Listen(rs.manager.HandleSignal); err != nil {
		return err
	}
	if err := ch.Write(ctx, selfPath, rs.self); err != nil {
		return fmt.Errorf("write participant record: %w", err)
	}
	if err := ch.OnDisconnectRemove(ctx, selfPath); err != nil {
		return fmt.Errorf("register participant disconnect hook: %w", err)
	}
	if err := ch.OnDisconnectRemove(ctx, SignalsPath(rs.room, rs.self.ID)); err != nil {
		return fmt.Errorf("register signals disconnect hook: %w", err)
	}
	if err := rs.roster.Start(&rosterEvents{c: c, rs: rs}); err != nil {
		return err
	}

	sub, err := ch.OnValueChanged(ScreenSharePath(rs.room), func(snap ports.Snapshot) {
		state := domain.InactiveScreenShare()
		if snap.Exists() {
			if err := snap.Decode(&state); err != nil {
				rs.manager.logger.Debugw("undecodable screen share record", "error", err)
				return
			}
		}
		c.mu.Lock()
		rs.screenState = state
		c.mu.Unlock()
		c.deps.UI.OnScreenShareChanged(state)
	})
	if err != nil {
		return fmt.Errorf("subscribe to screen share state: %w", err)
	}
	rs.screenSub = sub
	return nil
}

// Leave closes every session and removes the local records. Leaving when
// not joined is a no-op.
func (c *Classroom) Leave(ctx context.Context) error {
	c.mu.Lock()
	rs := c.session
	c.session = nil
	c.mu.Unlock()

	if rs == nil {
		return nil
	}
	c.teardown(ctx, rs)
	c.deps.UI.Notify(domain.NotifyInfo, "Left the room")
	rs.manager.logger.Infow("left room")
	return nil
}

func (c *Classroom) teardown(ctx context.Context, rs *roomSession) {
	ch := c.deps.Channel
	log := rs.manager.logger

	if err := rs.switcher.StopScreenShare(ctx); err != nil {
		log.Warnw("screen share cleanup failed", "error", err)
	}
	if rs.screenSub != nil {
		rs.screenSub.Cancel()
	}
	rs.roster.Stop()
	rs.relay.Close()
	rs.manager.Close()

	selfPath := ParticipantPath(rs.room, rs.self.ID)
	signals := SignalsPath(rs.room, rs.self.ID)
	for _, path := range []string{selfPath, signals} {
		if err := ch.Remove(ctx, path); err != nil {
			log.Warnw("failed to remove record on leave", "path", path, "error", err)
		}
		if err := ch.CancelOnDisconnect(ctx, path); err != nil {
			log.Debugw("failed to cancel disconnect hook", "path", path, "error", err)
		}
	}

	rs.gate.Reset()
	rs.router.Clear()
}

func (c *Classroom) active() (*roomSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, domain.ErrNotJoined
	}
	return c.session, nil
}

func (c *Classroom) selfOf(rs *roomSession) domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rs.self
}

// publishStatus writes the local control flags into the participant record.
func (c *Classroom) publishStatus(ctx context.Context, rs *roomSession) error {
	c.mu.Lock()
	update := domain.StatusUpdate{
		VideoEnabled:  rs.self.VideoEnabled,
		AudioEnabled:  rs.self.AudioEnabled,
		ScreenSharing: rs.self.ScreenSharing,
		HandRaised:    rs.self.HandRaised,
		LastActive:    utils.Now(),
	}
	rs.self.LastActive = update.LastActive.UnixMilli()
	c.mu.Unlock()

	if err := c.deps.Channel.Update(ctx, ParticipantPath(rs.room, rs.self.ID), update.Fields()); err != nil {
		rs.manager.logger.Warnw("failed to update participant status", "error", err)
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (c *Classroom) RequestScreenShareStart(ctx context.Context) error {
	rs, err := c.active()
	if err != nil {
		return err
	}
	return rs.switcher.StartScreenShare(ctx)
}

func (c *Classroom) RequestScreenShareStop(ctx context.Context) error {
	rs, err := c.active()
	if err != nil {
		return err
	}
	return rs.switcher.StopScreenShare(ctx)
}

// ToggleVideo flips the camera video track and returns the new state.
func (c *Classroom) ToggleVideo(ctx context.Context) (bool, error) {
	return c.toggleTrack(ctx, webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips the microphone track and returns the new state.
func (c *Classroom) ToggleAudio(ctx context.Context) (bool, error) {
	return c.toggleTrack(ctx, webrtc.RTPCodecTypeAudio)
}

func (c *Classroom) toggleTrack(ctx context.Context, kind webrtc.RTPCodecType) (bool, error) {
	rs, err := c.active()
	if err != nil {
		return false, err
	}
	camera := rs.gate.Camera()
	if camera == nil {
		return false, domain.ErrMediaUnavailable
	}
	enabled := !camera.Enabled(kind)
	camera.SetEnabled(kind, enabled)

	c.mu.Lock()
	if kind == webrtc.RTPCodecTypeVideo {
		rs.self.VideoEnabled = enabled
	} else {
		rs.self.AudioEnabled = enabled
	}
	c.mu.Unlock()

	return enabled, c.publishStatus(ctx, rs)
}

// ToggleHand raises or lowers the local hand and returns the new state.
func (c *Classroom) ToggleHand(ctx context.Context) (bool, error) {
	rs, err := c.active()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	rs.self.HandRaised = !rs.self.HandRaised
	raised := rs.self.HandRaised
	c.mu.Unlock()

	if raised {
		c.deps.UI.Notify(domain.NotifyInfo, "Hand raised")
	}
	return raised, c.publishStatus(ctx, rs)
}

func (c *Classroom) Joined() bool {
	_, err := c.active()
	return err == nil
}

func (c *Classroom) Self() (domain.Participant, error) {
	rs, err := c.active()
	if err != nil {
		return domain.Participant{}, err
	}
	return c.selfOf(rs), nil
}

func (c *Classroom) Room() domain.RoomID {
	rs, err := c.active()
	if err != nil {
		return ""
	}
	return rs.room
}

func (c *Classroom) Participants() []domain.Participant {
	rs, err := c.active()
	if err != nil {
		return nil
	}
	return rs.roster.List()
}

func (c *Classroom) CurrentTeacher() (domain.Participant, bool) {
	rs, err := c.active()
	if err != nil {
		return domain.Participant{}, false
	}
	return rs.roster.CurrentTeacher()
}

func (c *Classroom) Sessions() []domain.SessionInfo {
	rs, err := c.active()
	if err != nil {
		return nil
	}
	return rs.manager.Sessions()
}

func (c *Classroom) RemoteStreams() []ports.RemoteStream {
	rs, err := c.active()
	if err != nil {
		return nil
	}
	return rs.router.Streams()
}

func (c *Classroom) ScreenShare() domain.ScreenShareState {
	rs, err := c.active()
	if err != nil {
		return domain.InactiveScreenShare()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rs.screenState
}

// rosterEvents forwards roster changes to the UI and the session manager.
type rosterEvents struct {
	c  *Classroom
	rs *roomSession
}

func (e *rosterEvents) ParticipantJoined(p domain.Participant) {
	e.c.deps.UI.OnParticipantJoined(p)
	e.c.deps.UI.Notify(domain.NotifyInfo, fmt.Sprintf("%s joined the room", displayName(p)))
	e.rs.manager.PeerJoined(p)
}

func (e *rosterEvents) ParticipantUpdated(p domain.Participant) {
	e.c.deps.UI.OnParticipantUpdated(p)
}

func (e *rosterEvents) ParticipantLeft(p domain.Participant) {
	e.c.deps.UI.OnParticipantLeft(p.ID)
	e.c.deps.UI.Notify(domain.NotifyInfo, fmt.Sprintf("%s left the room", displayName(p)))
	e.rs.manager.PeerLeft(p.ID)
}
