package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/utils"

	"go.uber.org/zap"
)

// OutgoingSyncer pushes the gate's current tracks to every live session.
type OutgoingSyncer interface {
	SyncOutgoing(ctx context.Context) error
}

type SwitcherDeps struct {
	Channel  ports.SignalingChannel
	Media    ports.MediaSource
	Gate     *MediaGate
	Sessions OutgoingSyncer
	UI       ports.UI
	Metrics  ports.SessionMetrics
	Logger   *zap.SugaredLogger
	// Self returns the local participant record.
	Self func() domain.Participant
	// OnSharingChanged publishes the local status after a start or stop.
	OnSharingChanged func(ctx context.Context, sharing bool)
}

// MediaSwitcher swaps the outgoing video between camera and screen on every
// session without tearing sessions down.
type MediaSwitcher struct {
	deps SwitcherDeps
	room domain.RoomID

	mu      sync.Mutex
	sharing bool
	screen  ports.LocalStream
}

func NewMediaSwitcher(room domain.RoomID, deps SwitcherDeps) *MediaSwitcher {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.OnSharingChanged == nil {
		deps.OnSharingChanged = func(context.Context, bool) {}
	}
	return &MediaSwitcher{deps: deps, room: room}
}

func (w *MediaSwitcher) Sharing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sharing
}

// StartScreenShare captures the screen and sends it instead of the camera.
// A denied capture returns its error without notifying the user.
func (w *MediaSwitcher) StartScreenShare(ctx context.Context) error {
	self := w.deps.Self()
	if !self.IsTeacher() {
		return domain.ErrNotTeacher
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sharing {
		return domain.ErrScreenShareActive
	}

	if snap, err := w.deps.Channel.ReadOnce(ctx, ScreenSharePath(w.room)); err == nil && snap.Exists() {
		var state domain.ScreenShareState
		if err := snap.Decode(&state); err == nil && state.Active && state.TeacherID != self.ID {
			return fmt.Errorf("%w by %s", domain.ErrScreenShareActive, state.TeacherName)
		}
	}

	screen, err := w.deps.Media.AcquireScreen(ctx)
	if err != nil {
		if domain.IsMediaDenied(err) {
			w.deps.Logger.Infow("screen share cancelled by user")
			return err
		}
		w.deps.Logger.Errorw("failed to start screen share", "error", err)
		w.deps.UI.Notify(domain.NotifyError, "Failed to start screen sharing: "+err.Error())
		return err
	}

	w.deps.Gate.SetScreen(screen)
	if err := w.deps.Sessions.SyncOutgoing(ctx); err != nil {
		w.deps.Logger.Warnw("some sessions did not switch to screen", "error", err)
	}
	w.deps.Metrics.TrackSwitched(domain.SourceScreen)

	state := domain.ScreenShareState{
		Active:      true,
		TeacherID:   self.ID,
		TeacherName: self.Name,
		StartedAt:   utils.NowMillis(),
	}
	path := ScreenSharePath(w.room)
	if err := w.deps.Channel.Write(ctx, path, state); err != nil {
		w.deps.Logger.Warnw("failed to write screen share state", "error", err)
	}
	if err := w.deps.Channel.OnDisconnectSet(ctx, path, domain.InactiveScreenShare()); err != nil {
		w.deps.Logger.Warnw("failed to register screen share disconnect hook", "error", err)
	}

	w.sharing = true
	w.screen = screen
	w.deps.OnSharingChanged(ctx, true)
	w.deps.UI.OnLocalPreview(screen)
	w.deps.UI.Notify(domain.NotifySuccess, "Screen sharing started")
	w.deps.Logger.Infow("screen share started", "stream_id", screen.ID())

	go w.watch(screen)
	return nil
}

// watch converges a capture that ended on its own onto the stop path.
func (w *MediaSwitcher) watch(screen ports.LocalStream) {
	<-screen.Done()

	w.mu.Lock()
	current := w.screen
	w.mu.Unlock()
	if current != screen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.StopScreenShare(ctx); err != nil {
		w.deps.Logger.Warnw("cleanup after ended capture failed", "error", err)
	}
}

// StopScreenShare restores the camera on every session. Calling it while
// not sharing is a no-op.
func (w *MediaSwitcher) StopScreenShare(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.sharing {
		return nil
	}
	w.sharing = false
	screen := w.screen
	w.screen = nil

	screen.Stop()
	err := w.switchBackToCamera(ctx)

	path := ScreenSharePath(w.room)
	if werr := w.deps.Channel.Write(ctx, path, domain.InactiveScreenShare()); werr != nil {
		w.deps.Logger.Warnw("failed to clear screen share state", "error", werr)
	}
	if cerr := w.deps.Channel.CancelOnDisconnect(ctx, path); cerr != nil {
		w.deps.Logger.Debugw("failed to cancel screen share disconnect hook", "error", cerr)
	}

	w.deps.OnSharingChanged(ctx, false)
	if camera := w.deps.Gate.Camera(); camera != nil {
		w.deps.UI.OnLocalPreview(camera)
	}
	w.deps.UI.Notify(domain.NotifyInfo, "Screen sharing stopped")
	w.deps.Logger.Infow("screen share stopped")
	return err
}

// switchBackToCamera re-acquires the camera if it ended while sharing, then
// swaps it back onto every session.
func (w *MediaSwitcher) switchBackToCamera(ctx context.Context) error {
	gate := w.deps.Gate
	camera := gate.Camera()
	if camera == nil || ended(camera) {
		fresh, err := w.deps.Media.AcquireCamera(ctx)
		if err != nil {
			gate.SetScreen(nil)
			var me *domain.MediaError
			if errors.As(err, &me) {
				w.deps.UI.Notify(domain.NotifyError, me.UserMessage())
			}
			return fmt.Errorf("re-acquire camera: %w", err)
		}
		gate.SetCamera(fresh)
	}
	gate.SetScreen(nil)

	if err := w.deps.Sessions.SyncOutgoing(ctx); err != nil {
		return fmt.Errorf("switch sessions back to camera: %w", err)
	}
	w.deps.Metrics.TrackSwitched(domain.SourceCamera)
	return nil
}

func ended(s ports.LocalStream) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
