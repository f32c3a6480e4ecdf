package services

import (
	"context"
	"sync"

	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

// MediaGate holds the local capture handles and signals once the camera is
// available. Sessions created before that wait on Ready.
type MediaGate struct {
	mu     sync.RWMutex
	camera ports.LocalStream
	screen ports.LocalStream
	ready  chan struct{}
	once   *sync.Once
}

func NewMediaGate() *MediaGate {
	return &MediaGate{ready: make(chan struct{}), once: &sync.Once{}}
}

func (g *MediaGate) SetCamera(s ports.LocalStream) {
	g.mu.Lock()
	g.camera = s
	ready, once := g.ready, g.once
	g.mu.Unlock()

	if s != nil {
		once.Do(func() { close(ready) })
	}
}

func (g *MediaGate) Camera() ports.LocalStream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.camera
}

// SetScreen installs (or with nil clears) the screen capture.
func (g *MediaGate) SetScreen(s ports.LocalStream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.screen = s
}

func (g *MediaGate) Screen() ports.LocalStream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.screen
}

func (g *MediaGate) Sharing() bool {
	return g.Screen() != nil
}

// Ready is closed once a camera stream has been installed.
func (g *MediaGate) Ready() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready
}

func (g *MediaGate) Wait(ctx context.Context) error {
	select {
	case <-g.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutgoingTracks is what every session sends: the camera tracks, or the
// screen video plus camera audio while sharing.
func (g *MediaGate) OutgoingTracks() []webrtc.TrackLocal {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.screen == nil {
		if g.camera == nil {
			return nil
		}
		return g.camera.Tracks()
	}

	var out []webrtc.TrackLocal
	if v := g.screen.VideoTrack(); v != nil {
		out = append(out, v)
	}
	if g.camera != nil {
		if a := g.camera.AudioTrack(); a != nil {
			out = append(out, a)
		}
	} else if a := g.screen.AudioTrack(); a != nil {
		out = append(out, a)
	}
	return out
}

// Reset stops and forgets both streams and re-arms Ready.
func (g *MediaGate) Reset() {
	g.mu.Lock()
	camera, screen := g.camera, g.screen
	g.camera, g.screen = nil, nil
	g.ready = make(chan struct{})
	g.once = &sync.Once{}
	g.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
}
