package ports

import (
	"context"

	"classmesh/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

// LocalStream is a captured camera or screen source.
type LocalStream interface {
	ID() string
	Kind() domain.SourceKind
	Tracks() []webrtc.TrackLocal
	// VideoTrack and AudioTrack return nil when the stream has no such track.
	VideoTrack() webrtc.TrackLocal
	AudioTrack() webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Enabled(kind webrtc.RTPCodecType) bool
	Stop()
	// Done is closed once the capture ended, by Stop or by the source.
	Done() <-chan struct{}
}

// MediaSource acquires local capture handles. Failures are reported as
// *domain.MediaError.
type MediaSource interface {
	AcquireCamera(ctx context.Context) (LocalStream, error)
	AcquireScreen(ctx context.Context) (LocalStream, error)
}
