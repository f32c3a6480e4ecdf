package media

import (
	"fmt"
	"sync"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

// Stream is a local capture backed by static sample tracks.
type Stream struct {
	id    string
	kind  domain.SourceKind
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu       sync.RWMutex
	disabled map[webrtc.RTPCodecType]bool

	done chan struct{}
	once sync.Once
}

var _ ports.LocalStream = (*Stream)(nil)

// NewStream creates a VP8 video track and, when withAudio is set, an Opus
// audio track. Both share the stream id so the remote side groups them.
func NewStream(id string, kind domain.SourceKind, withAudio bool) (*Stream, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id+"-video", id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	s := &Stream{
		id:       id,
		kind:     kind,
		video:    video,
		disabled: make(map[webrtc.RTPCodecType]bool),
		done:     make(chan struct{}),
	}

	if withAudio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			id+"-audio", id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		s.audio = audio
	}
	return s, nil
}

func (s *Stream) ID() string              { return s.id }
func (s *Stream) Kind() domain.SourceKind { return s.kind }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{s.video}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

func (s *Stream) VideoTrack() webrtc.TrackLocal {
	return s.video
}

func (s *Stream) AudioTrack() webrtc.TrackLocal {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

// SetEnabled mutes or unmutes one kind. A disabled track stays attached
// and negotiated; it just stops carrying samples.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[kind] = !enabled
}

func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disabled[kind]
}

func (s *Stream) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}
