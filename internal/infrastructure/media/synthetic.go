package media

import (
	"context"
	"errors"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/config"
	"classmesh/pkg/utils"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const opusFrameDuration = 20 * time.Millisecond

var (
	// opus TOC for a 20ms stereo silence frame
	opusSilence = []byte{0xFC, 0xFF, 0xFE}

	vp8KeyframeHeader = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}
	vp8Interframe     = []byte{0x11, 0x00, 0x00}
)

var errSyntheticDevice = errors.New("synthetic device failure")

// SyntheticConfig drives a SyntheticSource.
type SyntheticConfig struct {
	FrameRate        int
	KeyframeInterval time.Duration
	// ScreenMaxDuration ends a screen capture on its own after the given
	// time, as a user pressing the browser's stop-sharing button would.
	ScreenMaxDuration time.Duration
	// CameraFailure makes every camera acquisition fail with this kind.
	CameraFailure domain.MediaErrorKind
	// DenyScreen makes every screen acquisition fail as a refused prompt.
	DenyScreen bool
}

func SyntheticConfigFrom(cfg *config.Config) SyntheticConfig {
	return SyntheticConfig{
		FrameRate:         cfg.Media.FrameRate,
		KeyframeInterval:  cfg.Media.KeyframeInterval,
		ScreenMaxDuration: cfg.Media.ScreenMaxDuration,
	}
}

// SyntheticSource is a MediaSource for headless participants. It produces
// test-pattern VP8 frames and Opus silence at real-time pace.
type SyntheticSource struct {
	cfg    SyntheticConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*SyntheticSource)(nil)

func NewSyntheticSource(cfg SyntheticConfig, logger *zap.SugaredLogger) *SyntheticSource {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 2 * time.Second
	}
	return &SyntheticSource{cfg: cfg, logger: logger}
}

func (s *SyntheticSource) AcquireCamera(ctx context.Context) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewMediaError(domain.MediaOther, err)
	}
	if s.cfg.CameraFailure != "" {
		return nil, domain.NewMediaError(s.cfg.CameraFailure, errSyntheticDevice)
	}

	stream, err := NewStream(utils.GenerateID("camera"), domain.SourceCamera, true)
	if err != nil {
		return nil, domain.NewMediaError(domain.MediaOther, err)
	}

	s.logger.Infow("camera acquired", "stream_id", stream.ID())
	s.start(stream)
	return stream, nil
}

func (s *SyntheticSource) AcquireScreen(ctx context.Context) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewMediaError(domain.MediaOther, err)
	}
	if s.cfg.DenyScreen {
		return nil, domain.NewMediaError(domain.MediaDenied, errSyntheticDevice)
	}

	stream, err := NewStream(utils.GenerateID("screen"), domain.SourceScreen, false)
	if err != nil {
		return nil, domain.NewMediaError(domain.MediaOther, err)
	}

	s.logger.Infow("screen capture acquired", "stream_id", stream.ID())
	s.start(stream)

	if s.cfg.ScreenMaxDuration > 0 {
		timer := time.AfterFunc(s.cfg.ScreenMaxDuration, func() {
			s.logger.Infow("screen capture ended by source", "stream_id", stream.ID())
			stream.Stop()
		})
		go func() {
			<-stream.Done()
			timer.Stop()
		}()
	}
	return stream, nil
}

func (s *SyntheticSource) start(stream *Stream) {
	go s.pumpVideo(stream)
	if stream.audio != nil {
		go s.pumpAudio(stream)
	}
}

func (s *SyntheticSource) pumpVideo(stream *Stream) {
	frameDuration := time.Second / time.Duration(s.cfg.FrameRate)
	keyframeEvery := int(s.cfg.KeyframeInterval / frameDuration)
	if keyframeEvery < 1 {
		keyframeEvery = 1
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	frame := 0
	for {
		select {
		case <-stream.Done():
			return
		case <-ticker.C:
			if !stream.Enabled(webrtc.RTPCodecTypeVideo) {
				continue
			}
			data := vp8Interframe
			if frame%keyframeEvery == 0 {
				data = vp8KeyframeHeader
			}
			frame++
			if err := stream.video.WriteSample(media.Sample{Data: data, Duration: frameDuration}); err != nil {
				s.logger.Warnw("video write failed", "stream_id", stream.ID(), "error", err)
				return
			}
		}
	}
}

func (s *SyntheticSource) pumpAudio(stream *Stream) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Done():
			return
		case <-ticker.C:
			if !stream.Enabled(webrtc.RTPCodecTypeAudio) {
				continue
			}
			if err := stream.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				s.logger.Warnw("audio write failed", "stream_id", stream.ID(), "error", err)
				return
			}
		}
	}
}
