package webrtc

import (
	"fmt"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/config"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config holds the peer connection settings shared by every session.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// PLIInterval is how often a keyframe is requested on a remote video
	// track until one arrives. Zero disables repeated requests.
	PLIInterval time.Duration
}

// ConfigFrom maps the webrtc section of the application config.
func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: s.URLs})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.PLIInterval = cfg.WebRTC.PLIInterval
	return c
}

// MediaObserver receives per-packet media counters.
type MediaObserver interface {
	RTPReceived(kind string, bytes int)
	RTPLost(kind string, packets int)
	RTCPReceived(packetType string)
	KeyframeRequested(kind string)
}

type nopObserver struct{}

func (nopObserver) RTPReceived(string, int)  {}
func (nopObserver) RTPLost(string, int)      {}
func (nopObserver) RTCPReceived(string)      {}
func (nopObserver) KeyframeRequested(string) {}

// PeerConnectionFactory builds pion peer connections from one shared API.
type PeerConnectionFactory struct {
	api      *webrtc.API
	cfg      Config
	observer MediaObserver
	logger   *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)

func NewPeerConnectionFactory(cfg Config, observer MediaObserver, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	if observer == nil {
		observer = nopObserver{}
	}

	return &PeerConnectionFactory{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		cfg:      cfg,
		observer: observer,
		logger:   logger,
	}, nil
}

// NewPeerConnection creates the connection for one remote participant.
func (f *PeerConnectionFactory) NewPeerConnection(peer domain.ParticipantID) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	f.logger.Debugw("peer connection created", "peer_id", peer)
	return newPeerConnection(pc, f.cfg.PLIInterval, f.observer, f.logger.With("peer_id", peer)), nil
}
