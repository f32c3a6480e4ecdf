package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"classmesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerConnection adapts *webrtc.PeerConnection to the session manager.
// Remote media is consumed here: packets are counted and keyframes are
// requested until the decoder has one.
type PeerConnection struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration
	observer    MediaObserver
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	onTrack func(ports.RemoteTrack)
	tracks  []*trackStats
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, pliInterval time.Duration, observer MediaObserver, logger *zap.SugaredLogger) *PeerConnection {
	p := &PeerConnection{
		pc:          pc,
		pliInterval: pliInterval,
		observer:    observer,
		logger:      logger,
		done:        make(chan struct{}),
	}
	pc.OnTrack(p.handleTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debugw("ice connection state changed", "ice_state", state)
	})
	return p
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	if !p.track(1) {
		return sender, nil
	}
	go func() {
		defer p.wg.Done()
		p.readRTCP(track.Kind().String(), func() ([]rtcp.Packet, error) {
			packets, _, err := sender.ReadRTCP()
			return packets, err
		})
	}()
	return sender, nil
}

func (p *PeerConnection) Senders() []ports.RTPSender {
	senders := p.pc.GetSenders()
	out := make([]ports.RTPSender, 0, len(senders))
	for _, s := range senders {
		out = append(out, s)
	}
	return out
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *PeerConnection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (p *PeerConnection) OnTrack(f func(ports.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

// Stats returns a snapshot per remote track received so far.
func (p *PeerConnection) Stats() []TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackStats, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t.snapshot())
	}
	return out
}

// Close is idempotent. It stops the media goroutines after the underlying
// connection is closed, since their reads only return once it is.
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.done)
		err = p.pc.Close()
		p.wg.Wait()
	})
	return err
}

// track registers n media goroutines unless the connection is closing.
func (p *PeerConnection) track(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(n)
	return true
}

func (p *PeerConnection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	stats := newTrackStats(track.ID(), kind, strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8))

	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	p.mu.Lock()
	p.tracks = append(p.tracks, stats)
	onTrack := p.onTrack
	p.mu.Unlock()

	video := track.Kind() == webrtc.RTPCodecTypeVideo
	workers := 2
	if video {
		workers++
	}
	if !p.track(workers) {
		return
	}

	go func() {
		defer p.wg.Done()
		p.readRTCP(kind, func() ([]rtcp.Packet, error) {
			packets, _, err := receiver.ReadRTCP()
			return packets, err
		})
	}()
	go func() {
		defer p.wg.Done()
		p.drainTrack(track, stats)
	}()

	if video {
		go func() {
			defer p.wg.Done()
			p.requestKeyframes(track, stats)
		}()
	}

	if onTrack != nil {
		onTrack(track)
	}
}

// drainTrack reads the remote track until it ends, feeding the counters.
func (p *PeerConnection) drainTrack(track *webrtc.TrackRemote, stats *trackStats) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read stopped", "track_id", track.ID(), "error", err)
			}
			break
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			p.logger.Warnw("error unmarshaling RTP packet", "track_id", track.ID(), "error", err)
			continue
		}

		lost := stats.observe(packet, n)
		p.observer.RTPReceived(stats.kind, n)
		if lost > 0 {
			p.observer.RTPLost(stats.kind, lost)
		}
	}

	s := stats.snapshot()
	p.logger.Infow("remote track ended",
		"track_id", s.TrackID,
		"kind", s.Kind,
		"packets", s.Packets,
		"bytes", s.Bytes,
		"lost", s.Lost,
		"keyframes", s.Keyframes,
	)
}

// requestKeyframes sends a PLI on arrival and then every pliInterval while
// the track still waits for a keyframe.
func (p *PeerConnection) requestKeyframes(track *webrtc.TrackRemote, stats *trackStats) {
	_ = p.writePLI(track)
	if p.pliInterval <= 0 {
		return
	}

	ticker := time.NewTicker(p.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if !stats.needsKeyframe() {
				continue
			}
			if err := p.writePLI(track); err != nil {
				return
			}
		}
	}
}

func (p *PeerConnection) writePLI(track *webrtc.TrackRemote) error {
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		p.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
		return err
	}
	p.observer.KeyframeRequested(track.Kind().String())
	return nil
}

// readRTCP drains RTCP for one sender or receiver until it stops.
func (p *PeerConnection) readRTCP(kind string, read func() ([]rtcp.Packet, error)) {
	for {
		packets, err := read()
		if err != nil {
			return
		}
		p.processRTCP(kind, packets)
	}
}

func (p *PeerConnection) processRTCP(kind string, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			p.observer.RTCPReceived("receiver_report")
			for _, report := range pkt.Reports {
				p.logger.Debugw("received receiver report",
					"kind", kind,
					"fraction_lost", report.FractionLost,
					"total_lost", report.TotalLost,
					"jitter", report.Jitter,
				)
			}
		case *rtcp.SenderReport:
			p.observer.RTCPReceived("sender_report")
			p.logger.Debugw("received sender report",
				"kind", kind,
				"packet_count", pkt.PacketCount,
				"octet_count", pkt.OctetCount,
			)
		case *rtcp.TransportLayerNack:
			p.observer.RTCPReceived("nack")
			p.logger.Debugw("received NACK", "kind", kind, "nacks", len(pkt.Nacks))
		case *rtcp.PictureLossIndication:
			p.observer.RTCPReceived("pli")
			p.logger.Debugw("received PLI", "kind", kind, "media_ssrc", pkt.MediaSSRC)
		case *rtcp.FullIntraRequest:
			p.observer.RTCPReceived("fir")
		default:
			p.observer.RTCPReceived(fmt.Sprintf("%T", pkt))
		}
	}
}
