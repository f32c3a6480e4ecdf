package webrtc

import (
	"sync"

	"github.com/pion/rtp"
)

// TrackStats is a snapshot of what has been received on one remote track.
type TrackStats struct {
	TrackID   string
	Kind      string
	Packets   uint64
	Bytes     uint64
	Lost      uint64
	Keyframes uint64
}

// trackStats follows the sequence numbers of one remote track and tracks
// whether the decoder still needs a keyframe.
type trackStats struct {
	mu sync.Mutex

	id   string
	kind string
	vp8  bool

	packets   uint64
	bytes     uint64
	lost      uint64
	keyframes uint64

	lastSeq          uint16
	started          bool
	awaitingKeyframe bool
}

func newTrackStats(id, kind string, vp8 bool) *trackStats {
	return &trackStats{
		id:               id,
		kind:             kind,
		vp8:              vp8,
		awaitingKeyframe: kind == "video",
	}
}

// observe records one packet and returns how many packets went missing
// right before it. A gap puts the track back into keyframe-awaiting state.
func (s *trackStats) observe(packet *rtp.Packet, size int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets++
	s.bytes += uint64(size)

	lost := 0
	if !s.started {
		s.started = true
		s.lastSeq = packet.SequenceNumber
	} else {
		delta := packet.SequenceNumber - s.lastSeq
		// delta of zero is a duplicate, above half the space a reordered packet
		if delta != 0 && delta < 0x8000 {
			lost = int(delta) - 1
			s.lastSeq = packet.SequenceNumber
		}
	}

	if lost > 0 {
		s.lost += uint64(lost)
		if s.kind == "video" {
			s.awaitingKeyframe = true
		}
	}

	if s.vp8 && isVP8Keyframe(packet.Payload) {
		s.keyframes++
		s.awaitingKeyframe = false
	}
	return lost
}

func (s *trackStats) needsKeyframe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingKeyframe
}

func (s *trackStats) snapshot() TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TrackStats{
		TrackID:   s.id,
		Kind:      s.kind,
		Packets:   s.packets,
		Bytes:     s.bytes,
		Lost:      s.lost,
		Keyframes: s.keyframes,
	}
}

// isVP8Keyframe inspects the VP8 payload descriptor (RFC 7741) and reports
// whether the packet starts a key frame.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	start := payload[0]&0x10 != 0
	partition := payload[0] & 0x07
	i := 1

	if payload[0]&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 {
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 {
			i++
		}
		if ext&0x30 != 0 {
			i++
		}
	}

	if !start || partition != 0 || len(payload) <= i {
		return false
	}
	// P bit of the frame tag: 0 for key frames
	return payload[i]&0x01 == 0
}
