package services

import (
	"sort"
	"sync"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
)

// StreamRouter routes the first remote stream of each peer to a display
// and turns later deliveries for the same peer into updates.
type StreamRouter struct {
	mu       sync.Mutex
	consumer ports.StreamConsumer
	streams  map[domain.ParticipantID]ports.RemoteStream
}

func NewStreamRouter(consumer ports.StreamConsumer) *StreamRouter {
	return &StreamRouter{
		consumer: consumer,
		streams:  make(map[domain.ParticipantID]ports.RemoteStream),
	}
}

// SurfaceFor picks the display for a peer's media: the teacher's media goes
// to the podium, students get tiles.
func SurfaceFor(peerRole domain.Role) domain.Surface {
	if peerRole == domain.RoleTeacher {
		return domain.SurfacePodium
	}
	return domain.SurfaceTile
}

func (r *StreamRouter) Deliver(peer domain.Participant, tracks []ports.RemoteTrack) {
	stream := ports.RemoteStream{
		PeerID:   peer.ID,
		PeerName: peer.Name,
		Role:     peer.Role,
		Surface:  SurfaceFor(peer.Role),
		Tracks:   append([]ports.RemoteTrack(nil), tracks...),
	}

	r.mu.Lock()
	_, seen := r.streams[peer.ID]
	r.streams[peer.ID] = stream
	r.mu.Unlock()

	if seen {
		r.consumer.OnRemoteStreamUpdated(stream)
		return
	}
	r.consumer.OnRemoteStreamReady(stream)
}

// Remove is a no-op for peers without a delivered stream.
func (r *StreamRouter) Remove(peer domain.ParticipantID) {
	r.mu.Lock()
	stream, ok := r.streams[peer]
	delete(r.streams, peer)
	r.mu.Unlock()

	if ok {
		r.consumer.OnRemoteStreamRemoved(peer, stream.Surface)
	}
}

func (r *StreamRouter) Get(peer domain.ParticipantID) (ports.RemoteStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[peer]
	return s, ok
}

func (r *StreamRouter) Streams() []ports.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ports.RemoteStream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (r *StreamRouter) Clear() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[domain.ParticipantID]ports.RemoteStream)
	r.mu.Unlock()

	for id, s := range streams {
		r.consumer.OnRemoteStreamRemoved(id, s.Surface)
	}
}
