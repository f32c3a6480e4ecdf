package ports

import (
	"context"

	"classmesh/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

// RTPSender is the outgoing half of a transceiver. *webrtc.RTPSender
// satisfies it.
type RTPSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is an incoming track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the negotiation object for one remote peer.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (RTPSender, error)
	Senders() []RTPSender

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate is not called for the end-of-candidates marker.
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(peer domain.ParticipantID) (PeerConnection, error)
}
