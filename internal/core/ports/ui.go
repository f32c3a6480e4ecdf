package ports

import (
	"classmesh/internal/core/domain"
)

// RemoteStream is a peer's media as routed to a display surface.
type RemoteStream struct {
	PeerID   domain.ParticipantID `json:"peer_id"`
	PeerName string               `json:"peer_name"`
	Role     domain.Role          `json:"role"`
	Surface  domain.Surface       `json:"surface"`
	Tracks   []RemoteTrack        `json:"-"`
}

type StreamConsumer interface {
	OnRemoteStreamReady(stream RemoteStream)
	OnRemoteStreamUpdated(stream RemoteStream)
	OnRemoteStreamRemoved(peer domain.ParticipantID, surface domain.Surface)
}

type StatusObserver interface {
	OnConnectionStateChanged(peer domain.ParticipantID, state domain.ConnectionState)
	OnParticipantJoined(p domain.Participant)
	OnParticipantUpdated(p domain.Participant)
	OnParticipantLeft(id domain.ParticipantID)
	OnScreenShareChanged(state domain.ScreenShareState)
	OnLocalPreview(stream LocalStream)
}

type Notifier interface {
	Notify(level domain.NotifyLevel, message string)
}

// UI is everything the classroom reports to its presentation layer.
type UI interface {
	StreamConsumer
	StatusObserver
	Notifier
}

// NopUI discards every callback.
type NopUI struct{}

func (NopUI) OnRemoteStreamReady(RemoteStream)                                      {}
func (NopUI) OnRemoteStreamUpdated(RemoteStream)                                    {}
func (NopUI) OnRemoteStreamRemoved(domain.ParticipantID, domain.Surface)            {}
func (NopUI) OnConnectionStateChanged(domain.ParticipantID, domain.ConnectionState) {}
func (NopUI) OnParticipantJoined(domain.Participant)                                {}
func (NopUI) OnParticipantUpdated(domain.Participant)                               {}
func (NopUI) OnParticipantLeft(domain.ParticipantID)                                {}
func (NopUI) OnScreenShareChanged(domain.ScreenShareState)                          {}
func (NopUI) OnLocalPreview(LocalStream)                                            {}
func (NopUI) Notify(domain.NotifyLevel, string)                                     {}

// SessionMetrics receives negotiation counters.
type SessionMetrics interface {
	SessionOpened(initiator bool)
	SessionClosed()
	SignalSent(t domain.SignalType)
	SignalReceived(t domain.SignalType)
	SignalDropped(reason string)
	GlareResolved(rolledBack bool)
	RestartScheduled()
	ConnectionStateChanged(state domain.ConnectionState)
	TrackSwitched(kind domain.SourceKind)
}

type NopMetrics struct{}

func (NopMetrics) SessionOpened(bool)                            {}
func (NopMetrics) SessionClosed()                                {}
func (NopMetrics) SignalSent(domain.SignalType)                  {}
func (NopMetrics) SignalReceived(domain.SignalType)              {}
func (NopMetrics) SignalDropped(string)                          {}
func (NopMetrics) GlareResolved(bool)                            {}
func (NopMetrics) RestartScheduled()                             {}
func (NopMetrics) ConnectionStateChanged(domain.ConnectionState) {}
func (NopMetrics) TrackSwitched(domain.SourceKind)               {}
