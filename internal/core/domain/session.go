package domain

// ConnectionState mirrors the peer-connection states surfaced to the UI.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Surface is the display a remote stream is routed to.
type Surface string

const (
	// SurfacePodium is the single display showing the teacher's outgoing video.
	SurfacePodium Surface = "podium"
	// SurfaceTile is a per-student display.
	SurfaceTile Surface = "tile"
)

type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceScreen SourceKind = "screen"
)

// SessionInfo is a read-only view of a live peer session.
type SessionInfo struct {
	PeerID         ParticipantID   `json:"peer_id"`
	Initiator      bool            `json:"initiator"`
	Generation     uint64          `json:"generation"`
	State          ConnectionState `json:"state"`
	SignalingState string          `json:"signaling_state"`
	PendingICE     int             `json:"pending_ice"`
	Restarts       int             `json:"restarts"`
}

type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifySuccess NotifyLevel = "success"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)
