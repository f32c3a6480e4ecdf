package domain

import "time"

type ParticipantID string
type RoomID string

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is one of the known classroom roles.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Participant is the presence record each client writes for itself under
// rooms/{room}/participants/{id}. Only the owning client writes it.
type Participant struct {
	ID            ParticipantID `json:"-" msgpack:"-"`
	Name          string        `json:"name"`
	Role          Role          `json:"role"`
	VideoEnabled  bool          `json:"videoEnabled"`
	AudioEnabled  bool          `json:"audioEnabled"`
	ScreenSharing bool          `json:"screenSharing"`
	HandRaised    bool          `json:"handRaised"`
	JoinedAt      int64         `json:"joinedAt"`
	LastActive    int64         `json:"lastActive"`
}

func (p *Participant) IsTeacher() bool {
	return p.Role == RoleTeacher
}

// JoinedTime converts the millisecond timestamp written by the owner.
func (p *Participant) JoinedTime() time.Time {
	return time.UnixMilli(p.JoinedAt)
}

// StatusUpdate is the partial record written on control toggles.
type StatusUpdate struct {
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
	HandRaised    bool
	LastActive    time.Time
}

// Fields returns the update as a partial record keyed by wire field names.
func (u StatusUpdate) Fields() map[string]any {
	return map[string]any{
		"videoEnabled":  u.VideoEnabled,
		"audioEnabled":  u.AudioEnabled,
		"screenSharing": u.ScreenSharing,
		"handRaised":    u.HandRaised,
		"lastActive":    u.LastActive.UnixMilli(),
	}
}

// ScreenShareState is the single room-scoped screen-share record.
type ScreenShareState struct {
	Active      bool          `json:"active"`
	TeacherID   ParticipantID `json:"teacherId,omitempty"`
	TeacherName string        `json:"teacherName,omitempty"`
	StartedAt   int64         `json:"startedAt,omitempty"`
}

// InactiveScreenShare is the record written when sharing stops or the
// sharing teacher disconnects.
func InactiveScreenShare() ScreenShareState {
	return ScreenShareState{Active: false}
}
