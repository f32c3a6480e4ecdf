package domain

import (
	"errors"
	"fmt"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionNotFound     = errors.New("peer session not found")
	ErrMalformedSignal     = errors.New("malformed signal")
	ErrUnexpectedSignal    = errors.New("unexpected signal for signaling state")
	ErrNotTeacher          = errors.New("only teachers can share their screen")
	ErrScreenShareActive   = errors.New("screen share already active")
	ErrNotJoined           = errors.New("not joined to a room")
	ErrAlreadyJoined       = errors.New("already joined to a room")
	ErrMediaUnavailable    = errors.New("local media unavailable")
	ErrRecordNotFound      = errors.New("record not found")
	ErrInvalidJoin         = errors.New("invalid join request")
)

type MediaErrorKind string

const (
	MediaBusy   MediaErrorKind = "busy"
	MediaDenied MediaErrorKind = "denied"
	MediaAbsent MediaErrorKind = "absent"
	MediaOther  MediaErrorKind = "other"
)

// MediaError reports a failed camera, microphone or screen acquisition.
type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("media %s", e.Kind)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// UserMessage is the text shown to the user once per failure.
func (e *MediaError) UserMessage() string {
	switch e.Kind {
	case MediaBusy:
		return "Camera or microphone is already in use by another application."
	case MediaDenied:
		return "Camera and microphone permissions are required. Please allow access and try again."
	case MediaAbsent:
		return "No camera or microphone found. Please check your devices."
	default:
		if e.Err != nil {
			return "Error accessing camera and microphone: " + e.Err.Error()
		}
		return "Error accessing camera and microphone."
	}
}

func NewMediaError(kind MediaErrorKind, err error) *MediaError {
	return &MediaError{Kind: kind, Err: err}
}

// IsMediaDenied reports whether err is a permission refusal.
func IsMediaDenied(err error) bool {
	var me *MediaError
	return errors.As(err, &me) && me.Kind == MediaDenied
}
