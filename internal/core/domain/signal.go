package domain

import (
	"fmt"
	"time"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SessionDescription is an opaque SDP blob with its type ("offer"/"answer").
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is exchanged as the full structured candidate init, never
// rehydrated from partial fields.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalMessage is one negotiation record addressed to a single recipient.
type SignalMessage struct {
	Key       string              `json:"-" msgpack:"-"`
	From      ParticipantID       `json:"from"`
	To        ParticipantID       `json:"to"`
	Type      SignalType          `json:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// DedupKey identifies a message across duplicate deliveries.
func (m *SignalMessage) DedupKey() string {
	return fmt.Sprintf("%s_%s_%d", m.From, m.Type, m.Timestamp)
}

func (m *SignalMessage) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Validate checks that the payload matches the message type.
func (m *SignalMessage) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	switch m.Type {
	case SignalOffer, SignalAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, m.Type)
		}
	case SignalICECandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: candidate without descriptor", ErrMalformedSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, m.Type)
	}
	return nil
}
