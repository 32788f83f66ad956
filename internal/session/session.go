package session

import (
	"time"

	"github.com/comigor/voicecare/internal/conversation"
)

// EndReason says why a session reached Ended.
type EndReason string

const (
	ReasonNone               EndReason = ""
	ReasonUser               EndReason = "user"
	ReasonConnectFailed      EndReason = "connect-failed"
	ReasonReconnectExhausted EndReason = "reconnect-exhausted"
	ReasonDeviceError        EndReason = "device-error"
	ReasonAuthError          EndReason = "auth-error"
)

// Session is a point-in-time copy of the conversation.
type Session struct {
	ID        string
	CreatedAt time.Time
	State     State
	Messages  []conversation.Message
	Emergency bool
	EndReason EndReason
	EndedAt   time.Time
}

func (s Session) clone() Session {
	c := s
	c.Messages = make([]conversation.Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Sources = append([]string(nil), m.Sources...)
		c.Messages[i] = m
	}
	return c
}

// Stats are counters for audio that never reached the wire.
type Stats struct {
	// AudioSent counts chunks handed to the transport.
	AudioSent int64
	// AudioRejected counts chunks refused because of the session state.
	AudioRejected int64
	// MailboxOverflow counts chunks dropped because the actor fell behind.
	MailboxOverflow int64
	// TransportDropped counts chunks shed by the transport queue.
	TransportDropped int64
	ProtocolErrors   int64
}
