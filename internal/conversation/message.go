// Package conversation holds the transcript data model shared by the
// assembler, the response player, the engine and the archive.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Origin identifies who produced a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
)

// Finality tracks whether a message may still change.
type Finality string

const (
	Partial Finality = "partial"
	Final   Finality = "final"
)

// Message is one turn in the transcript.
type Message struct {
	ID        string    `json:"id"`
	Origin    Origin    `json:"origin"`
	Turn      int64     `json:"turn"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Finality  Finality  `json:"finality"`
	// AudioRef points at a playable/sent audio stream, never the chunks themselves.
	AudioRef  string   `json:"audio_ref,omitempty"`
	Emergency bool     `json:"emergency,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// NewFinal builds an immutable final message stamped with a fresh id.
func NewFinal(origin Origin, turn int64, text string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Origin:    origin,
		Turn:      turn,
		Text:      text,
		CreatedAt: at,
		Finality:  Final,
	}
}

// IsFinal reports whether the message is immutable.
func (m Message) IsFinal() bool { return m.Finality == Final }
