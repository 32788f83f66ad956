// Package protocol defines the wire envelopes exchanged with the remote
// conversation endpoint.
//
// Every frame is a JSON text message shaped as
//
//	{"type": "...", "payload": {...}, "sessionId": "...", "sequence": 7, "timestamp": 1700000000000}
//
// Outbound envelopes are built with the constructors in outbound.go; the
// transport stamps sequence, session id and timestamp when it writes them.
// Inbound frames decode into the closed Inbound union in inbound.go.
package protocol

import (
	"encoding/json"
	"time"
)

// Type names an envelope kind.
type Type string

const (
	// client → server
	TypeInit        Type = "init"
	TypeAudioChunk  Type = "audio_chunk"
	TypeTextMessage Type = "text_message"

	// server → client
	TypeSessionReady       Type = "session_ready"
	TypeTranscriptPartial  Type = "transcript_partial"
	TypeTranscriptFinal    Type = "transcript_final"
	TypeAIResponseStart    Type = "ai_response_start"
	TypeAIResponseChunk    Type = "ai_response_chunk"
	TypeAIResponseComplete Type = "ai_response_complete"
	TypeEmergencyDetected  Type = "emergency_detected"
	TypeError              Type = "error"

	// both directions
	TypeControl Type = "control"
)

// Control operations carried by TypeControl envelopes.
const (
	OpPing         = "ping"
	OpPong         = "pong"
	OpResume       = "resume"
	OpTurnEnd      = "turn_end"
	OpEmergencyAck = "emergency_ack"
	OpEnd          = "end"
)

// Envelope is a typed, sequenced message unit.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Droppable reports whether the transport may shed this envelope under
// backpressure. Only audio is ever dropped.
func (e Envelope) Droppable() bool { return e.Type == TypeAudioChunk }

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// ── Payloads ─────────────────────────────────────────────────────────

// AudioFormat describes the PCM shape of audio_chunk payloads.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type InitPayload struct {
	Token   string          `json:"token,omitempty"`
	Profile json.RawMessage `json:"profile,omitempty"`
	AudioIn AudioFormat     `json:"audio_in"`
	Voice   bool            `json:"voice"`
	Client  string          `json:"client,omitempty"`
}

type AudioChunkPayload struct {
	Turn int64  `json:"turn"`
	Seq  int64  `json:"seq"`
	Data []byte `json:"data"` // base64 in JSON
}

type TextMessagePayload struct {
	Turn int64  `json:"turn"`
	Text string `json:"text"`
}

type ControlPayload struct {
	Op         string `json:"op"`
	SessionID  string `json:"session_id,omitempty"`
	Turn       int64  `json:"turn,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type SessionReadyPayload struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed,omitempty"`
}

type TranscriptPayload struct {
	Turn       int64   `json:"turn"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type AIResponseStartPayload struct {
	ResponseID string `json:"response_id"`
	Turn       int64  `json:"turn,omitempty"`
}

type AIResponseChunkPayload struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	AudioRef   string `json:"audio_ref,omitempty"`
	Format     string `json:"format,omitempty"`
}

type AIResponseCompletePayload struct {
	ResponseID string   `json:"response_id"`
	Text       string   `json:"text,omitempty"`
	Emergency  bool     `json:"emergency,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

type EmergencyPayload struct {
	Turn       int64    `json:"turn"`
	Markers    []string `json:"markers"`
	Confidence float64  `json:"confidence,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
