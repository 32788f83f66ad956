package protocol

import (
	"encoding/json"
	"time"
)

// New builds an envelope with a marshalled payload. Payload types in this
// package always marshal, so a failure here is a programming error.
func New(typ Type, payload any) Envelope {
	env := Envelope{Type: typ, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic("protocol: marshal " + string(typ) + ": " + err.Error())
		}
		env.Payload = raw
	}
	return env
}

// Encode renders an envelope as a JSON frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ── client → server ──────────────────────────────────────────────────

func Init(p InitPayload) Envelope { return New(TypeInit, p) }

func AudioChunk(turn, seq int64, data []byte) Envelope {
	return New(TypeAudioChunk, AudioChunkPayload{Turn: turn, Seq: seq, Data: data})
}

func TextMessage(turn int64, text string) Envelope {
	return New(TypeTextMessage, TextMessagePayload{Turn: turn, Text: text})
}

func Ping() Envelope { return New(TypeControl, ControlPayload{Op: OpPing}) }

func Resume(sessionID string) Envelope {
	return New(TypeControl, ControlPayload{Op: OpResume, SessionID: sessionID})
}

func TurnEnd(turn int64, d time.Duration) Envelope {
	return New(TypeControl, ControlPayload{Op: OpTurnEnd, Turn: turn, DurationMS: d.Milliseconds()})
}

func EmergencyAck() Envelope { return New(TypeControl, ControlPayload{Op: OpEmergencyAck}) }

func End() Envelope { return New(TypeControl, ControlPayload{Op: OpEnd}) }

// ── server → client ──────────────────────────────────────────────────

func Ready(sessionID string, resumed bool) Envelope {
	return New(TypeSessionReady, SessionReadyPayload{SessionID: sessionID, Resumed: resumed})
}

func Partial(turn int64, text string) Envelope {
	return New(TypeTranscriptPartial, TranscriptPayload{Turn: turn, Text: text})
}

func Final(turn int64, text string) Envelope {
	return New(TypeTranscriptFinal, TranscriptPayload{Turn: turn, Text: text})
}

func ResponseStart(responseID string, turn int64) Envelope {
	return New(TypeAIResponseStart, AIResponseStartPayload{ResponseID: responseID, Turn: turn})
}

func ResponseChunk(p AIResponseChunkPayload) Envelope { return New(TypeAIResponseChunk, p) }

func ResponseComplete(p AIResponseCompletePayload) Envelope {
	return New(TypeAIResponseComplete, p)
}

func Emergency(p EmergencyPayload) Envelope { return New(TypeEmergencyDetected, p) }

func PongFrame() Envelope { return New(TypeControl, ControlPayload{Op: OpPong}) }

func Error(code, message string) Envelope {
	return New(TypeError, ErrorPayload{Code: code, Message: message})
}
