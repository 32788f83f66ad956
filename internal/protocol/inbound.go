package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/voicecare/internal/apperr"
)

// Header is the envelope metadata every inbound variant carries.
type Header struct {
	Type      Type
	Session   string // envelope-level session id
	Sequence  int64
	Timestamp time.Time
}

// Meta returns the envelope metadata.
func (h Header) Meta() Header { return h }

// Inbound is the closed set of server → client envelopes. Consumers switch
// on the concrete type; Decode never returns a value outside this set.
type Inbound interface {
	Meta() Header
	isInbound()
}

type SessionReady struct {
	Header
	SessionReadyPayload
}

type TranscriptPartial struct {
	Header
	TranscriptPayload
}

type TranscriptFinal struct {
	Header
	TranscriptPayload
}

type AIResponseStart struct {
	Header
	AIResponseStartPayload
}

type AIResponseChunk struct {
	Header
	AIResponseChunkPayload
}

type AIResponseComplete struct {
	Header
	AIResponseCompletePayload
}

type EmergencyDetected struct {
	Header
	EmergencyPayload
}

type Pong struct {
	Header
}

type ServerError struct {
	Header
	ErrorPayload
}

func (SessionReady) isInbound()       {}
func (TranscriptPartial) isInbound()  {}
func (TranscriptFinal) isInbound()    {}
func (AIResponseStart) isInbound()    {}
func (AIResponseChunk) isInbound()    {}
func (AIResponseComplete) isInbound() {}
func (EmergencyDetected) isInbound()  {}
func (Pong) isInbound()               {}
func (ServerError) isInbound()        {}

// Decode parses one inbound frame. Malformed JSON, unknown types and
// payloads that do not match their type yield a protocol_error.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Protocol("decode", fmt.Errorf("invalid json frame: %w", err))
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope maps an already-parsed envelope onto its inbound variant.
func DecodeEnvelope(env Envelope) (Inbound, error) {
	h := Header{
		Type:      env.Type,
		Session:   env.SessionID,
		Sequence:  env.Sequence,
		Timestamp: env.Time(),
	}

	switch env.Type {
	case TypeSessionReady:
		p, err := Payload[SessionReadyPayload](env)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SessionID) == "" {
			return nil, apperr.Protocol("decode", fmt.Errorf("session_ready without session_id"))
		}
		return SessionReady{h, p}, nil
	case TypeTranscriptPartial:
		p, err := Payload[TranscriptPayload](env)
		if err != nil {
			return nil, err
		}
		return TranscriptPartial{h, p}, nil
	case TypeTranscriptFinal:
		p, err := Payload[TranscriptPayload](env)
		if err != nil {
			return nil, err
		}
		return TranscriptFinal{h, p}, nil
	case TypeAIResponseStart:
		p, err := Payload[AIResponseStartPayload](env)
		if err != nil {
			return nil, err
		}
		if p.ResponseID == "" {
			return nil, apperr.Protocol("decode", fmt.Errorf("ai_response_start without response_id"))
		}
		return AIResponseStart{h, p}, nil
	case TypeAIResponseChunk:
		p, err := Payload[AIResponseChunkPayload](env)
		if err != nil {
			return nil, err
		}
		return AIResponseChunk{h, p}, nil
	case TypeAIResponseComplete:
		p, err := Payload[AIResponseCompletePayload](env)
		if err != nil {
			return nil, err
		}
		return AIResponseComplete{h, p}, nil
	case TypeEmergencyDetected:
		p, err := Payload[EmergencyPayload](env)
		if err != nil {
			return nil, err
		}
		return EmergencyDetected{h, p}, nil
	case TypeError:
		p, err := Payload[ErrorPayload](env)
		if err != nil {
			return nil, err
		}
		return ServerError{h, p}, nil
	case TypeControl:
		p, err := Payload[ControlPayload](env)
		if err != nil {
			return nil, err
		}
		if p.Op == OpPong {
			return Pong{h}, nil
		}
		return nil, apperr.Protocol("decode", fmt.Errorf("unexpected inbound control op %q", p.Op))
	default:
		return nil, apperr.Protocol("decode", fmt.Errorf("unsupported envelope type %q", env.Type))
	}
}

// Payload decodes the payload of env into T.
func Payload[T any](env Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, apperr.Protocol("decode", fmt.Errorf("invalid %s payload: %w", env.Type, err))
	}
	return p, nil
}
