package relay

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/protocol"
)

const emergencyGuidance = "Possible emergency detected. Caregivers are being alerted. " +
	"If you can, call your local emergency number."

// process turns one user turn into a streamed reply.
func (st *conversationState) process(j job) {
	ctx, cancel := context.WithTimeout(st.ctx, st.srv.opts.ReplyTimeout)
	defer cancel()

	text := j.text
	if j.voice {
		tr := st.srv.opts.Transcriber
		if tr == nil {
			st.deliver(protocol.Error("stt_unavailable", "server cannot transcribe audio"))
			return
		}
		var err error
		if text, err = tr.Transcribe(ctx, j.pcm, st.format); err != nil {
			st.log.Error("Transcription failed", "turn", j.turn, "error", err)
			st.deliver(protocol.Error("server_error", "transcription failed"))
			return
		}
		st.deliver(protocol.Final(j.turn, text))
		if strings.TrimSpace(text) == "" {
			st.log.Debug("Empty transcript, treating turn as noise", "turn", j.turn)
			return
		}
	}

	user := conversation.NewFinal(conversation.OriginUser, j.turn, text, time.Now())
	if markers := st.srv.monitor.Match(text); len(markers) > 0 {
		user.Emergency = true
		st.log.Warn("Emergency markers in user turn", "turn", j.turn, "markers", markers)
		st.deliver(protocol.Emergency(protocol.EmergencyPayload{
			Turn:       j.turn,
			Markers:    markers,
			Confidence: 1,
			Message:    emergencyGuidance,
		}))
	}
	history := st.remember(user)

	reply, err := st.srv.opts.Reasoner.Reply(ctx, history)
	if err != nil {
		st.log.Error("Reply failed", "turn", j.turn, "error", err)
		st.deliver(protocol.Error("server_error", "could not produce a reply"))
		return
	}
	st.respond(ctx, j.turn, reply, user.Emergency)
}

func (st *conversationState) respond(ctx context.Context, turn int64, text string, flagged bool) {
	id := uuid.NewString()
	st.beginResponse()
	st.stream(protocol.ResponseStart(id, turn), false)
	for _, s := range sentences(text) {
		st.stream(protocol.ResponseChunk(protocol.AIResponseChunkPayload{ResponseID: id, Text: s}), false)
	}
	if syn := st.srv.opts.Synthesizer; st.voice && syn != nil {
		data, format, err := syn.Synthesize(ctx, text)
		if err != nil {
			st.log.Warn("Speech synthesis failed, sending text only", "error", err)
		} else {
			st.stream(protocol.ResponseChunk(protocol.AIResponseChunkPayload{
				ResponseID: id,
				Audio:      data,
				Format:     format,
			}), false)
		}
	}
	st.stream(protocol.ResponseComplete(protocol.AIResponseCompletePayload{
		ResponseID: id,
		Text:       text,
		Emergency:  flagged,
	}), true)

	st.remember(conversation.NewFinal(conversation.OriginAssistant, turn, text, time.Now()))
}

// sentences splits text after sentence punctuation. Each piece keeps its
// trailing whitespace so the pieces concatenate back to text.
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n') {
				j++
			}
			if j == i+1 && j < len(text) {
				continue
			}
			out = append(out, text[start:j])
			start = j
			i = j - 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
