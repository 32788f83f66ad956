package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/playback"
	"github.com/comigor/voicecare/internal/protocol"
	"github.com/comigor/voicecare/internal/transcript"
	"github.com/comigor/voicecare/internal/transport"
)

// input is the closed set of mailbox messages.
type input interface{ isInput() }

type startInput struct {
	ctx     context.Context
	profile json.RawMessage
	reply   chan error
}

type connectResult struct{ err error }
type connectTimeout struct{}
type audioInput struct{ chunk audio.Chunk }
type textInput struct {
	text  string
	reply chan error
}
type ackInput struct{ reply chan error }
type endInput struct {
	reason EndReason
	err    error
}
type inboundInput struct{ msg protocol.Inbound }
type protocolErrorInput struct{ err error }
type noticeInput struct{ notice transport.Notice }
type finishedInput struct{ fin playback.Finished }
type captureErrorInput struct{ err error }
type responseTimeoutInput struct{ gen int64 }
type localTranscriptInput struct {
	turn int64
	text string
	err  error
}
type snapshotInput struct{ reply chan Session }

func (startInput) isInput()           {}
func (connectResult) isInput()        {}
func (connectTimeout) isInput()       {}
func (audioInput) isInput()           {}
func (textInput) isInput()            {}
func (ackInput) isInput()             {}
func (endInput) isInput()             {}
func (inboundInput) isInput()         {}
func (protocolErrorInput) isInput()   {}
func (noticeInput) isInput()          {}
func (finishedInput) isInput()        {}
func (captureErrorInput) isInput()    {}
func (responseTimeoutInput) isInput() {}
func (localTranscriptInput) isInput() {}
func (snapshotInput) isInput()        {}

func (e *Engine) run() {
	for in := range e.mailbox {
		e.handle(in)
		if e.finished {
			return
		}
	}
}

func (e *Engine) handle(in input) {
	switch m := in.(type) {
	case startInput:
		e.handleStart(m)
	case connectResult:
		e.handleConnectResult(m.err)
	case connectTimeout:
		if e.State() == StateConnecting {
			e.failStart(apperr.Timeout("connect", fmt.Errorf("no session_ready within %s", e.opts.ConnectTimeout)))
		}
	case audioInput:
		e.handleAudio(m.chunk)
	case textInput:
		m.reply <- e.handleText(m.text)
	case ackInput:
		m.reply <- e.handleAck()
	case endInput:
		if m.err != nil {
			e.log.Warn("Ending session", "reason", m.reason, "error", m.err)
		}
		e.finish(m.reason, TriggerEnd)
	case inboundInput:
		e.handleInbound(m.msg)
	case protocolErrorInput:
		e.stats.protocolErrors.Add(1)
		e.emitError(m.err)
	case noticeInput:
		e.handleNotice(m.notice)
	case finishedInput:
		e.handleFinished(m.fin)
	case captureErrorInput:
		e.emitError(m.err)
		e.finish(ReasonDeviceError, TriggerEnd)
	case responseTimeoutInput:
		e.handleResponseTimeout(m.gen)
	case localTranscriptInput:
		e.handleLocalTranscript(m)
	case snapshotInput:
		m.reply <- e.session.clone()
	}
}

// ── state machine plumbing ───────────────────────────────────────────

func (e *Engine) fire(t Trigger) {
	if err := e.fsm.Fire(t); err != nil {
		e.log.Error("State machine rejected trigger", "trigger", t, "error", err)
	}
}

func (e *Engine) onTransition(from, to State, t Trigger) {
	e.state.Store(to)
	e.session.State = to
	e.log.Info("State changed", "from", from, "to", to, "trigger", t)
	e.bus.publish(StateChanged{From: from, To: to, Trigger: t})
}

func (e *Engine) onUnhandled(state State, t Trigger) {
	e.log.Debug("Trigger ignored", "state", state, "trigger", t)
}

// ── start-up ─────────────────────────────────────────────────────────

func (e *Engine) handleStart(m startInput) {
	if e.State() != StateIdle {
		m.reply <- apperr.ErrSessionActive
		return
	}
	e.startReply = m.reply
	e.session.CreatedAt = time.Now()
	e.fire(TriggerStart)

	ctx, cancel := context.WithTimeout(m.ctx, e.opts.ConnectTimeout)
	e.connectCancel = cancel
	e.connectTimer = time.AfterFunc(e.opts.ConnectTimeout, func() { e.post(connectTimeout{}) })

	e.initPayload = protocol.InitPayload{
		Token:   e.opts.Token,
		Profile: m.profile,
		AudioIn: protocol.AudioFormat{
			Encoding:     e.opts.Format.Encoding(),
			SampleRateHz: e.opts.Format.SampleRate,
			Channels:     e.opts.Format.Channels,
		},
		Voice:  e.opts.Voice,
		Client: e.opts.Client,
	}
	go func() { e.post(connectResult{err: e.tr.Connect(ctx)}) }()
}

func (e *Engine) handleConnectResult(err error) {
	if e.State() != StateConnecting {
		return
	}
	if err != nil {
		e.failStart(err)
		return
	}
	if err := e.tr.Send(protocol.Init(e.initPayload)); err != nil {
		e.failStart(err)
	}
}

func (e *Engine) failStart(err error) {
	err = apperr.Connection("start", err)
	e.emitError(err)
	reason := ReasonConnectFailed
	if apperr.CodeOf(err) == apperr.CodeAuth {
		reason = ReasonAuthError
	}
	e.replyStart(err)
	e.finish(reason, TriggerConnectFailed)
}

func (e *Engine) replyStart(err error) {
	if e.startReply == nil {
		return
	}
	e.startReply <- err
	e.startReply = nil
}

func (e *Engine) handleReady(m protocol.SessionReady) {
	if e.State() != StateConnecting {
		e.log.Info("Session resumed", "session_id", m.SessionID, "resumed", m.Resumed)
		return
	}
	e.stopConnectTimer()
	e.session.ID = m.SessionID
	e.log = e.log.With("session_id", m.SessionID)
	e.fire(TriggerConnected)

	if e.opts.Capture != nil {
		if err := e.opts.Capture.Start(e.ctx, captureSink{e: e}); err != nil {
			e.emitError(err)
			e.replyStart(err)
			e.finish(ReasonDeviceError, TriggerEnd)
			return
		}
	}
	e.replyStart(nil)
}

func (e *Engine) stopConnectTimer() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
}

// ── audio ────────────────────────────────────────────────────────────

func (e *Engine) handleAudio(c audio.Chunk) {
	state := e.State()
	if !state.acceptsAudio() {
		e.stats.rejected.Add(1)
		return
	}
	if _, talking := e.player.Current(); talking && state == StateEmergency {
		// Emergency guidance is playing; never feed it back to the server.
		e.stats.rejected.Add(1)
		e.abandonTurn()
		return
	}

	res := e.detector.Process(c)
	e.bus.publish(AudioLevel{Level: res.Level, Speaking: e.detector.InSpeech() || res.Event == audio.EventSpeechEnd})

	switch res.Event {
	case audio.EventSpeechStart:
		e.turn++
		e.bus.publish(SpeechStarted{Turn: e.turn})
		e.fire(TriggerSpeechStart)
		for _, p := range res.Preroll {
			e.sendAudio(p)
		}
	case audio.EventSpeechEnd:
		e.sendAudio(c)
		e.endTurn(res)
	default:
		if e.detector.InSpeech() {
			e.sendAudio(c)
		}
	}
}

func (e *Engine) sendAudio(c audio.Chunk) {
	err := e.tr.Send(protocol.AudioChunk(e.turn, c.Seq, c.Data))
	switch {
	case err == nil:
		e.stats.sent.Add(1)
	case errors.Is(err, apperr.ErrAudioDropped):
		// counted by the transport
	default:
		e.log.Warn("Audio send failed", "seq", c.Seq, "error", err)
	}
}

func (e *Engine) endTurn(res audio.Result) {
	turn := e.turn
	if turn <= e.lastEndedTurn {
		return
	}
	e.lastEndedTurn = turn
	if err := e.tr.Send(protocol.TurnEnd(turn, res.Duration)); err != nil {
		e.log.Warn("turn_end send failed", "turn", turn, "error", err)
	}
	if e.opts.Transcriber != nil && len(res.Audio) > 0 {
		go e.transcribe(turn, res.Audio)
	}
}

// abandonTurn drops a half-heard user turn, for example when the AI starts
// talking. No turn_end is sent for it, so the assembler is told to step past
// it instead of holding later finals behind it.
func (e *Engine) abandonTurn() {
	open := e.detector.InSpeech()
	e.detector.Reset()
	if !open || e.turn <= e.lastEndedTurn {
		return
	}
	turn := e.turn
	e.lastEndedTurn = turn
	if text, ok := e.assembler.Latest(turn); ok {
		e.log.Debug("Discarding partial of abandoned turn", "turn", turn, "partial", text)
	}
	delete(e.pendingFlags, turn)
	e.handleOutcomes(e.assembler.Skip(turn))
}

func (e *Engine) transcribe(turn int64, pcm []byte) {
	text, err := e.opts.Transcriber.Transcribe(e.ctx, pcm, e.opts.Format)
	e.post(localTranscriptInput{turn: turn, text: text, err: err})
}

func (e *Engine) handleLocalTranscript(m localTranscriptInput) {
	if !e.State().active() {
		return
	}
	if m.err != nil {
		if !errors.Is(m.err, context.Canceled) {
			e.log.Warn("Local transcription failed", "turn", m.turn, "error", m.err)
		}
		return
	}
	e.handleOutcomes(e.assembler.Final(m.turn, m.text))
}

// ── text & acknowledgement ───────────────────────────────────────────

func (e *Engine) handleText(text string) error {
	switch state := e.State(); state {
	case StateEnded:
		return apperr.ErrSessionEnded
	case StateIdle, StateConnecting:
		return apperr.ErrNotActive
	}

	e.abandonTurn()
	e.turn++
	turn := e.turn
	e.lastEndedTurn = turn
	if err := e.tr.Send(protocol.TextMessage(turn, text)); err != nil {
		return err
	}

	outcomes := e.assembler.Final(turn, text)
	if e.assembler.Next() <= turn {
		// An earlier voice turn is still open; typed text must not wait for it.
		outcomes = append(outcomes, e.assembler.Flush()...)
	}
	e.handleOutcomes(outcomes)
	return nil
}

func (e *Engine) handleAck() error {
	if e.State() != StateEmergency {
		return ErrNoEmergency
	}
	e.fire(TriggerAcknowledged)
	if err := e.tr.Send(protocol.EmergencyAck()); err != nil {
		e.log.Warn("emergency_ack send failed", "error", err)
	}
	return nil
}

// ── inbound ──────────────────────────────────────────────────────────

func (e *Engine) handleInbound(in protocol.Inbound) {
	switch m := in.(type) {
	case protocol.SessionReady:
		e.handleReady(m)
	case protocol.TranscriptPartial:
		if text, ok := e.assembler.Partial(m.Turn, m.Sequence, m.Text); ok {
			e.bus.publish(PartialTranscript{Turn: m.Turn, Text: text})
		}
	case protocol.TranscriptFinal:
		e.handleOutcomes(e.assembler.Final(m.Turn, m.Text))
	case protocol.AIResponseStart:
		if e.player.Begin(m.AIResponseStartPayload) {
			e.fire(TriggerResponseStart)
		}
	case protocol.AIResponseChunk:
		e.player.Chunk(m.AIResponseChunkPayload)
	case protocol.AIResponseComplete:
		if fin, ok := e.player.Complete(m.AIResponseCompletePayload); ok {
			e.handleFinished(fin)
		}
	case protocol.EmergencyDetected:
		e.raiseEmergency(e.monitor.FromServer(m))
	case protocol.ServerError:
		err := apperr.Server(m.Code, m.Message)
		e.emitError(err)
		if apperr.CodeOf(err) == apperr.CodeAuth {
			e.finish(ReasonAuthError, TriggerEnd)
		}
	}
}

func (e *Engine) handleOutcomes(outcomes []transcript.Outcome) {
	for _, o := range outcomes {
		e.handleOutcome(o)
	}
}

func (e *Engine) handleOutcome(o transcript.Outcome) {
	if o.Message == nil {
		e.log.Debug("Empty final transcript treated as noise", "turn", o.Turn)
		e.fire(TriggerNoise)
		return
	}
	msg := *o.Message
	if e.pendingFlags[msg.Turn] {
		msg.Emergency = true
		delete(e.pendingFlags, msg.Turn)
	}
	e.appendMessage(msg)

	if !msg.Emergency {
		degraded := e.tr.Status() != transport.StatusOpen
		if det, ok := e.monitor.ScreenTranscript(msg.Turn, msg.Text, degraded); ok {
			e.raiseEmergency(det)
		}
	}
	e.fire(TriggerFinalTranscript)
}

func (e *Engine) handleFinished(fin playback.Finished) {
	msg := fin.Message
	e.appendMessage(msg)
	if msg.Emergency && e.State() != StateEmergency {
		e.raiseEmergency(emergency.Detection{Source: emergency.SourceServer, Turn: msg.Turn})
	}
	e.fire(TriggerResponseEnd)
}

func (e *Engine) appendMessage(msg conversation.Message) {
	e.session.Messages = append(e.session.Messages, msg)
	e.bus.publish(MessageAppended{Message: msg})
	e.archive(msg)
}

// archive queues msg for the archiver. Saving it again after a flag
// updates the stored copy.
func (e *Engine) archive(msg conversation.Message) {
	if e.archiver != nil {
		e.archiver.submit(e.session.ID, msg)
	}
}

// ── emergency ────────────────────────────────────────────────────────

func (e *Engine) raiseEmergency(det emergency.Detection) {
	if det.Turn == 0 {
		det.Turn = e.turn
	}
	e.session.Emergency = true
	alert := EmergencyAlert{Detection: det, MessageID: e.flagMessage(det.Turn)}

	e.log.Warn("Emergency detected", "source", det.Source, "turn", det.Turn, "markers", det.Markers)
	e.fire(TriggerEmergency)
	if e.opts.OnEmergency != nil {
		e.opts.OnEmergency(alert)
	}
	e.bus.publish(alert)
}

// flagMessage marks the user message of turn. When it has not arrived yet
// the flag is applied on arrival.
func (e *Engine) flagMessage(turn int64) string {
	for i := len(e.session.Messages) - 1; i >= 0; i-- {
		m := &e.session.Messages[i]
		if m.Origin != conversation.OriginUser || m.Turn != turn {
			continue
		}
		if !m.Emergency {
			m.Emergency = true
			e.bus.publish(MessageFlagged{MessageID: m.ID, Turn: turn})
			e.archive(*m)
		}
		return m.ID
	}
	e.pendingFlags[turn] = true
	return ""
}

// ── connection lifecycle ─────────────────────────────────────────────

func (e *Engine) handleNotice(n transport.Notice) {
	switch n.Kind {
	case transport.NoticeDisconnected:
		if id, ok := e.player.Abort(); ok {
			e.log.Warn("Response interrupted by connection loss", "response_id", id)
		}
		e.abandonTurn()
		if e.recycling {
			e.recycling = false
		} else {
			e.emitError(n.Err)
		}
		e.fire(TriggerTransportError)
	case transport.NoticeReconnected:
		e.log.Info("Connection restored", "attempt", n.Attempt)
		e.fire(TriggerReconnected)
	case transport.NoticeReconnectExhausted:
		e.emitError(n.Err)
		reason := ReasonReconnectExhausted
		if apperr.CodeOf(n.Err) == apperr.CodeAuth {
			reason = ReasonAuthError
		}
		e.finish(reason, TriggerReconnectExhausted)
	}
}

func (e *Engine) armResponseTimer() {
	if e.opts.ResponseTimeout < 0 {
		return
	}
	e.responseGen++
	gen := e.responseGen
	e.responseTimer = time.AfterFunc(e.opts.ResponseTimeout, func() { e.post(responseTimeoutInput{gen: gen}) })
}

func (e *Engine) disarmResponseTimer() {
	if e.responseTimer != nil {
		e.responseTimer.Stop()
		e.responseTimer = nil
	}
}

func (e *Engine) handleResponseTimeout(gen int64) {
	if gen != e.responseGen || e.State() != StateProcessing {
		return
	}
	e.emitError(apperr.Timeout("response", fmt.Errorf("no ai_response_start within %s", e.opts.ResponseTimeout)))
	e.fire(TriggerTransportError)
	e.recycling = true
	e.tr.Recycle("response timeout")
}

func (e *Engine) emitError(err error) {
	if err == nil {
		return
	}
	code := apperr.CodeOf(err)
	e.log.Warn("Session error", "code", code, "error", err)
	e.bus.publish(ErrorEvent{Code: code, Err: err})
}

// ── teardown ─────────────────────────────────────────────────────────

// finish is the single release point. Every step runs even if an earlier
// one fails.
func (e *Engine) finish(reason EndReason, t Trigger) {
	if e.finished {
		return
	}
	e.finished = true

	if e.connectCancel != nil {
		e.connectCancel()
	}
	e.stopConnectTimer()
	e.disarmResponseTimer()

	if reason == ReasonUser && e.session.ID != "" && e.tr.Status() == transport.StatusOpen {
		_ = e.tr.Send(protocol.End())
	}

	e.session.EndReason = reason
	e.session.EndedAt = time.Now()
	e.fire(t)
	if e.State() != StateEnded {
		e.fire(TriggerEnd)
	}
	e.replyStart(apperr.ErrSessionEnded)

	e.final = e.session.clone()
	close(e.closing)

	var errs []error
	if e.opts.Capture != nil {
		if err := e.opts.Capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
	}
	if err := e.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop playback: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CloseTimeout)
	if err := e.tr.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	cancel()
	if e.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.CloseTimeout)
		e.archiver.close(ctx)
		cancel()
	}
	e.cancel()
	e.bus.close(e.opts.CloseTimeout)

	e.releaseErr = errors.Join(errs...)
	e.log.Info("Session ended", "reason", reason, "messages", len(e.session.Messages))
	close(e.released)
}
