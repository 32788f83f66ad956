// Package session is the conversational session engine. It turns microphone
// audio into a turn-taking dialogue with the remote conversation endpoint,
// raising emergency alerts and riding out connection loss.
//
// All state lives in a single actor goroutine that drains one mailbox.
// Capture, transport and playback run on their own goroutines and only post
// inputs; the host observes the session through Events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/playback"
	"github.com/comigor/voicecare/internal/protocol"
	"github.com/comigor/voicecare/internal/transcript"
	"github.com/comigor/voicecare/internal/transport"
)

// ErrNoEmergency is returned by Acknowledge outside the Emergency state.
var ErrNoEmergency = errors.New("no emergency to acknowledge")

// Transport is the conversation channel. *transport.Channel implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(env protocol.Envelope) error
	OnMessage(fn func(protocol.Inbound))
	OnProtocolError(fn func(error))
	OnNotice(fn func(transport.Notice))
	Recycle(reason string)
	Close(ctx context.Context) error
	Status() transport.Status
	Dropped() int64
}

// Capture is automatic microphone capture. *audio.Capture implements it.
type Capture interface {
	Start(ctx context.Context, sink audio.Sink) error
	Stop() error
}

// Transcriber is an optional local speech-to-text fallback that finalizes a
// turn from the captured utterance.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

// Archive persists final messages. *history.Store implements it.
type Archive interface {
	Save(ctx context.Context, sessionID string, msg conversation.Message) error
}

// Options configures an Engine. Only Transport is required.
type Options struct {
	Transport Transport
	// Capture, when set, is started once the session is Listening. Without
	// it the host feeds audio through SubmitAudioChunk.
	Capture     Capture
	Speaker     playback.Speaker
	Synthesizer playback.Synthesizer
	Voice       bool
	Monitor     *emergency.Monitor
	Transcriber Transcriber
	Archive     Archive

	Format   audio.Format
	Detector audio.DetectorConfig

	// Token and Client are carried in the init envelope.
	Token  string
	Client string

	ConnectTimeout time.Duration
	// ResponseTimeout bounds Processing; a negative value disables it.
	ResponseTimeout time.Duration
	CloseTimeout    time.Duration
	ReorderWindow   int
	MailboxSize     int

	// OnEmergency is called synchronously from the engine goroutine when an
	// emergency is raised, before the alert is queued for Events.
	OnEmergency func(EmergencyAlert)

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Format == (audio.Format{}) {
		o.Format = audio.DefaultFormat()
	}
	if o.Detector == (audio.DetectorConfig{}) {
		o.Detector = audio.DefaultDetectorConfig()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = 30 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 3 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 256
	}
}

type counters struct {
	sent           atomic.Int64
	rejected       atomic.Int64
	overflow       atomic.Int64
	protocolErrors atomic.Int64
}

// Engine runs one session. It is single use: once Ended it cannot be
// started again.
type Engine struct {
	opts Options
	tr   Transport
	log  *slog.Logger

	fsm       *stateless.StateMachine
	state     atomic.Value // State
	started   atomic.Bool
	bus       *bus
	archiver  *archiver
	player    *playback.Player
	detector  *audio.Detector
	assembler *transcript.Assembler
	monitor   *emergency.Monitor
	stats     counters

	mailbox  chan input
	closing  chan struct{}
	released chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the actor goroutine.
	session       Session
	turn          int64
	lastEndedTurn int64
	pendingFlags  map[int64]bool
	startReply    chan error
	initPayload   protocol.InitPayload
	connectCancel context.CancelFunc
	connectTimer  *time.Timer
	responseTimer *time.Timer
	responseGen   int64
	recycling     bool
	finished      bool

	// Written once before closing is closed.
	final      Session
	releaseErr error
}

// New validates opts and starts the engine goroutine in Idle.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	opts.applyDefaults()
	det, err := audio.NewDetector(opts.Detector, opts.Format)
	if err != nil {
		return nil, err
	}
	mon := opts.Monitor
	if mon == nil {
		if mon, err = emergency.New(emergency.Config{}); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:         opts,
		tr:           opts.Transport,
		log:          logger.Or(opts.Logger).With("component", "session"),
		bus:          newBus(),
		detector:     det,
		assembler:    transcript.New(opts.ReorderWindow),
		monitor:      mon,
		mailbox:      make(chan input, opts.MailboxSize),
		closing:      make(chan struct{}),
		released:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		session:      Session{State: StateIdle},
		pendingFlags: make(map[int64]bool),
	}
	e.state.Store(StateIdle)
	if opts.Archive != nil {
		e.archiver = newArchiver(opts.Archive, e.log)
	}
	e.player = playback.New(playback.Options{
		Speaker:     opts.Speaker,
		Synthesizer: opts.Synthesizer,
		Voice:       opts.Voice,
		OnFinished:  func(f playback.Finished) { e.post(finishedInput{fin: f}) },
		Logger:      opts.Logger,
	})
	e.fsm = newMachine(hooks{
		transitioned:  e.onTransition,
		unhandled:     e.onUnhandled,
		enterProcess:  e.armResponseTimer,
		exitProcess:   e.disarmResponseTimer,
		enterRespond:  e.abandonTurn,
		speechStarted: func() { e.log.Debug("Speech started while listening", "turn", e.turn) },
	})

	e.tr.OnMessage(func(in protocol.Inbound) { e.post(inboundInput{msg: in}) })
	e.tr.OnProtocolError(func(err error) { e.post(protocolErrorInput{err: err}) })
	e.tr.OnNotice(func(n transport.Notice) { e.post(noticeInput{notice: n}) })

	go e.run()
	return e, nil
}

// State returns the current conversation state.
func (e *Engine) State() State { return e.state.Load().(State) }

// Events returns the ordered host event stream. It is closed after End has
// released everything. The host must keep draining it; events still queued
// CloseTimeout after release are dropped.
func (e *Engine) Events() <-chan Event { return e.bus.out }

// Start opens the channel, sends init carrying profile, and returns once the
// session is Listening. On failure everything is released and the engine
// ends.
func (e *Engine) Start(ctx context.Context, profile json.RawMessage) error {
	if e.State() == StateEnded {
		return apperr.ErrSessionEnded
	}
	if !e.started.CompareAndSwap(false, true) {
		return apperr.ErrSessionActive
	}

	reply := make(chan error, 1)
	if !e.post(startInput{ctx: ctx, profile: profile, reply: reply}) {
		return apperr.ErrSessionEnded
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		e.requestEnd(ReasonConnectFailed, ctx.Err())
		return apperr.Connection("start", ctx.Err())
	}
}

// SubmitAudioChunk hands one captured chunk to the engine. It never blocks.
// Chunks are accepted while Listening, Waiting or in Emergency; otherwise
// they are counted and ErrAudioDropped is returned.
func (e *Engine) SubmitAudioChunk(c audio.Chunk) error {
	if !e.State().acceptsAudio() {
		e.stats.rejected.Add(1)
		return apperr.ErrAudioDropped
	}
	select {
	case e.mailbox <- audioInput{chunk: c}:
		return nil
	case <-e.closing:
		e.stats.rejected.Add(1)
		return apperr.ErrAudioDropped
	default:
		e.stats.overflow.Add(1)
		return apperr.ErrAudioDropped
	}
}

// SendText finalizes a typed user message at once and sends it.
func (e *Engine) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.ErrEmptyText
	}
	reply := make(chan error, 1)
	if !e.post(textInput{text: text, reply: reply}) {
		return apperr.ErrSessionEnded
	}
	return e.await(reply)
}

// Acknowledge records that the host confirmed the user is safe and leaves
// Emergency for Waiting.
func (e *Engine) Acknowledge() error {
	reply := make(chan error, 1)
	if !e.post(ackInput{reply: reply}) {
		return apperr.ErrSessionEnded
	}
	return e.await(reply)
}

// End moves the session to Ended and releases every resource. Concurrent
// and repeated calls are safe; all of them wait for the same release.
func (e *Engine) End(ctx context.Context) error {
	e.requestEnd(ReasonUser, nil)
	select {
	case <-e.released:
		return e.releaseErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the session.
func (e *Engine) Snapshot(ctx context.Context) (Session, error) {
	reply := make(chan Session, 1)
	select {
	case e.mailbox <- snapshotInput{reply: reply}:
	case <-e.closing:
		return e.final.clone(), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.closing:
		return e.final.clone(), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Stats returns the drop counters.
func (e *Engine) Stats() Stats {
	return Stats{
		AudioSent:        e.stats.sent.Load(),
		AudioRejected:    e.stats.rejected.Load(),
		MailboxOverflow:  e.stats.overflow.Load(),
		TransportDropped: e.tr.Dropped(),
		ProtocolErrors:   e.stats.protocolErrors.Load(),
	}
}

// post delivers in to the actor, giving up once the engine is closing.
func (e *Engine) post(in input) bool {
	select {
	case e.mailbox <- in:
		return true
	case <-e.closing:
		return false
	}
}

func (e *Engine) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-e.closing:
		select {
		case err := <-reply:
			return err
		default:
			return apperr.ErrSessionEnded
		}
	}
}

func (e *Engine) requestEnd(reason EndReason, err error) {
	e.post(endInput{reason: reason, err: err})
}

// captureSink adapts capture callbacks onto the mailbox.
type captureSink struct{ e *Engine }

func (s captureSink) OnFrame(f audio.Frame) { _ = s.e.SubmitAudioChunk(f.Chunk) }

func (s captureSink) OnCaptureError(err error) { s.e.post(captureErrorInput{err: err}) }
