package session

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/protocol"
	"github.com/comigor/voicecare/internal/transport"
)

// fakeTransport records outbound envelopes and lets tests inject inbound
// frames and lifecycle notices.
type fakeTransport struct {
	ConnectFunc func(ctx context.Context) error
	// ReadyOnInit answers init with session_ready when set.
	ReadyOnInit string

	mu        sync.Mutex
	sent      []protocol.Envelope
	recycled  []string
	onMessage func(protocol.Inbound)
	onProto   func(error)
	onNotice  func(transport.Notice)

	status atomic.Int32
	closes atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ReadyOnInit: "sess-1"}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.ConnectFunc != nil {
		if err := f.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	f.status.Store(int32(transport.StatusOpen))
	return nil
}

func (f *fakeTransport) Send(env protocol.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	if env.Type == protocol.TypeInit && f.ReadyOnInit != "" {
		go f.deliver(protocol.Ready(f.ReadyOnInit, false))
	}
	return nil
}

func (f *fakeTransport) OnMessage(fn func(protocol.Inbound)) { f.onMessage = fn }
func (f *fakeTransport) OnProtocolError(fn func(error))      { f.onProto = fn }
func (f *fakeTransport) OnNotice(fn func(transport.Notice))  { f.onNotice = fn }

func (f *fakeTransport) Recycle(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, reason)
}

func (f *fakeTransport) Close(context.Context) error {
	f.closes.Add(1)
	f.status.Store(int32(transport.StatusDisconnected))
	return nil
}

func (f *fakeTransport) Status() transport.Status { return transport.Status(f.status.Load()) }
func (f *fakeTransport) Dropped() int64           { return 0 }

// deliver decodes env as the real channel would and hands it to the engine.
func (f *fakeTransport) deliver(env protocol.Envelope) {
	in, err := protocol.DecodeEnvelope(env)
	if err != nil {
		f.onProto(err)
		return
	}
	f.onMessage(in)
}

func (f *fakeTransport) notify(n transport.Notice) { f.onNotice(n) }

func (f *fakeTransport) sentOfType(typ protocol.Type) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) controlOps() []string {
	var ops []string
	for _, env := range f.sentOfType(protocol.TypeControl) {
		p, _ := protocol.Payload[protocol.ControlPayload](env)
		ops = append(ops, p.Op)
	}
	return ops
}

func (f *fakeTransport) recycles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recycled...)
}

type fakeCapture struct {
	StartFunc func(ctx context.Context, sink audio.Sink) error

	mu    sync.Mutex
	sink  audio.Sink
	stops atomic.Int32
}

func (c *fakeCapture) Start(ctx context.Context, sink audio.Sink) error {
	if c.StartFunc != nil {
		if err := c.StartFunc(ctx, sink); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() error {
	c.stops.Add(1)
	return nil
}

func (c *fakeCapture) currentSink() audio.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

type fakeTranscriber struct {
	TranscribeFunc func(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	return t.TranscribeFunc(ctx, pcm, f)
}

type fakeArchive struct {
	// SaveFunc runs before the message is recorded; an error skips it.
	SaveFunc func(ctx context.Context) error

	mu    sync.Mutex
	saved map[string][]conversation.Message
}

func (a *fakeArchive) Save(ctx context.Context, sessionID string, msg conversation.Message) error {
	if a.SaveFunc != nil {
		if err := a.SaveFunc(ctx); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = make(map[string][]conversation.Message)
	}
	a.saved[sessionID] = append(a.saved[sessionID], msg)
	return nil
}

func (a *fakeArchive) count(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved[sessionID])
}

func (a *fakeArchive) messages(sessionID string) []conversation.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]conversation.Message(nil), a.saved[sessionID]...)
}

// eventLog drains Engine.Events for the lifetime of a test.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(e *Engine) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range e.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) errorCodes() []string {
	var codes []string
	for _, ev := range l.snapshot() {
		if e, ok := ev.(ErrorEvent); ok {
			codes = append(codes, string(e.Code))
		}
	}
	return codes
}

func (l *eventLog) alerts() []EmergencyAlert {
	var out []EmergencyAlert
	for _, ev := range l.snapshot() {
		if a, ok := ev.(EmergencyAlert); ok {
			out = append(out, a)
		}
	}
	return out
}

func (l *eventLog) has(match func(Event) bool) bool {
	for _, ev := range l.snapshot() {
		if match(ev) {
			return true
		}
	}
	return false
}

// ── helpers ──────────────────────────────────────────────────────────

func pcm(amplitude int16) []byte {
	buf := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func loud(seq int64) audio.Chunk {
	return audio.Chunk{Seq: seq, Data: pcm(8000), Duration: 10 * time.Millisecond}
}

func quiet(seq int64) audio.Chunk {
	return audio.Chunk{Seq: seq, Data: pcm(0), Duration: 10 * time.Millisecond}
}

func testOptions(ft *fakeTransport) Options {
	return Options{
		Transport:       ft,
		Detector:        audio.DetectorConfig{Threshold: 0.1, StartChunks: 2, EndChunks: 3},
		Token:           "tok",
		ConnectTimeout:  time.Second,
		ResponseTimeout: -1,
		CloseTimeout:    time.Second,
		Logger:          logger.Discard(),
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *eventLog) {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	log := collect(e)
	t.Cleanup(func() {
		_ = e.End(context.Background())
		<-log.done
	})
	return e, log
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx, []byte(`{"age":72}`)))
	require.Equal(t, StateListening, e.State())
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state is %s, want %s", e.State(), want)
}

func snapshot(t *testing.T, e *Engine) Session {
	t.Helper()
	s, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func countOrigin(s Session, origin conversation.Origin) int {
	n := 0
	for _, m := range s.Messages {
		if m.Origin == origin {
			n++
		}
	}
	return n
}

// speak feeds three loud then three quiet chunks: one complete user turn.
func speak(t *testing.T, e *Engine, firstSeq int64) {
	t.Helper()
	for i := int64(0); i < 3; i++ {
		require.NoError(t, e.SubmitAudioChunk(loud(firstSeq+i)))
	}
	for i := int64(3); i < 6; i++ {
		require.NoError(t, e.SubmitAudioChunk(quiet(firstSeq+i)))
	}
}

// drain ends the engine and waits until every event has been delivered.
func drain(t *testing.T, e *Engine, log *eventLog) {
	t.Helper()
	require.NoError(t, e.End(context.Background()))
	select {
	case <-log.done:
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

func (l *eventLog) waitFor(t *testing.T, match func(Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return l.has(match) }, 2*time.Second, 2*time.Millisecond)
}

func isError(code apperr.Code) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(ErrorEvent)
		return ok && e.Code == code
	}
}
