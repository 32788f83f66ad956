package relay

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/protocol"
)

const jobQueueSize = 16

// job is one completed user turn waiting for a reply.
type job struct {
	turn  int64
	pcm   []byte
	text  string
	voice bool
}

// conversationState is the server half of one session. It survives socket
// loss until the resume window closes.
type conversationState struct {
	srv    *Server
	id     string
	format audio.Format
	voice  bool
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job

	mu      sync.Mutex
	peer    *peer
	seq     int64
	turns   map[int64]*bytes.Buffer
	history []conversation.Message
	// inflight holds every frame of the response being streamed. It is
	// replayed from the start on resume and cleared once complete is delivered.
	inflight []protocol.Envelope
	// backlog holds other frames that found no socket.
	backlog []protocol.Envelope
	expiry  *time.Timer
	ended   bool
}

func newConversationState(s *Server, id string, f audio.Format, voice bool) *conversationState {
	ctx, cancel := context.WithCancel(s.ctx)
	return &conversationState{
		srv:    s,
		id:     id,
		format: f,
		voice:  voice,
		log:    s.log.With("session_id", id),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, jobQueueSize),
		turns:  make(map[int64]*bytes.Buffer),
	}
}

// stamp assigns the next outbound sequence number.
func (st *conversationState) stamp(env protocol.Envelope) protocol.Envelope {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stampLocked(env)
}

func (st *conversationState) stampLocked(env protocol.Envelope) protocol.Envelope {
	st.seq++
	env.Sequence = st.seq
	env.SessionID = st.id
	env.Timestamp = time.Now().UnixMilli()
	return env
}

// attach makes p the live socket, sends ready and replays what the previous
// socket missed. A socket still attached is replaced.
func (st *conversationState) attach(p *peer, ready protocol.Envelope) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	if old := st.peer; old != nil && old != p {
		old.closeWith(websocket.CloseGoingAway, "replaced by a newer connection")
	}
	st.peer = p

	if err := p.send(st.stampLocked(ready)); err != nil {
		st.log.Warn("Failed to send session_ready", "error", err)
		return
	}
	replay := append(append([]protocol.Envelope(nil), st.inflight...), st.backlog...)
	st.backlog = nil
	for _, env := range replay {
		if err := p.send(st.stampLocked(env)); err != nil {
			st.log.Warn("Replay interrupted", "error", err)
			return
		}
	}
	if n := len(st.inflight); n > 0 && st.inflight[n-1].Type == protocol.TypeAIResponseComplete {
		st.inflight = nil
	}
	if len(replay) > 0 {
		st.log.Info("Replayed missed frames", "count", len(replay))
	}
}

// detach releases p. The session ends if nobody resumes within window.
func (st *conversationState) detach(p *peer, window time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.peer != p || st.ended {
		return
	}
	st.peer = nil
	st.expiry = time.AfterFunc(window, st.end)
	st.log.Info("Connection detached", "resume_window", window)
}

// handle processes one client frame. It returns false once the session is over.
func (st *conversationState) handle(p *peer, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeAudioChunk:
		chunk, err := protocol.Payload[protocol.AudioChunkPayload](env)
		if err != nil {
			st.reject(err)
			return true
		}
		st.mu.Lock()
		buf, ok := st.turns[chunk.Turn]
		if !ok {
			buf = &bytes.Buffer{}
			st.turns[chunk.Turn] = buf
		}
		buf.Write(chunk.Data)
		st.mu.Unlock()

	case protocol.TypeTextMessage:
		msg, err := protocol.Payload[protocol.TextMessagePayload](env)
		if err != nil {
			st.reject(err)
			return true
		}
		if strings.TrimSpace(msg.Text) == "" {
			st.deliver(protocol.Error("protocol_error", "text_message must not be empty"))
			return true
		}
		st.enqueue(job{turn: msg.Turn, text: msg.Text})

	case protocol.TypeControl:
		ctrl, err := protocol.Payload[protocol.ControlPayload](env)
		if err != nil {
			st.reject(err)
			return true
		}
		switch ctrl.Op {
		case protocol.OpPing:
			st.deliver(protocol.PongFrame())
		case protocol.OpTurnEnd:
			st.mu.Lock()
			buf := st.turns[ctrl.Turn]
			delete(st.turns, ctrl.Turn)
			st.mu.Unlock()
			var pcm []byte
			if buf != nil {
				pcm = buf.Bytes()
			}
			st.enqueue(job{turn: ctrl.Turn, pcm: pcm, voice: true})
		case protocol.OpEmergencyAck:
			st.log.Info("Emergency acknowledged by client")
		case protocol.OpEnd:
			st.log.Info("Client ended the session")
			st.end()
			return false
		case protocol.OpResume:
			// Already attached.
		default:
			st.deliver(protocol.Error("protocol_error", "unknown control op "+ctrl.Op))
		}

	default:
		st.deliver(protocol.Error("protocol_error", "unexpected message type "+string(env.Type)))
	}
	return true
}

func (st *conversationState) reject(err error) {
	st.log.Warn("Rejecting frame", "error", err)
	st.deliver(protocol.Error("protocol_error", err.Error()))
}

func (st *conversationState) enqueue(j job) {
	select {
	case st.jobs <- j:
	case <-st.ctx.Done():
	default:
		st.log.Warn("Turn queue full, dropping turn", "turn", j.turn)
		st.deliver(protocol.Error("server_busy", "too many pending turns"))
	}
}

// deliver sends a frame that is not part of a streamed response. It is kept
// for the next socket when none is attached or sending fails.
func (st *conversationState) deliver(env protocol.Envelope) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendLocked(env, false)
}

// beginResponse starts tracking a new response. Leftovers of an undelivered
// earlier response move to the backlog.
func (st *conversationState) beginResponse() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.backlog = append(st.backlog, st.inflight...)
	st.inflight = nil
}

// stream sends one frame of the current response. When last is delivered
// the response stops being replayable.
func (st *conversationState) stream(env protocol.Envelope, last bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inflight = append(st.inflight, env)
	if st.sendLocked(env, true) && last {
		st.inflight = nil
	}
}

func (st *conversationState) sendLocked(env protocol.Envelope, tracked bool) bool {
	if st.ended {
		return false
	}
	if st.peer == nil {
		if !tracked {
			st.backlog = append(st.backlog, env)
		}
		return false
	}
	if err := st.peer.send(st.stampLocked(env)); err != nil {
		st.log.Warn("Send failed, keeping frame for resume", "type", env.Type, "error", err)
		if !tracked {
			st.backlog = append(st.backlog, env)
		}
		return false
	}
	return true
}

// remember appends msg to the session history and archives it.
func (st *conversationState) remember(msg conversation.Message) []conversation.Message {
	st.mu.Lock()
	st.history = append(st.history, msg)
	history := append([]conversation.Message(nil), st.history...)
	st.mu.Unlock()

	if a := st.srv.opts.Archive; a != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.Save(ctx, st.id, msg); err != nil {
			st.log.Warn("Failed to archive message", "message_id", msg.ID, "error", err)
		}
	}
	return history
}

// work answers queued turns one at a time.
func (st *conversationState) work() {
	for {
		select {
		case <-st.ctx.Done():
			return
		case j := <-st.jobs:
			st.process(j)
		}
	}
}

// end tears the session down once.
func (st *conversationState) end() {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	p := st.peer
	st.peer = nil
	st.mu.Unlock()

	st.cancel()
	st.srv.forget(st.id)
	if p != nil {
		p.closeWith(websocket.CloseNormalClosure, "session ended")
	}
	st.log.Info("Session closed")
}
