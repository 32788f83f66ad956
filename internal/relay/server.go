// Package relay is a reference conversation endpoint. It speaks the same
// envelope protocol as the session engine: it authenticates the bearer
// token, hands out session ids, buffers each audio turn until turn_end,
// transcribes it, screens it for emergencies and streams a reasoned reply.
//
// Sessions outlive their socket for ResumeWindow so a client can reconnect
// with control.resume and receive what it missed.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/protocol"
)

// Reasoner answers the last user message of history.
type Reasoner interface {
	Reply(ctx context.Context, history []conversation.Message) (string, error)
}

// Transcriber turns one buffered audio turn into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

// Synthesizer renders reply text to encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// Archive persists final messages. *history.Store implements it.
type Archive interface {
	Save(ctx context.Context, sessionID string, msg conversation.Message) error
}

// Options configures a Server. Reasoner is required.
type Options struct {
	// Tokens are the accepted bearer tokens. Empty accepts any request.
	Tokens      []string
	Reasoner    Reasoner
	Transcriber Transcriber
	Synthesizer Synthesizer
	Monitor     *emergency.Monitor
	Archive     Archive

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ReplyTimeout     time.Duration
	ResumeWindow     time.Duration
	MaxMessageBytes  int64

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 30 * time.Second
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 2 * time.Minute
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
}

// Server hosts conversation sessions.
type Server struct {
	opts     Options
	log      *slog.Logger
	monitor  *emergency.Monitor
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*conversationState
	wg       sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Reasoner == nil {
		return nil, errors.New("relay: reasoner is required")
	}
	opts.applyDefaults()
	mon := opts.Monitor
	if mon == nil {
		var err error
		if mon, err = emergency.New(emergency.Config{}); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		log:     logger.Or(opts.Logger).With("component", "relay"),
		monitor: mon,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*conversationState),
	}, nil
}

// Handler wires the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/conversation", s.handleConversation)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": n})
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.opts.Tokens) == 0 {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	for _, t := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	p := newPeer(conn, s.opts.WriteTimeout)
	log := s.log.With("request_id", middleware.GetReqID(r.Context()))

	st, err := s.handshake(p)
	if err != nil {
		log.Warn("handshake failed", "error", err)
		_ = p.send(protocol.Error("protocol_error", err.Error()))
		p.closeWith(websocket.ClosePolicyViolation, "handshake failed")
		return
	}
	defer st.detach(p, s.opts.ResumeWindow)

	s.readLoop(p, st)
}

// handshake reads the first frame: init opens a session, control.resume
// reattaches to one.
func (s *Server) handshake(p *peer) (*conversationState, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	env, err := p.read()
	if err != nil {
		return nil, fmt.Errorf("read first frame: %w", err)
	}

	switch env.Type {
	case protocol.TypeInit:
		init, err := protocol.Payload[protocol.InitPayload](env)
		if err != nil {
			return nil, err
		}
		if init.AudioIn.Encoding != "" && init.AudioIn.Encoding != audio.DefaultFormat().Encoding() {
			return nil, fmt.Errorf("unsupported audio encoding %q", init.AudioIn.Encoding)
		}
		st := s.open(init)
		st.attach(p, protocol.Ready(st.id, false))
		return st, nil

	case protocol.TypeControl:
		ctrl, err := protocol.Payload[protocol.ControlPayload](env)
		if err != nil {
			return nil, err
		}
		if ctrl.Op != protocol.OpResume {
			return nil, fmt.Errorf("first control frame must be resume, got %q", ctrl.Op)
		}
		st := s.lookup(ctrl.SessionID)
		if st == nil {
			return nil, fmt.Errorf("unknown session %q", ctrl.SessionID)
		}
		st.attach(p, protocol.Ready(st.id, true))
		return st, nil

	default:
		return nil, fmt.Errorf("first frame must be init or resume, got %q", env.Type)
	}
}

func (s *Server) open(init protocol.InitPayload) *conversationState {
	f := audio.DefaultFormat()
	if init.AudioIn.SampleRateHz > 0 {
		f.SampleRate = init.AudioIn.SampleRateHz
	}
	if init.AudioIn.Channels > 0 {
		f.Channels = init.AudioIn.Channels
	}

	st := newConversationState(s, uuid.NewString(), f, init.Voice)
	s.mu.Lock()
	s.sessions[st.id] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st.work()
	}()
	s.log.Info("Session opened", "session_id", st.id, "client", init.Client, "voice", init.Voice)
	return st
}

func (s *Server) lookup(id string) *conversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) readLoop(p *peer, st *conversationState) {
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		env, err := p.read()
		if err != nil {
			var perr *frameError
			if errors.As(err, &perr) {
				st.log.Warn("Dropping malformed frame", "error", err)
				_ = p.send(st.stamp(protocol.Error("protocol_error", err.Error())))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.log.Info("Connection lost", "error", err)
			}
			return
		}
		if !st.handle(p, env) {
			return
		}
	}
}

// Close ends every session and waits for their workers.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	all := make([]*conversationState, 0, len(s.sessions))
	for _, st := range s.sessions {
		all = append(all, st)
	}
	s.mu.Unlock()
	for _, st := range all {
		st.end()
	}
	s.wg.Wait()
}
