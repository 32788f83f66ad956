// Package transport is the single bidirectional WebSocket channel to the
// conversation endpoint. It frames envelopes both ways, keeps the link alive
// with a heartbeat, and reconnects with bounded backoff, resuming the
// session on the new socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/protocol"
	"github.com/comigor/voicecare/internal/retry"
)

// Status is the connection state, independent of the conversation state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOpen
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// NoticeKind classifies a lifecycle notice.
type NoticeKind int

const (
	// NoticeDisconnected fires when an established socket is lost and the
	// reconnect loop begins.
	NoticeDisconnected NoticeKind = iota
	NoticeReconnected
	// NoticeReconnectExhausted is terminal: the channel will not retry.
	NoticeReconnectExhausted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeDisconnected:
		return "disconnected"
	case NoticeReconnected:
		return "reconnected"
	case NoticeReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// Notice reports a connection lifecycle change to the owner.
type Notice struct {
	Kind      NoticeKind
	Attempt   int
	Err       error
	Discarded int
}

// Options configures a Channel.
type Options struct {
	URL   string
	Token string
	// Header is sent with every handshake in addition to Authorization.
	Header http.Header

	QueueSize         int
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	Backoff           retry.Backoff

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Backoff == (retry.Backoff{}) {
		o.Backoff = retry.DefaultBackoff()
	}
}

// Channel is safe for concurrent use. Handlers must be registered before
// Connect and are invoked from the reader and supervisor goroutines.
type Channel struct {
	opts  Options
	log   *slog.Logger
	queue *queue

	status       atomic.Int32
	lastActivity atomic.Int64

	mu              sync.Mutex
	current         *link
	sessionID       string
	started         bool
	onMessage       func(protocol.Inbound)
	onProtocolError func(error)
	onNotice        func(Notice)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New returns a disconnected channel.
func New(opts Options) *Channel {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:   opts,
		log:    logger.Or(opts.Logger).With("component", "transport"),
		queue:  newQueue(opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnMessage registers the inbound handler. Pong frames are consumed by the
// heartbeat and never delivered.
func (c *Channel) OnMessage(fn func(protocol.Inbound)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnProtocolError registers the handler for frames that failed to decode.
// The frame is dropped and the channel keeps running.
func (c *Channel) OnProtocolError(fn func(error)) {
	c.mu.Lock()
	c.onProtocolError = fn
	c.mu.Unlock()
}

// OnNotice registers the lifecycle handler.
func (c *Channel) OnNotice(fn func(Notice)) {
	c.mu.Lock()
	c.onNotice = fn
	c.mu.Unlock()
}

// SetResumeSession records the session id sent in control.resume after a
// reconnect. session_ready frames update it automatically.
func (c *Channel) SetResumeSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Channel) Status() Status { return Status(c.status.Load()) }

// LastActivity is the time of the last successful read or write.
func (c *Channel) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Dropped is the number of audio envelopes shed under backpressure.
func (c *Channel) Dropped() int64 { return c.queue.droppedCount() }

// Pending is the number of queued envelopes not yet written.
func (c *Channel) Pending() int { return c.queue.len() }

// Connect performs a single dial and starts the link. A 401/403 handshake
// response is an auth_error; anything else is a network_error.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return apperr.ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("transport: already connected")
	}
	c.started = true
	c.mu.Unlock()

	c.status.Store(int32(StatusConnecting))
	conn, err := c.dial(ctx)
	if err != nil {
		c.status.Store(int32(StatusDisconnected))
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	l := c.startLink(conn, nil)
	if l == nil {
		return apperr.ErrChannelClosed
	}
	c.wg.Add(1)
	go c.supervise(l)
	c.log.Info("Channel connected", "url", c.opts.URL)
	return nil
}

// Send queues env for delivery and never blocks. It returns
// apperr.ErrAudioDropped when env was an audio chunk shed by the bound.
func (c *Channel) Send(env protocol.Envelope) error {
	if c.ctx.Err() != nil {
		return apperr.ErrChannelClosed
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.SessionID == "" {
		c.mu.Lock()
		env.SessionID = c.sessionID
		c.mu.Unlock()
	}
	if !c.queue.push(env) {
		return apperr.ErrAudioDropped
	}
	return nil
}

// Recycle tears down the current socket and takes the reconnect path.
func (c *Channel) Recycle(reason string) {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
	if l == nil {
		return
	}
	c.log.Warn("Recycling connection", "reason", reason)
	l.kill(apperr.Network("recycle", errors.New(reason)))
}

// Close flushes queued envelopes while the socket is open, sends a close
// frame and releases the socket. It returns once everything is released or
// ctx expires. Safe to call repeatedly.
func (c *Channel) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.status.Store(int32(StatusClosing))

		c.mu.Lock()
		l := c.current
		c.mu.Unlock()

		var flushErr error
		if l != nil {
			flushErr = c.flushAndClose(ctx, l)
		}

		// A reconnect may have swapped the link while flushing.
		c.mu.Lock()
		c.cancel()
		last := c.current
		c.mu.Unlock()
		if l != nil {
			l.kill(nil)
		}
		if last != nil {
			last.kill(nil)
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			flushErr = errors.Join(flushErr, fmt.Errorf("transport: close: %w", ctx.Err()))
		}

		c.status.Store(int32(StatusDisconnected))
		c.closeErr = flushErr
		c.log.Info("Channel closed", "unsent", c.queue.len())
	})
	return c.closeErr
}

func (c *Channel) flushAndClose(ctx context.Context, l *link) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		l.writeMu.Lock()
		if c.queue.len() == 0 {
			deadline := time.Now().Add(c.opts.WriteTimeout)
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			l.writeMu.Unlock()
			return nil
		}
		l.writeMu.Unlock()

		select {
		case <-tick.C:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("transport: flush: %d envelope(s) unsent: %w", c.queue.len(), ctx.Err())
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, apperr.Auth("dial", fmt.Errorf("handshake rejected with status %d", resp.StatusCode))
			}
			return nil, apperr.Network("dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, apperr.Network("dial", err)
	}
	c.touch()
	return conn, nil
}

func (c *Channel) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// supervise owns the reconnect loop. It exits when the channel is closed or
// the retry budget is spent.
func (c *Channel) supervise(l *link) {
	defer c.wg.Done()
	for {
		select {
		case <-l.done:
		case <-c.ctx.Done():
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		c.status.Store(int32(StatusConnecting))
		c.log.Warn("Connection lost, reconnecting", "error", l.err)
		c.notify(Notice{Kind: NoticeDisconnected, Err: l.err})

		var attempts int
		var conn *websocket.Conn
		err := c.opts.Backoff.Do(c.ctx, func(attempt int) error {
			attempts = attempt
			var dialErr error
			conn, dialErr = c.dial(c.ctx)
			if dialErr != nil {
				c.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", dialErr)
				if apperr.CodeOf(dialErr) == apperr.CodeAuth {
					return retry.Permanent(dialErr)
				}
			}
			return dialErr
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.status.Store(int32(StatusDisconnected))
			discarded := c.queue.clear()
			notice := Notice{Kind: NoticeReconnectExhausted, Attempt: attempts, Discarded: discarded}
			if apperr.CodeOf(err) == apperr.CodeAuth {
				notice.Err = err
			} else {
				notice.Err = apperr.ReconnectExhausted(discarded, err)
			}
			c.log.Error("Reconnect exhausted", "attempts", attempts, "discarded", discarded, "error", err)
			c.notify(notice)
			return
		}

		c.mu.Lock()
		id := c.sessionID
		c.mu.Unlock()
		var resume *protocol.Envelope
		if id != "" {
			env := protocol.Resume(id)
			env.SessionID = id
			resume = &env
		}
		if l = c.startLink(conn, resume); l == nil {
			return
		}
		c.log.Info("Reconnected", "attempt", attempts, "session_id", id)
		c.notify(Notice{Kind: NoticeReconnected, Attempt: attempts})
	}
}

func (c *Channel) notify(n Notice) {
	c.mu.Lock()
	fn := c.onNotice
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// ── link ─────────────────────────────────────────────────────────────

// link is one physical socket with its reader, writer and heartbeat.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pong    chan struct{}

	done chan struct{}
	once sync.Once
	err  error
}

func (l *link) kill(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		_ = l.conn.Close()
	})
}

// startLink installs conn as the current link. It returns nil, closing
// conn, when the channel has been closed meanwhile.
func (c *Channel) startLink(conn *websocket.Conn, first *protocol.Envelope) *link {
	l := &link{conn: conn, pong: make(chan struct{}, 1), done: make(chan struct{})}
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.current = l
	c.mu.Unlock()
	c.status.Store(int32(StatusOpen))

	c.wg.Add(3)
	go c.readLoop(l)
	go c.writeLoop(l, first)
	go c.heartbeat(l)
	return l
}

func (c *Channel) write(l *link, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return apperr.Protocol("encode", err)
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return apperr.Network("write", err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperr.Network("write", err)
	}
	c.touch()
	return nil
}

func (c *Channel) writeLoop(l *link, first *protocol.Envelope) {
	defer c.wg.Done()

	if first != nil {
		c.queue.stamp(first)
		l.writeMu.Lock()
		err := c.write(l, *first)
		l.writeMu.Unlock()
		if err != nil {
			l.kill(err)
			return
		}
	}

	for {
		l.writeMu.Lock()
		env, ok := c.queue.pop()
		if !ok {
			l.writeMu.Unlock()
			select {
			case <-c.queue.ready:
				continue
			case <-l.done:
				return
			}
		}
		err := c.write(l, env)
		l.writeMu.Unlock()
		if err != nil {
			if !env.Droppable() {
				c.queue.pushFront(env)
			}
			l.kill(err)
			return
		}
	}
}

func (c *Channel) readLoop(l *link) {
	defer c.wg.Done()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.kill(apperr.New(apperr.CodeConnection, "read", err))
			} else {
				l.kill(apperr.Network("read", err))
			}
			return
		}
		c.touch()

		in, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			c.mu.Lock()
			fn := c.onProtocolError
			c.mu.Unlock()
			if fn != nil {
				fn(err)
			}
			continue
		}

		switch m := in.(type) {
		case protocol.Pong:
			select {
			case l.pong <- struct{}{}:
			default:
			}
			continue
		case protocol.SessionReady:
			c.SetResumeSession(m.SessionID)
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(in)
		}
	}
}

func (c *Channel) heartbeat(l *link) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.done:
			return
		}

		// Drain a stale pong from an earlier round.
		select {
		case <-l.pong:
		default:
		}

		ping := protocol.Ping()
		c.queue.stamp(&ping)
		l.writeMu.Lock()
		err := c.write(l, ping)
		l.writeMu.Unlock()
		if err != nil {
			l.kill(err)
			return
		}

		timer := time.NewTimer(c.opts.PongTimeout)
		select {
		case <-l.pong:
			timer.Stop()
		case <-timer.C:
			c.log.Warn("Heartbeat timed out", "pong_timeout", c.opts.PongTimeout)
			l.kill(apperr.Network("heartbeat", apperr.ErrHeartbeatTimeout))
			return
		case <-l.done:
			timer.Stop()
			return
		}
	}
}
