package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/protocol"
	"github.com/comigor/voicecare/internal/retry"
)

// testServer counts handshakes and hands each one, 1-based, to fn.
type testServer struct {
	url        string
	handshakes atomic.Int32
}

func newTestServer(t *testing.T, fn func(n int, w http.ResponseWriter, r *http.Request)) *testServer {
	t.Helper()
	ts := &testServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(int(ts.handshakes.Add(1)), w, r)
	}))
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func upgrade(t *testing.T, w http.ResponseWriter, r *http.Request) *websocket.Conn {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return nil
	}
	return conn
}

func readEnvelope(conn *websocket.Conn) (protocol.Envelope, error) {
	var env protocol.Envelope
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

func writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func controlOp(t *testing.T, env protocol.Envelope) string {
	p, err := protocol.Payload[protocol.ControlPayload](env)
	require.NoError(t, err)
	return p.Op
}

func fastOptions(url string) Options {
	return Options{
		URL:               url,
		Token:             "secret",
		HeartbeatInterval: time.Hour,
		PongTimeout:       time.Second,
		WriteTimeout:      time.Second,
		HandshakeTimeout:  time.Second,
		Backoff:           retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3},
		Logger:            logger.Discard(),
	}
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) find(kind NoticeKind) (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n.Kind == kind {
			return n, true
		}
	}
	return Notice{}, false
}

func TestChannel_ConnectRejectedIsAuthError(t *testing.T) {
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	c := New(fastOptions(ts.url))
	err := c.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, apperr.CodeAuth, apperr.CodeOf(err))
	require.False(t, apperr.IsRetryable(err))
	require.Equal(t, StatusDisconnected, c.Status())
}

func TestChannel_ConnectUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(fastOptions(url))
	err := c.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, apperr.CodeNetwork, apperr.CodeOf(err))
	require.True(t, apperr.IsRetryable(err))
}

func TestChannel_SendsInOrderWithBearerToken(t *testing.T) {
	got := make(chan protocol.Envelope, 16)
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		for {
			env, err := readEnvelope(conn)
			if err != nil {
				return
			}
			got <- env
		}
	})

	c := New(fastOptions(ts.url))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())
	require.Equal(t, StatusOpen, c.Status())

	require.NoError(t, c.Send(protocol.Init(protocol.InitPayload{Voice: true})))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, c.Send(protocol.AudioChunk(1, i, []byte{byte(i)})))
	}
	require.NoError(t, c.Send(protocol.TurnEnd(1, 300*time.Millisecond)))

	var seqs []int64
	var types []protocol.Type
	for i := 0; i < 5; i++ {
		select {
		case env := <-got:
			seqs = append(seqs, env.Sequence)
			types = append(types, env.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d envelopes", i)
		}
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
	require.Equal(t, []protocol.Type{
		protocol.TypeInit, protocol.TypeAudioChunk, protocol.TypeAudioChunk, protocol.TypeAudioChunk, protocol.TypeControl,
	}, types)
	require.False(t, c.LastActivity().IsZero())
}

func TestChannel_ReconnectSendsResumeFirst(t *testing.T) {
	firstOnSecond := make(chan protocol.Envelope, 1)
	ts := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		if n == 1 {
			_ = writeEnvelope(conn, protocol.Ready("sess-42", false))
			time.Sleep(20 * time.Millisecond)
			return // abrupt drop
		}
		env, err := readEnvelope(conn)
		if err != nil {
			return
		}
		firstOnSecond <- env
		for {
			if _, err := readEnvelope(conn); err != nil {
				return
			}
		}
	})

	rec := &noticeRecorder{}
	ready := make(chan protocol.SessionReady, 1)
	c := New(fastOptions(ts.url))
	c.OnNotice(rec.record)
	c.OnMessage(func(in protocol.Inbound) {
		if sr, ok := in.(protocol.SessionReady); ok {
			ready <- sr
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	select {
	case sr := <-ready:
		require.Equal(t, "sess-42", sr.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no session_ready")
	}

	select {
	case env := <-firstOnSecond:
		require.Equal(t, protocol.TypeControl, env.Type)
		require.Equal(t, protocol.OpResume, controlOp(t, env))
		p, err := protocol.Payload[protocol.ControlPayload](env)
		require.NoError(t, err)
		require.Equal(t, "sess-42", p.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame on the second socket")
	}

	require.Eventually(t, func() bool {
		_, ok := rec.find(NoticeReconnected)
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok := rec.find(NoticeDisconnected)
	require.True(t, ok)
}

func TestChannel_ReconnectBoundThenExhausted(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	})

	rec := &noticeRecorder{}
	c := New(fastOptions(ts.url))
	c.OnNotice(rec.record)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		_, ok := rec.find(NoticeReconnectExhausted)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	n, _ := rec.find(NoticeReconnectExhausted)
	require.Equal(t, 3, n.Attempt)
	require.Equal(t, apperr.CodeReconnectExhausted, apperr.CodeOf(n.Err))
	require.Equal(t, StatusDisconnected, c.Status())

	// One initial dial plus exactly MaxAttempts reconnect dials, then silence.
	require.Never(t, func() bool { return ts.handshakes.Load() > 4 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, int32(4), ts.handshakes.Load())
}

func TestChannel_ReconnectStopsOnAuthRejection(t *testing.T) {
	ts := newTestServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n > 1 {
			http.Error(w, "revoked", http.StatusUnauthorized)
			return
		}
		conn := upgrade(t, w, r)
		if conn != nil {
			conn.Close()
		}
	})

	rec := &noticeRecorder{}
	c := New(fastOptions(ts.url))
	c.OnNotice(rec.record)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		_, ok := rec.find(NoticeReconnectExhausted)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	n, _ := rec.find(NoticeReconnectExhausted)
	require.Equal(t, apperr.CodeAuth, apperr.CodeOf(n.Err))
	require.Equal(t, 1, n.Attempt)
}

func TestChannel_HeartbeatTimeoutKillsLink(t *testing.T) {
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		for {
			if _, err := readEnvelope(conn); err != nil {
				return // never answers ping
			}
		}
	})

	rec := &noticeRecorder{}
	opts := fastOptions(ts.url)
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.PongTimeout = 20 * time.Millisecond
	c := New(opts)
	c.OnNotice(rec.record)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		_, ok := rec.find(NoticeDisconnected)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	n, _ := rec.find(NoticeDisconnected)
	require.True(t, errors.Is(n.Err, apperr.ErrHeartbeatTimeout))
}

func TestChannel_HeartbeatAnsweredKeepsLink(t *testing.T) {
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		for {
			env, err := readEnvelope(conn)
			if err != nil {
				return
			}
			p, _ := protocol.Payload[protocol.ControlPayload](env)
			if env.Type == protocol.TypeControl && p.Op == protocol.OpPing {
				if err := writeEnvelope(conn, protocol.PongFrame()); err != nil {
					return
				}
			}
		}
	})

	rec := &noticeRecorder{}
	opts := fastOptions(ts.url)
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.PongTimeout = 200 * time.Millisecond
	c := New(opts)
	c.OnNotice(rec.record)
	delivered := atomic.Int32{}
	c.OnMessage(func(protocol.Inbound) { delivered.Add(1) })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	require.Never(t, func() bool {
		_, ok := rec.find(NoticeDisconnected)
		return ok
	}, 150*time.Millisecond, 10*time.Millisecond)
	require.Zero(t, delivered.Load(), "pongs are consumed by the heartbeat")
}

func TestChannel_ProtocolErrorDropsFrameOnly(t *testing.T) {
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		_ = writeEnvelope(conn, protocol.Final(1, "hello"))
		for {
			if _, err := readEnvelope(conn); err != nil {
				return
			}
		}
	})

	var protoErrs atomic.Int32
	finals := make(chan protocol.TranscriptFinal, 1)
	c := New(fastOptions(ts.url))
	c.OnProtocolError(func(err error) {
		if apperr.CodeOf(err) == apperr.CodeProtocol {
			protoErrs.Add(1)
		}
	})
	c.OnMessage(func(in protocol.Inbound) {
		if f, ok := in.(protocol.TranscriptFinal); ok {
			finals <- f
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	select {
	case f := <-finals:
		require.Equal(t, "hello", f.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after a bad one was not delivered")
	}
	require.Equal(t, int32(1), protoErrs.Load())
	require.Equal(t, StatusOpen, c.Status())
}

func TestChannel_CloseFlushesThenSendsCloseFrame(t *testing.T) {
	type result struct {
		envelopes int
		closeCode int
	}
	done := make(chan result, 1)
	ts := newTestServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		conn := upgrade(t, w, r)
		if conn == nil {
			return
		}
		defer conn.Close()
		var res result
		for {
			_, err := readEnvelope(conn)
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					res.closeCode = ce.Code
				}
				done <- res
				return
			}
			res.envelopes++
		}
	})

	c := New(fastOptions(ts.url))
	require.NoError(t, c.Connect(context.Background()))
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send(protocol.TextMessage(int64(i+1), "msg")))
	}
	require.NoError(t, c.Send(protocol.End()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx), "second close is a no-op")

	select {
	case res := <-done:
		require.Equal(t, 11, res.envelopes)
		require.Equal(t, websocket.CloseNormalClosure, res.closeCode)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}

	require.Equal(t, StatusDisconnected, c.Status())
	require.ErrorIs(t, c.Send(protocol.Ping()), apperr.ErrChannelClosed)
}

func TestChannel_CloseWithoutConnect(t *testing.T) {
	c := New(fastOptions("ws://127.0.0.1:1"))
	require.NoError(t, c.Close(context.Background()))
	require.ErrorIs(t, c.Connect(context.Background()), apperr.ErrChannelClosed)
}
