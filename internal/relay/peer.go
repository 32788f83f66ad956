package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/voicecare/internal/protocol"
)

// frameError marks a frame that could not be parsed. The connection
// survives it.
type frameError struct{ err error }

func (e *frameError) Error() string { return e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }

// peer is one client socket. Writes are serialized; reads happen only on
// the connection's handler goroutine.
type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newPeer(conn *websocket.Conn, writeTimeout time.Duration) *peer {
	return &peer{conn: conn, writeTimeout: writeTimeout}
}

func (p *peer) read() (protocol.Envelope, error) {
	mt, data, err := p.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	if mt != websocket.TextMessage {
		return protocol.Envelope{}, &frameError{errors.New("binary frames are not supported")}
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, &frameError{fmt.Errorf("invalid json frame: %w", err)}
	}
	return env, nil
}

func (p *peer) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return websocket.ErrCloseSent
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame once and closes the socket.
func (p *peer) closeWith(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(p.writeTimeout))
	_ = p.conn.Close()
}
