package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrMicrophoneBusy is returned when a microphone is opened twice.
var ErrMicrophoneBusy = errors.New("microphone already in use")

// ReaderMicrophone serves raw PCM from an io.Reader (a file, stdin, a pipe
// from arecord). With Paced set, reads are throttled to real time so the
// engine sees chunks at the cadence a live device would produce.
type ReaderMicrophone struct {
	R     io.Reader
	Paced bool

	mu   sync.Mutex
	open bool
}

// Open claims the reader exclusively.
func (m *ReaderMicrophone) Open(_ context.Context, f Format) (Stream, error) {
	if m.R == nil {
		return nil, errors.New("no audio source")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil, ErrMicrophoneBusy
	}
	m.open = true
	return &readerStream{mic: m, format: f, closed: make(chan struct{})}, nil
}

type readerStream struct {
	mic    *ReaderMicrophone
	format Format

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *readerStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	n, err := s.mic.R.Read(p)
	if n > 0 && s.mic.Paced {
		timer := time.NewTimer(s.format.Duration(n))
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
		}
	}
	return n, err
}

func (s *readerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mic.mu.Lock()
		s.mic.open = false
		s.mic.mu.Unlock()
	})
	return nil
}
