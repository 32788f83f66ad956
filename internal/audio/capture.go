package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/logger"
)

// Microphone is the platform audio input. Open must fail (for example on a
// permission denial) rather than return a silent stream.
type Microphone interface {
	Open(ctx context.Context, f Format) (Stream, error)
}

// Stream is an open microphone. Close must unblock a pending Read.
type Stream interface {
	io.Reader
	io.Closer
}

// Frame is one captured chunk together with its activity verdict.
type Frame struct {
	Chunk  Chunk
	Result Result
}

// Sink receives capture output. Calls come from the capture goroutine and
// must not block for long.
type Sink interface {
	OnFrame(Frame)
	OnCaptureError(error)
}

// CaptureConfig configures chunking and detection.
type CaptureConfig struct {
	Format        Format
	ChunkDuration time.Duration
	// Detector is optional. Left zero, frames carry only the chunk level and
	// the consumer runs its own detection.
	Detector DetectorConfig
}

// Capture owns the microphone for the lifetime of one streaming run.
type Capture struct {
	mic Microphone
	cfg CaptureConfig
	log *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	release func() error
	done    chan struct{}
}

// NewCapture validates cfg and returns an idle capture.
func NewCapture(mic Microphone, cfg CaptureConfig, log *slog.Logger) (*Capture, error) {
	if mic == nil {
		return nil, errors.New("audio: microphone is required")
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 100 * time.Millisecond
	}
	if cfg.Format.BytesFor(cfg.ChunkDuration) == 0 {
		return nil, errors.New("audio: chunk duration too short for format")
	}
	if cfg.Detector != (DetectorConfig{}) {
		if err := cfg.Detector.Validate(); err != nil {
			return nil, err
		}
	}
	return &Capture{mic: mic, cfg: cfg, log: logger.Or(log).With("component", "capture")}, nil
}

// Start acquires the microphone and begins producing frames into sink.
// A failure to open is reported as a device_error.
func (c *Capture) Start(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("audio: capture already streaming")
	}

	var det *Detector
	if c.cfg.Detector != (DetectorConfig{}) {
		var err error
		if det, err = NewDetector(c.cfg.Detector, c.cfg.Format); err != nil {
			return err
		}
	}
	stream, err := c.mic.Open(ctx, c.cfg.Format)
	if err != nil {
		return apperr.Device("open", err)
	}

	var once sync.Once
	var closeErr error
	release := func() error {
		once.Do(func() {
			closeErr = stream.Close()
			c.log.Debug("Microphone released")
		})
		return closeErr
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.release = release
	c.done = make(chan struct{})

	go c.loop(loopCtx, stream, det, sink, release, c.done)
	c.log.Info("Microphone streaming started", "chunk_ms", c.cfg.ChunkDuration.Milliseconds())
	return nil
}

func (c *Capture) loop(ctx context.Context, stream Stream, det *Detector, sink Sink, release func() error, done chan struct{}) {
	defer close(done)
	defer release() //nolint:errcheck // Stop reports the close error

	size := c.cfg.Format.BytesFor(c.cfg.ChunkDuration)
	buf := make([]byte, size)

	for seq := int64(1); ; seq++ {
		n, err := io.ReadFull(stream, buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			chunk := Chunk{
				Seq:        seq,
				Data:       data,
				Level:      RMS(data),
				CapturedAt: time.Now(),
				Duration:   c.cfg.Format.Duration(n),
			}
			res := Result{Level: chunk.Level}
			if det != nil {
				res = det.Process(chunk)
			}
			sink.OnFrame(Frame{Chunk: chunk, Result: res})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.log.Info("Microphone stream ended", "chunks", seq)
				return
			}
			c.log.Error("Microphone read failed", "error", err)
			sink.OnCaptureError(apperr.Device("read", err))
			return
		}
	}
}

// Stop releases the microphone unconditionally, even mid-chunk, and waits
// for the capture goroutine to exit. Safe to call repeatedly.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	err := c.release()
	<-c.done
	c.log.Info("Microphone streaming stopped")
	return err
}
