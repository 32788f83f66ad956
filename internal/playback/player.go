// Package playback consumes streamed AI responses and plays their audio,
// reporting when each response has finished so the conversation can move on.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/protocol"
)

// Speaker plays one encoded audio clip and returns when it has finished or
// ctx is cancelled.
type Speaker interface {
	Play(ctx context.Context, audio []byte, format string) error
}

// Synthesizer renders response text to audio when the server sent none.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio []byte, format string, err error)
}

// Finished reports a response whose audio has drained.
type Finished struct {
	ResponseID string
	Message    conversation.Message
}

// Options configures a Player.
type Options struct {
	Speaker     Speaker
	Synthesizer Synthesizer
	// Voice disables audio entirely when false; responses then finish as
	// soon as their text is complete.
	Voice bool
	// OnFinished is called from the playback goroutine for responses whose
	// completion had to wait for audio.
	OnFinished func(Finished)
	Logger     *slog.Logger
}

type response struct {
	id       string
	turn     int64
	text     strings.Builder
	audioRef string
	clips    int
	pending  int
	complete *protocol.AIResponseCompletePayload

	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	resp   *response
	audio  []byte
	format string
	text   string // synthesize first when set
}

// Player tracks at most one in-flight response.
type Player struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	cur       *response
	completed map[string]struct{}
	queue     []job

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the playback goroutine. Close releases it.
func New(opts Options) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		opts:      opts,
		log:       logger.Or(opts.Logger).With("component", "playback"),
		now:       time.Now,
		completed: make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Player) audible() bool { return p.opts.Voice && p.opts.Speaker != nil }

// Begin starts tracking a response. It returns false for a response that
// already completed or is already current. A different in-flight response
// is aborted.
func (p *Player) Begin(start protocol.AIResponseStartPayload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.completed[start.ResponseID]; done {
		p.log.Debug("Ignoring replayed response", "response_id", start.ResponseID)
		return false
	}
	if p.cur != nil {
		if p.cur.id == start.ResponseID {
			return false
		}
		p.log.Warn("Response superseded", "response_id", p.cur.id, "by", start.ResponseID)
		p.abortLocked()
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.cur = &response{id: start.ResponseID, turn: start.Turn, ctx: ctx, cancel: cancel}
	return true
}

// Chunk appends streamed text and queues audio. Chunks for anything other
// than the current response are ignored.
func (p *Player) Chunk(c protocol.AIResponseChunkPayload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.cur
	if r == nil || r.id != c.ResponseID || r.complete != nil {
		return false
	}
	r.text.WriteString(c.Text)
	if c.AudioRef != "" {
		r.audioRef = c.AudioRef
	}
	if len(c.Audio) > 0 && p.audible() {
		r.clips++
		p.enqueueLocked(job{resp: r, audio: c.Audio, format: c.Format})
	}
	return true
}

// Complete finalizes the current response. When nothing is left to play
// the Finished value is returned immediately with ok set; otherwise it is
// delivered later through OnFinished.
func (p *Player) Complete(c protocol.AIResponseCompletePayload) (fin Finished, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.cur
	if r == nil || r.id != c.ResponseID || r.complete != nil {
		return Finished{}, false
	}
	r.complete = &c

	if r.clips == 0 && p.audible() && p.opts.Synthesizer != nil {
		if text := p.textLocked(r); text != "" {
			p.enqueueLocked(job{resp: r, text: text})
		}
	}
	if r.pending > 0 {
		return Finished{}, false
	}
	return p.finishLocked(r), true
}

// Current returns the in-flight response id.
func (p *Player) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return "", false
	}
	return p.cur.id, true
}

// Abort drops the in-flight response without producing a message. Its id
// is not marked completed, so a replay after reconnect is accepted.
func (p *Player) Abort() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return "", false
	}
	id := p.cur.id
	p.abortLocked()
	return id, true
}

// Close stops playback and waits for the playback goroutine. Safe to call
// repeatedly.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.abortLocked()
		p.mu.Unlock()
		p.cancel()
		<-p.done
	})
	return nil
}

func (p *Player) abortLocked() {
	r := p.cur
	if r == nil {
		return
	}
	r.cancel()
	kept := p.queue[:0]
	for _, j := range p.queue {
		if j.resp != r {
			kept = append(kept, j)
		}
	}
	p.queue = kept
	p.cur = nil
}

func (p *Player) enqueueLocked(j job) {
	j.resp.pending++
	p.queue = append(p.queue, j)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) textLocked(r *response) string {
	if r.complete != nil && strings.TrimSpace(r.complete.Text) != "" {
		return strings.TrimSpace(r.complete.Text)
	}
	return strings.TrimSpace(r.text.String())
}

func (p *Player) finishLocked(r *response) Finished {
	msg := conversation.NewFinal(conversation.OriginAssistant, r.turn, p.textLocked(r), p.now())
	msg.AudioRef = r.audioRef
	msg.Emergency = r.complete.Emergency
	msg.Sources = append([]string(nil), r.complete.Sources...)

	p.completed[r.id] = struct{}{}
	r.cancel()
	p.cur = nil
	return Finished{ResponseID: r.id, Message: msg}
}

func (p *Player) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
			case <-p.ctx.Done():
				return
			}
			p.mu.Lock()
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.play(j)

		p.mu.Lock()
		r := j.resp
		r.pending--
		if r != p.cur || r.complete == nil || r.pending > 0 {
			p.mu.Unlock()
			continue
		}
		fin := p.finishLocked(r)
		p.mu.Unlock()
		if p.opts.OnFinished != nil {
			p.opts.OnFinished(fin)
		}
	}
}

func (p *Player) play(j job) {
	ctx := j.resp.ctx
	if ctx.Err() != nil {
		return
	}
	audio, format := j.audio, j.format
	if j.text != "" {
		var err error
		audio, format, err = p.opts.Synthesizer.Synthesize(ctx, j.text)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn("Speech synthesis failed", "response_id", j.resp.id, "error", err)
			}
			return
		}
	}
	if err := p.opts.Speaker.Play(ctx, audio, format); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("Playback failed", "response_id", j.resp.id, "error", err)
	}
}
