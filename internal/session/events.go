package session

import (
	"sync"
	"time"

	"github.com/comigor/voicecare/internal/apperr"
	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/emergency"
)

// Event is the closed set of notifications delivered through Engine.Events.
type Event interface{ isEvent() }

type StateChanged struct {
	From    State
	To      State
	Trigger Trigger
}

// MessageAppended carries a final message added to the session transcript.
type MessageAppended struct {
	Message conversation.Message
}

// MessageFlagged reports that an already appended message was marked as
// the subject of an emergency.
type MessageFlagged struct {
	MessageID string
	Turn      int64
}

type PartialTranscript struct {
	Turn int64
	Text string
}

// SpeechStarted marks the start of a user turn. Observers only; the state
// does not change when already Listening.
type SpeechStarted struct {
	Turn int64
}

// AudioLevel is a per-chunk microphone level. Level events are shed first
// when the host falls behind.
type AudioLevel struct {
	Level    float64
	Speaking bool
}

type EmergencyAlert struct {
	Detection emergency.Detection
	MessageID string
}

type ErrorEvent struct {
	Code apperr.Code
	Err  error
}

func (StateChanged) isEvent()      {}
func (MessageAppended) isEvent()   {}
func (MessageFlagged) isEvent()    {}
func (PartialTranscript) isEvent() {}
func (SpeechStarted) isEvent()     {}
func (AudioLevel) isEvent()        {}
func (EmergencyAlert) isEvent()    {}
func (ErrorEvent) isEvent()        {}

// maxBufferedLevels bounds how many AudioLevel events may wait for a slow
// host before new ones are discarded.
const maxBufferedLevels = 64

// bus is an ordered, unbounded event queue drained into a channel by its
// own goroutine, so the actor never blocks on the host.
type bus struct {
	mu     sync.Mutex
	queue  []Event
	levels int
	closed bool
	wake   chan struct{}

	out  chan Event
	done chan struct{}
	stop chan struct{}
}

func newBus() *bus {
	b := &bus{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := ev.(AudioLevel); ok {
		if b.levels >= maxBufferedLevels {
			return
		}
		b.levels++
	}
	b.queue = append(b.queue, ev)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Already queued events are still delivered
// for up to grace; after that whatever the host has not taken is dropped and
// the output channel closes.
func (b *bus) close(grace time.Duration) {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		time.AfterFunc(grace, func() { close(b.stop) })
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *bus) run() {
	defer close(b.done)
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		if _, ok := ev.(AudioLevel); ok {
			b.levels--
		}
		b.mu.Unlock()

		select {
		case b.out <- ev:
		case <-b.stop:
			return
		}
	}
}
