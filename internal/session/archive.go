package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comigor/voicecare/internal/conversation"
)

// saveTimeout bounds a single Archive.Save call.
const saveTimeout = 2 * time.Second

type archiveJob struct {
	sessionID string
	msg       conversation.Message
}

// archiver saves messages in submission order on its own goroutine so a
// slow store never stalls the actor.
type archiver struct {
	store Archive
	log   *slog.Logger

	mu     sync.Mutex
	queue  []archiveJob
	closed bool
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newArchiver(store Archive, log *slog.Logger) *archiver {
	ctx, cancel := context.WithCancel(context.Background())
	a := &archiver{
		store:  store,
		log:    log,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *archiver) submit(sessionID string, msg conversation.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.queue = append(a.queue, archiveJob{sessionID: sessionID, msg: msg})
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// close stops accepting messages and waits for the queue to drain. When ctx
// expires first the in-flight save is cancelled and the rest are dropped.
func (a *archiver) close(ctx context.Context) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		a.cancel()
		<-a.done
	}
	a.cancel()
}

func (a *archiver) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			<-a.wake
			continue
		}
		job := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if a.ctx.Err() != nil {
			a.log.Warn("Archive closed before message was saved", "message_id", job.msg.ID)
			continue
		}
		ctx, cancel := context.WithTimeout(a.ctx, saveTimeout)
		if err := a.store.Save(ctx, job.sessionID, job.msg); err != nil {
			a.log.Warn("Archiving message failed", "message_id", job.msg.ID, "error", err)
		}
		cancel()
	}
}
