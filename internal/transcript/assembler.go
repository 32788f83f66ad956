// Package transcript turns streamed partial and final transcript fragments
// into completed user messages, one per speech turn.
package transcript

import (
	"sort"
	"strings"
	"time"

	"github.com/comigor/voicecare/internal/conversation"
)

// DefaultWindow is how many turns a final may wait for an earlier turn
// before the gap is given up on.
const DefaultWindow = 3

// Outcome is a released final. A nil Message means the turn was noise.
type Outcome struct {
	Turn    int64
	Message *conversation.Message
}

type partial struct {
	seq  int64
	text string
}

// Assembler keeps the latest partial per turn and releases finals in turn
// order. It is owned by the session actor and is not safe for concurrent use.
type Assembler struct {
	window int64
	now    func() time.Time

	next     int64 // lowest turn not yet released
	partials map[int64]partial
	held     map[int64]Outcome
	skipped  map[int64]struct{}
}

// New returns an assembler whose first expected turn is 1. window <= 0
// selects DefaultWindow.
func New(window int) *Assembler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Assembler{
		window:   int64(window),
		now:      time.Now,
		next:     1,
		partials: make(map[int64]partial),
		held:     make(map[int64]Outcome),
		skipped:  make(map[int64]struct{}),
	}
}

// Partial records an interim transcript. It returns the text to display and
// false when the fragment is stale (older sequence) or its turn is already
// final.
func (a *Assembler) Partial(turn, seq int64, text string) (string, bool) {
	if a.finalized(turn) {
		return "", false
	}
	if cur, ok := a.partials[turn]; ok && seq <= cur.seq {
		return "", false
	}
	a.partials[turn] = partial{seq: seq, text: text}
	return text, true
}

// Latest returns the current partial text for turn.
func (a *Assembler) Latest(turn int64) (string, bool) {
	p, ok := a.partials[turn]
	return p.text, ok
}

// Final completes turn and returns every outcome that is now releasable, in
// turn order. Duplicates and finals for already released turns return nil.
func (a *Assembler) Final(turn int64, text string) []Outcome {
	if a.finalized(turn) {
		return nil
	}
	delete(a.partials, turn)

	out := Outcome{Turn: turn}
	if text = strings.TrimSpace(text); text != "" {
		msg := conversation.NewFinal(conversation.OriginUser, turn, text, a.now())
		out.Message = &msg
	}
	a.held[turn] = out
	return a.release()
}

// Skip gives up on turn without a message, for example when the speaker
// was cut off and the turn was never ended. Later finals for it are
// rejected. It returns every outcome the skip makes releasable.
func (a *Assembler) Skip(turn int64) []Outcome {
	if a.finalized(turn) {
		return nil
	}
	delete(a.partials, turn)
	a.skipped[turn] = struct{}{}
	return a.release()
}

// Flush releases everything held regardless of gaps. Used when the turn
// sequence is known to be broken, for example after a reconnect.
func (a *Assembler) Flush() []Outcome {
	if len(a.held) == 0 {
		return nil
	}
	turns := make([]int64, 0, len(a.held))
	for t := range a.held {
		turns = append(turns, t)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i] < turns[j] })

	out := make([]Outcome, 0, len(turns))
	for _, t := range turns {
		out = append(out, a.held[t])
		delete(a.held, t)
	}
	a.next = turns[len(turns)-1] + 1
	for t := range a.skipped {
		if t < a.next {
			delete(a.skipped, t)
		}
	}
	return out
}

// Next is the lowest turn that has not been released.
func (a *Assembler) Next() int64 { return a.next }

// Pending reports how many finals are waiting on an earlier turn.
func (a *Assembler) Pending() int { return len(a.held) }

func (a *Assembler) finalized(turn int64) bool {
	if turn < a.next {
		return true
	}
	if _, ok := a.held[turn]; ok {
		return true
	}
	_, ok := a.skipped[turn]
	return ok
}

func (a *Assembler) release() []Outcome {
	var out []Outcome
	for {
		if _, ok := a.skipped[a.next]; ok {
			delete(a.skipped, a.next)
			a.next++
			continue
		}
		if len(a.held) == 0 {
			break
		}
		if o, ok := a.held[a.next]; ok {
			out = append(out, o)
			delete(a.held, a.next)
			a.next++
			continue
		}
		if a.maxHeld() < a.next+a.window {
			break
		}
		// Gap too old to wait for; later finals for it are rejected.
		delete(a.partials, a.next)
		a.next++
	}
	return out
}

func (a *Assembler) maxHeld() int64 {
	var m int64
	for t := range a.held {
		if t > m {
			m = t
		}
	}
	return m
}
