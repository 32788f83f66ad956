package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/voicecare/internal/protocol"
)

func drain(q *queue) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		env, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestQueue_StampsSequenceInPushOrder(t *testing.T) {
	q := newQueue(8)
	q.push(protocol.TextMessage(1, "a"))
	q.push(protocol.AudioChunk(1, 1, []byte{1}))
	q.push(protocol.Ping())

	got := drain(q)
	require.Len(t, got, 3)
	for i, env := range got {
		require.Equal(t, int64(i+1), env.Sequence)
	}
}

func TestQueue_DropsOldestAudioBeyondBound(t *testing.T) {
	q := newQueue(3)
	require.True(t, q.push(protocol.AudioChunk(1, 1, []byte{1})))
	require.True(t, q.push(protocol.TextMessage(1, "keep")))
	require.True(t, q.push(protocol.AudioChunk(1, 2, []byte{2})))
	require.True(t, q.push(protocol.AudioChunk(1, 3, []byte{3})))

	require.Equal(t, int64(1), q.droppedCount())
	got := drain(q)
	require.Len(t, got, 3)
	require.Equal(t, protocol.TypeTextMessage, got[0].Type)

	p, err := protocol.Payload[protocol.AudioChunkPayload](got[1])
	require.NoError(t, err)
	require.Equal(t, int64(2), p.Seq, "chunk 1 was the oldest audio and went first")
}

func TestQueue_NeverDropsControlOrText(t *testing.T) {
	q := newQueue(2)
	require.True(t, q.push(protocol.TextMessage(1, "one")))
	require.True(t, q.push(protocol.TurnEnd(1, 0)))

	require.False(t, q.push(protocol.AudioChunk(1, 1, []byte{1})), "incoming audio is shed when nothing else can be")
	require.True(t, q.push(protocol.EmergencyAck()), "control exceeds the bound rather than being dropped")

	require.Equal(t, 3, q.len())
	require.Equal(t, int64(1), q.droppedCount())
}

func TestQueue_PushFrontAndClear(t *testing.T) {
	q := newQueue(4)
	q.push(protocol.TextMessage(1, "second"))
	failed := protocol.TextMessage(1, "first")
	failed.Sequence = 42
	q.pushFront(failed)

	env, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, int64(42), env.Sequence)

	q.push(protocol.Ping())
	require.Equal(t, 2, q.clear())
	require.Zero(t, q.len())
}
