package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversQueuedEventsAfterClose(t *testing.T) {
	b := newBus()
	b.publish(StateChanged{From: StateIdle, To: StateConnecting})
	b.publish(StateChanged{From: StateConnecting, To: StateListening})
	b.close(time.Second)
	b.publish(StateChanged{From: StateListening, To: StateEnded})

	var got []Event
	for ev := range b.out {
		got = append(got, ev)
	}
	require.Len(t, got, 2, "events published after close are dropped")
	require.Equal(t, StateListening, got[1].(StateChanged).To)
}

func TestBus_ExitsWhenNobodyDrains(t *testing.T) {
	b := newBus()
	for i := 0; i < 5; i++ {
		b.publish(AudioLevel{Level: float64(i)})
	}
	b.close(20 * time.Millisecond)

	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("bus goroutine did not exit")
	}
	_, ok := <-b.out
	require.False(t, ok, "output channel is closed")
}

func TestBus_LevelsAreBounded(t *testing.T) {
	b := newBus()
	for i := 0; i < maxBufferedLevels+10; i++ {
		b.publish(AudioLevel{Level: 0.5})
	}
	b.publish(ErrorEvent{Code: "network"})
	b.close(time.Second)

	levels, others := 0, 0
	for ev := range b.out {
		if _, ok := ev.(AudioLevel); ok {
			levels++
		} else {
			others++
		}
	}
	require.LessOrEqual(t, levels, maxBufferedLevels+1)
	require.Equal(t, 1, others)
}
