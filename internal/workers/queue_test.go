package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityThenArrivalOrder(t *testing.T) {
	q := NewQueue[string]()
	q.Push(Low, "low-1")
	q.Push(Normal, "normal-1")
	q.Push(High, "high-1")
	q.Push(Normal, "normal-2")
	q.Push(High, "high-2")

	var got []string
	for q.Len() > 0 {
		got = append(got, q.Pop().Value)
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, got)
}

func TestQueue_StopSentinelFirst(t *testing.T) {
	q := NewQueue[int]()
	q.Push(High, 1)
	q.PushStop()

	e := q.Pop()
	assert.True(t, e.Stop)
	assert.Equal(t, 1, q.Len(), "sentinels are not counted as work")
	assert.Equal(t, 1, q.Pop().Value)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[int]()
	got := make(chan int, 1)
	go func() { got <- q.Pop().Value }()

	select {
	case <-got:
		t.Fatal("pop returned on empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(Normal, 7)
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestQueue_CountAndDrain(t *testing.T) {
	q := NewQueue[int]()
	q.Push(High, 1)
	q.Push(High, 2)
	q.Push(Low, 3)
	q.PushStop()

	assert.Equal(t, 2, q.Count(High))
	assert.Equal(t, 0, q.Count(Normal))

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Pop().Stop, "drain keeps sentinels")
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"high", High},
		{"HIGH", High},
		{"low", Low},
		{"normal", Normal},
		{"", Normal},
		{"bogus", Normal},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePriority(tt.in))
		})
	}
}
