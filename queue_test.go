package transportloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueSocket builds a detached socket usable as queue payload.
func queueSocket() *TSocket {
	return newSocket(nil, -1, SocketClient)
}

func TestAcceptQueue_FIFO(t *testing.T) {
	q := NewAcceptQueue()
	a, b, c := queueSocket(), queueSocket(), queueSocket()
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	require.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []*TSocket{a, b, c} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

// TestAcceptQueue_CompleteDrainsThenEOS verifies items queued before
// Complete remain deliverable, and only afterwards does the reader observe
// end-of-stream.
func TestAcceptQueue_CompleteDrainsThenEOS(t *testing.T) {
	q := NewAcceptQueue()
	a := queueSocket()
	q.Enqueue(a)
	q.Complete()

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrAcceptClosed)
	// End-of-stream is sticky.
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrAcceptClosed)
}

func TestAcceptQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewAcceptQueue()
	a := queueSocket()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(a)
	}()
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)
}

func TestAcceptQueue_DequeueContextCancel(t *testing.T) {
	q := NewAcceptQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptQueue_TryDequeue(t *testing.T) {
	q := NewAcceptQueue()
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	a := queueSocket()
	q.Enqueue(a)
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestAcceptQueue_Drain(t *testing.T) {
	q := NewAcceptQueue()
	a, b := queueSocket(), queueSocket()
	q.Enqueue(a)
	q.Enqueue(b)
	got := q.drain()
	require.Len(t, got, 2)
	assert.Same(t, a, got[0])
	assert.Same(t, b, got[1])
	assert.Equal(t, 0, q.Len())
}

// TestAcceptQueue_Compaction pushes the head index past the compaction
// threshold and verifies ordering survives the copy-down.
func TestAcceptQueue_Compaction(t *testing.T) {
	q := NewAcceptQueue()
	const total = queueCompactThreshold * 3
	socks := make([]*TSocket, total)
	for i := range socks {
		socks[i] = queueSocket()
	}
	next := 0
	for i := 0; i < total; i++ {
		q.Enqueue(socks[i])
		if i%2 == 1 {
			got, ok := q.TryDequeue()
			require.True(t, ok)
			require.Same(t, socks[next], got)
			next++
		}
	}
	for {
		got, ok := q.TryDequeue()
		if !ok {
			break
		}
		require.Same(t, socks[next], got)
		next++
	}
	assert.Equal(t, total, next)
}
