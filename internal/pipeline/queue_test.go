package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := NewQueue(4)

	first := &Job{ID: "a"}
	second := &Job{ID: "b"}

	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))
	assert.Equal(t, 2, q.Depth())

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID, "queue must preserve arrival order")

	got, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(&Job{ID: "a"}))
	require.NoError(t, q.Enqueue(&Job{ID: "b"}))

	err := q.Enqueue(&Job{ID: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Depth(), "rejected job must not displace queued jobs")
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	q := NewQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(&Job{ID: "a"}))

	q.Close()

	assert.ErrorIs(t, q.Enqueue(&Job{ID: "b"}), ErrQueueClosed)

	// Jobs queued before close remain dequeuable
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Close is idempotent
	q.Close()
}

func TestQueue_ExactlyOnceDelivery(t *testing.T) {
	const jobCount = 100

	q := NewQueue(jobCount)
	for i := 0; i < jobCount; i++ {
		require.NoError(t, q.Enqueue(&Job{ID: string(rune('0' + i%10))}))
	}
	q.Close()

	var mu sync.Mutex
	delivered := 0

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := q.Dequeue(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, jobCount, delivered)
}
