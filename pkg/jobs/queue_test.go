package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	done := make(chan string, 3)
	q := NewQueue("test", func(_ context.Context, job Job) error {
		done <- job.ID
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), Job{ID: id}))
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.Len(t, seen, 3)
}

func TestQueueRetriesThenReportsExhaustion(t *testing.T) {
	var calls int32
	exhausted := make(chan Job, 1)
	q := NewQueue("retry", func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, QueueConfig{
		MaxRetries:  2,
		RetryDelay:  5 * time.Millisecond,
		OnExhausted: func(_ context.Context, job Job, err error) { exhausted <- job },
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), Job{ID: "x"}))
	select {
	case job := <-exhausted:
		assert.Equal(t, "x", job.ID)
		assert.Equal(t, 2, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion callback not invoked")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueueRecoversPanics(t *testing.T) {
	exhausted := make(chan error, 1)
	q := NewQueue("panic", func(context.Context, Job) error {
		panic("kaboom")
	}, QueueConfig{OnExhausted: func(_ context.Context, _ Job, err error) { exhausted <- err }})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), Job{ID: "p"}))
	select {
	case err := <-exhausted:
		assert.Contains(t, err.Error(), "kaboom")
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
}

func TestQueueEnqueueRequiresStart(t *testing.T) {
	q := NewQueue("idle", func(context.Context, Job) error { return nil }, QueueConfig{})
	err := q.Enqueue(context.Background(), Job{ID: "x"})
	assert.ErrorIs(t, err, ErrQueueStopped)

	q.Start(context.Background())
	q.Stop()
	err = q.Enqueue(context.Background(), Job{ID: "x"})
	assert.ErrorIs(t, err, ErrQueueStopped)
}
