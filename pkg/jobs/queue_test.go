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
	done := make(chan string, 1)
	q := NewQueue("seal", func(_ context.Context, job Job) error {
		done <- job.ID
		return nil
	}, QueueConfig{Workers: 1})
	require.Error(t, q.Enqueue(Job{ID: "case-1"}))

	q.Start(context.Background())
	defer q.Stop()
	require.NoError(t, q.Enqueue(Job{ID: "case-1", Type: "seal"}))

	select {
	case id := <-done:
		assert.Equal(t, "case-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
}

func TestQueueRetriesThenGivesUp(t *testing.T) {
	var attempts int32
	exhausted := make(chan Job, 1)
	q := NewQueue("seal", func(context.Context, Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("database unavailable")
	}, QueueConfig{Workers: 1, MaxRetries: 2, RetryDelay: 5 * time.Millisecond, OnExhausted: func(job Job, _ error) {
		exhausted <- job
	}})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "case-1"}))
	select {
	case job := <-exhausted:
		assert.Equal(t, 3, job.Attempt)
		assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	case <-time.After(2 * time.Second):
		t.Fatal("job never exhausted")
	}
}

func TestQueueEnqueueAfterDelays(t *testing.T) {
	done := make(chan time.Time, 1)
	q := NewQueue("seal", func(context.Context, Job) error {
		done <- time.Now()
		return nil
	}, QueueConfig{})
	q.Start(context.Background())
	defer q.Stop()

	start := time.Now()
	require.NoError(t, q.EnqueueAfter(Job{ID: "case-1"}, 30*time.Millisecond))
	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job not processed")
	}
}

func TestQueueCoalescesPendingIDs(t *testing.T) {
	gate := make(chan struct{})
	var runs int32
	done := make(chan struct{}, 4)
	q := NewQueue("seal", func(context.Context, Job) error {
		<-gate
		atomic.AddInt32(&runs, 1)
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "case-1"}))
	require.NoError(t, q.EnqueueAfter(Job{ID: "case-1"}, time.Millisecond))
	require.NoError(t, q.Enqueue(Job{ID: "case-2"}))
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs not processed")
		}
	}
	select {
	case <-done:
		t.Fatal("duplicate job ran")
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))

	require.NoError(t, q.Enqueue(Job{ID: "case-1"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("finished id was not released")
	}
}

func TestQueueBackoffDoublesUpToCap(t *testing.T) {
	q := NewQueue("seal", func(context.Context, Job) error { return nil }, QueueConfig{
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 35 * time.Millisecond,
	})
	assert.Equal(t, 10*time.Millisecond, q.backoff(1))
	assert.Equal(t, 20*time.Millisecond, q.backoff(2))
	assert.Equal(t, 35*time.Millisecond, q.backoff(3))
	assert.Equal(t, 35*time.Millisecond, q.backoff(10))
}
