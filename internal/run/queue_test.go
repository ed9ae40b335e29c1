package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/result"
)

func TestQueueSerializesRuns(t *testing.T) {
	q := NewQueue(nil, testLogger())
	ctx := context.Background()

	firstRunning := make(chan struct{})
	releaseFirst := make(chan struct{})

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Run(ctx, "first", func(context.Context, *State) (*result.Normalized, error) {
			close(firstRunning)
			<-releaseFirst
			record("first")
			return &result.Normalized{Success: true}, nil
		})
	}()

	<-firstRunning
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Run(ctx, "second", func(context.Context, *State) (*result.Normalized, error) {
			record("second")
			return &result.Normalized{Success: true}, nil
		})
	}()

	// The second submission is queued, not running.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(releaseFirst)
	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Nil(t, q.Active())
}

func TestQueueCancelAllInterruptsOnce(t *testing.T) {
	var mu sync.Mutex
	var interrupts []string
	q := NewQueue(func(_ context.Context, taskID string) error {
		mu.Lock()
		interrupts = append(interrupts, taskID)
		mu.Unlock()
		return nil
	}, testLogger())

	running := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		_, runErr = q.Run(context.Background(), "job", func(ctx context.Context, st *State) (*result.Normalized, error) {
			st.SetTaskID("task-42")
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	<-running
	assert.True(t, q.CancelAll(context.Background()))
	// A repeated cancel must not issue a second break request.
	assert.True(t, q.CancelAll(context.Background()))
	wg.Wait()

	require.Error(t, runErr)
	assert.True(t, cerr.IsCancelled(runErr))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task-42"}, interrupts)
}

func TestQueueCancelAllBeforeTaskStarted(t *testing.T) {
	interrupted := false
	q := NewQueue(func(context.Context, string) error {
		interrupted = true
		return nil
	}, testLogger())

	running := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Run(context.Background(), "job", func(ctx context.Context, _ *State) (*result.Normalized, error) {
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	<-running
	assert.True(t, q.CancelAll(context.Background()))
	wg.Wait()
	// No worker-side task existed, so no break request went out.
	assert.False(t, interrupted)
}

func TestQueueCancelAllIdle(t *testing.T) {
	q := NewQueue(nil, testLogger())
	assert.False(t, q.CancelAll(context.Background()))
}

func TestQueueWaiterGivesUpOnContext(t *testing.T) {
	q := NewQueue(nil, testLogger())

	running := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Run(context.Background(), "long", func(context.Context, *State) (*result.Normalized, error) {
			close(running)
			<-release
			return &result.Normalized{Success: true}, nil
		})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Run(ctx, "queued", func(context.Context, *State) (*result.Normalized, error) {
		t.Error("queued run must not execute after its context expired")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
	assert.Nil(t, q.Active())
}

func TestStateFirstLogPathWins(t *testing.T) {
	st := newState("x")
	st.SetLogPath("/first.log")
	st.SetLogPath("/second.log")
	assert.Equal(t, "/first.log", st.LogPath())
	st.SetLogPath("")
	assert.Equal(t, "/first.log", st.LogPath())
}

func TestStateAppendLog(t *testing.T) {
	st := newState("x")
	st.AppendLog([]byte("abc"))
	st.AppendLog([]byte("def"))
	assert.Equal(t, "abcdef", st.LogBuffer())
}
