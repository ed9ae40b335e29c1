package logtail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memReader serves a growing byte slice through the offset contract.
type memReader struct {
	mu      sync.Mutex
	content []byte
	fail    error
}

func (m *memReader) append(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = append(m.content, s...)
}

func (m *memReader) ReadLog(_ context.Context, _ string, offset, maxBytes int64) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, 0, m.fail
	}
	if offset >= int64(len(m.content)) {
		return nil, offset, nil
	}
	end := offset + maxBytes
	if end > int64(len(m.content)) {
		end = int64(len(m.content))
	}
	data := append([]byte(nil), m.content[offset:end]...)
	return data, end, nil
}

func TestTailerReassemblesLog(t *testing.T) {
	reader := &memReader{}
	reader.append(". sysuse auto\n")

	var mu sync.Mutex
	var rebuilt []byte
	var offsets []int64
	sink := func(c Chunk) {
		mu.Lock()
		defer mu.Unlock()
		offsets = append(offsets, c.Offset)
		rebuilt = append(rebuilt, c.Data...)
	}

	tailer := New(reader, sink, Options{PollInterval: time.Millisecond, MaxBytes: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tailer.Start(ctx)
	tailer.SetPath("/runs/task.log")
	reader.append("(1978 automobile data)\n")

	require.NoError(t, tailer.Drain(ctx))

	want := ". sysuse auto\n(1978 automobile data)\n"
	assert.Equal(t, want, string(rebuilt))
	assert.Equal(t, want, tailer.Buffer())
	assert.Equal(t, int64(len(want)), tailer.Offset())
	assert.Equal(t, StateClosed, tailer.StateNow())

	// Chunk offsets never move backward and start at zero.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, offsets)
	assert.Equal(t, int64(0), offsets[0])
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
	}
}

func TestTailerDrainFlushesLateBytes(t *testing.T) {
	reader := &memReader{}
	tailer := New(reader, nil, Options{PollInterval: time.Hour, MaxBytes: 1024})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tailer.Start(ctx)
	tailer.SetPath("/runs/task.log")

	// Bytes that land only after the finished signal must still arrive.
	reader.append("final lines\n")
	require.NoError(t, tailer.Drain(ctx))
	assert.Equal(t, "final lines\n", tailer.Buffer())
}

func TestTailerLateSetPath(t *testing.T) {
	reader := &memReader{}
	reader.append("early bytes")

	tailer := New(reader, nil, Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tailer.Start(ctx)
	assert.Equal(t, StateIdle, tailer.StateNow())

	time.Sleep(10 * time.Millisecond)
	tailer.SetPath("/runs/task.log")

	require.NoError(t, tailer.Drain(ctx))
	assert.Equal(t, "early bytes", tailer.Buffer())
}

func TestTailerFirstPathWins(t *testing.T) {
	tailer := New(&memReader{}, nil, Options{})
	tailer.SetPath("/first.log")
	tailer.SetPath("/second.log")
	tailer.mu.Lock()
	defer tailer.mu.Unlock()
	assert.Equal(t, "/first.log", tailer.path)
}

func TestTailerDrainWithoutPath(t *testing.T) {
	tailer := New(&memReader{}, nil, Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tailer.Start(ctx)
	require.NoError(t, tailer.Drain(ctx))
	assert.Empty(t, tailer.Buffer())
	assert.Equal(t, StateClosed, tailer.StateNow())
}

func TestTailerDrainWithoutStart(t *testing.T) {
	tailer := New(&memReader{}, nil, Options{})
	require.NoError(t, tailer.Drain(context.Background()))
}

func TestTailerReadErrorDuringDrain(t *testing.T) {
	reader := &memReader{fail: errors.New("log gone")}
	tailer := New(reader, nil, Options{PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tailer.Start(ctx)
	tailer.SetPath("/runs/task.log")
	err := tailer.Drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log gone")
}

func TestTailerCancelStopsLoop(t *testing.T) {
	reader := &memReader{}
	tailer := New(reader, nil, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	tailer.Start(ctx)
	tailer.SetPath("/runs/task.log")
	cancel()

	select {
	case <-tailer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.Equal(t, StateClosed, tailer.StateNow())
}
