// Package logtail incrementally reads a worker-side log in byte-offset
// slices and forwards chunks, in order, to a sink while a task runs. After
// the task finishes a drain pass guarantees no tail bytes are lost even if
// the finished signal raced ahead of the last log write.
package logtail

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

type State int

const (
	StateIdle State = iota // no log path known yet
	StateTailing
	StateDraining
	StateClosed
)

// Chunk is a contiguous slice of log bytes starting at Offset.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Reader is the RPC log-read contract. The returned next offset is
// authoritative even when data is empty.
type Reader interface {
	ReadLog(ctx context.Context, path string, offset, maxBytes int64) (data []byte, next int64, err error)
}

type Options struct {
	PollInterval time.Duration
	MaxBytes     int64
}

type Tailer struct {
	reader Reader
	sink   func(Chunk)
	opts   Options

	mu     sync.Mutex
	path   string
	offset int64
	buf    bytes.Buffer
	state  State
	err    error

	pathCh  chan struct{}
	drainCh chan struct{}
	done    chan struct{}
	started bool
	wg      conc.WaitGroup
}

// New builds a tailer. sink may be nil when the caller only wants the
// accumulated buffer.
func New(reader Reader, sink func(Chunk), opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 * 1024
	}
	return &Tailer{
		reader:  reader,
		sink:    sink,
		opts:    opts,
		pathCh:  make(chan struct{}, 1),
		drainCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the tail loop. Safe to call before a log path is known;
// the loop stays idle until SetPath.
func (t *Tailer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	t.wg.Go(func() { t.loop(ctx) })
}

// SetPath supplies the log location. The first non-empty path wins; the
// offset always starts at 0 for it.
func (t *Tailer) SetPath(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	if t.path == "" {
		t.path = path
		if t.state == StateIdle {
			t.state = StateTailing
		}
	}
	t.mu.Unlock()
	select {
	case t.pathCh <- struct{}{}:
	default:
	}
}

// Drain switches to the drain phase and blocks until the loop has consumed
// the remaining tail (two consecutive empty reads) or ctx expires.
func (t *Tailer) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateIdle || t.state == StateTailing {
		t.state = StateDraining
		close(t.drainCh)
	}
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffer returns everything forwarded so far.
func (t *Tailer) Buffer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Offset returns the current read position.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

func (t *Tailer) StateNow() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tailer) loop(ctx context.Context) {
	defer close(t.done)
	defer func() {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
	}()

	emptyReads := 0
	for {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		path, offset, draining := t.path, t.offset, t.state == StateDraining
		t.mu.Unlock()

		if path == "" {
			if draining {
				// No log location ever became known; nothing to drain.
				return
			}
			select {
			case <-t.pathCh:
			case <-t.drainCh:
			case <-ctx.Done():
			}
			continue
		}

		data, next, err := t.reader.ReadLog(ctx, path, offset, t.opts.MaxBytes)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if draining {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
				return
			}
			t.pause(ctx)
			continue
		}

		t.mu.Lock()
		if next > t.offset {
			t.offset = next
		}
		if len(data) > 0 {
			t.buf.Write(data)
		}
		t.mu.Unlock()

		if len(data) > 0 {
			emptyReads = 0
			if t.sink != nil {
				t.sink(Chunk{Offset: offset, Data: data})
			}
			continue
		}

		if draining {
			emptyReads++
			if emptyReads >= 2 {
				return
			}
			continue
		}
		t.pause(ctx)
	}
}

// pause sleeps one poll interval, waking early on drain or cancellation so
// the drain phase never waits out a full tick.
func (t *Tailer) pause(ctx context.Context) {
	timer := time.NewTimer(t.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.drainCh:
	case <-ctx.Done():
	}
}
