package run

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// State is one in-flight execution. Owned by the coordinating call for the
// run's lifetime; at most one State is active at a time.
type State struct {
	ID    string
	Label string

	mu          sync.Mutex
	taskID      string
	logPath     string
	buf         strings.Builder
	cancelled   bool
	cancel      context.CancelFunc
	interrupted bool
}

func newState(label string) *State {
	return &State{ID: ulid.Make().String(), Label: label}
}

func (s *State) bindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// SetTaskID records the identifier assigned by the worker once the
// background task starts.
func (s *State) SetTaskID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

func (s *State) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

func (s *State) SetLogPath(path string) {
	if path == "" {
		return
	}
	s.mu.Lock()
	if s.logPath == "" {
		s.logPath = path
	}
	s.mu.Unlock()
}

func (s *State) LogPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logPath
}

// AppendLog accumulates forwarded log bytes so a failed run still exposes
// what was captured up to the failure point.
func (s *State) AppendLog(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
}

func (s *State) LogBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *State) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// beginCancel flips the cancelled flag and aborts the in-flight network
// operation. It reports the task identifier and whether the caller is the
// first to cancel, so a worker-side interrupt is issued exactly once.
func (s *State) beginCancel() (taskID string, first bool) {
	s.mu.Lock()
	cancel := s.cancel
	first = !s.interrupted
	s.interrupted = true
	s.cancelled = true
	taskID = s.taskID
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return taskID, first
}
