// Package conn owns the single connection to the Stata worker process: lazy
// creation shared across concurrent callers, capability discovery, forced
// refresh, and enrichment of creation failures from recent worker
// diagnostics.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/event"
)

// ToolCaller is the slice of the MCP session the run layer depends on.
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// Connection is one live, capability-verified worker session.
type Connection struct {
	caller  ToolCaller
	caps    *CapabilitySet
	closeFn func() error
}

// NewConnection assembles a connection from parts. Exposed so other
// packages can build fakes in their tests.
func NewConnection(caller ToolCaller, caps *CapabilitySet, closeFn func() error) *Connection {
	return &Connection{caller: caller, caps: caps, closeFn: closeFn}
}

func (c *Connection) Call(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return c.caller.CallTool(ctx, params)
}

func (c *Connection) Caps() *CapabilitySet {
	return c.caps
}

func (c *Connection) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Launch describes how to start the worker process.
type Launch struct {
	Command string
	Args    []string
}

// Options configures the manager.
type Options struct {
	// ResolveLaunch supplies the worker launch command. It is consulted on
	// first connect and again on every forced refresh, so a refresh never
	// reuses a possibly stale cached command line.
	ResolveLaunch func() (Launch, error)
	// Env is caller-supplied environment (licensing, paths) appended to the
	// process env. It survives forced refreshes.
	Env            []string
	WorkDir        string
	ConnectTimeout time.Duration
}

type Manager struct {
	opts   Options
	bus    *event.Bus
	logger *slog.Logger
	diags  *diagnostics

	mu       sync.Mutex
	conn     *Connection
	launch   *Launch // cached between connects, dropped on refresh
	creating chan struct{}
	lastErr  error
	attempts int
}

func NewManager(opts Options, bus *event.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Manager{
		opts:   opts,
		bus:    bus,
		logger: logger,
		diags:  newDiagnostics(50),
	}
}

// Ensure returns the live connection, creating it on first use. Concurrent
// callers share a single in-flight creation instead of racing to create
// two.
func (m *Manager) Ensure(ctx context.Context) (*Connection, error) {
	for {
		m.mu.Lock()
		if m.conn != nil {
			c := m.conn
			m.mu.Unlock()
			return c, nil
		}
		if m.creating != nil {
			waiting := m.creating
			m.mu.Unlock()
			select {
			case <-waiting:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			c, err := m.conn, m.lastErr
			m.mu.Unlock()
			if c != nil {
				return c, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		done := make(chan struct{})
		m.creating = done
		m.attempts++
		m.mu.Unlock()

		c, err := m.create(ctx)

		m.mu.Lock()
		m.conn, m.lastErr = c, err
		m.creating = nil
		m.mu.Unlock()
		close(done)
		return c, err
	}
}

// ForceRefresh tears down the cached connection and capability set and
// creates a fresh one. The launch command is re-resolved; caller-supplied
// env is preserved.
func (m *Manager) ForceRefresh(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	old := m.conn
	m.conn = nil
	m.launch = nil
	m.lastErr = nil
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("closing stale worker connection", "error", err)
		}
	}
	return m.Ensure(ctx)
}

// Attempts reports how many connection creations have been started.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (m *Manager) resolveLaunch() (Launch, error) {
	m.mu.Lock()
	cached := m.launch
	m.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	if m.opts.ResolveLaunch == nil {
		return Launch{}, errors.New("no launch resolver configured")
	}
	launch, err := m.opts.ResolveLaunch()
	if err != nil {
		return Launch{}, err
	}
	m.mu.Lock()
	m.launch = &launch
	m.mu.Unlock()
	return launch, nil
}

func (m *Manager) create(ctx context.Context) (*Connection, error) {
	launch, err := m.resolveLaunch()
	if err != nil {
		return nil, cerr.Wrap(cerr.ConnectionFailed, "resolving worker launch command", err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	cmd := exec.Command(launch.Command, launch.Args...)
	cmd.Env = append(os.Environ(), m.opts.Env...)
	if m.opts.WorkDir != "" {
		cmd.Dir = m.opts.WorkDir
	}
	cmd.Stderr = m.diags

	client := mcp.NewClient(
		&mcp.Implementation{Name: "statbridge", Version: Version},
		&mcp.ClientOptions{
			LoggingMessageHandler:       m.onLogging,
			ProgressNotificationHandler: m.onProgress,
		},
	)

	m.logger.Debug("starting worker", "command", launch.Command)
	session, err := client.Connect(cctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		m.killStarted(cmd)
		return nil, m.classifyCreateErr(cctx, "connecting to worker", err)
	}

	tools, err := session.ListTools(cctx, &mcp.ListToolsParams{})
	if err != nil {
		_ = session.Close()
		return nil, m.classifyCreateErr(cctx, "discovering worker tools", err)
	}
	names := make([]string, 0, len(tools.Tools))
	for _, t := range tools.Tools {
		names = append(names, t.Name)
	}
	m.logger.Info("worker connected", "tools", len(names))

	return NewConnection(session, NewCapabilitySet(names), session.Close), nil
}

// killStarted reaps a partially opened transport after a failed connect.
func (m *Manager) killStarted(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (m *Manager) classifyCreateErr(cctx context.Context, stage string, err error) error {
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return cerr.Wrap(cerr.ConnectionTimeout,
			fmt.Sprintf("%s did not complete within %s", stage, m.opts.ConnectTimeout), err)
	}
	msg := stage
	if hint := m.diags.Hint(); hint != "" {
		msg = fmt.Sprintf("%s (%s)", stage, hint)
	}
	return cerr.Wrap(cerr.ConnectionFailed, msg, err)
}

// loggingPayload is the structured form a logging notification may carry.
type loggingPayload struct {
	Event    string `json:"event"`
	Path     string `json:"path"`
	SMCLPath string `json:"smcl_path"`
	TaskID   string `json:"task_id"`
	Message  string `json:"message"`
}

func (m *Manager) onLogging(_ context.Context, req *mcp.LoggingMessageRequest) {
	if m.bus == nil || req == nil || req.Params == nil {
		return
	}
	raw, err := json.Marshal(req.Params.Data)
	if err != nil {
		return
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		m.diags.Append(text)
		_ = m.bus.PublishLog(event.LogMessage{Text: text})
		return
	}

	var p loggingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.Event == readySignal {
		m.diags.Clear()
	}
	if p.Event == "task_done" {
		_ = m.bus.PublishTaskDone(event.TaskDone{TaskID: p.TaskID})
		return
	}
	_ = m.bus.PublishLog(event.LogMessage{
		Text:     p.Message,
		Event:    p.Event,
		Path:     p.Path,
		SMCLPath: p.SMCLPath,
	})
}

func (m *Manager) onProgress(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
	if m.bus == nil || req == nil || req.Params == nil {
		return
	}
	p := event.Progress{
		Progress: req.Params.Progress,
		Message:  req.Params.Message,
	}
	if req.Params.Total != 0 {
		total := req.Params.Total
		p.Total = &total
	}
	if req.Params.ProgressToken != nil {
		p.Token = fmt.Sprint(req.Params.ProgressToken)
	}
	_ = m.bus.PublishProgress(p)
}
