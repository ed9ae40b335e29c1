// Package client wires the connection manager, invoker, coordinator, and
// run queue into the session object callers hold. One Client per session;
// all mutable run state lives on it, never in package globals.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/statbridge/statbridge/internal/config"
	"github.com/statbridge/statbridge/internal/conn"
	"github.com/statbridge/statbridge/internal/event"
	"github.com/statbridge/statbridge/internal/result"
	"github.com/statbridge/statbridge/internal/run"
)

const interruptTimeout = 10 * time.Second

type Client struct {
	bus    *event.Bus
	mgr    *conn.Manager
	inv    *run.Invoker
	coord  *run.Coordinator
	queue  *run.Queue
	logger *slog.Logger
}

func New(cfg *config.Config, env *config.Env, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	bus := event.NewBus()

	engineEnv := append([]string{}, cfg.Engine.Env...)
	if env != nil {
		engineEnv = append(engineEnv, env.EngineEnv...)
	}
	mgr := conn.NewManager(conn.Options{
		ResolveLaunch: func() (conn.Launch, error) {
			return conn.Launch{Command: cfg.Engine.Command, Args: cfg.Engine.Args}, nil
		},
		Env:            engineEnv,
		WorkDir:        cfg.Engine.WorkDir,
		ConnectTimeout: cfg.ConnectTimeout,
	}, bus, logger)

	inv := run.NewInvoker(mgr, logger)
	coord := run.NewCoordinator(inv, bus, run.CoordinatorConfig{
		PollInterval: cfg.PollInterval,
		LogChunkSize: cfg.LogChunkSize,
	}, logger)

	c := &Client{bus: bus, mgr: mgr, inv: inv, coord: coord, logger: logger}
	c.queue = run.NewQueue(c.interruptTask, logger)
	return c
}

// Run submits one execution. Submissions are serialized: a second run waits
// behind the active one.
func (c *Client) Run(ctx context.Context, req run.RunRequest) (*result.Normalized, error) {
	label := req.Label
	if label == "" {
		label = req.Command
	}
	return c.queue.Run(ctx, label, func(rctx context.Context, st *run.State) (*result.Normalized, error) {
		return c.coord.Execute(rctx, st, req)
	})
}

// CancelAll aborts the in-flight run and, when a worker-side task exists,
// interrupts it. Reports whether anything was cancelled.
func (c *Client) CancelAll(ctx context.Context) bool {
	return c.queue.CancelAll(ctx)
}

// Tools connects if needed and returns the worker's advertised tool names.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	conn, err := c.mgr.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Caps().Names(), nil
}

// Refresh forces a reconnect with freshly resolved launch parameters.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.mgr.ForceRefresh(ctx)
	return err
}

// Events exposes the notification bus for progress subscribers.
func (c *Client) Events() *event.Bus {
	return c.bus
}

func (c *Client) Close() error {
	err := c.mgr.Close()
	if berr := c.bus.Close(); err == nil {
		err = berr
	}
	return err
}

// interruptTask runs on a fresh context: the run's own context is already
// cancelled when this fires.
func (c *Client) interruptTask(ctx context.Context, taskID string) error {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()
	_, err := c.inv.Invoke(ictx, run.InvokeRequest{
		Tool: run.ToolBreak,
		Args: map[string]any{"task_id": taskID},
	})
	return err
}
