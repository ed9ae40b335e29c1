package run

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statbridge/statbridge/internal/artifact"
	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/event"
	"github.com/statbridge/statbridge/internal/logtail"
	"github.com/statbridge/statbridge/internal/result"
)

// caller abstracts the invoker for the coordinator and its tests.
type caller interface {
	Invoke(ctx context.Context, req InvokeRequest) (*mcp.CallToolResult, error)
}

// CoordinatorConfig paces the completion poll and the log tail.
type CoordinatorConfig struct {
	PollInterval time.Duration
	LogChunkSize int64
	DrainTimeout time.Duration
}

func (c *CoordinatorConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LogChunkSize <= 0 {
		c.LogChunkSize = 64 * 1024
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// RunRequest is one execution submitted by a caller.
type RunRequest struct {
	Command string
	Label   string
	WorkDir string
	// Sink receives log chunks in offset order while the task runs.
	Sink func(logtail.Chunk)
}

// Coordinator drives one background run end to end: start call, completion
// race between the task-done notification and the poll fallback, log drain,
// final result fetch, and artifact resolution.
type Coordinator struct {
	inv    caller
	bus    *event.Bus
	cfg    CoordinatorConfig
	logger *slog.Logger
}

func NewCoordinator(inv caller, bus *event.Bus, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{inv: inv, bus: bus, cfg: cfg, logger: logger}
}

// Execute runs one command. On failure after the start call, the returned
// record still carries the log captured up to the failure point.
func (co *Coordinator) Execute(ctx context.Context, st *State, req RunRequest) (*result.Normalized, error) {
	started := time.Now()

	// Subscriptions must be live before the start call so the completion
	// notification cannot slip past unseen.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	doneCh, err := co.bus.SubscribeTaskDone(subCtx)
	if err != nil {
		return nil, err
	}
	logCh, err := co.bus.SubscribeLog(subCtx)
	if err != nil {
		return nil, err
	}

	sink := func(c logtail.Chunk) {
		st.AppendLog(c.Data)
		if req.Sink != nil {
			req.Sink(c)
		}
	}
	tailer := logtail.New(co.logReader(), sink, logtail.Options{
		PollInterval: co.cfg.PollInterval,
		MaxBytes:     co.cfg.LogChunkSize,
	})
	tailer.Start(ctx)

	fail := func(err error) (*result.Normalized, error) {
		return &result.Normalized{
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(started),
			LogPath:  st.LogPath(),
			WorkDir:  req.WorkDir,
		}, err
	}

	res, err := co.inv.Invoke(ctx, InvokeRequest{
		Tool:          ToolRunBackground,
		Args:          startArgs(req),
		ProgressToken: uuid.NewString(),
		Required:      requiredForRun,
	})
	if err != nil {
		return fail(err)
	}

	info := result.ExtractStartInfo(res)
	st.SetTaskID(info.TaskID)
	// A log path visible only in the immediate return value still starts
	// tailing from that location.
	if info.LogPath != "" {
		st.SetLogPath(info.LogPath)
		tailer.SetPath(info.LogPath)
	}

	if info.TaskID == "" {
		// The worker answered synchronously; there is no task to track.
		_ = tailer.Drain(ctx)
		return co.finish(ctx, st, req, res, tailer, started)
	}

	if err := co.awaitCompletion(ctx, st, info.TaskID, doneCh, logCh, tailer); err != nil {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), co.cfg.DrainTimeout)
		_ = tailer.Drain(dctx)
		dcancel()
		return fail(err)
	}

	dctx, dcancel := context.WithTimeout(ctx, co.cfg.DrainTimeout)
	err = tailer.Drain(dctx)
	dcancel()
	if err != nil {
		co.logger.Warn("log drain incomplete", "run", st.ID, "error", err)
	}

	final, err := co.fetchResult(ctx, info.TaskID)
	if err != nil {
		return fail(err)
	}
	return co.finish(ctx, st, req, final, tailer, started)
}

func startArgs(req RunRequest) map[string]any {
	args := map[string]any{"command": req.Command}
	if req.WorkDir != "" {
		args["working_dir"] = req.WorkDir
	}
	return args
}

// awaitCompletion blocks until the task-done notification for taskID
// arrives or the fallback poll observes a finished task, whichever is
// first. Log-path notifications observed meanwhile are applied when the
// start response carried none.
func (co *Coordinator) awaitCompletion(
	ctx context.Context,
	st *State,
	taskID string,
	doneCh <-chan event.TaskDone,
	logCh <-chan event.LogMessage,
	tailer *logtail.Tailer,
) error {
	ticker := time.NewTicker(co.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case d, ok := <-doneCh:
			if !ok {
				doneCh = nil
				continue
			}
			if d.TaskID == taskID {
				return nil
			}
		case lm, ok := <-logCh:
			if !ok {
				logCh = nil
				continue
			}
			if lm.LogPath() != "" {
				st.SetLogPath(lm.LogPath())
				tailer.SetPath(st.LogPath())
			}
		case <-ticker.C:
			res, err := co.inv.Invoke(ctx, InvokeRequest{
				Tool: ToolTaskResult,
				Args: map[string]any{"task_id": taskID},
			})
			if err != nil {
				if cerr.IsCancelled(err) || ctx.Err() != nil {
					return err
				}
				co.logger.Debug("poll failed, will retry", "task_id", taskID, "error", err)
				continue
			}
			if result.Finished(res) {
				return nil
			}
		case <-ctx.Done():
			if cerr.CodeOf(ctx.Err()) == cerr.Cancelled {
				return cerr.Wrap(cerr.Cancelled, "run cancelled", ctx.Err())
			}
			return ctx.Err()
		}
	}
}

func (co *Coordinator) fetchResult(ctx context.Context, taskID string) (*mcp.CallToolResult, error) {
	return co.inv.Invoke(ctx, InvokeRequest{
		Tool: ToolTaskResult,
		Args: map[string]any{"task_id": taskID},
	})
}

// finish normalizes the final response and resolves its artifacts.
func (co *Coordinator) finish(
	ctx context.Context,
	st *State,
	req RunRequest,
	res *mcp.CallToolResult,
	tailer *logtail.Tailer,
	started time.Time,
) (*result.Normalized, error) {
	norm := result.Normalize(res, result.Meta{
		Command:  req.Command,
		LogText:  tailer.Buffer(),
		LogPath:  st.LogPath(),
		WorkDir:  req.WorkDir,
		Duration: time.Since(started),
	})
	if len(norm.GraphArtifacts) > 0 {
		refs := make([]artifact.Ref, 0, len(norm.GraphArtifacts))
		for _, g := range norm.GraphArtifacts {
			refs = append(refs, artifact.FromMap(g))
		}
		norm.Artifacts = artifact.NewResolver(co.exporter()).Resolve(ctx, refs)
	}
	return norm, nil
}

// logReader adapts the invoker to the tailer's read contract.
func (co *Coordinator) logReader() logtail.Reader {
	return readerFunc(func(ctx context.Context, path string, offset, maxBytes int64) ([]byte, int64, error) {
		res, err := co.inv.Invoke(ctx, InvokeRequest{
			Tool: ToolReadLog,
			Args: map[string]any{"path": path, "offset": offset, "max_bytes": maxBytes},
		})
		if err != nil {
			return nil, 0, err
		}
		data, next, ok := result.DecodeLogSlice(res)
		if !ok {
			// Treat an unreadable slice as an empty read at the same offset.
			return nil, offset, nil
		}
		return data, next, nil
	})
}

type readerFunc func(ctx context.Context, path string, offset, maxBytes int64) ([]byte, int64, error)

func (f readerFunc) ReadLog(ctx context.Context, path string, offset, maxBytes int64) ([]byte, int64, error) {
	return f(ctx, path, offset, maxBytes)
}

func (co *Coordinator) exporter() artifact.Exporter {
	return exporterFunc(func(ctx context.Context, name string) (artifact.Exported, error) {
		res, err := co.inv.Invoke(ctx, InvokeRequest{
			Tool: ToolExportGraph,
			Args: map[string]any{"name": name},
		})
		if err != nil {
			return artifact.Exported{}, cerr.Wrap(cerr.ArtifactExport, "export failed", err)
		}
		path, preview, dir, ok := result.DecodeExport(res)
		if !ok {
			return artifact.Exported{}, cerr.New(cerr.ArtifactExport, "export returned no path")
		}
		return artifact.Exported{Path: path, Preview: preview, Dir: dir}, nil
	})
}

type exporterFunc func(ctx context.Context, name string) (artifact.Exported, error)

func (f exporterFunc) ExportGraph(ctx context.Context, name string) (artifact.Exported, error) {
	return f(ctx, name)
}
