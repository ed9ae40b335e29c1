package run

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/conn"
)

// connector is the slice of the connection manager the invoker needs.
type connector interface {
	Ensure(ctx context.Context) (*conn.Connection, error)
	ForceRefresh(ctx context.Context) (*conn.Connection, error)
}

// InvokeRequest is one named operation call against the worker.
type InvokeRequest struct {
	Tool string
	Args map[string]any
	// ProgressToken, when set, is attached to the call's protocol metadata
	// so worker-side progress notifications can be correlated.
	ProgressToken string
	// Required lists the tool names this call depends on; defaults to the
	// tool itself.
	Required []string
}

// Invoker issues single tool calls, verifying capabilities first. A missing
// capability triggers exactly one forced refresh before failing; the
// escalation never loops.
type Invoker struct {
	mgr    connector
	logger *slog.Logger
}

func NewInvoker(mgr connector, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{mgr: mgr, logger: logger}
}

func (inv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (*mcp.CallToolResult, error) {
	c, err := inv.mgr.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	required := req.Required
	if len(required) == 0 {
		required = []string{req.Tool}
	}
	if missing := c.Caps().Missing(required...); len(missing) > 0 {
		inv.logger.Info("required tools missing, refreshing connection", "missing", missing)
		c, err = inv.mgr.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		if missing := c.Caps().Missing(required...); len(missing) > 0 {
			return nil, cerr.Newf(cerr.CapabilityMissing,
				"required tools still missing, available tools were: %s",
				strings.Join(c.Caps().Names(), ", "))
		}
	}

	params := &mcp.CallToolParams{Name: req.Tool, Arguments: req.Args}
	if req.ProgressToken != "" {
		params.Meta = mcp.Meta{"progressToken": req.ProgressToken}
	}
	res, err := c.Call(ctx, params)
	if err != nil {
		if isAbort(ctx, err) {
			return nil, cerr.Wrap(cerr.Cancelled, "operation cancelled", err)
		}
		return nil, err
	}
	return res, nil
}

// isAbort recognizes transport-level abort conditions that should read as
// cooperative cancellation rather than failure.
func isAbort(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	// The SDK may surface a caller-initiated abort as a closed connection.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "abort") || strings.Contains(msg, "connection closed")
}
