package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/conn"
)

type fakeToolCaller struct {
	mu     sync.Mutex
	params []*mcp.CallToolParams
	res    *mcp.CallToolResult
	err    error
}

func (f *fakeToolCaller) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	return f.res, f.err
}

type fakeConnector struct {
	mu           sync.Mutex
	current      *conn.Connection
	afterRefresh *conn.Connection
	refreshes    int
}

func (f *fakeConnector) Ensure(context.Context) (*conn.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeConnector) ForceRefresh(context.Context) (*conn.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.afterRefresh != nil {
		f.current = f.afterRefresh
	}
	return f.current, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestInvokeHappyPath(t *testing.T) {
	tc := &fakeToolCaller{res: &mcp.CallToolResult{}}
	mgr := &fakeConnector{current: conn.NewConnection(tc, conn.NewCapabilitySet([]string{ToolReadLog}), nil)}
	inv := NewInvoker(mgr, testLogger())

	res, err := inv.Invoke(context.Background(), InvokeRequest{
		Tool:          ToolReadLog,
		Args:          map[string]any{"path": "/l", "offset": int64(0)},
		ProgressToken: "tok-1",
	})
	require.NoError(t, err)
	assert.Same(t, tc.res, res)
	assert.Equal(t, 0, mgr.refreshes)

	require.Len(t, tc.params, 1)
	assert.Equal(t, ToolReadLog, tc.params[0].Name)
	assert.Equal(t, "tok-1", tc.params[0].Meta["progressToken"])
}

func TestInvokeRefreshRecoversMissingCapability(t *testing.T) {
	tc := &fakeToolCaller{res: &mcp.CallToolResult{}}
	mgr := &fakeConnector{
		current:      conn.NewConnection(tc, conn.NewCapabilitySet([]string{"something_else"}), nil),
		afterRefresh: conn.NewConnection(tc, conn.NewCapabilitySet(requiredForRun), nil),
	}
	inv := NewInvoker(mgr, testLogger())

	_, err := inv.Invoke(context.Background(), InvokeRequest{
		Tool:     ToolRunBackground,
		Required: requiredForRun,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.refreshes)
	require.Len(t, tc.params, 1)
	assert.Equal(t, ToolRunBackground, tc.params[0].Name)
}

func TestInvokeStillMissingAfterRefresh(t *testing.T) {
	tc := &fakeToolCaller{}
	stale := conn.NewConnection(tc, conn.NewCapabilitySet([]string{"stata_version"}), nil)
	mgr := &fakeConnector{current: stale, afterRefresh: stale}
	inv := NewInvoker(mgr, testLogger())

	_, err := inv.Invoke(context.Background(), InvokeRequest{
		Tool:     ToolRunBackground,
		Required: requiredForRun,
	})
	require.Error(t, err)
	assert.Equal(t, cerr.CapabilityMissing, cerr.CodeOf(err))
	assert.Contains(t, err.Error(), "stata_version")
	// The escalation never loops: exactly one refresh, no tool call issued.
	assert.Equal(t, 1, mgr.refreshes)
	assert.Empty(t, tc.params)
}

func TestInvokeAbortReadsAsCancelled(t *testing.T) {
	tc := &fakeToolCaller{err: context.Canceled}
	mgr := &fakeConnector{current: conn.NewConnection(tc, conn.NewCapabilitySet([]string{ToolTaskResult}), nil)}
	inv := NewInvoker(mgr, testLogger())

	_, err := inv.Invoke(context.Background(), InvokeRequest{Tool: ToolTaskResult})
	assert.True(t, cerr.IsCancelled(err))
}

func TestInvokeClosedConnectionAfterCancel(t *testing.T) {
	tc := &fakeToolCaller{err: errors.New("connection closed: EOF")}
	mgr := &fakeConnector{current: conn.NewConnection(tc, conn.NewCapabilitySet([]string{ToolTaskResult}), nil)}
	inv := NewInvoker(mgr, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Invoke(ctx, InvokeRequest{Tool: ToolTaskResult})
	assert.True(t, cerr.IsCancelled(err))

	// The same transport error without a cancelled context is a real failure.
	_, err = inv.Invoke(context.Background(), InvokeRequest{Tool: ToolTaskResult})
	require.Error(t, err)
	assert.False(t, cerr.IsCancelled(err))
}
