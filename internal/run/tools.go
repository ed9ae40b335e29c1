package run

// Tool names the worker is expected to advertise. The capability set is
// re-verified per run because names can change across worker versions.
const (
	ToolRunBackground = "stata_run_background"
	ToolTaskResult    = "stata_task_result"
	ToolReadLog       = "stata_read_log"
	ToolExportGraph   = "stata_export_graph"
	ToolBreak         = "stata_break"
)

// requiredForRun are the tools a background run needs up front. Graph
// export is optional; its absence degrades per-artifact.
var requiredForRun = []string{ToolRunBackground, ToolTaskResult, ToolReadLog}
