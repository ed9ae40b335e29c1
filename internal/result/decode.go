package result

import (
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Finished reports whether a poll response shows the task has produced its
// outcome. A "running"/"pending" status, or a response carrying no outcome
// at all, means the task is still going.
func Finished(res *mcp.CallToolResult) bool {
	p := runExtractors(normalizeOrder, res)
	if p == nil {
		return false
	}
	switch strings.ToLower(p.Status) {
	case "running", "pending":
		return false
	case "done", "completed", "finished":
		return true
	}
	return p.Success != nil || p.RC != nil || p.Error != nil
}

// decodeInto unmarshals whichever encoding the response used into out.
// Tries the structured content first, then JSON embedded in content text.
func decodeInto(res *mcp.CallToolResult, out any) bool {
	if res == nil {
		return false
	}
	if m := structuredMap(res); m != nil {
		if inner, ok := m["result"].(string); ok {
			if json.Unmarshal([]byte(inner), out) == nil {
				return true
			}
		}
		if data, err := json.Marshal(m); err == nil {
			if json.Unmarshal(data, out) == nil {
				return true
			}
		}
	}
	for _, c := range res.Content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		text := strings.TrimSpace(tc.Text)
		if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), out) == nil {
			return true
		}
	}
	return false
}

// DecodeLogSlice parses a log-read response: {data, next_offset}. The next
// offset is authoritative even when data is empty.
func DecodeLogSlice(res *mcp.CallToolResult) (data []byte, next int64, ok bool) {
	var slice struct {
		Data       string `json:"data"`
		NextOffset *int64 `json:"next_offset"`
	}
	if !decodeInto(res, &slice) || slice.NextOffset == nil {
		return nil, 0, false
	}
	return []byte(slice.Data), *slice.NextOffset, true
}

// DecodeExport parses a graph-export response.
func DecodeExport(res *mcp.CallToolResult) (path, preview, dir string, ok bool) {
	var exp struct {
		Path    string `json:"path"`
		File    string `json:"file"`
		Preview string `json:"preview"`
		Dir     string `json:"dir"`
	}
	if !decodeInto(res, &exp) {
		return "", "", "", false
	}
	if exp.Path == "" {
		exp.Path = exp.File
	}
	if exp.Path == "" {
		return "", "", "", false
	}
	return exp.Path, exp.Preview, exp.Dir, true
}
