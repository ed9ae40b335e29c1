package result

import (
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// An extractor attempts to decode one response encoding. Extractors are
// tried in a fixed order and the first hit wins; a miss is never an error,
// malformed sources degrade to opaque text.
type extractor func(res *mcp.CallToolResult) (*payload, bool)

// normalizeOrder: structured-content envelope, then flat structured fields,
// then JSON embedded in a content text item.
var normalizeOrder = []extractor{extractEnvelope, extractFlat, extractEmbedded}

// startInfoOrder: direct field first, per the start-call contract.
var startInfoOrder = []extractor{extractFlat, extractEnvelope, extractEmbedded}

func runExtractors(order []extractor, res *mcp.CallToolResult) *payload {
	if res == nil {
		return nil
	}
	for _, ex := range order {
		if p, ok := ex(res); ok {
			return p
		}
	}
	return nil
}

// StartInfo carries what a background start call must reveal.
type StartInfo struct {
	TaskID  string
	LogPath string
}

// ExtractStartInfo pulls the task identifier and log path out of whichever
// encoding the start response used.
func ExtractStartInfo(res *mcp.CallToolResult) StartInfo {
	p := runExtractors(startInfoOrder, res)
	if p == nil {
		return StartInfo{}
	}
	return StartInfo{TaskID: p.TaskID, LogPath: p.LogPath}
}

// structuredMap returns the structured content as a map, tolerating both
// typed values and raw JSON.
func structuredMap(res *mcp.CallToolResult) map[string]any {
	if res.StructuredContent == nil {
		return nil
	}
	if m, ok := res.StructuredContent.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func decodePayload(data []byte) (*payload, bool) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	if p.empty() {
		return nil, false
	}
	return &p, true
}

// extractEnvelope handles {"result": "<json-encoded string>"} structured
// content.
func extractEnvelope(res *mcp.CallToolResult) (*payload, bool) {
	m := structuredMap(res)
	if m == nil {
		return nil, false
	}
	inner, ok := m["result"].(string)
	if !ok {
		return nil, false
	}
	return decodePayload([]byte(inner))
}

// extractFlat handles fields carried directly on the structured content.
func extractFlat(res *mcp.CallToolResult) (*payload, bool) {
	m := structuredMap(res)
	if m == nil {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return decodePayload(data)
}

// extractEmbedded handles JSON text inside a content item.
func extractEmbedded(res *mcp.CallToolResult) (*payload, bool) {
	for _, c := range res.Content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		text := strings.TrimSpace(tc.Text)
		if !strings.HasPrefix(text, "{") {
			continue
		}
		if p, ok := decodePayload([]byte(text)); ok {
			return p, true
		}
	}
	return nil, false
}

// contentText concatenates plain text content items. Used as the opaque
// fallback when no encoding matched.
func contentText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
