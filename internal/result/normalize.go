package result

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statbridge/statbridge/internal/artifact"
)

// Normalize converts a raw tool-call response into the canonical record.
//
// Priority, most specific wins: an explicit error object (rich text over
// plain message), then envelope fields, then flat structured fields, then
// the captured log tail as a last-resort stdout. When a nested error is
// present, parsed output is suppressed entirely; a half-successful display
// is worse than none.
func Normalize(res *mcp.CallToolResult, meta Meta) *Normalized {
	n := &Normalized{
		Duration: meta.Duration,
		LogPath:  meta.LogPath,
		WorkDir:  meta.WorkDir,
	}

	p := runExtractors(normalizeOrder, res)
	opaque := ""
	if p == nil {
		p = &payload{}
		opaque = contentText(res)
	}

	if p.LogPath != "" {
		n.LogPath = p.LogPath
	}
	if p.WorkingDir != "" {
		n.WorkDir = p.WorkingDir
	}
	n.GraphArtifacts = p.GraphArtifacts
	n.Artifacts = projectArtifacts(p.GraphArtifacts)

	if p.Error != nil {
		n.Success = false
		n.Error = p.Error.best()
		n.Stderr = p.Error.best()
		n.RC = p.Error.RC
		if n.RC == nil {
			n.RC = p.RC
		}
		return n
	}

	n.RC = p.RC
	n.Stderr = p.Stderr
	switch {
	case n.RC != nil:
		// The return code overrides any flag the worker itself reported.
		n.Success = *n.RC == 0
	case p.Success != nil:
		n.Success = *p.Success
	case res != nil && res.IsError:
		n.Success = false
		n.Error = firstNonEmpty(opaque, contentText(res))
	default:
		n.Success = true
	}

	if !n.Success && n.Error == "" {
		n.Error = firstNonEmpty(p.Stderr, meta.LogText)
	}
	if n.Success {
		n.Stdout = firstNonEmpty(p.Stdout, opaque, meta.LogText)
	}
	return n
}

func projectArtifacts(graphs []map[string]any) []artifact.Artifact {
	if len(graphs) == 0 {
		return nil
	}
	out := make([]artifact.Artifact, 0, len(graphs))
	for _, g := range graphs {
		ref := artifact.FromMap(g)
		out = append(out, artifact.Artifact{Label: ref.Label, Path: ref.Path, Dir: ref.Dir})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
