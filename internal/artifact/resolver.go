package artifact

import (
	"context"
	"fmt"
)

// Exported is the outcome of a single export call.
type Exported struct {
	Path    string
	Preview string
	Dir     string
}

// Exporter performs the worker-side export of a named graph.
type Exporter interface {
	ExportGraph(ctx context.Context, name string) (Exported, error)
}

type Resolver struct {
	exporter Exporter
}

func NewResolver(exporter Exporter) *Resolver {
	return &Resolver{exporter: exporter}
}

// Resolve produces one Artifact per reference, preserving order. Fully
// resolved references pass through unchanged; the rest go through an export
// call. An export failure is recorded on the entry and the batch continues.
func (r *Resolver) Resolve(ctx context.Context, refs []Ref) []Artifact {
	out := make([]Artifact, 0, len(refs))
	for _, ref := range refs {
		out = append(out, r.resolveOne(ctx, ref))
	}
	disambiguate(out)
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, ref Ref) Artifact {
	if ref.Resolved() {
		return Artifact{Label: ref.Label, Path: ref.Path, Dir: ref.Dir}
	}
	label := ref.Label
	if r.exporter == nil {
		return Artifact{Label: label, Err: "no exporter available"}
	}
	exp, err := r.exporter.ExportGraph(ctx, label)
	if err != nil {
		return Artifact{Label: label, Err: err.Error()}
	}
	return Artifact{Label: label, Path: exp.Path, Preview: exp.Preview, Dir: exp.Dir}
}

// disambiguate suffixes repeated labels with " (2)", " (3)", ... in
// encounter order. The first occurrence keeps the bare label.
func disambiguate(arts []Artifact) {
	seen := make(map[string]int, len(arts))
	for i := range arts {
		label := arts[i].Label
		seen[label]++
		if n := seen[label]; n > 1 {
			arts[i].Label = fmt.Sprintf("%s (%d)", label, n)
		}
	}
}
