// Package artifact resolves named run outputs (graphs) to exported files
// plus inline previews. A single failed export never fails the batch.
package artifact

import (
	"encoding/json"
	"fmt"
)

// Artifact is one resolved run output.
type Artifact struct {
	Label   string `json:"label"`
	Path    string `json:"path,omitempty"`
	Preview string `json:"preview,omitempty"` // inline preview data, base64
	Dir     string `json:"dir,omitempty"`     // origin directory
	Err     string `json:"error,omitempty"`   // per-item export failure
}

// Ref is an artifact reference as it appears in a run response: a bare name
// ("scatter1"), a partially described object, or a fully resolved one.
type Ref struct {
	Label string
	Path  string
	Dir   string
}

// UnmarshalJSON accepts either a bare string or an object with label/name
// and path/file fields.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = Ref{Label: name}
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		Name  string `json:"name"`
		Path  string `json:"path"`
		File  string `json:"file"`
		Dir   string `json:"dir"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("artifact reference must be a string or object: %w", err)
	}
	*r = Ref{Label: obj.Label, Path: obj.Path, Dir: obj.Dir}
	if r.Label == "" {
		r.Label = obj.Name
	}
	if r.Path == "" {
		r.Path = obj.File
	}
	return nil
}

// FromMap builds a Ref from a loosely typed graph-artifact entry.
func FromMap(m map[string]any) Ref {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	return Ref{
		Label: str("label", "name"),
		Path:  str("path", "file"),
		Dir:   str("dir"),
	}
}

// Resolved reports whether the reference already carries everything needed,
// so no export call is required.
func (r Ref) Resolved() bool {
	return r.Label != "" && r.Path != ""
}
