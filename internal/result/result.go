// Package result converts the worker's heterogeneous tool-call response
// encodings into one canonical record. A response may carry its fields
// directly on the structured content, inside a JSON-encoded "result"
// envelope, or as JSON text embedded in a content item; this package owns
// the priority rules between them.
package result

import (
	"encoding/json"
	"time"

	"github.com/statbridge/statbridge/internal/artifact"
)

// Normalized is the canonical outcome of a run.
type Normalized struct {
	Success        bool
	RC             *int
	Stdout         string
	Stderr         string
	Error          string
	Duration       time.Duration
	Artifacts      []artifact.Artifact
	GraphArtifacts []map[string]any
	LogPath        string
	WorkDir        string
}

// Meta is contextual information the response itself does not carry.
type Meta struct {
	Command  string
	LogText  string // log tail captured while the task ran
	LogPath  string
	WorkDir  string
	Duration time.Duration
}

// payload is the union of fields any of the encodings may carry.
type payload struct {
	Success        *bool            `json:"success"`
	RC             *int             `json:"rc"`
	Stdout         string           `json:"stdout"`
	Stderr         string           `json:"stderr"`
	Error          *errPayload      `json:"error"`
	GraphArtifacts []map[string]any `json:"graph_artifacts"`
	LogPath        string           `json:"log_path"`
	WorkingDir     string           `json:"working_dir"`
	TaskID         string           `json:"task_id"`
	Status         string           `json:"status"`
}

func (p *payload) empty() bool {
	return p.Success == nil && p.RC == nil && p.Stdout == "" && p.Stderr == "" &&
		p.Error == nil && len(p.GraphArtifacts) == 0 && p.LogPath == "" &&
		p.WorkingDir == "" && p.TaskID == "" && p.Status == ""
}

// errPayload is the worker's error field: a plain string, or an object with
// a return code, a message, and optionally a rich rendered text block.
type errPayload struct {
	RC      *int
	Message string
	Text    string
}

func (e *errPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = errPayload{Message: s}
		return nil
	}
	var obj struct {
		RC      *int   `json:"rc"`
		Message string `json:"message"`
		Text    string `json:"text"`
		SMCL    string `json:"smcl"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = errPayload{RC: obj.RC, Message: obj.Message, Text: obj.Text}
	if e.Text == "" {
		e.Text = obj.SMCL
	}
	return nil
}

// best returns the rich rendered payload when present, else the message.
func (e *errPayload) best() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Message
}
