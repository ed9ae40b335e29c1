package conn

import (
	"strings"
	"sync"
)

// readySignal in a worker logging event means the session came up healthy;
// anything buffered before it is stale and must not leak into later errors.
const readySignal = "ready"

// failureHints map known worker-side failure signatures to actionable
// messages. Matched case-insensitively against the recent diagnostics.
var failureHints = []struct {
	needle string
	hint   string
}{
	{"no module named pystata", "the pystata package is not installed in the worker's Python environment"},
	{"could not locate a stata installation", "no Stata installation was found; check the engine path and edition in the config"},
}

// diagnostics is a bounded buffer of recent worker side-channel output
// (stderr lines and logging notifications), kept to enrich connection
// failures.
type diagnostics struct {
	mu      sync.Mutex
	lines   []string
	partial string
	max     int
}

func newDiagnostics(max int) *diagnostics {
	if max <= 0 {
		max = 50
	}
	return &diagnostics{max: max}
}

// Write lets the buffer double as the worker process's stderr.
func (d *diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.partial + string(p)
	lines := strings.Split(text, "\n")
	d.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		d.append(line)
	}
	return len(p), nil
}

func (d *diagnostics) Append(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.append(line)
}

func (d *diagnostics) append(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	d.lines = append(d.lines, line)
	if len(d.lines) > d.max {
		d.lines = d.lines[len(d.lines)-d.max:]
	}
}

func (d *diagnostics) Clear() {
	d.mu.Lock()
	d.lines = nil
	d.partial = ""
	d.mu.Unlock()
}

// Hint scans the buffered output for known failure signatures.
func (d *diagnostics) Hint() string {
	d.mu.Lock()
	joined := strings.ToLower(strings.Join(append(d.lines, d.partial), "\n"))
	d.mu.Unlock()
	for _, h := range failureHints {
		if strings.Contains(joined, h.needle) {
			return h.hint
		}
	}
	return ""
}
