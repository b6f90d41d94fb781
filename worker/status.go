package worker

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// StatusRecorder mirrors the worker's latest state transition into a
// small JSON document for outside observers. It is advisory: write
// failures are swallowed and never affect the protocol.
type StatusRecorder struct {
	mu   sync.Mutex
	path string
}

// NewStatusRecorder writes to path; an empty path disables recording.
func NewStatusRecorder(path string) *StatusRecorder {
	return &StatusRecorder{path: path}
}

// Set records the current state plus optional detail fields.
func (r *StatusRecorder) Set(state string, fields map[string]string) {
	if r == nil || r.path == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := map[string]string{
		"state":      state,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		doc[k] = v
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(r.path, data, 0o644)
}
