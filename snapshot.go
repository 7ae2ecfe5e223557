package trawl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StepSnapshot is the advisory debug record written per step when a snapshot
// directory is configured. It is outside the correctness contract.
type StepSnapshot struct {
	Step         int             `json:"step"`
	TotalStep    int             `json:"total_step"`
	Question     string          `json:"question"`
	SystemPrompt string          `json:"system_prompt"`
	Schema       json.RawMessage `json:"schema"`
	Messages     []ChatMessage   `json:"messages"`
	Action       *StepAction     `json:"action,omitempty"`
}

// snapshotWriter persists step snapshots into a directory. A zero value (no
// dir) writes nothing.
type snapshotWriter struct {
	dir string
}

func (w snapshotWriter) write(requestID string, snap StepSnapshot) {
	if w.dir == "" {
		return
	}
	dir := filepath.Join(w.dir, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	name := fmt.Sprintf("step-%03d.json", snap.TotalStep)
	// Best effort: snapshot failures never affect the loop.
	_ = os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
