package enrich

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tourlytics/poipipe/internal/atomicfile"
)

// ResumeState records, per worker, the last document id fully processed so
// an interrupted run can skip completed work. ObjectID hex is fixed-width,
// so string comparison preserves id order.
type ResumeState struct {
	mu      sync.Mutex
	path    string
	LastIDs map[int]string `json:"last_ids"`
}

// LoadResume reads the resume file; a missing file yields empty state.
func LoadResume(path string) (*ResumeState, error) {
	state := &ResumeState{path: path, LastIDs: make(map[int]string)}
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume file: %w", err)
	}
	if err := json.Unmarshal(blob, state); err != nil {
		return nil, fmt.Errorf("decode resume file: %w", err)
	}
	if state.LastIDs == nil {
		state.LastIDs = make(map[int]string)
	}
	return state, nil
}

// LastID returns a worker's saved position, empty when none.
func (r *ResumeState) LastID(worker int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.LastIDs[worker]
}

// Set records a worker's position.
func (r *ResumeState) Set(worker int, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastIDs[worker] = id
}

// Save persists the state atomically.
func (r *ResumeState) Save() error {
	r.mu.Lock()
	blob, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("resume dir: %w", err)
	}
	if err := atomicfile.WriteFile(r.path, blob); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	return nil
}

// Clear removes the resume file after a completed run.
func (r *ResumeState) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove resume file: %w", err)
	}
	return nil
}
