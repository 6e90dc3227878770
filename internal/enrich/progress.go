package enrich

import "sync"

// WorkerProgress is one worker's row in the shared progress table.
type WorkerProgress struct {
	Worker    int
	Total     int64
	Processed int64
	Errors    int64
	Done      bool
}

// ProgressTable is the coordinator's view of worker state: written by
// workers after each batch, read by the monitor.
type ProgressTable struct {
	mu   sync.Mutex
	rows []WorkerProgress
}

// NewProgressTable sizes one row per worker range.
func NewProgressTable(sizes []int) *ProgressTable {
	rows := make([]WorkerProgress, len(sizes))
	for i, n := range sizes {
		rows[i] = WorkerProgress{Worker: i, Total: int64(n)}
	}
	return &ProgressTable{rows: rows}
}

// Add accumulates one batch's counts into a worker's row.
func (t *ProgressTable) Add(worker int, processed, errs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[worker].Processed += processed
	t.rows[worker].Errors += errs
}

// MarkDone flags a worker's row as finished.
func (t *ProgressTable) MarkDone(worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[worker].Done = true
}

// Snapshot copies the table for reporting.
func (t *ProgressTable) Snapshot() []WorkerProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkerProgress, len(t.rows))
	copy(out, t.rows)
	return out
}

// Totals sums processed, total and error counts across workers.
func (t *ProgressTable) Totals() (processed, total, errs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		processed += row.Processed
		total += row.Total
		errs += row.Errors
	}
	return processed, total, errs
}
