package model

import "time"

// DataStatus snapshots record counts at checkpoint time.
type DataStatus struct {
	Cities      int64 `json:"cities"`
	Attractions int64 `json:"attractions"`
}

// Checkpoint lets a worker resume without reprocessing completed work. The
// blob is mirrored to Redis and to a stable file path; either copy is
// sufficient to resume.
type Checkpoint struct {
	Timestamp  time.Time  `json:"timestamp"`
	NodeID     string     `json:"node_id"`
	TaskType   string     `json:"task_type"`
	Processed  int64      `json:"processed"`
	LastID     string     `json:"last_id"`
	DataStatus DataStatus `json:"data_status"`
}
