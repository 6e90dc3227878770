package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/atomicfile"
	"github.com/tourlytics/poipipe/internal/model"
)

// historyKeep is how many rotated checkpoint copies are retained next to
// the latest one.
const historyKeep = 5

// CheckpointStore mirrors checkpoint blobs in the queue service.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, nodeID string, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, nodeID string) (model.Checkpoint, bool, error)
}

// CheckpointManager persists a node's checkpoints to a stable file path
// and mirrors them to Redis; either copy alone is sufficient to resume,
// which survives a purged Redis or a lost disk.
type CheckpointManager struct {
	dir    string
	spider string
	nodeID string
	mirror CheckpointStore
	logger *zap.Logger
}

// NewCheckpointManager builds a manager rooted at
// {dir}/{spider}_{nodeID}/checkpoints.
func NewCheckpointManager(dir, spider, nodeID string, mirror CheckpointStore, logger *zap.Logger) *CheckpointManager {
	return &CheckpointManager{
		dir:    filepath.Join(dir, fmt.Sprintf("%s_%s", spider, nodeID), "checkpoints"),
		spider: spider,
		nodeID: nodeID,
		mirror: mirror,
		logger: logger,
	}
}

func (m *CheckpointManager) latestPath() string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s_latest.json", m.nodeID))
}

// Write persists a checkpoint: rotate the previous latest into a
// timestamped copy, write the new blob atomically, then mirror to Redis.
func (m *CheckpointManager) Write(ctx context.Context, cp model.Checkpoint) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	m.rotate()

	blob, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := atomicfile.WriteFile(m.latestPath(), blob); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if err := m.mirror.PutCheckpoint(ctx, m.nodeID, cp); err != nil {
		// The file copy is already durable; a failed mirror only costs
		// the Redis fallback.
		m.logger.Warn("checkpoint mirror failed", zap.Error(err))
	}
	return nil
}

func (m *CheckpointManager) rotate() {
	prev, err := os.ReadFile(m.latestPath())
	if err != nil {
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	rotated := filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s_%s.json", m.nodeID, stamp))
	if err := atomicfile.WriteFile(rotated, prev); err != nil {
		m.logger.Warn("checkpoint rotation failed", zap.Error(err))
		return
	}
	m.prune()
}

func (m *CheckpointManager) prune() {
	pattern := filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s_*.json", m.nodeID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	var history []string
	latest := m.latestPath()
	for _, path := range matches {
		if path != latest {
			history = append(history, path)
		}
	}
	if len(history) <= historyKeep {
		return
	}
	sort.Strings(history)
	for _, path := range history[:len(history)-historyKeep] {
		if err := os.Remove(path); err != nil {
			m.logger.Warn("checkpoint prune failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// Latest loads the most recent checkpoint, preferring the Redis mirror and
// falling back to the on-disk file when Redis was purged.
func (m *CheckpointManager) Latest(ctx context.Context) (model.Checkpoint, bool, error) {
	cp, found, err := m.mirror.GetCheckpoint(ctx, m.nodeID)
	if err == nil && found {
		return cp, true, nil
	}
	if err != nil {
		m.logger.Warn("checkpoint mirror read failed, trying file", zap.Error(err))
	}

	blob, readErr := os.ReadFile(m.latestPath())
	if os.IsNotExist(readErr) {
		return model.Checkpoint{}, false, nil
	}
	if readErr != nil {
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint file: %w", readErr)
	}
	if err := json.Unmarshal(blob, &cp); err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint file: %w", err)
	}
	return cp, true, nil
}

