package crawler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/metrics"
	"github.com/tourlytics/poipipe/internal/model"
)

// ControlQueue is the slice of the queue service the coordinator drives.
type ControlQueue interface {
	Push(ctx context.Context, stage model.Stage, task string) error
	Depths(ctx context.Context) (map[model.Stage]int64, error)
	SeenCounts(ctx context.Context) (map[model.Stage]int64, error)
	POICount(ctx context.Context) (int64, error)
	CityCount(ctx context.Context) (int64, error)
	PurgeQueues(ctx context.Context) error
	PurgeAll(ctx context.Context) error
	ListCheckpoints(ctx context.Context) (map[string]model.Checkpoint, error)
}

// Coordinator seeds queues, purges state, monitors progress and lists
// checkpoints. Node loops run in-process; multi-node deployments run one
// coordinator per machine against the same queue service.
type Coordinator struct {
	queue   ControlQueue
	seedURL string
	logger  *zap.Logger
}

// NewCoordinator builds a coordinator for one queue generation.
func NewCoordinator(q ControlQueue, seedURL string, logger *zap.Logger) *Coordinator {
	return &Coordinator{queue: q, seedURL: seedURL, logger: logger}
}

// Seed pushes the root URL into the cities queue. Only the master node
// seeds; every other node consumes.
func (c *Coordinator) Seed(ctx context.Context) error {
	if err := c.queue.Push(ctx, model.StageCities, c.seedURL); err != nil {
		return fmt.Errorf("seed cities queue: %w", err)
	}
	c.logger.Info("seeded cities queue", zap.String("url", c.seedURL))
	return nil
}

// Purge clears the stage queues; with data=true it also clears harvested
// partial records, index sets and checkpoint mirrors.
func (c *Coordinator) Purge(ctx context.Context, data bool) error {
	if data {
		if err := c.queue.PurgeAll(ctx); err != nil {
			return err
		}
		c.logger.Info("purged queues and data")
		return nil
	}
	if err := c.queue.PurgeQueues(ctx); err != nil {
		return err
	}
	c.logger.Info("purged queues")
	return nil
}

// Monitor polls queue depths, dedup-set sizes and record counts until the
// crawl completes: all three queues empty with a nonzero POI count. It
// returns nil on completion and the context error on cancellation.
func (c *Coordinator) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("monitor: %w", ctx.Err())
		case <-ticker.C:
			done, err := c.report(ctx)
			if err != nil {
				c.logger.Warn("monitor poll failed", zap.Error(err))
				continue
			}
			if done {
				c.logger.Info("crawl complete: queues empty and data present")
				return nil
			}
		}
	}
}

func (c *Coordinator) report(ctx context.Context) (bool, error) {
	depths, err := c.queue.Depths(ctx)
	if err != nil {
		return false, err
	}
	seen, err := c.queue.SeenCounts(ctx)
	if err != nil {
		return false, err
	}
	pois, err := c.queue.POICount(ctx)
	if err != nil {
		return false, err
	}
	cities, err := c.queue.CityCount(ctx)
	if err != nil {
		return false, err
	}

	var pending int64
	for stage, depth := range depths {
		metrics.QueueDepth.WithLabelValues(string(stage)).Set(float64(depth))
		pending += depth
	}
	c.logger.Info("crawl progress",
		zap.Int64("cities_queue", depths[model.StageCities]),
		zap.Int64("list_queue", depths[model.StageListings]),
		zap.Int64("detail_queue", depths[model.StageDetails]),
		zap.Int64("cities_seen", seen[model.StageCities]),
		zap.Int64("list_seen", seen[model.StageListings]),
		zap.Int64("detail_seen", seen[model.StageDetails]),
		zap.Int64("cities", cities),
		zap.Int64("pois", pois))

	return pending == 0 && pois > 0, nil
}

// ListCheckpoints returns every known checkpoint, sorted by node id.
func (c *Coordinator) ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error) {
	byNode, err := c.queue.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Checkpoint, 0, len(byNode))
	for _, cp := range byNode {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}
