package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Range is one worker's slice of the collection: after < _id <= until in
// id order. An empty After means the start of the collection.
type Range struct {
	After string
	Until string
	Size  int
}

// Partition slices the sorted id list into k disjoint contiguous ranges.
// With n = len(ids), the first n mod k ranges carry one extra record; when
// there are fewer ids than credentials, each id gets its own range and the
// surplus credentials idle.
func Partition(ids []string, k int) []Range {
	n := len(ids)
	if n == 0 || k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	base, extra := n/k, n%k

	ranges := make([]Range, 0, k)
	after := ""
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size
		ranges = append(ranges, Range{After: after, Until: ids[end-1], Size: size})
		after = ids[end-1]
		start = end
	}
	return ranges
}

// CoordinatorStore adds range discovery to the worker's store surface.
type CoordinatorStore interface {
	WorkerStore
	POIIDs(ctx context.Context) ([]string, error)
}

// Options configures the enrichment run.
type Options struct {
	Keys           []string
	MaxWorkers     int
	BatchSize      int
	RetryAttempts  int
	RetryDelay     time.Duration
	RateLimitDelay time.Duration
	CacheDir       string
	ResumeFile     string
	// Checkpoints, when set, mirrors per-worker checkpoints to the queue
	// service in addition to the resume file.
	Checkpoints CheckpointStore
}

// monitorInterval is the progress-report cadence; rateWindow bounds the
// rolling-rate computation.
const (
	monitorInterval = 10 * time.Second
	rateWindow      = time.Minute
)

// Coordinator partitions the collection across credentials, spawns one
// worker per credential, and reports progress until all workers exit.
type Coordinator struct {
	opts   Options
	store  CoordinatorStore
	llm    LLMClient
	logger *zap.Logger
}

// NewCoordinator assembles the enrichment coordinator.
func NewCoordinator(opts Options, st CoordinatorStore, llm LLMClient, logger *zap.Logger) *Coordinator {
	return &Coordinator{opts: opts, store: st, llm: llm, logger: logger}
}

// Run executes one enrichment pass over the whole collection. It returns
// once every worker has exited and final state is persisted; the resume
// file is removed only after a fully completed run.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.opts.Keys) == 0 {
		return fmt.Errorf("no credentials configured")
	}

	ids, err := c.store.POIIDs(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	if len(ids) == 0 {
		c.logger.Info("nothing to enrich")
		return nil
	}

	k := len(c.opts.Keys)
	if c.opts.MaxWorkers > 0 && k > c.opts.MaxWorkers {
		k = c.opts.MaxWorkers
	}
	ranges := Partition(ids, k)

	resume, err := LoadResume(c.opts.ResumeFile)
	if err != nil {
		return err
	}
	pool := NewCredentialPool(c.opts.Keys)
	cache := NewCache(c.opts.CacheDir)
	sizes := make([]int, len(ranges))
	for i, rng := range ranges {
		sizes[i] = rng.Size
	}
	table := NewProgressTable(sizes)

	c.logger.Info("enrichment starting",
		zap.Int("documents", len(ids)),
		zap.Int("workers", len(ranges)),
		zap.Int("credentials", pool.Size()))

	var wg sync.WaitGroup
	for i, rng := range ranges {
		credIdx, key := pool.Next()
		w := NewWorker(WorkerConfig{
			ID:              i,
			Credential:      key,
			CredentialIndex: credIdx,
			BatchSize:       c.opts.BatchSize,
			RetryAttempts:   c.opts.RetryAttempts,
			RetryDelay:      c.opts.RetryDelay,
			RateLimitDelay:  c.opts.RateLimitDelay,
		}, c.store, cache, c.llm, pool, table, resume, c.opts.Checkpoints, c.logger)

		wg.Add(1)
		go func(w *Worker, rng Range) {
			defer wg.Done()
			if err := w.Run(ctx, rng); err != nil {
				c.logger.Error("worker exited with error", zap.Error(err))
			}
		}(w, rng)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	c.monitor(table, pool, done)

	if err := resume.Save(); err != nil {
		c.logger.Warn("final resume save failed", zap.Error(err))
	}
	processed, total, errs := table.Totals()
	// Skipped POIs (failed or below the minimum-fields gate) must be
	// visible in the final summary, not only in per-POI warnings.
	c.logger.Info("enrichment finished",
		zap.Int64("processed", processed),
		zap.Int64("enriched", processed-errs),
		zap.Int64("skipped", errs),
		zap.Int64("total", total))
	if ctx.Err() == nil && processed >= total {
		if err := resume.Clear(); err != nil {
			c.logger.Warn("resume cleanup failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

type rateSample struct {
	at        time.Time
	processed int64
}

// monitor reports every monitorInterval until all workers have exited,
// computing the current rate over a rolling window and the ETA it implies.
func (c *Coordinator) monitor(table *ProgressTable, pool *CredentialPool, done <-chan struct{}) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var samples []rateSample
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			processed, total, errs := table.Totals()
			now := time.Now()
			samples = append(samples, rateSample{at: now, processed: processed})
			for len(samples) > 1 && now.Sub(samples[0].at) > rateWindow {
				samples = samples[1:]
			}

			rate := 0.0
			if len(samples) > 1 {
				first := samples[0]
				if elapsed := now.Sub(first.at).Seconds(); elapsed > 0 {
					rate = float64(processed-first.processed) / elapsed
				}
			}
			eta := time.Duration(0)
			if rate > 0 {
				eta = time.Duration(float64(total-processed)/rate) * time.Second
			}

			fields := []zap.Field{
				zap.Int64("processed", processed),
				zap.Int64("total", total),
				zap.Int64("errors", errs),
				zap.Float64("rate_per_sec", rate),
				zap.Duration("eta", eta),
			}
			for _, row := range table.Snapshot() {
				fields = append(fields, zap.String(
					fmt.Sprintf("worker_%d", row.Worker),
					fmt.Sprintf("%d/%d done=%t errors=%d", row.Processed, row.Total, row.Done, row.Errors)))
			}
			fields = append(fields, zap.Int64s("credential_errors", pool.ErrorCounts()))
			c.logger.Info("enrichment progress", fields...)
		}
	}
}
