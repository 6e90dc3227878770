package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/metrics"
	"github.com/tourlytics/poipipe/internal/model"
	"github.com/tourlytics/poipipe/internal/store"
)

// flushThreshold is the bulk-update buffer high-water mark; the buffer also
// flushes at every batch end.
const flushThreshold = 20

// WorkerStore is the slice of the document store a worker uses.
type WorkerStore interface {
	FetchRange(ctx context.Context, after, until string, limit int) ([]model.POI, error)
	BulkEnrich(ctx context.Context, updates []store.EnrichmentUpdate) error
}

// LLMClient issues one chat completion.
type LLMClient interface {
	Complete(ctx context.Context, apiKey, system, user string, stream bool) (string, error)
}

// CheckpointStore mirrors per-worker checkpoints to the shared queue
// service, alongside the local resume file. The queue service satisfies it.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, nodeID string, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, nodeID string) (model.Checkpoint, bool, error)
}

// WorkerConfig binds one worker to one credential and its retry policy.
type WorkerConfig struct {
	ID              int
	Credential      string
	CredentialIndex int
	BatchSize       int
	RetryAttempts   int
	RetryDelay      time.Duration
	RateLimitDelay  time.Duration
}

// Worker enriches the documents in one disjoint, contiguous id range.
// Ranges never overlap, so each document is written by exactly one worker.
type Worker struct {
	cfg      WorkerConfig
	store    WorkerStore
	cache    *Cache
	llm      LLMClient
	pool     *CredentialPool
	progress *ProgressTable
	resume   *ResumeState
	ckpt     CheckpointStore
	logger   *zap.Logger

	nodeID string
	total  int64
	buffer []store.EnrichmentUpdate
}

// NewWorker assembles an enrichment worker.
func NewWorker(
	cfg WorkerConfig,
	st WorkerStore,
	cache *Cache,
	llm LLMClient,
	pool *CredentialPool,
	progress *ProgressTable,
	resume *ResumeState,
	ckpt CheckpointStore,
	logger *zap.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		llm:      llm,
		pool:     pool,
		progress: progress,
		resume:   resume,
		ckpt:     ckpt,
		nodeID:   fmt.Sprintf("enrich-%d", cfg.ID),
		logger:   logger.With(zap.Int("worker", cfg.ID)),
	}
}

// Run walks the range in bounded batches: each batch is a fresh re-issued
// query, so no cursor stays open across LLM calls. Store failures abort the
// worker; everything else skips the POI and moves on.
func (w *Worker) Run(ctx context.Context, rng Range) error {
	defer w.progress.MarkDone(w.cfg.ID)

	after := rng.After
	if last := w.resume.LastID(w.cfg.ID); last > after {
		after = last
	}
	// The queue mirror survives a lost resume file.
	if w.ckpt != nil {
		cp, found, err := w.ckpt.GetCheckpoint(ctx, w.nodeID)
		if err != nil {
			w.logger.Warn("checkpoint read failed", zap.Error(err))
		} else if found && cp.LastID > after && cp.LastID <= rng.Until {
			after = cp.LastID
			w.total = cp.Processed
		}
	}
	if after > rng.After {
		w.logger.Info("resuming range", zap.String("last_id", after))
	}

	for {
		if ctx.Err() != nil {
			w.flush(ctx)
			w.writeCheckpoint(after)
			return ctx.Err()
		}
		batch, err := w.store.FetchRange(ctx, after, rng.Until, w.cfg.BatchSize)
		if err != nil {
			w.flush(ctx)
			return fmt.Errorf("worker %d range query: %w", w.cfg.ID, err)
		}
		if len(batch) == 0 {
			break
		}

		var processed, errs int64
		for _, poi := range batch {
			if ctx.Err() != nil {
				break
			}
			fields, err := w.enrichOne(ctx, poi)
			switch {
			case err != nil:
				errs++
				w.logger.Warn("poi skipped",
					zap.String("poi_id", poi.POIID),
					zap.String("name", poi.Name),
					zap.Error(err))
			case len(fields) > 0:
				w.buffer = append(w.buffer, store.EnrichmentUpdate{ID: poi.ID, Fields: fields})
				metrics.EnrichedPOIs.Inc()
				if len(w.buffer) >= flushThreshold {
					if err := w.flush(ctx); err != nil {
						return err
					}
				}
			}
			processed++
			after = poi.ID
		}
		if err := w.flush(ctx); err != nil {
			return err
		}

		w.total += processed
		w.progress.Add(w.cfg.ID, processed, errs)
		w.resume.Set(w.cfg.ID, after)
		if err := w.resume.Save(); err != nil {
			w.logger.Warn("resume save failed", zap.Error(err))
		}
		w.writeCheckpoint(after)
	}
	w.logger.Info("range complete")
	return nil
}

// writeCheckpoint mirrors the worker's position to the queue service after
// every batch. Mirror failures never fail the worker; the resume file is
// the local fallback.
func (w *Worker) writeCheckpoint(lastID string) {
	if w.ckpt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cp := model.Checkpoint{
		Timestamp: time.Now().UTC(),
		NodeID:    w.nodeID,
		TaskType:  "enrich",
		Processed: w.total,
		LastID:    lastID,
	}
	if err := w.ckpt.PutCheckpoint(ctx, w.nodeID, cp); err != nil {
		w.logger.Warn("checkpoint mirror failed", zap.Error(err))
	}
}

func (w *Worker) flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	if err := w.store.BulkEnrich(ctx, w.buffer); err != nil {
		return fmt.Errorf("worker %d flush %d updates: %w", w.cfg.ID, len(w.buffer), err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

// enrichOne resolves one POI's attributes, cache first. A cache read error
// is logged and falls through to the LLM.
func (w *Worker) enrichOne(ctx context.Context, poi model.POI) (map[string]any, error) {
	attrs, hit, err := w.cache.Get(poi.City, poi.Name)
	if err != nil {
		w.logger.Warn("cache read failed", zap.String("poi_id", poi.POIID), zap.Error(err))
	}
	if hit {
		metrics.CacheHits.Inc()
		return attrs.DeepFields(), nil
	}

	attrs, err = w.callLLM(ctx, poi)
	if err != nil {
		return nil, err
	}
	if err := w.cache.Put(poi.City, poi.Name, attrs); err != nil {
		w.logger.Warn("cache write failed", zap.String("poi_id", poi.POIID), zap.Error(err))
	}
	return attrs.DeepFields(), nil
}

// callLLM runs the retry loop: non-streaming on the first attempt,
// streaming on retries, exponential backoff from RetryDelay. Every failed
// attempt counts against the credential.
func (w *Worker) callLLM(ctx context.Context, poi model.POI) (model.EnrichmentAttributes, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.RetryDelay << (attempt - 1)
			if err := sleepCtx(ctx, backoff); err != nil {
				return model.EnrichmentAttributes{}, err
			}
		}
		if w.cfg.RateLimitDelay > 0 {
			if err := sleepCtx(ctx, w.cfg.RateLimitDelay); err != nil {
				return model.EnrichmentAttributes{}, err
			}
		}

		raw, err := w.llm.Complete(ctx, w.cfg.Credential, systemPrompt, userPrompt(poi.City, poi.Name), attempt > 0)
		if err == nil {
			var attrs model.EnrichmentAttributes
			attrs, err = ParseReply(raw)
			if err == nil {
				metrics.LLMCalls.WithLabelValues("ok").Inc()
				return attrs, nil
			}
		}

		w.pool.RecordError(w.cfg.CredentialIndex)
		metrics.LLMCalls.WithLabelValues("error").Inc()
		if !retryable(err) {
			return model.EnrichmentAttributes{}, err
		}
		lastErr = err
	}
	return model.EnrichmentAttributes{},
		fmt.Errorf("enrichment failed after %d attempts: %w", w.cfg.RetryAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
