package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/fetcher"
	"github.com/tourlytics/poipipe/internal/metrics"
	"github.com/tourlytics/poipipe/internal/model"
)

// TaskQueue is the slice of the queue service a crawler node uses.
type TaskQueue interface {
	Push(ctx context.Context, stage model.Stage, task string) error
	Pop(ctx context.Context, stage model.Stage, wait time.Duration) (string, bool, error)
	Seen(ctx context.Context, stage model.Stage, url string) (bool, error)
	Mark(ctx context.Context, stage model.Stage, url string) error
	PutCity(ctx context.Context, city model.City) error
	GetCity(ctx context.Context, cityID string) (model.City, bool, error)
	PutPOI(ctx context.Context, poi model.POI) error
	GetPOI(ctx context.Context, poiID string) (model.POI, bool, error)
	CityPOIKeys(ctx context.Context, cityID string) ([]string, error)
	POICount(ctx context.Context) (int64, error)
	CityCount(ctx context.Context) (int64, error)
}

// DocStore is the slice of the document store the details stage writes to.
type DocStore interface {
	UpsertPOI(ctx context.Context, poi model.POI) error
}

// Checkpointer persists node checkpoints.
type Checkpointer interface {
	Write(ctx context.Context, cp model.Checkpoint) error
}

// NodeConfig governs one crawler node.
type NodeConfig struct {
	NodeID             string
	BaseURL            string
	MaxAttempts        int
	MaxPagesPerCity    int
	MaxPOIsPerCity     int
	MaxComments        int
	PopWait            time.Duration
	DrainWindow        time.Duration
	CheckpointInterval time.Duration
	// UseHeadless routes listing and detail pages through the browser
	// path; the destinations page renders server-side and stays static.
	UseHeadless bool
}

// Node loops on one queue stage: pop, dedup, fetch, extract, hand off.
type Node struct {
	cfg     NodeConfig
	queue   TaskQueue
	store   DocStore
	static  fetcher.Fetcher
	dynamic fetcher.Fetcher
	ckpt    Checkpointer
	logger  *zap.Logger

	processed int64
	lastID    string
	pages     map[string]int
	lastCkpt  time.Time
}

// NewNode assembles a crawler node.
func NewNode(
	cfg NodeConfig,
	taskQueue TaskQueue,
	store DocStore,
	static, dynamic fetcher.Fetcher,
	ckpt Checkpointer,
	logger *zap.Logger,
) *Node {
	if cfg.PopWait <= 0 {
		cfg.PopWait = 5 * time.Second
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Node{
		cfg:     cfg,
		queue:   taskQueue,
		store:   store,
		static:  static,
		dynamic: dynamic,
		ckpt:    ckpt,
		logger:  logger,
		pages:   make(map[string]int),
	}
}

// Resume restores the node's position from a checkpoint; the durable dedup
// sets prevent reprocessing of anything completed before the snapshot.
func (n *Node) Resume(cp model.Checkpoint) {
	n.processed = cp.Processed
	n.lastID = cp.LastID
	n.logger.Info("resuming from checkpoint",
		zap.Int64("processed", cp.Processed),
		zap.String("last_id", cp.LastID),
		zap.Time("taken_at", cp.Timestamp))
}

// Run drains one stage queue until it stays empty past the drain window or
// the context is canceled. The in-flight URL always finishes (or times
// out) before the loop observes cancellation, so a SIGTERM leaves queues
// and dedup sets consistent for another node.
func (n *Node) Run(ctx context.Context, stage model.Stage) error {
	n.logger.Info("stage loop starting", zap.String("stage", string(stage)))
	var emptySince time.Time
	for {
		if ctx.Err() != nil {
			return n.shutdown(ctx, stage)
		}
		task, ok, err := n.queue.Pop(ctx, stage, n.cfg.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				return n.shutdown(ctx, stage)
			}
			return fmt.Errorf("pop %s: %w", stage, err)
		}
		if !ok {
			if emptySince.IsZero() {
				emptySince = time.Now()
			} else if time.Since(emptySince) >= n.cfg.DrainWindow {
				n.logger.Info("stage drained", zap.String("stage", string(stage)),
					zap.Int64("processed", n.processed))
				return n.shutdown(ctx, stage)
			}
			continue
		}
		emptySince = time.Time{}

		url, attempt := DecodeTask(task)
		seen, err := n.queue.Seen(ctx, stage, url)
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if seen {
			continue
		}

		n.handleURL(ctx, stage, url, attempt)

		if n.cfg.CheckpointInterval > 0 && time.Since(n.lastCkpt) >= n.cfg.CheckpointInterval {
			n.writeCheckpoint(ctx, stage)
		}
	}
}

// RunAll concatenates the three stage loops in dataflow order: each stage
// drains fully before the next starts, so one node can execute an
// end-to-end crawl on its own.
func (n *Node) RunAll(ctx context.Context) error {
	for _, stage := range model.Stages() {
		if err := n.Run(ctx, stage); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (n *Node) shutdown(ctx context.Context, stage model.Stage) error {
	// Checkpoints must land even when ctx is already canceled.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.writeCheckpoint(flushCtx, stage)
	return nil
}

func (n *Node) handleURL(ctx context.Context, stage model.Stage, url string, attempt int) {
	res, err := n.fetch(ctx, stage, url, attempt)
	if err != nil {
		n.handleFetchError(ctx, stage, url, attempt, err)
		return
	}
	metrics.FetchesTotal.WithLabelValues(string(stage), "ok").Inc()
	metrics.FetchDuration.WithLabelValues(string(stage)).Observe(res.Duration.Seconds())

	if err := n.queue.Mark(ctx, stage, url); err != nil {
		n.logger.Error("mark seen failed", zap.String("url", url), zap.Error(err))
		return
	}

	switch stage {
	case model.StageCities:
		err = n.processCities(ctx, res)
	case model.StageListings:
		err = n.processListing(ctx, url, res)
	case model.StageDetails:
		err = n.processDetail(ctx, url, res)
	}
	if err != nil {
		// Parse and store failures drop the task; no partial record is
		// written and the scraping path does not retry parses.
		n.logger.Error("task dropped", zap.String("stage", string(stage)),
			zap.String("url", url), zap.Error(err))
		return
	}
	n.processed++
}

func (n *Node) fetch(ctx context.Context, stage model.Stage, url string, attempt int) (fetcher.Result, error) {
	req := fetcher.Request{URL: url, Attempt: attempt}
	f := n.static
	if n.cfg.UseHeadless && stage != model.StageCities && n.dynamic != nil {
		f = n.dynamic
		switch stage {
		case model.StageListings:
			req.WaitSelector = "a[href*='/poi/']"
		case model.StageDetails:
			req.WaitSelector = "h1"
		}
	}
	return f.Fetch(ctx, req)
}

func (n *Node) handleFetchError(ctx context.Context, stage model.Stage, url string, attempt int, err error) {
	kind := fetcher.KindOf(err)
	metrics.FetchesTotal.WithLabelValues(string(stage), kind.String()).Inc()

	switch kind {
	case fetcher.KindPermanent:
		n.logger.Warn("url dropped", zap.String("url", url), zap.Error(err))
	case fetcher.KindBlocked, fetcher.KindTransient:
		next := attempt + 1
		if next >= n.cfg.MaxAttempts {
			if kind == fetcher.KindBlocked {
				metrics.BlockEvents.Inc()
				n.logger.Warn("block event: url dropped after retry budget",
					zap.String("url", url), zap.Int("attempts", next))
			} else {
				n.logger.Warn("url dropped after retry budget",
					zap.String("url", url), zap.Int("attempts", next), zap.Error(err))
			}
			return
		}
		if pushErr := n.queue.Push(ctx, stage, EncodeTask(url, next)); pushErr != nil {
			n.logger.Error("requeue failed", zap.String("url", url), zap.Error(pushErr))
		}
	}
}

func (n *Node) processCities(ctx context.Context, res fetcher.Result) error {
	cities := ExtractCities(res.DOM, n.cfg.BaseURL)
	if len(cities) == 0 {
		return fmt.Errorf("no city tiles found")
	}
	for _, city := range cities {
		if err := n.queue.PutCity(ctx, city); err != nil {
			return err
		}
		if err := n.queue.Push(ctx, model.StageListings, city.AttractionsListURL); err != nil {
			return err
		}
		n.lastID = city.CityID
	}
	n.logger.Info("cities extracted", zap.Int("count", len(cities)))
	return nil
}

func (n *Node) processListing(ctx context.Context, url string, res fetcher.Result) error {
	cityID, ok := CityIDFromListURL(url)
	if !ok {
		// Pagination URLs carry the city id as a fragment added when the
		// next page was pushed.
		cityID = cityIDFromFragment(url)
	}
	if cityID == "" {
		return fmt.Errorf("listing page has no city context")
	}
	city, found, err := n.queue.GetCity(ctx, cityID)
	if err != nil {
		return err
	}
	// Every stored POI must reference an existing city record; a listing
	// for an unknown city is dropped rather than written unattributed.
	if !found {
		return fmt.Errorf("no city record for %s", cityID)
	}

	pois, nextPage := ExtractListing(res.DOM, n.cfg.BaseURL)
	if len(pois) == 0 {
		return fmt.Errorf("no poi tiles found")
	}
	for _, poi := range pois {
		poi.City = city.Name
		poi.CityID = cityID
		if err := n.queue.PutPOI(ctx, poi); err != nil {
			return err
		}
		if err := n.queue.Push(ctx, model.StageDetails, poi.Link); err != nil {
			return err
		}
		n.lastID = poi.POIID
	}

	n.pages[cityID]++
	if nextPage == "" {
		return nil
	}
	if n.pages[cityID] >= n.cfg.MaxPagesPerCity {
		n.logger.Info("pagination ceiling reached", zap.String("city_id", cityID),
			zap.Int("pages", n.pages[cityID]))
		return nil
	}
	keys, err := n.queue.CityPOIKeys(ctx, cityID)
	if err != nil {
		return err
	}
	if len(keys) >= n.cfg.MaxPOIsPerCity {
		n.logger.Info("poi ceiling reached", zap.String("city_id", cityID),
			zap.Int("pois", len(keys)))
		return nil
	}
	return n.queue.Push(ctx, model.StageListings, withCityFragment(nextPage, cityID))
}

func (n *Node) processDetail(ctx context.Context, url string, res fetcher.Result) error {
	poiID, ok := POIIDFromURL(url)
	if !ok {
		return fmt.Errorf("no poi id in %s", url)
	}
	detail := ExtractDetail(res.DOM, n.cfg.MaxComments)
	detail.CrawledAt = time.Now().UTC()

	// Merge with the listings-stage partial; an unknown poi_id still
	// produces a document.
	poi, found, err := n.queue.GetPOI(ctx, poiID)
	if err != nil {
		return err
	}
	if !found {
		poi = model.POI{POIID: poiID, Link: url}
	}
	poi.Merge(detail)
	if poi.Name == "" {
		return fmt.Errorf("detail page yielded no name")
	}

	if err := n.queue.PutPOI(ctx, poi); err != nil {
		return err
	}
	if err := n.store.UpsertPOI(ctx, poi); err != nil {
		return fmt.Errorf("upsert poi %s: %w", poiID, err)
	}
	n.lastID = poiID
	return nil
}

func (n *Node) writeCheckpoint(ctx context.Context, stage model.Stage) {
	if n.ckpt == nil {
		return
	}
	cities, err := n.queue.CityCount(ctx)
	if err != nil {
		n.logger.Warn("city count for checkpoint failed", zap.Error(err))
	}
	pois, err := n.queue.POICount(ctx)
	if err != nil {
		n.logger.Warn("poi count for checkpoint failed", zap.Error(err))
	}
	cp := model.Checkpoint{
		Timestamp: time.Now().UTC(),
		NodeID:    n.cfg.NodeID,
		TaskType:  string(stage),
		Processed: n.processed,
		LastID:    n.lastID,
		DataStatus: model.DataStatus{
			Cities:      cities,
			Attractions: pois,
		},
	}
	if err := n.ckpt.Write(ctx, cp); err != nil {
		n.logger.Error("checkpoint write failed", zap.Error(err))
		return
	}
	n.lastCkpt = time.Now()
	n.logger.Debug("checkpoint written", zap.Int64("processed", n.processed),
		zap.String("last_id", n.lastID))
}

// Listing pagination URLs do not embed the city id, so it rides along as a
// fragment; the upstream ignores fragments.
const cityFragment = "#city="

func withCityFragment(url, cityID string) string {
	return url + cityFragment + cityID
}

func cityIDFromFragment(url string) string {
	_, id, found := strings.Cut(url, cityFragment)
	if !found {
		return ""
	}
	return id
}
