package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/config"
	"github.com/tourlytics/poipipe/internal/crawler"
	"github.com/tourlytics/poipipe/internal/fetcher"
	"github.com/tourlytics/poipipe/internal/logging"
	"github.com/tourlytics/poipipe/internal/model"
	"github.com/tourlytics/poipipe/internal/ops"
	"github.com/tourlytics/poipipe/internal/queue"
	"github.com/tourlytics/poipipe/internal/store"
)

type crawlFlags struct {
	nodeID             string
	master             bool
	taskType           string
	clear              bool
	clearAll           bool
	monitor            bool
	resume             bool
	autoResume         bool
	listCheckpoints    bool
	checkpointInterval int
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawler node, seed queues, or monitor a crawl",
		Long: `Runs one crawler node pinned to a pipeline stage. The master node
additionally seeds the cities queue. Clear, monitor and checkpoint-listing
modes operate on the shared queue service without crawling.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.nodeID, "node-id", "", "node identity (default: generated)")
	cmd.Flags().BoolVar(&flags.master, "master", false, "seed the cities queue before crawling")
	cmd.Flags().StringVar(&flags.taskType, "task-type", "", "pipeline stage: cities, listings, details or all")
	cmd.Flags().BoolVar(&flags.clear, "clear", false, "purge stage queues and dedup sets, keep data")
	cmd.Flags().BoolVar(&flags.clearAll, "clear-all", false, "purge queues, data and checkpoints")
	cmd.Flags().BoolVar(&flags.monitor, "monitor", false, "monitor queue depths until the crawl completes")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "resume from the latest checkpoint; fail when none exists")
	cmd.Flags().BoolVar(&flags.autoResume, "auto-resume", false, "resume from a checkpoint when one exists, else cold start")
	cmd.Flags().BoolVar(&flags.listCheckpoints, "list-checkpoints", false, "print known checkpoints and exit")
	cmd.Flags().IntVar(&flags.checkpointInterval, "checkpoint-interval", 0, "override checkpoint cadence in seconds")
	return cmd
}

func runCrawl(ctx context.Context, flags crawlFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	qs, err := queue.New(queue.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Spider:   cfg.Spider,
	})
	if err != nil {
		return err
	}
	defer qs.Close()

	coord := crawler.NewCoordinator(qs, cfg.Crawler.SeedURL, logger)

	switch {
	case flags.clearAll:
		return coord.Purge(ctx, true)
	case flags.clear:
		return coord.Purge(ctx, false)
	case flags.listCheckpoints:
		return printCheckpoints(ctx, coord)
	case flags.monitor:
		return coord.Monitor(ctx, 10*time.Second)
	}

	taskType := flags.taskType
	if taskType == "" {
		// --spider doubles as the stage selector when it names a stage.
		if alias, ok := stageAlias(spiderName); ok {
			taskType = alias
		}
	}
	runAll := taskType == modeAll
	stage := model.Stage(taskType)
	if !runAll && !stage.Valid() {
		return fmt.Errorf("task-type must be cities, listings, details or all, got %q", taskType)
	}
	nodeID := flags.nodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	nodeLogger := logging.ForNode(logger, nodeID, taskType)

	if flags.master {
		if err := coord.Seed(ctx); err != nil {
			return err
		}
	}

	node, cleanup, err := buildNode(cfg, flags, nodeID, qs, nodeLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	opsServer := ops.New(cfg.Ops.Address, nodeLogger)
	opsServer.Start()
	defer opsServer.Stop(context.Background())

	if runAll {
		err = node.RunAll(ctx)
	} else {
		err = node.Run(ctx, stage)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// modeAll concatenates the three stage loops on a single node.
const modeAll = "all"

// stageAlias reports whether s names a crawl mode (a pipeline stage or
// "all"), so --spider can select the stage the way --task-type does.
func stageAlias(s string) (string, bool) {
	if s == modeAll || model.Stage(s).Valid() {
		return s, true
	}
	return "", false
}

// buildNode assembles the queue-facing crawler node with its fetchers,
// document store and checkpoint manager.
func buildNode(
	cfg config.Config,
	flags crawlFlags,
	nodeID string,
	qs *queue.Service,
	logger *zap.Logger,
) (*crawler.Node, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	docs, err := store.New(ctx, store.Config{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	throttle := fetcher.NewThrottle(
		time.Duration(cfg.Crawler.DelayMs)*time.Millisecond,
		time.Duration(cfg.Crawler.DelayJitterMs)*time.Millisecond,
	)
	static, err := fetcher.NewStatic(fetcher.StaticConfig{
		Timeout:    cfg.Crawler.FetchTimeout(),
		ProxyURL:   cfg.Crawler.ProxyURL,
		MaxRetries: cfg.Crawler.MaxAttempts,
	}, throttle, logger)
	if err != nil {
		docs.Close(context.Background())
		return nil, nil, err
	}

	var dynamic fetcher.Fetcher
	var headless *fetcher.Headless
	if cfg.Headless.Enabled {
		headless = fetcher.NewHeadless(fetcher.HeadlessConfig{
			ExecPath:   cfg.Headless.ExecPath,
			NavTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
		}, throttle, logger)
		dynamic = headless
	}

	ckptInterval := cfg.Crawler.CheckpointInterval()
	if flags.checkpointInterval > 0 {
		ckptInterval = time.Duration(flags.checkpointInterval) * time.Second
	}
	ckpt := crawler.NewCheckpointManager(cfg.Crawler.CheckpointDir, cfg.Spider, nodeID, qs, logger)

	node := crawler.NewNode(crawler.NodeConfig{
		NodeID:             nodeID,
		BaseURL:            cfg.Crawler.BaseURL,
		MaxAttempts:        cfg.Crawler.MaxAttempts,
		MaxPagesPerCity:    cfg.Crawler.MaxPagesPerCity,
		MaxPOIsPerCity:     cfg.Crawler.MaxPOIsPerCity,
		MaxComments:        cfg.Crawler.MaxComments,
		DrainWindow:        cfg.Crawler.DrainWindow(),
		CheckpointInterval: ckptInterval,
		UseHeadless:        cfg.Headless.Enabled,
	}, qs, docs, static, dynamic, ckpt, logger)

	if flags.resume || flags.autoResume {
		cp, found, err := ckpt.Latest(context.Background())
		if err != nil {
			docs.Close(context.Background())
			return nil, nil, err
		}
		if found {
			node.Resume(cp)
		} else if flags.resume {
			docs.Close(context.Background())
			return nil, nil, fmt.Errorf("no checkpoint found for node %s", nodeID)
		}
	}

	cleanup := func() {
		if headless != nil {
			headless.Close()
		}
		if err := docs.Close(context.Background()); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}
	return node, cleanup, nil
}

func printCheckpoints(ctx context.Context, coord *crawler.Coordinator) error {
	cps, err := coord.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Println("no checkpoints found")
		return nil
	}
	for _, cp := range cps {
		fmt.Printf("%-20s %-10s processed=%-8d last_id=%-12s cities=%d attractions=%d %s\n",
			cp.NodeID, cp.TaskType, cp.Processed, cp.LastID,
			cp.DataStatus.Cities, cp.DataStatus.Attractions,
			cp.Timestamp.Format(time.RFC3339))
	}
	return nil
}
