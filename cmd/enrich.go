package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/enrich"
	"github.com/tourlytics/poipipe/internal/ops"
	"github.com/tourlytics/poipipe/internal/queue"
	"github.com/tourlytics/poipipe/internal/store"
)

func newEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Enrich harvested documents with LLM-derived attributes",
		Long: `Partitions the document collection across the configured API
credentials, runs one worker per credential, and writes the structured
attributes back under the deep_ prefix. Results are cached on disk, so a
re-run over cached documents performs no LLM calls.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnrich(cmd.Context())
		},
	}
}

func runEnrich(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateEnrichment(); err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	docs, err := store.New(ctx, store.Config{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := docs.Close(context.Background()); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

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

	opsServer := ops.New(cfg.Ops.Address, logger)
	opsServer.Start()
	defer opsServer.Stop(context.Background())

	client := enrich.NewChatClient(cfg.Enrich.Endpoint, cfg.Enrich.Model, cfg.Enrich.APITimeout())
	coord := enrich.NewCoordinator(enrich.Options{
		Keys:           cfg.Enrich.APIKeys,
		MaxWorkers:     cfg.Enrich.MaxWorkers,
		BatchSize:      cfg.Enrich.BatchSize,
		RetryAttempts:  cfg.Enrich.RetryAttempts,
		RetryDelay:     cfg.Enrich.RetryDelay(),
		RateLimitDelay: cfg.Enrich.RateLimitDelay(),
		CacheDir:       cfg.Enrich.CacheDir,
		ResumeFile:     cfg.Enrich.ResumeFile,
		Checkpoints:    qs,
	}, docs, client, logger)

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
