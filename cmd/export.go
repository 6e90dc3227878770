package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/export"
	"github.com/tourlytics/poipipe/internal/queue"
	"github.com/tourlytics/poipipe/internal/store"
)

type exportFlags struct {
	format   string
	out      string
	cityID   string
	cityName string
}

func newExportCmd() *cobra.Command {
	var flags exportFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export harvested and enriched data to disk",
		Long: `Renders the collection in one of the supported shapes:
  json        one JSON array of all documents
  csv         all documents with the fixed column set
  cities      one JSON array of all harvested cities
  city        one city's documents, selected by --city-id or --city-name
  all-cities  one JSON file per city plus a statistics file`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.format, "format", "json", "output shape: json, csv, cities, city or all-cities")
	cmd.Flags().StringVar(&flags.out, "out", "", "output file, or directory for all-cities")
	cmd.Flags().StringVar(&flags.cityID, "city-id", "", "city id for --format city")
	cmd.Flags().StringVar(&flags.cityName, "city-name", "", "city name for --format city")
	return cmd
}

func runExport(ctx context.Context, flags exportFlags) error {
	cfg, err := loadConfig()
	if err != nil {
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

	ex := export.New(docs, qs, logger)
	out := flags.out
	switch flags.format {
	case "json":
		if out == "" {
			out = "export/pois.json"
		}
		return ex.AllPOIsJSON(ctx, out)
	case "csv":
		if out == "" {
			out = "export/pois.csv"
		}
		return ex.AllPOIsCSV(ctx, out)
	case "cities":
		if out == "" {
			out = "export/cities.json"
		}
		return ex.CitiesJSON(ctx, out)
	case "city":
		if out == "" {
			out = "export/city.json"
		}
		return ex.CityJSON(ctx, flags.cityID, flags.cityName, out)
	case "all-cities":
		if out == "" {
			out = "export/cities"
		}
		return ex.AllCityFiles(ctx, out)
	default:
		return fmt.Errorf("unknown export format %q", flags.format)
	}
}
