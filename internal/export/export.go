// Package export writes harvested and enriched data to disk: JSON dumps,
// a fixed-column CSV, and per-city files with statistics. Every file lands
// atomically so a crashed export never leaves a truncated dump behind.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/atomicfile"
	"github.com/tourlytics/poipipe/internal/model"
)

// csvColumns is the fixed CSV column set, in order.
var csvColumns = []string{
	"name", "poi_id", "city", "city_id", "location", "summary", "transport",
	"ticket", "opening_hours", "image", "comment_count", "comments", "link",
}

// commentSeparator joins the comment list into one CSV cell.
const commentSeparator = " | "

// POISource provides documents for export.
type POISource interface {
	AllPOIs(ctx context.Context) ([]model.POI, error)
	POIsByCityID(ctx context.Context, cityID string) ([]model.POI, error)
	POIsByCityName(ctx context.Context, city string) ([]model.POI, error)
}

// CitySource provides harvested city records.
type CitySource interface {
	AllCities(ctx context.Context) ([]model.City, error)
}

// Exporter renders the supported output shapes.
type Exporter struct {
	pois   POISource
	cities CitySource
	logger *zap.Logger
}

// New assembles an exporter.
func New(pois POISource, cities CitySource, logger *zap.Logger) *Exporter {
	return &Exporter{pois: pois, cities: cities, logger: logger}
}

// AllPOIsJSON dumps the whole collection as one JSON array.
func (e *Exporter) AllPOIsJSON(ctx context.Context, path string) error {
	pois, err := e.pois.AllPOIs(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(path, pois); err != nil {
		return err
	}
	e.logger.Info("exported pois", zap.Int("count", len(pois)), zap.String("path", path))
	return nil
}

// AllPOIsCSV dumps the whole collection with the fixed column set.
func (e *Exporter) AllPOIsCSV(ctx context.Context, path string) error {
	pois, err := e.pois.AllPOIs(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, poi := range pois {
		row := []string{
			poi.Name,
			poi.POIID,
			poi.City,
			poi.CityID,
			poi.Location,
			poi.Summary,
			poi.Transport,
			poi.Ticket,
			poi.OpeningHours,
			poi.Image,
			strconv.Itoa(poi.CommentCount()),
			strings.Join(poi.Comments, commentSeparator),
			poi.Link,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", poi.POIID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	if err := writeRaw(path, buf.Bytes()); err != nil {
		return err
	}
	e.logger.Info("exported csv", zap.Int("count", len(pois)), zap.String("path", path))
	return nil
}

// CitiesJSON dumps every harvested city record.
func (e *Exporter) CitiesJSON(ctx context.Context, path string) error {
	cities, err := e.cities.AllCities(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(path, cities); err != nil {
		return err
	}
	e.logger.Info("exported cities", zap.Int("count", len(cities)), zap.String("path", path))
	return nil
}

// CityJSON dumps one city's POIs, selected by id when cityID is set and by
// display name otherwise.
func (e *Exporter) CityJSON(ctx context.Context, cityID, cityName, path string) error {
	var (
		pois []model.POI
		err  error
	)
	switch {
	case cityID != "":
		pois, err = e.pois.POIsByCityID(ctx, cityID)
	case cityName != "":
		pois, err = e.pois.POIsByCityName(ctx, cityName)
	default:
		return fmt.Errorf("city export requires a city id or a city name")
	}
	if err != nil {
		return err
	}
	if len(pois) == 0 {
		return fmt.Errorf("no documents for city %s%s", cityID, cityName)
	}
	if err := writeJSON(path, pois); err != nil {
		return err
	}
	e.logger.Info("exported city", zap.Int("count", len(pois)), zap.String("path", path))
	return nil
}

// CityStats is one row of the per-city statistics file.
type CityStats struct {
	CityID       string `json:"city_id"`
	Name         string `json:"name"`
	POIs         int    `json:"pois"`
	CommentCount int    `json:"comment_count"`
}

// statsFilename is the statistics file written by AllCityFiles.
const statsFilename = "stats.json"

// AllCityFiles writes one JSON file per harvested city into dir, plus a
// statistics file summarizing per-city counts. Cities with no documents are
// skipped but still appear in the statistics.
func (e *Exporter) AllCityFiles(ctx context.Context, dir string) error {
	cities, err := e.cities.AllCities(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export dir: %w", err)
	}

	stats := make([]CityStats, 0, len(cities))
	for _, city := range cities {
		pois, err := e.pois.POIsByCityID(ctx, city.CityID)
		if err != nil {
			return fmt.Errorf("city %s: %w", city.CityID, err)
		}
		st := CityStats{CityID: city.CityID, Name: city.Name, POIs: len(pois)}
		for _, poi := range pois {
			st.CommentCount += poi.CommentCount()
		}
		stats = append(stats, st)
		if len(pois) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", city.CityID, sanitizeName(city.Name)))
		if err := writeJSON(path, pois); err != nil {
			return err
		}
	}

	if err := writeJSON(filepath.Join(dir, statsFilename), stats); err != nil {
		return err
	}
	e.logger.Info("exported per-city files",
		zap.Int("cities", len(cities)), zap.String("dir", dir))
	return nil
}

// sanitizeName strips path separators from a city name used in a filename.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

func writeJSON(path string, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeRaw(path, blob)
}

func writeRaw(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export dir: %w", err)
		}
	}
	if err := atomicfile.WriteFile(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
