package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/model"
)

type fakeSource struct {
	pois   []model.POI
	cities []model.City
}

func (f *fakeSource) AllPOIs(context.Context) ([]model.POI, error) { return f.pois, nil }

func (f *fakeSource) POIsByCityID(_ context.Context, cityID string) ([]model.POI, error) {
	var out []model.POI
	for _, p := range f.pois {
		if p.CityID == cityID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) POIsByCityName(_ context.Context, city string) ([]model.POI, error) {
	var out []model.POI
	for _, p := range f.pois {
		if p.City == city {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) AllCities(context.Context) ([]model.City, error) { return f.cities, nil }

func testSource() *fakeSource {
	return &fakeSource{
		pois: []model.POI{
			{
				POIID: "10045", Name: "故宫", City: "北京", CityID: "101",
				Location: "116.397,39.917", Ticket: "60",
				Comments: []string{"值得一去", "人很多"},
				Link:     "https://www.mafengwo.cn/poi/10045.html",
			},
			{POIID: "10046", Name: "颐和园", City: "北京", CityID: "101"},
			{POIID: "20001", Name: "外滩", City: "上海", CityID: "102"},
		},
		cities: []model.City{
			{CityID: "101", Name: "北京"},
			{CityID: "102", Name: "上海"},
			{CityID: "103", Name: "空城"},
		},
	}
}

func TestAllPOIsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pois.json")
	ex := New(testSource(), testSource(), zap.NewNop())

	require.NoError(t, ex.AllPOIsJSON(context.Background(), path))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []model.POI
	require.NoError(t, json.Unmarshal(blob, &got))
	require.Len(t, got, 3)
	assert.Equal(t, "故宫", got[0].Name)
}

func TestAllPOIsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pois.csv")
	ex := New(testSource(), testSource(), zap.NewNop())

	require.NoError(t, ex.AllPOIsCSV(context.Background(), path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, csvColumns, rows[0])
	first := rows[1]
	assert.Equal(t, "故宫", first[0])
	assert.Equal(t, "10045", first[1])
	assert.Equal(t, "116.397,39.917", first[4])
	assert.Equal(t, "2", first[10], "comment_count column")
	assert.True(t, strings.Contains(first[11], "值得一去"))
	assert.Equal(t, "https://www.mafengwo.cn/poi/10045.html", first[12])
}

func TestCityJSONByIDAndName(t *testing.T) {
	dir := t.TempDir()
	ex := New(testSource(), testSource(), zap.NewNop())

	byID := filepath.Join(dir, "by_id.json")
	require.NoError(t, ex.CityJSON(context.Background(), "101", "", byID))
	byName := filepath.Join(dir, "by_name.json")
	require.NoError(t, ex.CityJSON(context.Background(), "", "北京", byName))

	var a, b []model.POI
	blob, err := os.ReadFile(byID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &a))
	blob, err = os.ReadFile(byName)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &b))
	assert.Equal(t, a, b, "id and name selection agree for the same city")
	assert.Len(t, a, 2)
}

func TestCityJSONRequiresSelector(t *testing.T) {
	ex := New(testSource(), testSource(), zap.NewNop())
	err := ex.CityJSON(context.Background(), "", "", filepath.Join(t.TempDir(), "x.json"))
	assert.Error(t, err)
}

func TestCityJSONUnknownCity(t *testing.T) {
	ex := New(testSource(), testSource(), zap.NewNop())
	err := ex.CityJSON(context.Background(), "999", "", filepath.Join(t.TempDir(), "x.json"))
	assert.Error(t, err)
}

func TestAllCityFiles(t *testing.T) {
	dir := t.TempDir()
	ex := New(testSource(), testSource(), zap.NewNop())

	require.NoError(t, ex.AllCityFiles(context.Background(), dir))

	_, err := os.Stat(filepath.Join(dir, "101_北京.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "102_上海.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "103_空城.json"))
	assert.True(t, os.IsNotExist(err), "cities with no documents get no file")

	blob, err := os.ReadFile(filepath.Join(dir, statsFilename))
	require.NoError(t, err)
	var stats []CityStats
	require.NoError(t, json.Unmarshal(blob, &stats))
	require.Len(t, stats, 3, "empty cities still appear in statistics")
	assert.Equal(t, CityStats{CityID: "101", Name: "北京", POIs: 2, CommentCount: 2}, stats[0])
	assert.Equal(t, 0, stats[2].POIs)
}

func TestCitiesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cities.json")
	ex := New(testSource(), testSource(), zap.NewNop())

	require.NoError(t, ex.CitiesJSON(context.Background(), path))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []model.City
	require.NoError(t, json.Unmarshal(blob, &got))
	require.Len(t, got, 3)
}
