package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourlytics/poipipe/internal/model"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, "tour")
}

func TestPushPopFIFO(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	urls := []string{
		"https://www.mafengwo.cn/jd/101/gonglve.html",
		"https://www.mafengwo.cn/jd/102/gonglve.html",
		"https://www.mafengwo.cn/jd/103/gonglve.html",
	}
	for _, u := range urls {
		require.NoError(t, svc.Push(ctx, model.StageListings, u))
	}

	for _, want := range urls {
		got, ok, err := svc.Pop(ctx, model.StageListings, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok, err := svc.Pop(ctx, model.StageListings, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "drained queue should report empty")
}

func TestDedupSet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	url := "https://www.mafengwo.cn/poi/10045.html"

	seen, err := svc.Seen(ctx, model.StageDetails, url)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, svc.Mark(ctx, model.StageDetails, url))

	seen, err = svc.Seen(ctx, model.StageDetails, url)
	require.NoError(t, err)
	assert.True(t, seen)

	// Stages keep independent dedup sets.
	seen, err = svc.Seen(ctx, model.StageListings, url)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCityRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	city := model.City{
		CityID:             "10065",
		Name:               "北京",
		Link:               "https://www.mafengwo.cn/travel-scenic-spot/mafengwo/10065.html",
		AttractionsListURL: "https://www.mafengwo.cn/jd/10065/gonglve.html",
	}
	require.NoError(t, svc.PutCity(ctx, city))

	got, found, err := svc.GetCity(ctx, "10065")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, city, got)

	_, found, err = svc.GetCity(ctx, "99999")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAllCities(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.PutCity(ctx, model.City{CityID: "10099", Name: "上海"}))
	require.NoError(t, svc.PutCity(ctx, model.City{CityID: "10065", Name: "北京"}))

	cities, err := svc.AllCities(ctx)
	require.NoError(t, err)
	require.Len(t, cities, 2)
	assert.Equal(t, "10065", cities[0].CityID, "sorted by city id")
	assert.Equal(t, "上海", cities[1].Name)

	count, err := svc.CityCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestPOIIndexSets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pois := []model.POI{
		{POIID: "10045", Name: "故宫", Link: "https://www.mafengwo.cn/poi/10045.html", City: "北京", CityID: "10065"},
		{POIID: "10046", Name: "颐和园", Link: "https://www.mafengwo.cn/poi/10046.html", City: "北京", CityID: "10065"},
		{POIID: "20001", Name: "外滩", Link: "https://www.mafengwo.cn/poi/20001.html", City: "上海", CityID: "10099"},
	}
	for _, p := range pois {
		require.NoError(t, svc.PutPOI(ctx, p))
	}

	all, err := svc.AllPOIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	beijing, err := svc.CityPOIKeys(ctx, "10065")
	require.NoError(t, err)
	assert.Len(t, beijing, 2)

	count, err := svc.POICount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	got, found, err := svc.GetPOI(ctx, "10045")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "故宫", got.Name)

	// Re-storing the same POI must not duplicate index entries.
	require.NoError(t, svc.PutPOI(ctx, pois[0]))
	all, err = svc.AllPOIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCheckpointMirror(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cp := model.Checkpoint{
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		NodeID:    "node-1",
		TaskType:  "details",
		Processed: 47,
		LastID:    "P47",
		DataStatus: model.DataStatus{
			Cities:      2,
			Attractions: 47,
		},
	}
	require.NoError(t, svc.PutCheckpoint(ctx, cp.NodeID, cp))

	got, found, err := svc.GetCheckpoint(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cp, got)

	require.NoError(t, svc.PutCheckpoint(ctx, "node-2", model.Checkpoint{NodeID: "node-2", TaskType: "listings"}))
	all, err := svc.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(47), all["node-1"].Processed)
}

func TestPurge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Push(ctx, model.StageCities, "https://www.mafengwo.cn/mdd/"))
	require.NoError(t, svc.Mark(ctx, model.StageCities, "https://www.mafengwo.cn/mdd/"))
	require.NoError(t, svc.PutPOI(ctx, model.POI{POIID: "10045", Name: "故宫", CityID: "10065"}))
	require.NoError(t, svc.PutCheckpoint(ctx, "node-1", model.Checkpoint{NodeID: "node-1"}))

	require.NoError(t, svc.PurgeQueues(ctx))
	depths, err := svc.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depths[model.StageCities])
	seen, err := svc.SeenCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, seen[model.StageCities])

	// Queue purge keeps harvested data.
	count, err := svc.POICount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, svc.PurgeAll(ctx))
	count, err = svc.POICount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
	_, found, err := svc.GetCheckpoint(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, found)
}
