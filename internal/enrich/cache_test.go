package enrich

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourlytics/poipipe/internal/model"
)

func strp(s string) *string { return &s }

func validAttrs() model.EnrichmentAttributes {
	return model.EnrichmentAttributes{
		ScenicLevel:  strp("5A"),
		Coordinates:  strp("116.397,39.917"),
		TicketPrice:  strp("60"),
		OpeningHours: strp("08:30-17:00"),
		MuseumLevel:  strp("一级"),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(t.TempDir())
	require.NoError(t, cache.Put("北京", "故宫", validAttrs()))

	got, hit, err := cache.Get("北京", "故宫")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, validAttrs(), got)

	// A second read returns the identical payload.
	again, hit, err := cache.Get("北京", "故宫")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, got, again)
}

func TestCacheMiss(t *testing.T) {
	cache := NewCache(t.TempDir())
	_, hit, err := cache.Get("北京", "不存在")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheFileIsCacheKeyNamed(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir)
	require.NoError(t, cache.Put("北京", "故宫", validAttrs()))

	_, err := os.Stat(filepath.Join(dir, model.CacheKey("北京", "故宫")+".json"))
	assert.NoError(t, err)
}

func TestCacheSubMinimumEntryIsMiss(t *testing.T) {
	cache := NewCache(t.TempDir())
	require.NoError(t, cache.Put("北京", "故宫", model.EnrichmentAttributes{
		ScenicLevel: strp("4A"),
	}))

	_, hit, err := cache.Get("北京", "故宫")
	require.NoError(t, err)
	assert.False(t, hit, "entries below the minimum-fields gate re-run the LLM")
}

func TestCacheCorruptEntrySurfacesError(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir)
	path := filepath.Join(dir, model.CacheKey("北京", "故宫")+".json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, hit, err := cache.Get("北京", "故宫")
	assert.False(t, hit)
	assert.Error(t, err, "corrupt entries are reported but non-fatal to the caller")
}
