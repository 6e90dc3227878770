package enrich

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tourlytics/poipipe/internal/atomicfile"
	"github.com/tourlytics/poipipe/internal/model"
)

// Cache is the content-addressed on-disk store of LLM replies. Files are
// named hex(md5(city + "_" + name)).json and written atomically, so
// concurrent workers may share one directory.
type Cache struct {
	dir string
}

// NewCache roots a cache at dir; the directory is created on first write.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(city, name string) string {
	return filepath.Join(c.dir, model.CacheKey(city, name)+".json")
}

// Get returns the cached attributes for a POI. A hit requires the payload
// to parse and pass the minimum-fields gate; entries below the gate are
// treated as misses so the LLM call re-runs. Read errors are returned for
// logging but the caller falls through to the LLM regardless.
func (c *Cache) Get(city, name string) (model.EnrichmentAttributes, bool, error) {
	var attrs model.EnrichmentAttributes
	blob, err := os.ReadFile(c.path(city, name))
	if os.IsNotExist(err) {
		return attrs, false, nil
	}
	if err != nil {
		return attrs, false, fmt.Errorf("read cache entry: %w", err)
	}
	if err := json.Unmarshal(blob, &attrs); err != nil {
		return attrs, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if attrs.Validate() != nil {
		return model.EnrichmentAttributes{}, false, nil
	}
	return attrs, true, nil
}

// Put persists attributes for a POI.
func (c *Cache) Put(city, name string, attrs model.EnrichmentAttributes) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	blob, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := atomicfile.WriteFile(c.path(city, name), blob); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}
