// Package queue implements the shared coordination service on Redis: stage
// queues, dedup sets, partial-record storage, index sets and checkpoint
// mirrors. It is the only mutable state shared between crawler nodes; all
// operations are single Redis commands and therefore atomic against
// concurrent callers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tourlytics/poipipe/internal/model"
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// connectionTimeout bounds the startup reachability check.
const connectionTimeout = 5 * time.Second

// Config holds Redis connection settings plus the key namespace.
type Config struct {
	Address  string
	Password string
	DB       int
	// Spider prefixes every key; one spider name equals one queue
	// generation namespace.
	Spider string
}

// Service wraps a Redis client with the pipeline's key discipline.
type Service struct {
	rdb    *redis.Client
	spider string
}

// New connects to Redis and verifies reachability. Permanent
// unavailability at startup is fatal for every component, so New fails
// rather than deferring the first error.
func New(cfg Config) (*Service, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Service{rdb: rdb, spider: cfg.Spider}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, spider string) *Service {
	return &Service{rdb: rdb, spider: spider}
}

// Close releases the underlying client.
func (s *Service) Close() error { return s.rdb.Close() }

func (s *Service) queueKey(stage model.Stage) string {
	switch stage {
	case model.StageCities:
		return s.spider + ":cities_urls"
	case model.StageListings:
		return s.spider + ":list_urls"
	default:
		return s.spider + ":detail_urls"
	}
}

func (s *Service) dupeKey(stage model.Stage) string {
	switch stage {
	case model.StageCities:
		return s.spider + ":cities:dupefilter"
	case model.StageListings:
		return s.spider + ":list:dupefilter"
	default:
		return s.spider + ":detail:dupefilter"
	}
}

func (s *Service) cityInfoKey(cityID string) string {
	return fmt.Sprintf("%s:city:info:%s", s.spider, cityID)
}

func (s *Service) poiInfoKey(poiID string) string {
	return fmt.Sprintf("%s:attraction:info:%s", s.spider, poiID)
}

func (s *Service) allPOIsKey() string {
	return s.spider + ":attractions:all"
}

func (s *Service) cityPOIsKey(cityID string) string {
	return fmt.Sprintf("%s:city:%s:attractions", s.spider, cityID)
}

func (s *Service) checkpointKey(nodeID string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.spider, nodeID)
}

// Push appends a URL task to a stage queue (left push, FIFO with Pop).
func (s *Service) Push(ctx context.Context, stage model.Stage, task string) error {
	if err := s.rdb.LPush(ctx, s.queueKey(stage), task).Err(); err != nil {
		return fmt.Errorf("push %s task: %w", stage, err)
	}
	return nil
}

// Pop blocks up to wait for the next URL task of a stage. The second return
// is false when the queue stayed empty, which callers treat as
// stage-complete once the drain window elapses.
func (s *Service) Pop(ctx context.Context, stage model.Stage, wait time.Duration) (string, bool, error) {
	res, err := s.rdb.BRPop(ctx, wait, s.queueKey(stage)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop %s task: %w", stage, err)
	}
	// BRPOP returns [key, value].
	return res[1], true, nil
}

// Seen reports whether a URL was already dispatched for a stage.
func (s *Service) Seen(ctx context.Context, stage model.Stage, url string) (bool, error) {
	seen, err := s.rdb.SIsMember(ctx, s.dupeKey(stage), url).Result()
	if err != nil {
		return false, fmt.Errorf("seen check: %w", err)
	}
	return seen, nil
}

// Mark records a URL in the stage dedup set.
func (s *Service) Mark(ctx context.Context, stage model.Stage, url string) error {
	if err := s.rdb.SAdd(ctx, s.dupeKey(stage), url).Err(); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// PutCity stores a city-info record.
func (s *Service) PutCity(ctx context.Context, city model.City) error {
	blob, err := json.Marshal(city)
	if err != nil {
		return fmt.Errorf("marshal city %s: %w", city.CityID, err)
	}
	if err := s.rdb.Set(ctx, s.cityInfoKey(city.CityID), blob, 0).Err(); err != nil {
		return fmt.Errorf("store city %s: %w", city.CityID, err)
	}
	return nil
}

// GetCity loads a city-info record; found is false when absent.
func (s *Service) GetCity(ctx context.Context, cityID string) (model.City, bool, error) {
	blob, err := s.rdb.Get(ctx, s.cityInfoKey(cityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.City{}, false, nil
	}
	if err != nil {
		return model.City{}, false, fmt.Errorf("load city %s: %w", cityID, err)
	}
	var city model.City
	if err := json.Unmarshal(blob, &city); err != nil {
		return model.City{}, false, fmt.Errorf("decode city %s: %w", cityID, err)
	}
	return city, true, nil
}

// PutPOI stores (or overwrites) the partial POI record and registers the
// POI in the global and per-city index sets.
func (s *Service) PutPOI(ctx context.Context, poi model.POI) error {
	blob, err := json.Marshal(poi)
	if err != nil {
		return fmt.Errorf("marshal poi %s: %w", poi.POIID, err)
	}
	key := s.poiInfoKey(poi.POIID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, blob, 0)
	pipe.SAdd(ctx, s.allPOIsKey(), key)
	if poi.CityID != "" {
		pipe.SAdd(ctx, s.cityPOIsKey(poi.CityID), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store poi %s: %w", poi.POIID, err)
	}
	return nil
}

// GetPOI loads the partial POI record; found is false when absent.
func (s *Service) GetPOI(ctx context.Context, poiID string) (model.POI, bool, error) {
	blob, err := s.rdb.Get(ctx, s.poiInfoKey(poiID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.POI{}, false, nil
	}
	if err != nil {
		return model.POI{}, false, fmt.Errorf("load poi %s: %w", poiID, err)
	}
	var poi model.POI
	if err := json.Unmarshal(blob, &poi); err != nil {
		return model.POI{}, false, fmt.Errorf("decode poi %s: %w", poiID, err)
	}
	return poi, true, nil
}

// AllPOIKeys returns the members of the global POI index set.
func (s *Service) AllPOIKeys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, s.allPOIsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list poi keys: %w", err)
	}
	return keys, nil
}

// CityPOIKeys returns the POI index set of one city.
func (s *Service) CityPOIKeys(ctx context.Context, cityID string) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, s.cityPOIsKey(cityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list city %s poi keys: %w", cityID, err)
	}
	return keys, nil
}

// AllCities returns every stored city-info record, sorted by city id.
func (s *Service) AllCities(ctx context.Context) ([]model.City, error) {
	var cities []model.City
	iter := s.rdb.Scan(ctx, 0, s.cityInfoKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		blob, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load city %s: %w", iter.Val(), err)
		}
		var city model.City
		if err := json.Unmarshal(blob, &city); err != nil {
			return nil, fmt.Errorf("decode city %s: %w", iter.Val(), err)
		}
		cities = append(cities, city)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cities: %w", err)
	}
	sort.Slice(cities, func(i, j int) bool { return cities[i].CityID < cities[j].CityID })
	return cities, nil
}

// PutCheckpoint mirrors a checkpoint blob into Redis.
func (s *Service) PutCheckpoint(ctx context.Context, nodeID string, cp model.Checkpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", nodeID, err)
	}
	if err := s.rdb.Set(ctx, s.checkpointKey(nodeID), blob, 0).Err(); err != nil {
		return fmt.Errorf("store checkpoint %s: %w", nodeID, err)
	}
	return nil
}

// GetCheckpoint loads the latest checkpoint mirror for a node.
func (s *Service) GetCheckpoint(ctx context.Context, nodeID string) (model.Checkpoint, bool, error) {
	blob, err := s.rdb.Get(ctx, s.checkpointKey(nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", nodeID, err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", nodeID, err)
	}
	return cp, true, nil
}

// ListCheckpoints scans for every checkpoint mirror under the spider
// namespace, keyed by node id.
func (s *Service) ListCheckpoints(ctx context.Context) (map[string]model.Checkpoint, error) {
	pattern := s.checkpointKey("*")
	out := make(map[string]model.Checkpoint)
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		blob, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
		}
		var cp model.Checkpoint
		if err := json.Unmarshal(blob, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		out[cp.NodeID] = cp
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	return out, nil
}

// Depths reports the current length of every stage queue.
func (s *Service) Depths(ctx context.Context) (map[model.Stage]int64, error) {
	out := make(map[model.Stage]int64, 3)
	for _, stage := range model.Stages() {
		n, err := s.rdb.LLen(ctx, s.queueKey(stage)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue depth %s: %w", stage, err)
		}
		out[stage] = n
	}
	return out, nil
}

// SeenCounts reports the cardinality of every stage dedup set.
func (s *Service) SeenCounts(ctx context.Context) (map[model.Stage]int64, error) {
	out := make(map[model.Stage]int64, 3)
	for _, stage := range model.Stages() {
		n, err := s.rdb.SCard(ctx, s.dupeKey(stage)).Result()
		if err != nil {
			return nil, fmt.Errorf("dupefilter size %s: %w", stage, err)
		}
		out[stage] = n
	}
	return out, nil
}

// POICount returns the size of the global POI index set.
func (s *Service) POICount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.allPOIsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("poi count: %w", err)
	}
	return n, nil
}

// CityCount returns the number of stored city-info records.
func (s *Service) CityCount(ctx context.Context) (int64, error) {
	var count int64
	iter := s.rdb.Scan(ctx, 0, s.cityInfoKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count cities: %w", err)
	}
	return count, nil
}

// PurgeQueues deletes the stage queues and dedup sets, starting a fresh
// queue generation while keeping harvested data.
func (s *Service) PurgeQueues(ctx context.Context) error {
	keys := make([]string, 0, 6)
	for _, stage := range model.Stages() {
		keys = append(keys, s.queueKey(stage), s.dupeKey(stage))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("purge queues: %w", err)
	}
	return nil
}

// PurgeAll deletes queues, dedup sets, partial records, index sets and
// checkpoint mirrors for this spider namespace.
func (s *Service) PurgeAll(ctx context.Context) error {
	if err := s.PurgeQueues(ctx); err != nil {
		return err
	}
	patterns := []string{
		s.spider + ":city:*",
		s.spider + ":attraction:info:*",
		s.allPOIsKey(),
		s.checkpointKey("*"),
	}
	for _, pattern := range patterns {
		iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 500 {
				if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("purge data: %w", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(batch) > 0 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("purge data: %w", err)
			}
		}
	}
	return nil
}
