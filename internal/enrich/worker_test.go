package enrich

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/model"
	"github.com/tourlytics/poipipe/internal/store"
)

type fakeEnrichStore struct {
	mu    sync.Mutex
	pois  []model.POI
	bulks [][]store.EnrichmentUpdate
}

func newFakeEnrichStore(n int) *fakeEnrichStore {
	s := &fakeEnrichStore{}
	for i := 1; i <= n; i++ {
		s.pois = append(s.pois, model.POI{
			ID:    hexID(i),
			POIID: hexID(i)[18:],
			Name:  "poi-" + hexID(i)[18:],
			City:  "北京",
		})
	}
	return s
}

func (s *fakeEnrichStore) FetchRange(_ context.Context, after, until string, limit int) ([]model.POI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.POI
	for _, p := range s.pois {
		if after != "" && p.ID <= after {
			continue
		}
		if until != "" && p.ID > until {
			break
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeEnrichStore) BulkEnrich(_ context.Context, updates []store.EnrichmentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]store.EnrichmentUpdate, len(updates))
	copy(batch, updates)
	s.bulks = append(s.bulks, batch)
	return nil
}

func (s *fakeEnrichStore) POIIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.pois))
	for i, p := range s.pois {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *fakeEnrichStore) updatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, batch := range s.bulks {
		for _, u := range batch {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (f *fakeLLM) Complete(context.Context, string, string, string, bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	byNode map[string]model.Checkpoint
	writes int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byNode: make(map[string]model.Checkpoint)}
}

func (f *fakeCheckpoints) PutCheckpoint(_ context.Context, nodeID string, cp model.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byNode[nodeID] = cp
	f.writes++
	return nil
}

func (f *fakeCheckpoints) GetCheckpoint(_ context.Context, nodeID string) (model.Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.byNode[nodeID]
	return cp, ok, nil
}

func testWorker(t *testing.T, st WorkerStore, llm LLMClient, sizes []int) (*Worker, *ProgressTable) {
	t.Helper()
	table := NewProgressTable(sizes)
	resume, err := LoadResume(t.TempDir() + "/resume.json")
	require.NoError(t, err)
	w := NewWorker(WorkerConfig{
		ID:              0,
		Credential:      "sk-test",
		CredentialIndex: 0,
		BatchSize:       50,
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
	}, st, NewCache(t.TempDir()), llm, NewCredentialPool([]string{"sk-test"}), table, resume, nil, zap.NewNop())
	return w, table
}

func TestWorkerCacheHitSkipsLLM(t *testing.T) {
	st := newFakeEnrichStore(1)
	llm := &fakeLLM{reply: goodReply}
	w, table := testWorker(t, st, llm, []int{1})
	require.NoError(t, w.cache.Put("北京", st.pois[0].Name, validAttrs()))

	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(1), Size: 1}))

	assert.Zero(t, llm.callCount(), "valid cache entry must not trigger an LLM call")
	require.Len(t, st.bulks, 1)
	require.Len(t, st.bulks[0], 1)
	assert.Equal(t, hexID(1), st.bulks[0][0].ID)
	assert.Equal(t, "5A", st.bulks[0][0].Fields["deep_scenic_level"])
	processed, _, errs := table.Totals()
	assert.EqualValues(t, 1, processed)
	assert.Zero(t, errs)
}

func TestWorkerEnrichesAndCaches(t *testing.T) {
	st := newFakeEnrichStore(3)
	llm := &fakeLLM{reply: goodReply}
	w, _ := testWorker(t, st, llm, []int{3})

	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(3), Size: 3}))
	assert.Equal(t, 3, llm.callCount())
	assert.Equal(t, []string{hexID(1), hexID(2), hexID(3)}, st.updatedIDs())

	// Idempotence: the second pass over a fully cached range is LLM-free.
	st2 := newFakeEnrichStore(3)
	w2 := NewWorker(w.cfg, st2, w.cache, llm, w.pool, NewProgressTable([]int{3}), w.resume, nil, zap.NewNop())
	w2.resume.LastIDs = map[int]string{}
	require.NoError(t, w2.Run(context.Background(), Range{Until: hexID(3), Size: 3}))
	assert.Equal(t, 3, llm.callCount(), "no additional calls on re-run")
	assert.Len(t, st2.updatedIDs(), 3, "documents are still rewritten from cache")
}

func TestWorkerBelowGateReplySkipsPOI(t *testing.T) {
	st := newFakeEnrichStore(1)
	llm := &fakeLLM{reply: `{"scenic_level": "5A"}`}
	w, table := testWorker(t, st, llm, []int{1})

	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(1), Size: 1}))

	assert.Equal(t, 3, llm.callCount(), "below-gate replies burn the full retry budget")
	assert.Empty(t, st.updatedIDs(), "nothing below the gate reaches the store")
	processed, _, errs := table.Totals()
	assert.EqualValues(t, 1, processed)
	assert.EqualValues(t, 1, errs)
}

func TestWorkerFlushThreshold(t *testing.T) {
	st := newFakeEnrichStore(45)
	llm := &fakeLLM{reply: goodReply}
	w, _ := testWorker(t, st, llm, []int{45})

	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(45), Size: 45}))

	var sizes []int
	for _, b := range st.bulks {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{20, 20, 5}, sizes, "flush at the high-water mark and at batch end")
}

func TestWorkerResumeSkipsCompleted(t *testing.T) {
	st := newFakeEnrichStore(4)
	llm := &fakeLLM{reply: goodReply}
	w, table := testWorker(t, st, llm, []int{4})
	w.resume.Set(0, hexID(2))

	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(4), Size: 4}))

	assert.Equal(t, []string{hexID(3), hexID(4)}, st.updatedIDs())
	processed, _, _ := table.Totals()
	assert.EqualValues(t, 2, processed)
}

func TestWorkerMirrorsCheckpointPerBatch(t *testing.T) {
	st := newFakeEnrichStore(5)
	llm := &fakeLLM{reply: goodReply}
	w, _ := testWorker(t, st, llm, []int{5})
	w.cfg.BatchSize = 2
	mirror := newFakeCheckpoints()
	w.ckpt = mirror

	start := time.Now().UTC()
	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(5), Size: 5}))

	cp, found, err := mirror.GetCheckpoint(context.Background(), "enrich-0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "enrich-0", cp.NodeID)
	assert.Equal(t, "enrich", cp.TaskType)
	assert.EqualValues(t, 5, cp.Processed, "processed count is cumulative")
	assert.Equal(t, hexID(5), cp.LastID)
	assert.False(t, cp.Timestamp.Before(start))
	assert.GreaterOrEqual(t, mirror.writes, 3, "one mirror write per batch")
}

func TestWorkerResumesFromMirroredCheckpoint(t *testing.T) {
	st := newFakeEnrichStore(4)
	llm := &fakeLLM{reply: goodReply}
	w, table := testWorker(t, st, llm, []int{4})
	mirror := newFakeCheckpoints()
	require.NoError(t, mirror.PutCheckpoint(context.Background(), "enrich-0", model.Checkpoint{
		NodeID:    "enrich-0",
		TaskType:  "enrich",
		Processed: 2,
		LastID:    hexID(2),
	}))
	w.ckpt = mirror

	// The resume file is empty; the queue mirror alone must carry the
	// worker past the completed prefix.
	require.NoError(t, w.Run(context.Background(), Range{Until: hexID(4), Size: 4}))

	assert.Equal(t, []string{hexID(3), hexID(4)}, st.updatedIDs())
	processed, _, _ := table.Totals()
	assert.EqualValues(t, 2, processed)
	cp, _, err := mirror.GetCheckpoint(context.Background(), "enrich-0")
	require.NoError(t, err)
	assert.EqualValues(t, 4, cp.Processed, "cumulative count continues from the mirror")
}

func TestCoordinatorRunEndToEnd(t *testing.T) {
	st := newFakeEnrichStore(10)
	llm := &fakeLLM{reply: goodReply}
	resumePath := t.TempDir() + "/resume.json"
	coord := NewCoordinator(Options{
		Keys:          []string{"sk-a", "sk-b", "sk-c"},
		BatchSize:     4,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		CacheDir:      t.TempDir(),
		ResumeFile:    resumePath,
	}, st, llm, zap.NewNop())

	require.NoError(t, coord.Run(context.Background()))

	updated := st.updatedIDs()
	assert.Len(t, updated, 10, "disjoint ranges cover every document exactly once")
	seen := make(map[string]bool)
	for _, id := range updated {
		assert.False(t, seen[id], "id %s written twice", id)
		seen[id] = true
	}

	_, err := os.Stat(resumePath)
	assert.True(t, os.IsNotExist(err), "resume file cleared after a completed run")
}
