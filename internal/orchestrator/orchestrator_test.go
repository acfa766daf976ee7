package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/securestore"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/tier"
)

// fakeSecureStore keeps the snapshot in memory and can simulate an outage.
type fakeSecureStore struct {
	mu        sync.Mutex
	key       []byte
	data      []byte
	fail      bool
	panicSave bool
	saveDelay time.Duration

	saves       atomic.Int64
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	shutdowns   atomic.Int32
	failures    atomic.Int64
}

func newFakeSecureStore() *fakeSecureStore {
	return &fakeSecureStore{key: bytes.Repeat([]byte{9}, cipher.KeySize)}
}

func (f *fakeSecureStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeSecureStore) stored() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

func (f *fakeSecureStore) Key(ctx context.Context) ([]byte, error) {
	return f.key, nil
}

func (f *fakeSecureStore) Save(ctx context.Context, snapshot []byte, autoBackup bool) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.saveDelay > 0 {
		time.Sleep(f.saveDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicSave {
		panic("disk on fire")
	}
	if f.fail {
		f.failures.Add(1)
		return errors.New("secure store unreachable")
	}
	f.data = append([]byte(nil), snapshot...)
	f.saves.Add(1)
	return nil
}

func (f *fakeSecureStore) Load(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("secure store unreachable")
	}
	if f.data == nil {
		return nil, securestore.ErrNoSnapshot
	}
	return f.data, nil
}

func (f *fakeSecureStore) Health(ctx context.Context) securestore.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := securestore.Health{Backend: "fake", Healthy: !f.fail}
	if f.fail {
		h.LastError = "secure store unreachable"
		h.ConsecutiveFailures = int(f.failures.Load())
	}
	return h
}

func (f *fakeSecureStore) Metrics() securestore.Metrics {
	return securestore.Metrics{Saves: f.saves.Load(), SaveFailures: f.failures.Load()}
}

func (f *fakeSecureStore) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	o     *Orchestrator
	ss    *fakeSecureStore
	clock *testClock
	path  string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		ss:    newFakeSecureStore(),
		clock: &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
		path:  filepath.Join(t.TempDir(), "long_term.db"),
	}
	h.o = h.open(t, mutate)
	return h
}

func (h *harness) open(t *testing.T, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		SecureStore:  h.ss,
		LongTermPath: h.path,
		SaveDebounce: -1,
		Metrics:      metrics.NewMetrics(),
		Logger:       zerolog.Nop(),
		Now:          h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func contents(items []model.MemoryItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Content)
	}
	return out
}

func TestAddMemory_RoutesByPriority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })

	for i, p := range []float64{0, 0.3, 0.8, 0.8000001, 0.95, 1} {
		require.NoError(t, h.o.AddMemory(ctx, fmt.Sprintf("item %d", i), p, nil))
	}

	short, err := h.o.short.Items()
	require.NoError(t, err)
	for _, it := range short {
		assert.LessOrEqual(t, it.Priority, 0.8)
	}
	assert.Equal(t, []string{"item 0", "item 1", "item 2"}, contents(short))

	long, err := h.o.long.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, long, 3)
	for _, it := range long {
		assert.Greater(t, it.Priority, 0.8)
	}
}

func TestAddMemory_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.o.AddMemory(ctx, "   ", 0.5, nil), model.ErrEmptyContent)
	assert.ErrorIs(t, h.o.AddMemory(ctx, "x", 1.2, nil), model.ErrInvalidPriority)
	assert.ErrorIs(t, h.o.AddMemory(ctx, "x", -0.1, nil), model.ErrInvalidPriority)
	assert.Equal(t, 0, h.o.short.Len())
}

func TestScenarioA_ShortTermRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.o.AddMemory(ctx, "User prefers dark coffee", 0.6, map[string]string{"source": "chat"}))

	res := h.o.Search(ctx, "coffee", nil)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "User prefers dark coffee", res.Items[0].Content)
	assert.Equal(t, model.TierShort, res.Items[0].Tier)
	assert.Equal(t, "chat", res.Items[0].Metadata["source"])
}

func TestScenarioB_HighPriorityGoesToLongTerm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.o.AddMemory(ctx, "Critical security incident", 0.95, nil))

	direct, err := h.o.long.Search(ctx, "security")
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "Critical security incident", direct[0].Content)

	short, err := h.o.short.Items()
	require.NoError(t, err)
	assert.NotContains(t, contents(short), "Critical security incident")

	res := h.o.Search(ctx, "Critical security incident", nil)
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.TierLong, res.Items[0].Tier)
}

func TestScenarioC_ShortTermCapacityHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.ShortTerm = tier.ShortTermOptions{Capacity: 1000}
		o.DisableAutoSave = true
	})

	for i := 0; i < 1001; i++ {
		require.NoError(t, h.o.AddMemory(ctx, fmt.Sprintf("low %d", i), 0.1, nil))
		require.LessOrEqual(t, h.o.short.Len(), 1000)
	}
	assert.Equal(t, 1000, h.o.short.Len())
	assert.Equal(t, 0, h.o.mid.Len())

	res := h.o.Search(ctx, "low 0", nil)
	for _, it := range res.Items {
		assert.NotEqual(t, "low 0", it.Content)
	}
}

func TestScenarioD_NoMatchIsEmptyNotError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.o.AddMemory(ctx, "something else", 0.4, nil))

	res := h.o.Search(ctx, "nothing matches this", nil)
	assert.Equal(t, StatusOK, res.Status)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.TierErrors)

	blank := h.o.Search(ctx, "  ", nil)
	assert.Equal(t, StatusOK, blank.Status)
	assert.Empty(t, blank.Items)
}

func TestScenarioE_SecureStoreOutage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DisableAutoSave = true })

	require.NoError(t, h.o.AddMemory(ctx, "before outage", 0.5, nil))
	h.ss.setFail(true)

	assert.False(t, h.o.ForceSave(ctx))

	st := h.o.StorageStatus(ctx)
	assert.True(t, st.Degraded)
	assert.False(t, st.SecureStore.Healthy)
	assert.Equal(t, int64(1), st.Persistence.SaveFailures)
	assert.Equal(t, 1, st.Persistence.ConsecutiveFailures)
	assert.NotEmpty(t, st.Persistence.LastError)

	require.NoError(t, h.o.AddMemory(ctx, "during outage", 0.5, nil))
	res := h.o.Search(ctx, "outage", nil)
	assert.Equal(t, StatusOK, res.Status)
	assert.ElementsMatch(t, []string{"before outage", "during outage"}, contents(res.Items))

	h.ss.setFail(false)
	assert.True(t, h.o.ForceSave(ctx))
	st = h.o.StorageStatus(ctx)
	assert.False(t, st.Degraded)
	assert.Equal(t, 0, st.Persistence.ConsecutiveFailures)
}

func TestAutoCompress_ForceClearsShortTermAboveThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })

	for _, p := range []float64{0.75, 0.7, 0.5, 0.79, 0.1} {
		require.NoError(t, h.o.AddMemory(ctx, fmt.Sprintf("p%.2f", p), p, nil))
	}

	report, err := h.o.AutoCompress(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ShortToMid)
	assert.Equal(t, 0, report.MidToLong)

	short, err := h.o.short.Items()
	require.NoError(t, err)
	for _, it := range short {
		assert.Less(t, it.Priority, 0.7)
	}
	mid, err := h.o.mid.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"p0.75", "p0.70", "p0.79"}, contents(mid))
}

func TestAutoCompress_PromotesThroughTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.ShortTerm = tier.ShortTermOptions{Capacity: 2}
		o.MidTerm = tier.MidTermOptions{Capacity: 2}
		o.CompressionThreshold = 0.4
		o.LongTermThreshold = 0.9
	})

	require.NoError(t, h.o.AddMemory(ctx, "a", 0.85, nil))
	require.NoError(t, h.o.AddMemory(ctx, "b", 0.75, nil))

	long, err := h.o.long.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, contents(long))

	require.NoError(t, h.o.AddMemory(ctx, "c", 0.72, nil))
	require.NoError(t, h.o.AddMemory(ctx, "d", 0.71, nil))

	mid, err := h.o.mid.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, contents(mid))
	assert.Equal(t, 0, h.o.short.Len())

	res := h.o.Search(ctx, "a", nil)
	require.NotEmpty(t, res.Items)
}

func TestAutoCompress_ForceMakesRoomBeforeFillingMid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.DisableAutoCompress = true
		o.MidTerm = tier.MidTermOptions{Capacity: 3}
	})
	_, err := h.o.mid.Add([]model.MemoryItem{
		mustItem(t, "mid high", 0.8),
		mustItem(t, "mid keep", 0.75),
	})
	require.NoError(t, err)
	require.NoError(t, h.o.AddMemory(ctx, "short a", 0.7, nil))
	require.NoError(t, h.o.AddMemory(ctx, "short b", 0.7, nil))

	report, err := h.o.AutoCompress(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ShortToMid)
	assert.Equal(t, 1, report.MidToLong)
	assert.Zero(t, report.MidEvicted)

	mid, err := h.o.mid.Items()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mid keep", "short a", "short b"}, contents(mid))

	long, err := h.o.long.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid high"}, contents(long))

	res := h.o.Search(ctx, "short a", nil)
	assert.Equal(t, []string{"short a"}, contents(res.Items))
}

func TestAutoCompress_LongTermFailureKeepsItemsInMid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.DisableAutoCompress = true
		o.OpenLongTerm = func(c *cipher.Cipher) (store.Store, error) {
			lt, err := store.NewLongTerm(filepath.Join(t.TempDir(), "lt.db"), c, store.Options{}, zerolog.Nop())
			return &failingStore{Store: lt, addErr: model.ErrStorageUnavailable}, err
		}
	})
	_, err := h.o.mid.Add([]model.MemoryItem{mustItem(t, "keep me", 0.85)})
	require.NoError(t, err)

	_, err = h.o.AutoCompress(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)

	mid, err := h.o.mid.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep me"}, contents(mid))
}

func TestSearch_MergesAcrossTiersInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })

	require.NoError(t, h.o.AddMemory(ctx, "note short low", 0.5, nil))
	require.NoError(t, h.o.AddMemory(ctx, "note long", 0.9, nil))
	require.NoError(t, h.o.AddMemory(ctx, "note short high", 0.6, nil))
	_, err := h.o.mid.Add([]model.MemoryItem{mustItem(t, "note mid", 0.75)})
	require.NoError(t, err)

	res := h.o.Search(ctx, "NOTE", nil)
	assert.Equal(t, []string{"note long", "note mid", "note short high", "note short low"}, contents(res.Items))
}

func TestSearch_TimeRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.o.AddMemory(ctx, "meeting monday", 0.5, nil))
	h.clock.Advance(2 * time.Hour)
	later := h.clock.Now()
	require.NoError(t, h.o.AddMemory(ctx, "meeting later", 0.9, nil))
	h.clock.Advance(time.Hour)

	res := h.o.Search(ctx, "meeting", &model.TimeRange{Start: later})
	assert.Equal(t, []string{"meeting later"}, contents(res.Items))

	res = h.o.Search(ctx, "meeting", &model.TimeRange{End: later.Add(-time.Second)})
	assert.Equal(t, []string{"meeting monday"}, contents(res.Items))

	res = h.o.Search(ctx, "meeting", nil)
	assert.Equal(t, []string{"meeting later", "meeting monday"}, contents(res.Items))
}

func TestSearch_TierFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.OpenLongTerm = func(c *cipher.Cipher) (store.Store, error) {
			lt, err := store.NewLongTerm(filepath.Join(t.TempDir(), "lt.db"), c, store.Options{}, zerolog.Nop())
			return &failingStore{Store: lt, searchErr: model.ErrStorageUnavailable}, err
		}
	})
	require.NoError(t, h.o.AddMemory(ctx, "still searchable", 0.4, nil))

	res := h.o.Search(ctx, "searchable", nil)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.TierErrors, model.TierLong)
	assert.Equal(t, []string{"still searchable"}, contents(res.Items))
}

func TestPersistence_CoalescesBursts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.SaveDebounce = 20 * time.Millisecond
		o.DisableAutoCompress = true
	})
	h.ss.saveDelay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = h.o.AddMemory(ctx, fmt.Sprintf("burst %d-%d", g, i), 0.3, nil)
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.ss.saves.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Less(t, h.ss.saves.Load(), int64(20))
	assert.Equal(t, int32(1), h.ss.maxInFlight.Load())

	snap, err := securestore.DecodeSnapshot(h.ss.stored())
	require.NoError(t, err)
	assert.Equal(t, 100, snap.TotalCount)
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })

	require.NoError(t, h.o.AddMemory(ctx, "short lived fact", 0.4, nil))
	require.NoError(t, h.o.AddMemory(ctx, "durable fact", 0.9, nil))
	_, err := h.o.mid.Add([]model.MemoryItem{mustItem(t, "mid fact", 0.75)})
	require.NoError(t, err)
	require.NoError(t, h.o.Shutdown(ctx))
	assert.Equal(t, int32(1), h.ss.shutdowns.Load())

	again := h.open(t, nil)
	res := again.Search(ctx, "fact", nil)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{"durable fact", "mid fact", "short lived fact"}, contents(res.Items))
	assert.Equal(t, 1, again.mid.Len())
}

func TestShutdown_AlwaysShutsDownSecureStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.o.AddMemory(ctx, "unsaved", 0.3, nil))

	h.ss.mu.Lock()
	h.ss.panicSave = true
	h.ss.mu.Unlock()

	err := h.o.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final save")
	assert.Equal(t, int32(1), h.ss.shutdowns.Load())

	assert.Equal(t, err, h.o.Shutdown(ctx))
	assert.Equal(t, int32(1), h.ss.shutdowns.Load())
	assert.ErrorIs(t, h.o.AddMemory(ctx, "late", 0.3, nil), ErrClosed)
}

func TestForceLoad_NoSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.o.ForceLoad(context.Background()))
	assert.Equal(t, int64(0), h.o.StorageStatus(context.Background()).Persistence.LoadFailures)
}

func TestClearAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.o.AddMemory(ctx, "long one", 0.9, nil))
	require.NoError(t, h.o.AddMemory(ctx, "long two", 0.9, nil))
	require.NoError(t, h.o.AddMemory(ctx, "short one", 0.2, nil))

	c, err := h.o.Contents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, c.LongTerm, 2)

	require.NoError(t, h.o.Delete(ctx, c.LongTerm[0].ID))
	assert.ErrorIs(t, h.o.Delete(ctx, c.LongTerm[0].ID), model.ErrNotFound)

	n, err := h.o.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st := h.o.StorageStatus(ctx)
	assert.Equal(t, 0, st.ShortTerm.Items)
	assert.Equal(t, 0, st.LongTerm.Items)
}

func mustItem(t *testing.T, content string, priority float64) model.MemoryItem {
	t.Helper()
	item, err := model.NewMemoryItem(content, priority, nil, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return item
}

// failingStore wraps a real long-term store and injects errors.
type failingStore struct {
	store.Store
	addErr    error
	searchErr error
}

func (f *failingStore) Add(ctx context.Context, items []model.MemoryItem) ([]model.MemoryItem, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.Store.Add(ctx, items)
}

func (f *failingStore) Search(ctx context.Context, query string) ([]model.MemoryItem, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.Store.Search(ctx, query)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })

	require.NoError(t, src.o.AddMemory(ctx, "first long", 0.9, map[string]string{"k": "v"}))
	src.clock.Advance(time.Minute)
	require.NoError(t, src.o.AddMemory(ctx, "second long", 0.95, nil))
	require.NoError(t, src.o.AddMemory(ctx, "short note", 0.4, nil))
	_, err := src.o.mid.Add([]model.MemoryItem{mustItem(t, "mid note", 0.75)})
	require.NoError(t, err)

	exported, err := src.o.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first long", "second long"}, contents(exported.LongTerm))

	exported.ShortTerm = append(exported.ShortTerm, model.MemoryItem{Content: " ", Priority: 0.1})

	dst := newHarness(t, func(o *Options) { o.DisableAutoCompress = true })
	n, err := dst.o.Import(ctx, exported)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEmptyContent)
	assert.Equal(t, 4, n)

	got, err := dst.o.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"short note"}, contents(got.ShortTerm))
	assert.Equal(t, []string{"mid note"}, contents(got.MidTerm))
	assert.Equal(t, []string{"first long", "second long"}, contents(got.LongTerm))
	assert.Equal(t, "v", got.LongTerm[0].Metadata["k"])
	assert.True(t, got.LongTerm[0].CreatedAt.Equal(exported.LongTerm[0].CreatedAt))

	st := dst.o.StorageStatus(ctx)
	require.NotNil(t, st.LongTermStats)
	assert.Equal(t, 2, st.LongTermStats.Count)
	assert.Equal(t, dst.path, st.LongTermStats.DBPath)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.o.AddMemory(ctx, "indexed memory", 0.9, nil))

	n, err := h.o.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := h.o.Search(ctx, "indexed", nil)
	assert.Equal(t, []string{"indexed memory"}, contents(res.Items))
}
