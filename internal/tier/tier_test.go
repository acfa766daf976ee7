package tier

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	c, err := cipher.New(bytes.Repeat([]byte{0x42}, cipher.KeySize))
	require.NoError(t, err)
	return c
}

func newItem(t *testing.T, clock *fakeClock, content string, priority float64) model.MemoryItem {
	t.Helper()
	item, err := model.NewMemoryItem(content, priority, map[string]string{"source": "test"}, clock.Now())
	require.NoError(t, err)
	return item
}

func contents(items []model.MemoryItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Content)
	}
	return out
}

func TestShortTerm_SearchOrdersByPriority(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Now: clock.Now}, newTestCipher(t))

	require.NoError(t, st.Add(newItem(t, clock, "coffee first", 0.3)))
	require.NoError(t, st.Add(newItem(t, clock, "Coffee high", 0.6)))
	require.NoError(t, st.Add(newItem(t, clock, "tea", 0.9)))
	require.NoError(t, st.Add(newItem(t, clock, "coffee second", 0.3)))

	clock.Advance(time.Minute)
	results, err := st.Search("COFFEE")
	require.NoError(t, err)
	assert.Equal(t, []string{"Coffee high", "coffee first", "coffee second"}, contents(results))
	for _, r := range results {
		assert.Equal(t, clock.Now(), r.LastAccessed)
		assert.Equal(t, model.TierShort, r.Tier)
	}
}

func TestShortTerm_SearchBumpsResidentLastAccessed(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Now: clock.Now}, newTestCipher(t))
	require.NoError(t, st.Add(newItem(t, clock, "remember me", 0.2)))

	clock.Advance(time.Hour)
	_, err := st.Search("remember")
	require.NoError(t, err)

	items, err := st.Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, clock.Now(), items[0].LastAccessed)
}

func TestShortTerm_NoMatchReturnsEmpty(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Now: clock.Now}, newTestCipher(t))
	require.NoError(t, st.Add(newItem(t, clock, "something", 0.2)))

	results, err := st.Search("absent")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestShortTerm_RingOverwritesOldest(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Capacity: 1000, Now: clock.Now}, newTestCipher(t))

	for i := 0; i < 1001; i++ {
		require.NoError(t, st.Add(newItem(t, clock, fmt.Sprintf("item-%04d", i), 0.1)))
		assert.LessOrEqual(t, st.Len(), st.Capacity())
	}
	assert.Equal(t, 1000, st.Len())

	items, err := st.Items()
	require.NoError(t, err)
	assert.Equal(t, "item-0001", items[0].Content)
	assert.Equal(t, "item-1000", items[len(items)-1].Content)
}

func TestShortTerm_AddPrunesExpired(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{TTL: time.Hour, Now: clock.Now}, newTestCipher(t))

	require.NoError(t, st.Add(newItem(t, clock, "old", 0.2)))
	clock.Advance(2 * time.Hour)
	require.NoError(t, st.Add(newItem(t, clock, "new", 0.2)))

	items, err := st.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, contents(items))
}

func TestShortTerm_CompressPromotesAtThreshold(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Now: clock.Now}, newTestCipher(t))

	for _, p := range []float64{0.1, 0.69, 0.7, 0.75, 0.3} {
		require.NoError(t, st.Add(newItem(t, clock, fmt.Sprintf("p=%.2f", p), p)))
	}

	promoted, err := st.Compress()
	require.NoError(t, err)
	assert.Equal(t, []string{"p=0.70", "p=0.75"}, contents(promoted))

	remaining, err := st.Items()
	require.NoError(t, err)
	for _, it := range remaining {
		assert.Less(t, it.Priority, 0.7)
	}
	assert.Equal(t, 3, st.Len())
}

func TestShortTerm_ReturnedItemsAreCopies(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Now: clock.Now}, newTestCipher(t))
	require.NoError(t, st.Add(newItem(t, clock, "copy me", 0.2)))

	results, err := st.Search("copy")
	require.NoError(t, err)
	results[0].Metadata["source"] = "mutated"

	items, err := st.Items()
	require.NoError(t, err)
	assert.Equal(t, "test", items[0].Metadata["source"])
}

func TestShortTerm_RestoreKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Capacity: 2, Now: clock.Now}, newTestCipher(t))

	items := []model.MemoryItem{
		newItem(t, clock, "a", 0.1),
		newItem(t, clock, "b", 0.1),
		newItem(t, clock, "c", 0.1),
	}
	require.NoError(t, st.Restore(items))

	got, err := st.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, contents(got))
}

func TestShortTerm_ConcurrentAdds(t *testing.T) {
	clock := newFakeClock()
	st := NewShortTerm(ShortTermOptions{Capacity: 50, Now: clock.Now}, newTestCipher(t))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				item, err := model.NewMemoryItem(fmt.Sprintf("g%d-%d", g, i), 0.5, nil, clock.Now())
				if err == nil {
					_ = st.Add(item)
				}
				_, _ = st.Compress()
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, st.Len(), 50)
}

func TestMidTerm_EvictsLowestPriority(t *testing.T) {
	clock := newFakeClock()
	mt := NewMidTerm(MidTermOptions{Capacity: 3, Now: clock.Now}, newTestCipher(t))

	evicted, err := mt.Add([]model.MemoryItem{
		newItem(t, clock, "mid", 0.5),
		newItem(t, clock, "low-a", 0.2),
		newItem(t, clock, "low-b", 0.2),
	})
	require.NoError(t, err)
	assert.Empty(t, evicted)

	evicted, err = mt.Add([]model.MemoryItem{newItem(t, clock, "high", 0.75)})
	require.NoError(t, err)
	assert.Equal(t, []string{"low-a"}, contents(evicted))
	assert.Equal(t, 3, mt.Len())

	items, err := mt.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "low-b", "high"}, contents(items))
}

func TestMidTerm_SearchAndCompress(t *testing.T) {
	clock := newFakeClock()
	mt := NewMidTerm(MidTermOptions{Now: clock.Now}, newTestCipher(t))

	_, err := mt.Add([]model.MemoryItem{
		newItem(t, clock, "project alpha notes", 0.7),
		newItem(t, clock, "Project beta decision", 0.85),
		newItem(t, clock, "project gamma", 0.8),
		newItem(t, clock, "unrelated", 0.95),
	})
	require.NoError(t, err)

	results, err := mt.Search("project")
	require.NoError(t, err)
	assert.Equal(t, []string{"Project beta decision", "project gamma", "project alpha notes"}, contents(results))

	promoted, err := mt.Compress()
	require.NoError(t, err)
	assert.Equal(t, []string{"Project beta decision", "project gamma", "unrelated"}, contents(promoted))
	assert.Equal(t, 1, mt.Len())

	// Heap still evicts correctly after compress rebuilt it.
	small := NewMidTerm(MidTermOptions{Capacity: 1, Now: clock.Now}, newTestCipher(t))
	_, err = small.Add([]model.MemoryItem{newItem(t, clock, "keep", 0.4)})
	require.NoError(t, err)
	evicted, err := small.Add([]model.MemoryItem{newItem(t, clock, "lower", 0.1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, contents(evicted))
}

func TestMidTerm_RestoreAndClear(t *testing.T) {
	clock := newFakeClock()
	mt := NewMidTerm(MidTermOptions{Capacity: 2, Now: clock.Now}, newTestCipher(t))

	require.NoError(t, mt.Restore([]model.MemoryItem{
		newItem(t, clock, "a", 0.3),
		newItem(t, clock, "b", 0.1),
		newItem(t, clock, "c", 0.6),
	}))
	items, err := mt.Items()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, contents(items))

	mt.Clear()
	assert.Equal(t, 0, mt.Len())
}
