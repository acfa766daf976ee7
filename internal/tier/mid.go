package tier

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/model"
)

const (
	DefaultMidTermCapacity  = 5000
	DefaultMidTermPromotion = 0.8
)

// MidTermOptions configures a MidTerm tier. Zero values take defaults.
type MidTermOptions struct {
	Capacity           int
	PromotionThreshold float64
	Now                func() time.Time
}

func (o *MidTermOptions) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultMidTermCapacity
	}
	if o.PromotionThreshold <= 0 {
		o.PromotionThreshold = DefaultMidTermPromotion
	}
	if o.Now == nil {
		o.Now = defaultNow
	}
}

// priorityHeap is a min-heap on (priority, seq): the root is the eviction victim.
type priorityHeap []entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// MidTerm is a bounded, priority-indexed store without TTL.
// Inserting at capacity evicts the lowest-priority resident first.
type MidTerm struct {
	mu     sync.Mutex
	opts   MidTermOptions
	sealer sealer
	heap   priorityHeap
}

// NewMidTerm creates an empty mid-term tier.
func NewMidTerm(opts MidTermOptions, c *cipher.Cipher) *MidTerm {
	opts.applyDefaults()
	return &MidTerm{
		opts:   opts,
		sealer: sealer{cipher: c, tier: model.TierMid},
	}
}

// Add inserts items and returns whatever had to be evicted to make room.
func (m *MidTerm) Add(items []model.MemoryItem) ([]model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(items)
}

func (m *MidTerm) addLocked(items []model.MemoryItem) ([]model.MemoryItem, error) {
	var evicted []entry
	var errs []error
	for _, item := range items {
		e, err := m.sealer.seal(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m.heap.Len() >= m.opts.Capacity {
			evicted = append(evicted, heap.Pop(&m.heap).(entry))
		}
		heap.Push(&m.heap, e)
	}

	out, err := m.sealer.openAll(evicted)
	if err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Search returns entries whose content contains query, ignoring case,
// ordered by priority descending with insertion order breaking ties.
func (m *MidTerm) Search(query string) ([]model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Touching LastAccessed leaves the heap order (priority, seq) intact.
	return m.sealer.search(m.heap, query, m.opts.Now())
}

// Compress removes and returns every entry at or above the promotion threshold,
// oldest first.
func (m *MidTerm) Compress() ([]model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var promoted []entry
	kept := m.heap[:0]
	for _, e := range m.heap {
		if e.item.Priority >= m.opts.PromotionThreshold {
			promoted = append(promoted, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(m.heap[len(kept):])
	m.heap = kept
	heap.Init(&m.heap)

	sortBySeq(promoted)
	return m.sealer.openAll(promoted)
}

// Items returns decrypted copies of every entry in insertion order.
func (m *MidTerm) Items() ([]model.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]entry, len(m.heap))
	copy(entries, m.heap)
	sortBySeq(entries)
	return m.sealer.openAll(entries)
}

// Restore replaces the tier contents. Overflow is evicted lowest priority first.
func (m *MidTerm) Restore(items []model.MemoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heap = nil
	_, err := m.addLocked(items)
	return err
}

// Clear removes every entry.
func (m *MidTerm) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heap = nil
}

// Len returns the number of resident entries.
func (m *MidTerm) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len()
}

// Capacity returns the configured capacity.
func (m *MidTerm) Capacity() int { return m.opts.Capacity }

func sortBySeq(entries []entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
}
