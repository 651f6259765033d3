package analysis

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryHistory is an in-memory HistoryStore for demo/development mode.
type MemoryHistory struct {
	mu       sync.RWMutex
	entries  []Summary
	latest   map[string]int // address -> index into entries
	capacity int
}

// DefaultHistoryCapacity bounds MemoryHistory.
const DefaultHistoryCapacity = 10000

// NewMemoryHistory creates an in-memory history keeping at most capacity
// entries (the oldest are evicted first). capacity <= 0 uses the default.
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MemoryHistory{latest: make(map[string]int), capacity: capacity}
}

func (m *MemoryHistory) Record(_ context.Context, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.capacity {
		drop := len(m.entries) - m.capacity + 1
		m.entries = append(m.entries[:0:0], m.entries[drop:]...)
		m.reindex()
	}
	m.entries = append(m.entries, *s)
	idx := len(m.entries) - 1
	if prev, ok := m.latest[s.Address]; !ok || !m.entries[prev].CreatedAt.After(s.CreatedAt) {
		m.latest[s.Address] = idx
	}
	return nil
}

// reindex rebuilds latest after eviction. Caller holds the write lock.
func (m *MemoryHistory) reindex() {
	m.latest = make(map[string]int, len(m.latest))
	for i, e := range m.entries {
		if prev, ok := m.latest[e.Address]; !ok || !m.entries[prev].CreatedAt.After(e.CreatedAt) {
			m.latest[e.Address] = i
		}
	}
}

func (m *MemoryHistory) Latest(_ context.Context, address string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.latest[address]
	if !ok {
		return nil, nil
	}
	cp := m.entries[idx]
	return &cp, nil
}

func (m *MemoryHistory) Stats(_ context.Context, activeSince time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{TotalAnalyses: len(m.entries), TotalAnalyzedWallets: len(m.latest)}
	counts := make([]int, len(distributionBuckets))
	scores := make([]int, 0, len(m.latest))
	var sum int
	for _, idx := range m.latest {
		e := m.entries[idx]
		scores = append(scores, e.Score)
		sum += e.Score
		st.TotalVolumeAnalyzed += e.TotalVolume
		counts[bucketIndex(e.Score)]++
		if e.TransactionCount > 0 && e.CreatedAt.After(activeSince) {
			st.ActiveUsers3M++
		}
	}
	if n := len(scores); n > 0 {
		st.AvgScore = float64(sum) / float64(n)
		st.MedianScore = median(scores)
	}
	st.ScoreDistribution = newDistribution(counts, len(scores))
	return st, nil
}

// median interpolates between the two middle values for even counts, like
// PostgreSQL's percentile_cont(0.5).
func median(scores []int) float64 {
	sort.Ints(scores)
	n := len(scores)
	if n%2 == 1 {
		return float64(scores[n/2])
	}
	return float64(scores[n/2-1]+scores[n/2]) / 2
}
