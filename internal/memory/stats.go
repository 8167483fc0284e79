package memory

import (
	"sort"
	"sync"
	"time"
)

const statsRingSize = 1000

// SearchStats is a snapshot of recent search performance.
type SearchStats struct {
	TotalSearches int     `json:"total_searches"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	P50DurationMS float64 `json:"p50_duration_ms"`
	P95DurationMS float64 `json:"p95_duration_ms"`
	P99DurationMS float64 `json:"p99_duration_ms"`
}

type searchSample struct {
	durationMS float64
	topK       int
	success    bool
}

// searchStats keeps the last statsRingSize samples in a ring.
type searchStats struct {
	mu      sync.Mutex
	ring    [statsRingSize]searchSample
	next    int
	filled  int
	total   int
	success int
}

func newSearchStats() *searchStats {
	return &searchStats{}
}

func (s *searchStats) record(d time.Duration, topK int, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = searchSample{
		durationMS: float64(d.Microseconds()) / 1000,
		topK:       topK,
		success:    success,
	}
	s.next = (s.next + 1) % statsRingSize
	if s.filled < statsRingSize {
		s.filled++
	}
	s.total++
	if success {
		s.success++
	}
}

func (s *searchStats) snapshot() SearchStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SearchStats{TotalSearches: s.total}
	if s.total > 0 {
		out.SuccessRate = float64(s.success) / float64(s.total)
	}
	if s.filled == 0 {
		return out
	}

	durations := make([]float64, s.filled)
	var sum float64
	for i := 0; i < s.filled; i++ {
		durations[i] = s.ring[i].durationMS
		sum += durations[i]
	}
	sort.Float64s(durations)
	out.AvgDurationMS = sum / float64(s.filled)
	out.P50DurationMS = percentile(durations, 0.50)
	out.P95DurationMS = percentile(durations, 0.95)
	out.P99DurationMS = percentile(durations, 0.99)
	return out
}

// percentile reads the nearest-rank value from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
