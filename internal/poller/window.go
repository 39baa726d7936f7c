package poller

import "sort"

// latencyWindow keeps the most recent fetch latencies in a fixed ring so the
// controller and stats records can derive percentiles cheaply.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 128
	}
	return &latencyWindow{samples: make([]int64, capacity)}
}

func (w *latencyWindow) Add(ms int64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

// Percentile returns the p-th percentile (0 < p <= 1) of the retained
// samples, or 0 when empty.
func (w *latencyWindow) Percentile(p float64) int64 {
	if w.filled == 0 {
		return 0
	}
	sorted := make([]int64, w.filled)
	copy(sorted, w.samples[:w.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(w.filled)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= w.filled {
		idx = w.filled - 1
	}
	return sorted[idx]
}
