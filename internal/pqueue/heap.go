package pqueue

import "camwatch/internal/camframe"

// envelopeHeap is a container/heap.Interface ordered so that Pop always
// returns the highest-priority envelope (ties broken by earlier timestamp).
// Capacity is small (spec default M=100), so eviction of the minimum-priority
// entry on overflow scans linearly rather than maintaining a second index.
type envelopeHeap []camframe.Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Timestamp.Before(h[j].Timestamp)
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) {
	*h = append(*h, x.(camframe.Envelope))
}

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// minIndex returns the index of the lowest-priority entry (ties broken by
// the later timestamp, the mirror of Less), or -1 if empty.
func (h envelopeHeap) minIndex() int {
	if len(h) == 0 {
		return -1
	}
	worst := 0
	for i := 1; i < len(h); i++ {
		if h[i].Priority < h[worst].Priority {
			worst = i
			continue
		}
		if h[i].Priority == h[worst].Priority && h[i].Timestamp.After(h[worst].Timestamp) {
			worst = i
		}
	}
	return worst
}
