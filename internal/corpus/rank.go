package corpus

import "container/heap"

type scored struct {
	idx   int
	score float64
}

// topK returns the k best entries, highest score first. Equal scores rank
// by ascending idx, which is insertion order.
func topK(scores []scored, k int) []scored {
	if k <= 0 {
		return nil
	}
	h := &minHeap{}
	for _, s := range scores {
		heap.Push(h, s)
		if h.Len() > k {
			heap.Pop(h)
		}
	}
	out := make([]scored, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(scored)
	}
	return out
}

// bestPerDocument keeps the highest scoring chunk of each source document,
// the earlier chunk winning a tie, so one long document cannot fill every
// slot. Survivors stay in insertion order.
func bestPerDocument(docs []Document, scores []scored) []scored {
	at := make(map[string]int, len(scores))
	out := make([]scored, 0, len(scores))
	for _, s := range scores {
		p := docs[s.idx].parentID()
		if i, ok := at[p]; ok {
			if s.score > out[i].score {
				out[i] = s
			}
			continue
		}
		at[p] = len(out)
		out = append(out, s)
	}
	return out
}

// minHeap keeps the worst kept entry at the root: lowest score, and among
// equal scores the latest inserted.
type minHeap []scored

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].idx > h[j].idx
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(scored))
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
