package queue

import "container/heap"

// legalTransitions is the adjacency list of §4.1's transition graph, read
// through Legal. Collection methods do not consult it; they enforce
// transitions through the status predicates of their conditional updates.
var legalTransitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusReady:     true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusWaiting:   true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusRunning:   true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusWaiting: true,
	},
	StatusCancelled: {
		StatusWaiting: true,
	},
	StatusCompleted: {},
}

// Legal reports whether from -> to is a transition named in §4.1.
func Legal(from, to Status) bool {
	return legalTransitions[from][to]
}

// Candidate is the tuple dispatch and promotion order candidates by:
// ascending priority, then ascending after, then ascending updated.
type Candidate struct {
	Job *Job
}

// candidateHeap implements heap.Interface over *Job, used to order a
// batch of dispatch/promotion candidates fetched from the store before the
// per-document CAS loop attempts them in order.
type candidateHeap []*Job

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.After.Equal(b.After) {
		return a.After.Before(b.After)
	}
	return a.Updated.Before(b.Updated)
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// OrderCandidates returns a new slice holding jobs ordered by the §4.1
// tie-break rule (priority, then after, then updated), ascending
// (highest-priority first). The input slice is left unchanged.
func OrderCandidates(jobs []*Job) []*Job {
	h := candidateHeap(append([]*Job(nil), jobs...))
	heap.Init(&h)
	ordered := make([]*Job, 0, len(jobs))
	for h.Len() > 0 {
		ordered = append(ordered, heap.Pop(&h).(*Job))
	}
	return ordered
}
