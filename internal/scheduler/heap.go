package scheduler

import (
	"container/heap"
	"time"

	"autotour/internal/ruleset"
)

// Occurrence is the next pending firing of one rule. Runtime only.
type Occurrence struct {
	RuleIndex int
	Rule      ruleset.Rule
	Next      time.Time
}

// occurrenceHeap is a min-heap on Next; equal instants fire in rule order.
type occurrenceHeap []*Occurrence

func (h occurrenceHeap) Len() int { return len(h) }
func (h occurrenceHeap) Less(i, j int) bool {
	if h[i].Next.Equal(h[j].Next) {
		return h[i].RuleIndex < h[j].RuleIndex
	}
	return h[i].Next.Before(h[j].Next)
}
func (h occurrenceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *occurrenceHeap) Push(x any) {
	*h = append(*h, x.(*Occurrence))
}

func (h *occurrenceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func (h *occurrenceHeap) push(o *Occurrence) { heap.Push(h, o) }

// peek returns the earliest occurrence without removing it.
func (h occurrenceHeap) peek() (*Occurrence, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}

// fixTop restores the heap after the head's Next changed.
func (h *occurrenceHeap) fixTop() { heap.Fix(h, 0) }

func (h *occurrenceHeap) popTop() *Occurrence { return heap.Pop(h).(*Occurrence) }
