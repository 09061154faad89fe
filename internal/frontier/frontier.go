// Package frontier provides the priority queue of crawl candidates.
package frontier

import (
	"container/heap"
	"sync"
)

// Entry is a candidate page with the trust it had when it was promoted.
type Entry struct {
	PageID int64
	Trust  float64
}

// Frontier pops the highest-trust entry first; ties go to the lower page id.
// The same page may be pushed more than once and entries are never
// invalidated, so callers must re-check the page when popping. It is safe for
// concurrent use.
type Frontier struct {
	mu      sync.Mutex
	entries entryHeap
}

// New constructs an empty Frontier.
func New() *Frontier {
	return &Frontier{}
}

// Push adds a candidate.
func (f *Frontier) Push(pageID int64, trust float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	heap.Push(&f.entries, Entry{PageID: pageID, Trust: trust})
}

// Pop removes and returns the highest-priority entry. ok is false when empty.
func (f *Frontier) Pop() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return Entry{}, false
	}
	e, _ := heap.Pop(&f.entries).(Entry)
	return e, true
}

// Len returns the number of queued entries, stale ones included.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Trust != h[j].Trust {
		return h[i].Trust > h[j].Trust
	}
	return h[i].PageID < h[j].PageID
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	e, _ := x.(Entry)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
