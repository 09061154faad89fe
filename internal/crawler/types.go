package crawler

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultTrust is the score assigned to pages submitted explicitly.
const DefaultTrust = 1.0

var (
	// ErrPageNotFound is returned when a mutation references an unknown page id.
	ErrPageNotFound = errors.New("page not found")
	// ErrInvalidTrust is returned for negative, NaN or infinite trust values.
	ErrInvalidTrust = errors.New("trust must be finite and non-negative")
)

// Page is a node of the link graph. A page with an empty Title has not been
// fetched yet; pages created only as link targets are called shadow pages.
type Page struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Trust     float64   `json:"trust"`
	Keywords  []string  `json:"keywords,omitempty"`
	Links     []string  `json:"links,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
}

// Discovered reports whether a fetch result has been applied to the page.
func (p Page) Discovered() bool {
	return p.Title != ""
}

// FetchResult is what the fetch adapter extracts from a page's markup.
type FetchResult struct {
	Title    string
	Keywords []string
	Links    []string
}

// FetchError classifies every fetch failure: transport errors, timeouts,
// non-2xx statuses and parse failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Node is one page inside a Snapshot.
type Node struct {
	ID           int64
	URL          string
	Title        string
	Trust        float64
	Outbound     []int64
	KeywordCount int
}

// Undiscovered reports whether the node has no keywords yet. This is the
// promotion gate used by the scheduler, so a fetched page whose text yielded
// no tokens is still treated as undiscovered.
func (n Node) Undiscovered() bool {
	return n.KeywordCount == 0
}

// Snapshot is a consistent point-in-time view of the whole graph, ordered by
// page id.
type Snapshot struct {
	Nodes []Node
}

// Trust returns the trust of every node keyed by id.
func (s Snapshot) Trust() map[int64]float64 {
	out := make(map[int64]float64, len(s.Nodes))
	for _, n := range s.Nodes {
		out[n.ID] = n.Trust
	}
	return out
}

// ValidTrust reports whether v may be stored as a trust score.
func ValidTrust(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// DiscoveryEvent is published after a fetch result is applied to a page.
type DiscoveryEvent struct {
	PageID    int64     `json:"page_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Keywords  int       `json:"keywords"`
	Links     int       `json:"links"`
	Trust     float64   `json:"trust"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"`
}
