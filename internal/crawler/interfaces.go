package crawler

import (
	"context"
	"time"
)

// GraphStore persists pages, keywords and the link/keyword edges between them.
// Implementations serialize writers; Recompute and ApplyFetch are each a
// single transactional unit.
type GraphStore interface {
	GetByURL(ctx context.Context, url string) (Page, bool, error)
	GetByID(ctx context.Context, id int64) (Page, bool, error)
	// Create inserts a page or, when the URL already exists, updates its trust
	// and (if non-empty) its title.
	Create(ctx context.Context, url string, trust float64, title string) (Page, error)
	AddLinks(ctx context.Context, pageID int64, targetURLs []string) error
	AddKeywords(ctx context.Context, pageID int64, words []string) error
	SetTrust(ctx context.Context, pageID int64, trust float64) error
	Snapshot(ctx context.Context) (Snapshot, error)
	// Recompute runs fn against a consistent snapshot and commits the returned
	// trust values before any other writer can run. The pre-commit snapshot
	// is returned.
	Recompute(ctx context.Context, fn func(Snapshot) map[int64]float64) (Snapshot, error)
	ApplyFetch(ctx context.Context, pageID int64, result FetchResult, fetchedAt time.Time) error
	// Search returns pages holding every word, in id order.
	Search(ctx context.Context, words []string) ([]Page, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Fetcher retrieves a URL and extracts title, keywords and outbound links.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Publisher pushes discovery events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
