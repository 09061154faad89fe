// Package storagetest holds the behavioural tests every crawler.GraphStore
// implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
)

// Factory builds a fresh, empty store for one test.
type Factory func(t *testing.T) crawler.GraphStore

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s crawler.GraphStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateExistingURLUpdates", testCreateExistingURLUpdates},
		{"CreateRejectsInvalidTrust", testCreateRejectsInvalidTrust},
		{"AddLinksCreatesShadowPages", testAddLinksCreatesShadowPages},
		{"AddLinksUnknownPage", testAddLinksUnknownPage},
		{"AddKeywordsIsIdempotent", testAddKeywordsIsIdempotent},
		{"SetTrust", testSetTrust},
		{"SnapshotOrderedByID", testSnapshotOrderedByID},
		{"RecomputeCommitsTrust", testRecomputeCommitsTrust},
		{"RecomputeRejectsInvalidTrust", testRecomputeRejectsInvalidTrust},
		{"ApplyFetch", testApplyFetch},
		{"SearchIsConjunctive", testSearchIsConjunctive},
		{"ConcurrentWriters", testConcurrentWriters},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() {
				_ = s.Close()
			})
			tc.fn(t, s)
		})
	}
}

func testCreateAndGet(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	created, err := s.Create(ctx, "https://example.com", crawler.DefaultTrust, "")
	require.NoError(t, err)
	require.Positive(t, created.ID)
	require.Equal(t, "https://example.com", created.URL)
	require.Equal(t, crawler.DefaultTrust, created.Trust)
	require.False(t, created.Discovered())

	byURL, ok, err := s.GetByURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, byURL.ID)

	byID, ok, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com", byID.URL)

	_, ok, err = s.GetByURL(ctx, "https://missing.example.com")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.GetByID(ctx, created.ID+1000)
	require.NoError(t, err)
	require.False(t, ok)
}

func testCreateExistingURLUpdates(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	first, err := s.Create(ctx, "https://example.com", 0, "Example")
	require.NoError(t, err)
	second, err := s.Create(ctx, "https://example.com", crawler.DefaultTrust, "")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, crawler.DefaultTrust, second.Trust)
	require.Equal(t, "Example", second.Title, "empty title must not clear an existing one")

	third, err := s.Create(ctx, "https://example.com", crawler.DefaultTrust, "Renamed")
	require.NoError(t, err)
	require.Equal(t, "Renamed", third.Title)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testCreateRejectsInvalidTrust(t *testing.T, s crawler.GraphStore) {
	_, err := s.Create(context.Background(), "https://example.com", -1, "")
	require.ErrorIs(t, err, crawler.ErrInvalidTrust)
}

func testAddLinksCreatesShadowPages(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	a, err := s.Create(ctx, "https://a.example.com", crawler.DefaultTrust, "A")
	require.NoError(t, err)

	links := []string{"https://b.example.com", "https://c.example.com", "https://b.example.com"}
	require.NoError(t, s.AddLinks(ctx, a.ID, links))
	require.NoError(t, s.AddLinks(ctx, a.ID, links[:1]))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	b, ok, err := s.GetByURL(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, b.Trust)
	require.False(t, b.Discovered())
	require.Empty(t, b.Keywords)

	got, _, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"https://b.example.com", "https://c.example.com"}, got.Links)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 3)
	require.Len(t, snap.Nodes[0].Outbound, 2)
}

func testAddLinksUnknownPage(t *testing.T, s crawler.GraphStore) {
	err := s.AddLinks(context.Background(), 4242, []string{"https://b.example.com"})
	require.ErrorIs(t, err, crawler.ErrPageNotFound)
}

func testAddKeywordsIsIdempotent(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	p, err := s.Create(ctx, "https://example.com", crawler.DefaultTrust, "")
	require.NoError(t, err)

	require.NoError(t, s.AddKeywords(ctx, p.ID, []string{"Cat", "dog"}))
	require.NoError(t, s.AddKeywords(ctx, p.ID, []string{"dog", " bird ", "CAT"}))

	got, _, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cat", "dog", "bird"}, got.Keywords)

	require.ErrorIs(t, s.AddKeywords(ctx, p.ID+99, []string{"x"}), crawler.ErrPageNotFound)
}

func testSetTrust(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	p, err := s.Create(ctx, "https://example.com", 0, "")
	require.NoError(t, err)

	require.NoError(t, s.SetTrust(ctx, p.ID, 0.75))
	got, _, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.75, got.Trust, 1e-12)

	require.ErrorIs(t, s.SetTrust(ctx, p.ID, -0.5), crawler.ErrInvalidTrust)
	require.ErrorIs(t, s.SetTrust(ctx, p.ID+99, 0.5), crawler.ErrPageNotFound)
}

func testSnapshotOrderedByID(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, fmt.Sprintf("https://example.com/%d", i), float64(i), "")
		require.NoError(t, err)
	}
	first, _, err := s.GetByURL(ctx, "https://example.com/0")
	require.NoError(t, err)
	require.NoError(t, s.AddKeywords(ctx, first.ID, []string{"alpha", "beta"}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 5)
	for i := 1; i < len(snap.Nodes); i++ {
		require.Less(t, snap.Nodes[i-1].ID, snap.Nodes[i].ID)
	}
	require.Equal(t, 2, snap.Nodes[0].KeywordCount)
	require.True(t, snap.Nodes[1].Undiscovered())
	require.InDelta(t, 4.0, snap.Nodes[4].Trust, 1e-12)
}

func testRecomputeCommitsTrust(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	a, err := s.Create(ctx, "https://a.example.com", 1, "")
	require.NoError(t, err)
	b, err := s.Create(ctx, "https://b.example.com", 0.5, "")
	require.NoError(t, err)

	before, err := s.Recompute(ctx, func(snap crawler.Snapshot) map[int64]float64 {
		out := make(map[int64]float64, len(snap.Nodes))
		for _, n := range snap.Nodes {
			out[n.ID] = n.Trust / 2
		}
		return out
	})
	require.NoError(t, err)
	require.Equal(t, map[int64]float64{a.ID: 1, b.ID: 0.5}, before.Trust())

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.5, after.Trust()[a.ID], 1e-12)
	require.InDelta(t, 0.25, after.Trust()[b.ID], 1e-12)
}

func testRecomputeRejectsInvalidTrust(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	a, err := s.Create(ctx, "https://a.example.com", 1, "")
	require.NoError(t, err)

	_, err = s.Recompute(ctx, func(crawler.Snapshot) map[int64]float64 {
		return map[int64]float64{a.ID: -3}
	})
	require.ErrorIs(t, err, crawler.ErrInvalidTrust)

	got, _, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.0, got.Trust, 1e-12)
}

func testApplyFetch(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	p, err := s.Create(ctx, "https://a.example.com", 0, "")
	require.NoError(t, err)
	fetchedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err = s.ApplyFetch(ctx, p.ID, crawler.FetchResult{
		Title:    "Alpha",
		Keywords: []string{"Hello", "world", "hello"},
		Links:    []string{"https://b.example.com"},
	}, fetchedAt)
	require.NoError(t, err)

	got, _, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Alpha", got.Title)
	require.True(t, got.Discovered())
	require.ElementsMatch(t, []string{"hello", "world"}, got.Keywords)
	require.Equal(t, []string{"https://b.example.com"}, got.Links)
	require.True(t, fetchedAt.Equal(got.FetchedAt), "fetched_at %v", got.FetchedAt)

	shadow, ok, err := s.GetByURL(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, shadow.Discovered())

	err = s.ApplyFetch(ctx, p.ID+99, crawler.FetchResult{Title: "x"}, fetchedAt)
	require.ErrorIs(t, err, crawler.ErrPageNotFound)
}

func testSearchIsConjunctive(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	p1, err := s.Create(ctx, "https://one.example.com", 0.2, "One")
	require.NoError(t, err)
	require.NoError(t, s.AddKeywords(ctx, p1.ID, []string{"cat", "dog"}))
	p2, err := s.Create(ctx, "https://two.example.com", 0.9, "Two")
	require.NoError(t, err)
	require.NoError(t, s.AddKeywords(ctx, p2.ID, []string{"cat"}))
	p3, err := s.Create(ctx, "https://three.example.com", 0.5, "Three")
	require.NoError(t, err)
	require.NoError(t, s.AddKeywords(ctx, p3.ID, []string{"category"}))

	both, err := s.Search(ctx, []string{"cat", "dog"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	require.Equal(t, p1.ID, both[0].ID)

	cats, err := s.Search(ctx, []string{"CAT"})
	require.NoError(t, err)
	require.Len(t, cats, 2)
	require.Equal(t, p1.ID, cats[0].ID, "store returns id order")
	require.Equal(t, p2.ID, cats[1].ID)
	require.Equal(t, "Two", cats[1].Title)
	require.InDelta(t, 0.9, cats[1].Trust, 1e-12)

	none, err := s.Search(ctx, []string{"cat", "fish"})
	require.NoError(t, err)
	require.Empty(t, none)

	all, err := s.Search(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func testConcurrentWriters(t *testing.T, s crawler.GraphStore) {
	ctx := context.Background()

	root, err := s.Create(ctx, "https://root.example.com", 1, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(ctx, fmt.Sprintf("https://example.com/%d", i), 1, "")
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- s.AddLinks(ctx, root.ID, []string{fmt.Sprintf("https://example.com/%d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 21, n)

	got, _, err := s.GetByID(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, got.Links, 20)
}
