package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/clock"
	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/ingest"
	pubmemory "github.com/JakeFAU/trust-crawler/internal/publisher/memory"
	"github.com/JakeFAU/trust-crawler/internal/storage/memory"
)

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResult
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	res, ok := f.pages[url]
	if !ok {
		return crawler.FetchResult{}, &crawler.FetchError{URL: url, Err: errors.New("connection refused")}
	}
	return res, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticFrontier int

func (n staticFrontier) FrontierSize() int { return int(n) }

func newService(t *testing.T, pages map[string]crawler.FetchResult, cfg Config) (*Service, *memory.GraphStore, *stubFetcher, *pubmemory.Publisher) {
	t.Helper()
	store := memory.NewGraphStore()
	fetcher := &stubFetcher{pages: pages}
	pub := pubmemory.New(0)
	ing := ingest.New(store, pub, clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		ingest.Config{Topic: "discoveries"}, zap.NewNop())
	return New(store, fetcher, ing, staticFrontier(3), cfg, zap.NewNop()), store, fetcher, pub
}

var examplePage = crawler.FetchResult{
	Title:    "Example",
	Keywords: []string{"hello", "world"},
	Links:    []string{"https://b.example.com", "https://c.example.com"},
}

func TestSubmitCreatesAndFetches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, fetcher, pub := newService(t, map[string]crawler.FetchResult{
		"https://example.com": examplePage,
	}, Config{})

	res, err := svc.Submit(ctx, " https://example.com ")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.Equal(t, "Page added successfully.", res.Outcome.Message())
	require.NoError(t, res.FetchErr)
	require.Equal(t, "Example", res.Page.Title)
	require.Equal(t, crawler.DefaultTrust, res.Page.Trust)
	require.ElementsMatch(t, []string{"hello", "world"}, res.Page.Keywords)
	require.Len(t, res.Page.Links, 2)
	require.Equal(t, 1, fetcher.Calls())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n, "link targets become shadow pages")

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, ingest.SourceSubmit, msgs[0].Payload.(crawler.DiscoveryEvent).Source)
}

func TestSubmitIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, fetcher, _ := newService(t, map[string]crawler.FetchResult{
		"https://example.com": examplePage,
	}, Config{})

	first, err := svc.Submit(ctx, "https://example.com")
	require.NoError(t, err)
	second, err := svc.Submit(ctx, "https://example.com")
	require.NoError(t, err)

	require.Equal(t, OutcomeAlreadyTrusted, second.Outcome)
	require.Equal(t, "Page already exists in the database.", second.Outcome.Message())
	require.Equal(t, first.Page.ID, second.Page.ID)
	require.Equal(t, crawler.DefaultTrust, second.Page.Trust)
	require.Equal(t, 1, fetcher.Calls(), "already trusted pages are not re-fetched")

	pages, err := store.Search(ctx, nil)
	require.NoError(t, err)
	var matches int
	for _, p := range pages {
		if p.URL == "https://example.com" {
			matches++
		}
	}
	require.Equal(t, 1, matches)
}

func TestSubmitPromotesShadowPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, fetcher, _ := newService(t, map[string]crawler.FetchResult{
		"https://b.example.com": {Title: "Bee", Keywords: []string{"bee"}},
	}, Config{})

	a, err := store.Create(ctx, "https://a.example.com", 1, "A")
	require.NoError(t, err)
	require.NoError(t, store.AddLinks(ctx, a.ID, []string{"https://b.example.com"}))

	res, err := svc.Submit(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomePromoted, res.Outcome)
	require.Equal(t, "Page already discovered by a previous task. It is now trusted.", res.Outcome.Message())
	require.Equal(t, crawler.DefaultTrust, res.Page.Trust)
	require.Equal(t, "Bee", res.Page.Title)
	require.Equal(t, []string{"bee"}, res.Page.Keywords)
	require.Equal(t, 1, fetcher.Calls())
}

type claimingFrontier struct {
	staticFrontier
	mu       sync.Mutex
	held     map[int64]bool
	released []int64
}

func (c *claimingFrontier) Claim(pageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[pageID] {
		return false
	}
	c.held[pageID] = true
	return true
}

func (c *claimingFrontier) Release(pageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, pageID)
	c.released = append(c.released, pageID)
}

func TestSubmitSkipsFetchWhileCrawlLoopHoldsPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewGraphStore()
	fetcher := &stubFetcher{pages: map[string]crawler.FetchResult{
		"https://b.example.com": {Title: "Bee", Keywords: []string{"bee"}},
	}}
	ing := ingest.New(store, nil, clock.NewSystem(), ingest.Config{}, zap.NewNop())
	claims := &claimingFrontier{held: make(map[int64]bool)}
	svc := New(store, fetcher, ing, claims, Config{}, zap.NewNop())

	shadow, err := store.Create(ctx, "https://b.example.com", 0, "")
	require.NoError(t, err)
	require.True(t, claims.Claim(shadow.ID))

	res, err := svc.Submit(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomePromoted, res.Outcome)
	require.Equal(t, crawler.DefaultTrust, res.Page.Trust)
	require.NoError(t, res.FetchErr)
	require.Zero(t, fetcher.Calls(), "the in-flight crawl fetch stores the page")
	require.Empty(t, claims.released)

	claims.Release(shadow.ID)
	require.NoError(t, store.SetTrust(ctx, shadow.ID, 0))
	res, err = svc.Submit(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.Equal(t, "Bee", res.Page.Title)
	require.Equal(t, 1, fetcher.Calls())
	require.Equal(t, []int64{shadow.ID, shadow.ID}, claims.released)
}

func TestSubmitPromotesDiscoveredPageWithoutFetching(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, fetcher, _ := newService(t, nil, Config{})
	_, err := store.Create(ctx, "https://a.example.com", 0.2, "Already fetched")
	require.NoError(t, err)

	res, err := svc.Submit(ctx, "https://a.example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomePromoted, res.Outcome)
	require.Equal(t, crawler.DefaultTrust, res.Page.Trust)
	require.Equal(t, "Already fetched", res.Page.Title)
	require.Zero(t, fetcher.Calls())
}

func TestSubmitFetchFailureStillCreatesPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _, pub := newService(t, nil, Config{})

	res, err := svc.Submit(ctx, "https://down.example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, res.Outcome)
	var fe *crawler.FetchError
	require.ErrorAs(t, res.FetchErr, &fe)
	require.False(t, res.Page.Discovered())
	require.Equal(t, crawler.DefaultTrust, res.Page.Trust)
	require.Empty(t, pub.Messages())
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	svc, _, fetcher, _ := newService(t, nil, Config{})
	for _, raw := range []string{"", "not a url", "ftp://example.com", "/relative"} {
		_, err := svc.Submit(context.Background(), raw)
		require.ErrorIs(t, err, ErrInvalidURL, raw)
	}
	require.Zero(t, fetcher.Calls())
}

func TestSearchIsConjunctiveAndOrderedByTrust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _, _ := newService(t, nil, Config{})

	p1, err := store.Create(ctx, "https://one.example.com", 0.2, "One")
	require.NoError(t, err)
	require.NoError(t, store.AddKeywords(ctx, p1.ID, []string{"cat", "dog"}))
	p2, err := store.Create(ctx, "https://two.example.com", 0.9, "Two")
	require.NoError(t, err)
	require.NoError(t, store.AddKeywords(ctx, p2.ID, []string{"cat", "dog"}))
	p3, err := store.Create(ctx, "https://three.example.com", 0.5, "Three")
	require.NoError(t, err)
	require.NoError(t, store.AddKeywords(ctx, p3.ID, []string{"cat"}))
	p4, err := store.Create(ctx, "https://four.example.com", 0.9, "Four")
	require.NoError(t, err)
	require.NoError(t, store.AddKeywords(ctx, p4.ID, []string{"cat", "dog", "fish"}))

	got, err := svc.Search(ctx, "  CAT   dog ")
	require.NoError(t, err)
	urls := make([]string, len(got))
	for i, p := range got {
		urls[i] = p.URL
	}
	require.Equal(t, []string{
		"https://two.example.com",
		"https://four.example.com",
		"https://one.example.com",
	}, urls)

	none, err := svc.Search(ctx, "cat bird")
	require.NoError(t, err)
	require.Empty(t, none)

	all, err := svc.Search(ctx, "   ")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestSearchCapsResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _, _ := newService(t, nil, Config{MaxResults: 2})
	for _, u := range []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"} {
		p, err := store.Create(ctx, u, 1, "")
		require.NoError(t, err)
		require.NoError(t, store.AddKeywords(ctx, p.ID, []string{"go"}))
	}

	got, err := svc.Search(ctx, "go")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store, _, _ := newService(t, nil, Config{})
	a, err := store.Create(ctx, "https://a.example.com", 1, "A")
	require.NoError(t, err)
	require.NoError(t, store.AddLinks(ctx, a.ID, []string{"https://b.example.com"}))

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Status{TotalPages: 2, FrontierSize: 3}, st)
}

func TestParseQuery(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"go", "crawler"}, ParseQuery(" Go\tcrawler  GO "))
	require.Empty(t, ParseQuery(""))
}
