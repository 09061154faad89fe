// Package memory provides an in-memory GraphStore for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
)

type pageRecord struct {
	page     crawler.Page
	links    []int64
	linkSet  map[int64]struct{}
	keywords []string
	wordSet  map[string]struct{}
}

// GraphStore keeps the link graph in maps guarded by a RWMutex. Writers are
// serialized; readers share the lock.
type GraphStore struct {
	mu       sync.RWMutex
	pages    []*pageRecord
	byURL    map[string]int64
	keywords map[string]struct{}
}

// NewGraphStore constructs an empty GraphStore.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		byURL:    make(map[string]int64),
		keywords: make(map[string]struct{}),
	}
}

// GetByURL looks a page up by its URL.
func (s *GraphStore) GetByURL(_ context.Context, url string) (crawler.Page, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return crawler.Page{}, false, nil
	}
	return s.export(s.pages[id-1]), true, nil
}

// GetByID looks a page up by id.
func (s *GraphStore) GetByID(_ context.Context, id int64) (crawler.Page, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.lookup(id)
	if rec == nil {
		return crawler.Page{}, false, nil
	}
	return s.export(rec), true, nil
}

// Create inserts a page or updates the existing one with the same URL.
func (s *GraphStore) Create(_ context.Context, url string, trust float64, title string) (crawler.Page, error) {
	if !crawler.ValidTrust(trust) {
		return crawler.Page{}, fmt.Errorf("create %s: %w", url, crawler.ErrInvalidTrust)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findOrCreate(url, trust)
	rec.page.Trust = trust
	if title != "" {
		rec.page.Title = title
	}
	return s.export(rec), nil
}

// AddLinks adds directed edges from the page to each target, creating shadow
// pages for unknown URLs.
func (s *GraphStore) AddLinks(_ context.Context, pageID int64, targetURLs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(pageID)
	if rec == nil {
		return fmt.Errorf("add links to %d: %w", pageID, crawler.ErrPageNotFound)
	}
	s.addLinks(rec, targetURLs)
	return nil
}

// AddKeywords attaches normalized words to the page.
func (s *GraphStore) AddKeywords(_ context.Context, pageID int64, words []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(pageID)
	if rec == nil {
		return fmt.Errorf("add keywords to %d: %w", pageID, crawler.ErrPageNotFound)
	}
	s.addKeywords(rec, words)
	return nil
}

// SetTrust overwrites a page's trust score.
func (s *GraphStore) SetTrust(_ context.Context, pageID int64, trust float64) error {
	if !crawler.ValidTrust(trust) {
		return fmt.Errorf("set trust on %d: %w", pageID, crawler.ErrInvalidTrust)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(pageID)
	if rec == nil {
		return fmt.Errorf("set trust on %d: %w", pageID, crawler.ErrPageNotFound)
	}
	rec.page.Trust = trust
	return nil
}

// Snapshot returns every page with its outbound edges, ordered by id.
func (s *GraphStore) Snapshot(_ context.Context) (crawler.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

// Recompute holds the write lock while fn runs so no writer can interleave
// between the snapshot and the trust commit.
func (s *GraphStore) Recompute(
	_ context.Context,
	fn func(crawler.Snapshot) map[int64]float64,
) (crawler.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	updates := fn(snap)
	for id, v := range updates {
		if !crawler.ValidTrust(v) {
			return crawler.Snapshot{}, fmt.Errorf("recompute page %d: %w", id, crawler.ErrInvalidTrust)
		}
	}
	for id, v := range updates {
		if rec := s.lookup(id); rec != nil {
			rec.page.Trust = v
		}
	}
	return snap, nil
}

// ApplyFetch records a fetch result on the page in one step.
func (s *GraphStore) ApplyFetch(
	_ context.Context,
	pageID int64,
	result crawler.FetchResult,
	fetchedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(pageID)
	if rec == nil {
		return fmt.Errorf("apply fetch to %d: %w", pageID, crawler.ErrPageNotFound)
	}
	if result.Title != "" {
		rec.page.Title = result.Title
	}
	s.addKeywords(rec, result.Keywords)
	s.addLinks(rec, result.Links)
	rec.page.FetchedAt = fetchedAt
	return nil
}

// Search returns pages holding every word, in id order. Keywords and links
// are not populated on the returned pages.
func (s *GraphStore) Search(_ context.Context, words []string) ([]crawler.Page, error) {
	words = crawler.NormalizeWords(words)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Page
	for _, rec := range s.pages {
		if hasAll(rec.wordSet, words) {
			out = append(out, rec.page)
		}
	}
	return out, nil
}

// Count returns the number of pages, shadow pages included.
func (s *GraphStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages), nil
}

// KeywordCount returns the number of distinct keywords in the store.
func (s *GraphStore) KeywordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keywords)
}

// Close is a no-op.
func (s *GraphStore) Close() error {
	return nil
}

func (s *GraphStore) lookup(id int64) *pageRecord {
	if id <= 0 || id > int64(len(s.pages)) {
		return nil
	}
	return s.pages[id-1]
}

func (s *GraphStore) findOrCreate(url string, trust float64) *pageRecord {
	if id, ok := s.byURL[url]; ok {
		return s.pages[id-1]
	}
	rec := &pageRecord{
		page:    crawler.Page{ID: int64(len(s.pages)) + 1, URL: url, Trust: trust},
		linkSet: make(map[int64]struct{}),
		wordSet: make(map[string]struct{}),
	}
	s.pages = append(s.pages, rec)
	s.byURL[url] = rec.page.ID
	return rec
}

func (s *GraphStore) addLinks(rec *pageRecord, targetURLs []string) {
	for _, target := range targetURLs {
		if target == "" {
			continue
		}
		dst := s.findOrCreate(target, 0)
		if _, ok := rec.linkSet[dst.page.ID]; ok {
			continue
		}
		rec.linkSet[dst.page.ID] = struct{}{}
		rec.links = append(rec.links, dst.page.ID)
	}
}

func (s *GraphStore) addKeywords(rec *pageRecord, words []string) {
	for _, w := range crawler.NormalizeWords(words) {
		s.keywords[w] = struct{}{}
		if _, ok := rec.wordSet[w]; ok {
			continue
		}
		rec.wordSet[w] = struct{}{}
		rec.keywords = append(rec.keywords, w)
	}
}

func (s *GraphStore) snapshot() crawler.Snapshot {
	nodes := make([]crawler.Node, len(s.pages))
	for i, rec := range s.pages {
		nodes[i] = crawler.Node{
			ID:           rec.page.ID,
			URL:          rec.page.URL,
			Title:        rec.page.Title,
			Trust:        rec.page.Trust,
			Outbound:     append([]int64(nil), rec.links...),
			KeywordCount: len(rec.keywords),
		}
	}
	return crawler.Snapshot{Nodes: nodes}
}

func (s *GraphStore) export(rec *pageRecord) crawler.Page {
	p := rec.page
	p.Keywords = append([]string(nil), rec.keywords...)
	if len(rec.links) > 0 {
		p.Links = make([]string, len(rec.links))
		for i, id := range rec.links {
			p.Links[i] = s.pages[id-1].page.URL
		}
	}
	return p
}

func hasAll(set map[string]struct{}, words []string) bool {
	for _, w := range words {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
