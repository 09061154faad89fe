// Package query is the foreground façade over the graph store: keyword
// search, crawl status and explicit page submission.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/ingest"
	"github.com/JakeFAU/trust-crawler/internal/metrics"
)

// DefaultMaxResults caps search responses when Config leaves it unset.
const DefaultMaxResults = 100

// ErrInvalidURL is returned by Submit for anything but an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid url")

// Outcome classifies a submission.
type Outcome string

// Submission outcomes.
const (
	OutcomeCreated        Outcome = "created"
	OutcomePromoted       Outcome = "promoted"
	OutcomeAlreadyTrusted Outcome = "already trusted"
)

// Message returns the human-readable text shown for the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeCreated:
		return "Page added successfully."
	case OutcomePromoted:
		return "Page already discovered by a previous task. It is now trusted."
	case OutcomeAlreadyTrusted:
		return "Page already exists in the database."
	default:
		return ""
	}
}

// SubmitResult is returned by Submit. FetchErr is set when the synchronous
// fetch failed; the page is then stored but stays undiscovered.
type SubmitResult struct {
	Page     crawler.Page
	Outcome  Outcome
	FetchErr error
}

// Status reports crawl progress.
type Status struct {
	TotalPages   int `json:"total_crawled_pages"`
	FrontierSize int `json:"links_waiting"`
}

// FrontierSizer reports how many entries wait in the frontier.
type FrontierSizer interface {
	FrontierSize() int
}

// FetchClaimer serializes fetches of one page between Submit and the
// background crawl loop.
type FetchClaimer interface {
	Claim(pageID int64) bool
	Release(pageID int64)
}

// Config controls Service behavior.
type Config struct {
	MaxResults int
}

// Service implements search, status and submit.
type Service struct {
	store    crawler.GraphStore
	fetcher  crawler.Fetcher
	ingester *ingest.Ingester
	frontier FrontierSizer
	claims   FetchClaimer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service.
func New(
	store crawler.GraphStore,
	fetcher crawler.Fetcher,
	ingester *ingest.Ingester,
	frontier FrontierSizer,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	svc := &Service{
		store:    store,
		fetcher:  fetcher,
		ingester: ingester,
		frontier: frontier,
		cfg:      cfg,
		logger:   logger,
	}
	if claims, ok := frontier.(FetchClaimer); ok {
		svc.claims = claims
	}
	return svc
}

// ParseQuery splits q on whitespace into lower-cased search terms.
func ParseQuery(q string) []string {
	return crawler.NormalizeWords(strings.Fields(q))
}

// Search returns the pages whose keywords contain every term of q, most
// trusted first. An empty query matches every page.
func (s *Service) Search(ctx context.Context, q string) ([]crawler.Page, error) {
	pages, err := s.store.Search(ctx, ParseQuery(q))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].Trust != pages[j].Trust {
			return pages[i].Trust > pages[j].Trust
		}
		return pages[i].ID < pages[j].ID
	})
	if len(pages) > s.cfg.MaxResults {
		pages = pages[:s.cfg.MaxResults]
	}
	metrics.ObserveSearch(len(pages))
	return pages, nil
}

// Status returns the page count and the frontier length.
func (s *Service) Status(ctx context.Context) (Status, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count pages: %w", err)
	}
	st := Status{TotalPages: n}
	if s.frontier != nil {
		st.FrontierSize = s.frontier.FrontierSize()
	}
	return st, nil
}

// Submit adds rawURL as a trusted page. New URLs are created with the
// default trust, known URLs below it are promoted, and either way the page is
// fetched synchronously when it has not been discovered yet. The fetch never
// runs under a store lock.
func (s *Service) Submit(ctx context.Context, rawURL string) (SubmitResult, error) {
	url, err := crawler.ValidateURL(rawURL)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	existing, found, err := s.store.GetByURL(ctx, url)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("lookup %s: %w", url, err)
	}

	var res SubmitResult
	switch {
	case !found:
		res, err = s.create(ctx, url)
	case existing.Trust < crawler.DefaultTrust:
		res, err = s.promote(ctx, existing)
	default:
		res = SubmitResult{Page: existing, Outcome: OutcomeAlreadyTrusted}
	}
	if err != nil {
		return SubmitResult{}, err
	}
	metrics.ObserveSubmission(string(res.Outcome))
	s.logger.Info("page submitted",
		zap.String("url", url),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("fetched", res.FetchErr == nil && res.Page.Discovered()),
	)
	return res, nil
}

func (s *Service) create(ctx context.Context, url string) (SubmitResult, error) {
	result, fetchErr := s.fetch(ctx, url)
	page, err := s.store.Create(ctx, url, crawler.DefaultTrust, "")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create %s: %w", url, err)
	}
	if fetchErr == nil {
		if err := s.apply(ctx, page, result); err != nil {
			return SubmitResult{}, err
		}
	}
	return s.reload(ctx, page.ID, OutcomeCreated, fetchErr)
}

func (s *Service) promote(ctx context.Context, page crawler.Page) (SubmitResult, error) {
	if err := s.store.SetTrust(ctx, page.ID, crawler.DefaultTrust); err != nil {
		return SubmitResult{}, fmt.Errorf("promote %s: %w", page.URL, err)
	}
	page.Trust = crawler.DefaultTrust
	var fetchErr error
	if !page.Discovered() && s.claim(page.ID) {
		defer s.release(page.ID)
		var result crawler.FetchResult
		result, fetchErr = s.fetch(ctx, page.URL)
		if fetchErr == nil {
			if err := s.apply(ctx, page, result); err != nil {
				return SubmitResult{}, err
			}
		}
	}
	return s.reload(ctx, page.ID, OutcomePromoted, fetchErr)
}

// claim reports whether Submit may fetch pageID now. When the crawl loop is
// already fetching it, that fetch stores the result instead.
func (s *Service) claim(pageID int64) bool {
	if s.claims == nil {
		return true
	}
	if !s.claims.Claim(pageID) {
		s.logger.Debug("page fetch already in flight", zap.Int64("page_id", pageID))
		return false
	}
	return true
}

func (s *Service) release(pageID int64) {
	if s.claims != nil {
		s.claims.Release(pageID)
	}
}

func (s *Service) fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	result, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.ObserveFetch(ingest.SourceSubmit, metrics.OutcomeError)
		s.logger.Warn("submitted page fetch failed", zap.String("url", url), zap.Error(err))
		return crawler.FetchResult{}, err
	}
	metrics.ObserveFetch(ingest.SourceSubmit, metrics.OutcomeSuccess)
	return result, nil
}

func (s *Service) apply(ctx context.Context, page crawler.Page, result crawler.FetchResult) error {
	target := ingest.Target{
		PageID: page.ID,
		URL:    page.URL,
		Trust:  crawler.DefaultTrust,
		Source: ingest.SourceSubmit,
	}
	if err := s.ingester.Apply(ctx, target, result); err != nil {
		return fmt.Errorf("ingest %s: %w", page.URL, err)
	}
	return nil
}

func (s *Service) reload(ctx context.Context, id int64, outcome Outcome, fetchErr error) (SubmitResult, error) {
	page, found, err := s.store.GetByID(ctx, id)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("reload page %d: %w", id, err)
	}
	if !found {
		return SubmitResult{}, fmt.Errorf("reload page %d: %w", id, crawler.ErrPageNotFound)
	}
	return SubmitResult{Page: page, Outcome: outcome, FetchErr: fetchErr}, nil
}
