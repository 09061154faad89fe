// Package scheduler runs the background crawl loop: recompute trust, promote
// newly trusted pages into the frontier and fetch the most trusted one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/frontier"
	"github.com/JakeFAU/trust-crawler/internal/ingest"
	"github.com/JakeFAU/trust-crawler/internal/metrics"
)

// Defaults for Config.
const (
	DefaultInterval           = time.Second
	DefaultFetchTimeout       = 5 * time.Second
	DefaultPromotionThreshold = 0.001
	DefaultMaxFetchesPerTick  = 1
)

// Tick outcomes reported to metrics.
const (
	outcomeIdle      = "idle"
	outcomeFetched   = "fetched"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "fetch_failed"
	outcomeError     = "error"
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Config controls Scheduler behavior.
type Config struct {
	Interval           time.Duration
	FetchTimeout       time.Duration
	PromotionThreshold float64
	MaxFetchesPerTick  int
}

// TrustEngine recomputes trust for a snapshot.
type TrustEngine interface {
	Compute(snap crawler.Snapshot) map[int64]float64
}

// TickReport summarizes one tick.
type TickReport struct {
	Promoted  int
	Fetched   int
	Failed    int
	Discarded int
}

// Scheduler owns the frontier and drives the crawl loop.
type Scheduler struct {
	store    crawler.GraphStore
	fetcher  crawler.Fetcher
	engine   TrustEngine
	frontier *frontier.Frontier
	ingester *ingest.Ingester
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	claimMu  sync.Mutex
	inFlight map[int64]struct{}
}

// New constructs a Scheduler. Zero config fields fall back to defaults;
// config.Validate rejects a zero threshold so a configured value always
// reaches the gate.
func New(
	store crawler.GraphStore,
	fetcher crawler.Fetcher,
	engine TrustEngine,
	front *frontier.Frontier,
	ingester *ingest.Ingester,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = DefaultPromotionThreshold
	}
	if cfg.MaxFetchesPerTick <= 0 {
		cfg.MaxFetchesPerTick = DefaultMaxFetchesPerTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		engine:   engine,
		frontier: front,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[int64]struct{}),
	}
}

// FrontierSize returns the number of pages waiting to be fetched.
func (s *Scheduler) FrontierSize() int {
	return s.frontier.Len()
}

// Claim marks pageID as being fetched. It reports false when another fetch
// of the same page already holds the claim.
func (s *Scheduler) Claim(pageID int64) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, busy := s.inFlight[pageID]; busy {
		return false
	}
	s.inFlight[pageID] = struct{}{}
	return true
}

// Release drops the claim taken by Claim.
func (s *Scheduler) Release(pageID int64) {
	s.claimMu.Lock()
	delete(s.inFlight, pageID)
	s.claimMu.Unlock()
}

// Start runs the loop in a goroutine until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.Run(runCtx)
	}()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish. It is a
// no-op when the loop is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Run blocks, ticking every Interval until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		timer.Reset(s.cfg.Interval)
	}
}

// Tick performs one recompute, promotion and drain step.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	var report TickReport

	promoted, err := s.recompute(ctx)
	if err != nil {
		metrics.ObserveTick(outcomeError, time.Since(start))
		return report, err
	}
	for _, e := range promoted {
		s.frontier.Push(e.PageID, e.Trust)
	}
	report.Promoted = len(promoted)
	metrics.AddPromotions(len(promoted))
	if len(promoted) > 0 {
		s.logger.Debug("pages promoted", zap.Int("count", len(promoted)), zap.Int("frontier", s.frontier.Len()))
	}

	err = s.drain(ctx, &report)
	metrics.SetFrontierSize(s.frontier.Len())
	metrics.ObserveTick(report.outcome(err), time.Since(start))
	return report, err
}

// recompute commits fresh trust values and returns the pages that crossed
// the promotion gate: no keywords yet, new trust above the threshold and
// strictly higher than before.
func (s *Scheduler) recompute(ctx context.Context) ([]frontier.Entry, error) {
	var promoted []frontier.Entry
	_, err := s.store.Recompute(ctx, func(snap crawler.Snapshot) map[int64]float64 {
		promoted = promoted[:0]
		next := s.engine.Compute(snap)
		for _, n := range snap.Nodes {
			v := next[n.ID]
			if n.Undiscovered() && v > s.cfg.PromotionThreshold && v > n.Trust {
				promoted = append(promoted, frontier.Entry{PageID: n.ID, Trust: v})
			}
		}
		return next
	})
	if err != nil {
		return nil, fmt.Errorf("recompute trust: %w", err)
	}
	return promoted, nil
}

// drain pops up to MaxFetchesPerTick entries. A stale entry (page gone,
// already titled or being fetched by Submit) is discarded and ends the drain
// for this tick.
func (s *Scheduler) drain(ctx context.Context, report *TickReport) error {
	for i := 0; i < s.cfg.MaxFetchesPerTick; i++ {
		entry, ok := s.frontier.Pop()
		if !ok {
			return nil
		}
		page, found, err := s.store.GetByID(ctx, entry.PageID)
		if err != nil {
			return fmt.Errorf("load page %d: %w", entry.PageID, err)
		}
		if !found || page.Discovered() || !s.Claim(page.ID) {
			report.Discarded++
			s.logger.Debug("discarded stale frontier entry", zap.Int64("page_id", entry.PageID))
			return nil
		}
		err = s.fetchAndApply(ctx, page)
		s.Release(page.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			s.logger.Warn("scheduled fetch failed", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		report.Fetched++
	}
	return nil
}

func (s *Scheduler) fetchAndApply(ctx context.Context, page crawler.Page) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	result, err := s.fetcher.Fetch(fetchCtx, page.URL)
	if err != nil {
		metrics.ObserveFetch(ingest.SourceScheduler, metrics.OutcomeError)
		return err
	}
	metrics.ObserveFetch(ingest.SourceScheduler, metrics.OutcomeSuccess)
	target := ingest.Target{
		PageID: page.ID,
		URL:    page.URL,
		Trust:  page.Trust,
		Source: ingest.SourceScheduler,
	}
	if err := s.ingester.Apply(ctx, target, result); err != nil {
		return fmt.Errorf("ingest %s: %w", page.URL, err)
	}
	s.logger.Info("page crawled",
		zap.String("url", page.URL),
		zap.String("title", result.Title),
		zap.Float64("trust", page.Trust),
		zap.Int("links", len(result.Links)),
	)
	return nil
}

func (r TickReport) outcome(err error) string {
	switch {
	case err != nil:
		return outcomeError
	case r.Fetched > 0:
		return outcomeFetched
	case r.Failed > 0:
		return outcomeFailed
	case r.Discarded > 0:
		return outcomeDiscarded
	default:
		return outcomeIdle
	}
}
