// Package ingest applies fetch results to the graph store and announces the
// newly discovered pages.
package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
)

// Sources recorded on discovery events.
const (
	SourceScheduler = "scheduler"
	SourceSubmit    = "submit"
)

const tracerName = "github.com/JakeFAU/trust-crawler/internal/ingest"

// Config controls Ingester behavior.
type Config struct {
	Topic string
}

// Target identifies the page a fetch result belongs to.
type Target struct {
	PageID int64
	URL    string
	Trust  float64
	Source string
}

// Ingester persists fetch results and publishes discovery events.
type Ingester struct {
	store     crawler.GraphStore
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Ingester. publisher may be nil.
func New(
	store crawler.GraphStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Apply writes the fetch result onto the target page in one store call and
// then publishes a DiscoveryEvent. A publish failure is logged and does not
// undo the write.
func (i *Ingester) Apply(ctx context.Context, target Target, result crawler.FetchResult) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.Apply", trace.WithAttributes(
		attribute.Int64("page.id", target.PageID),
		attribute.String("page.url", target.URL),
		attribute.String("ingest.source", target.Source),
	))
	defer span.End()

	fetchedAt := i.clock.Now().UTC()
	if err := i.store.ApplyFetch(ctx, target.PageID, result, fetchedAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply fetch result")
		return fmt.Errorf("apply fetch result: %w", err)
	}
	i.logger.Debug("page ingested",
		zap.Int64("page_id", target.PageID),
		zap.String("url", target.URL),
		zap.Int("keywords", len(result.Keywords)),
		zap.Int("links", len(result.Links)),
		zap.String("source", target.Source),
	)
	i.publish(ctx, crawler.DiscoveryEvent{
		PageID:    target.PageID,
		URL:       target.URL,
		Title:     result.Title,
		Keywords:  len(result.Keywords),
		Links:     len(result.Links),
		Trust:     target.Trust,
		FetchedAt: fetchedAt,
		Source:    target.Source,
	})
	return nil
}

func (i *Ingester) publish(ctx context.Context, event crawler.DiscoveryEvent) {
	if i.cfg.Topic == "" || i.publisher == nil {
		return
	}
	id, err := i.publisher.Publish(ctx, i.cfg.Topic, event)
	if err != nil {
		i.logger.Warn("publish discovery event failed",
			zap.Int64("page_id", event.PageID),
			zap.String("url", event.URL),
			zap.Error(err),
		)
		return
	}
	i.logger.Info("page discovered",
		zap.Int64("page_id", event.PageID),
		zap.String("url", event.URL),
		zap.String("message_id", id),
	)
}
