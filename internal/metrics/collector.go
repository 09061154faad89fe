package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var pagesDesc = prometheus.NewDesc(
	"trustcrawler_pages",
	"Number of pages in the graph store, shadow pages included.",
	nil,
	nil,
)

// PageCounter is the subset of the graph store the collector reads.
type PageCounter interface {
	Count(ctx context.Context) (int, error)
}

// StoreCollector is a custom Prometheus collector that reads the page count
// from the store on each scrape.
type StoreCollector struct {
	store   PageCounter
	timeout time.Duration
	logger  *zap.Logger
}

// NewStoreCollector builds a StoreCollector.
func NewStoreCollector(store PageCounter, logger *zap.Logger) *StoreCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreCollector{store: store, timeout: 2 * time.Second, logger: logger}
}

// Describe sends the metric descriptor to the channel.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pagesDesc
}

// Collect queries the store and emits the page count as a gauge.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	n, err := c.store.Count(ctx)
	if err != nil {
		c.logger.Error("failed to collect page count", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(pagesDesc, prometheus.GaugeValue, float64(n))
}

// RegisterStoreCollector registers a StoreCollector with reg.
func RegisterStoreCollector(reg prometheus.Registerer, store PageCounter, logger *zap.Logger) error {
	return reg.Register(NewStoreCollector(store, logger))
}
