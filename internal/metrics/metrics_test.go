package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, schedulerTicksTotal)
	require.NotNil(t, crawlerFetchesTotal)
	require.NotNil(t, crawlerFrontierSize)
}

func TestSchedulerMetrics(t *testing.T) {
	Init()

	before := testutil.ToFloat64(schedulerTicksTotal.WithLabelValues("fetched"))
	ObserveTick("fetched", 20*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(schedulerTicksTotal.WithLabelValues("fetched")), 1e-9)

	promoted := testutil.ToFloat64(trustPromotionsTotal)
	AddPromotions(3)
	AddPromotions(0)
	require.InDelta(t, promoted+3, testutil.ToFloat64(trustPromotionsTotal), 1e-9)

	SetFrontierSize(7)
	require.InDelta(t, 7, testutil.ToFloat64(crawlerFrontierSize), 1e-9)

	fetches := testutil.ToFloat64(crawlerFetchesTotal.WithLabelValues("scheduler", OutcomeError))
	ObserveFetch("scheduler", OutcomeError)
	require.InDelta(t, fetches+1, testutil.ToFloat64(crawlerFetchesTotal.WithLabelValues("scheduler", OutcomeError)), 1e-9)
}

func TestQueryMetrics(t *testing.T) {
	Init()

	before := testutil.ToFloat64(submissionsTotal.WithLabelValues("created"))
	ObserveSubmission("created")
	require.InDelta(t, before+1, testutil.ToFloat64(submissionsTotal.WithLabelValues("created")), 1e-9)

	ObserveSearch(4)
	require.Positive(t, testutil.CollectAndCount(searchResults))
}

func TestStoreCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, RegisterStoreCollector(reg, staticCounter{n: 12}, nil))

	expected := `
# HELP trustcrawler_pages Number of pages in the graph store, shadow pages included.
# TYPE trustcrawler_pages gauge
trustcrawler_pages 12
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "trustcrawler_pages"))
}

func TestStoreCollectorSkipsOnError(t *testing.T) {
	t.Parallel()

	c := NewStoreCollector(staticCounter{err: errors.New("db down")}, nil)
	require.Equal(t, 0, testutil.CollectAndCount(c))
}

type staticCounter struct {
	n   int
	err error
}

func (s staticCounter) Count(context.Context) (int, error) {
	return s.n, s.err
}
