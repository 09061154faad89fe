package app_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/app"
	"github.com/JakeFAU/trust-crawler/internal/config"
	pubmemory "github.com/JakeFAU/trust-crawler/internal/publisher/memory"
	"github.com/JakeFAU/trust-crawler/internal/storage/memory"
	"github.com/JakeFAU/trust-crawler/internal/storage/sqlite"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Store:  config.StoreConfig{Provider: config.StoreMemory},
		Scheduler: config.SchedulerConfig{
			Enabled:           true,
			Interval:          10 * time.Millisecond,
			FetchTimeout:      time.Second,
			MaxFetchesPerTick: 1,
		},
		Trust:     config.TrustConfig{Rounds: 10, Damping: 0.9, Retention: 0.1},
		Fetcher:   config.FetcherConfig{Timeout: time.Second},
		Search:    config.SearchConfig{MaxResults: 100},
		Publisher: config.PublisherConfig{Provider: config.PublisherNone},
	}
}

func TestOpenStoreProviders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := zap.NewNop()

	mem, err := app.OpenStore(ctx, config.StoreConfig{Provider: config.StoreMemory}, logger)
	require.NoError(t, err)
	require.IsType(t, &memory.GraphStore{}, mem)
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "nested", "crawl.db")
	lite, err := app.OpenStore(ctx, config.StoreConfig{
		Provider: config.StoreSQLite,
		SQLite:   config.SQLiteConfig{Path: path, WAL: true},
	}, logger)
	require.NoError(t, err)
	require.IsType(t, &sqlite.GraphStore{}, lite)
	require.FileExists(t, path)
	require.NoError(t, lite.Close())

	_, err = app.OpenStore(ctx, config.StoreConfig{Provider: "redis"}, logger)
	require.ErrorContains(t, err, "unknown store provider")

	_, err = app.OpenStore(ctx, config.StoreConfig{Provider: config.StorePostgres}, logger)
	require.ErrorContains(t, err, "open postgres store")
}

func TestNewPublisherProviders(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	none, err := app.NewPublisher(ctx, config.PublisherConfig{Provider: config.PublisherNone}, logger)
	require.NoError(t, err)
	require.Nil(t, none)

	mem, err := app.NewPublisher(ctx, config.PublisherConfig{Provider: config.PublisherMemory, MemoryLimit: 5}, logger)
	require.NoError(t, err)
	require.IsType(t, &pubmemory.Publisher{}, mem)
	require.NoError(t, mem.Close())

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)
	ps, err := app.NewPublisher(ctx, config.PublisherConfig{
		Provider:  config.PublisherPubSub,
		ProjectID: "test-project",
		Topic:     "discoveries",
	}, logger)
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	_, err = app.NewPublisher(ctx, config.PublisherConfig{Provider: "kafka"}, logger)
	require.ErrorContains(t, err, "unknown publisher provider")
}

func TestNewFailsOnBadStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Store.Provider = "redis"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestAppSubmitSearchStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.Tracing = config.TracingConfig{Enabled: true, ServiceName: "trustcrawler-test", SampleRatio: 1}
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	// Nothing listens on port 1, so the page is stored without being fetched.
	res, err := a.Query().Submit(ctx, "http://127.0.0.1:1/")
	require.NoError(t, err)
	require.Error(t, res.FetchErr)

	st, err := a.Query().Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.TotalPages)
	require.Zero(t, st.FrontierSize)
}

func TestServeListenerServesAndShutsDown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln) }()

	url := fmt.Sprintf("http://%s/healthz", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:gosec,noctx // test-local URL
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}
