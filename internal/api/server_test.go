package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/clock"
	"github.com/JakeFAU/trust-crawler/internal/config"
	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/ingest"
	"github.com/JakeFAU/trust-crawler/internal/query"
	"github.com/JakeFAU/trust-crawler/internal/storage/memory"
)

type fakeFetcher map[string]crawler.FetchResult

func (f fakeFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	res, ok := f[url]
	if !ok {
		return crawler.FetchResult{}, &crawler.FetchError{URL: url, Err: errors.New("unreachable")}
	}
	return res, nil
}

type fixedFrontier int

func (n fixedFrontier) FrontierSize() int { return int(n) }

func newTestServer(t *testing.T) (*Server, *memory.GraphStore) {
	t.Helper()
	return newTestServerWithConfig(t, config.ServerConfig{})
}

func newTestServerWithConfig(t *testing.T, cfg config.ServerConfig) (*Server, *memory.GraphStore) {
	t.Helper()
	store := memory.NewGraphStore()
	fetcher := fakeFetcher{
		"https://example.com": {
			Title:    "Example",
			Keywords: []string{"hello", "world"},
			Links:    []string{"https://example.com/about"},
		},
	}
	ing := ingest.New(store, nil, clock.NewManual(time.Unix(0, 0)), ingest.Config{}, zap.NewNop())
	svc := query.New(store, fetcher, ing, fixedFrontier(2), query.Config{}, zap.NewNop())
	return NewServer(svc, cfg, zap.NewNop()), store
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitCreatesPage(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	rec := do(t, server.Handler(), http.MethodPost, "/v1/pages", []byte(`{"url":"https://example.com"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "created", resp.Outcome)
	require.Equal(t, "Page added successfully.", resp.Message)
	require.Equal(t, "Example", resp.Page.Title)
	require.Empty(t, resp.FetchError)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestServer_SubmitRequiresAPIKeyWhenEnabled(t *testing.T) {
	t.Parallel()

	server, store := newTestServerWithConfig(t, config.ServerConfig{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})
	body := []byte(`{"url":"https://example.com"}`)

	tests := []struct {
		name   string
		header string
		target string
		want   int
	}{
		{"missing key", "", "/v1/pages", http.StatusForbidden},
		{"wrong key", "nope", "/v1/pages", http.StatusForbidden},
		{"header key", "secret", "/v1/pages", http.StatusCreated},
		{"query key", "", "/v1/pages?api_key=secret", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, tt.target, bytes.NewReader(body))
		if tt.header != "" {
			req.Header.Set("X-API-Key", tt.header)
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, tt.want, rec.Code, tt.name)
	}

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n, "rejected submissions never reach the store")

	rec := do(t, server.Handler(), http.MethodGet, "/v1/search?q=hello", nil)
	require.Equal(t, http.StatusOK, rec.Code, "reads stay open")
}

func TestServer_SubmitTwiceIsAlreadyTrusted(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	body := []byte(`{"url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, do(t, server.Handler(), http.MethodPost, "/v1/pages", body).Code)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/pages", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Page already exists in the database.")
}

func TestServer_SubmitReportsFetchFailure(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	rec := do(t, server.Handler(), http.MethodPost, "/v1/pages", []byte(`{"url":"https://down.example.com"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "page could not be fetched", resp.FetchError)
	require.NotContains(t, rec.Body.String(), "unreachable")
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"missing url", `{}`, "url required"},
		{"relative url", `{"url":"/about"}`, "absolute http(s) URL"},
		{"unsupported scheme", `{"url":"ftp://example.com"}`, "absolute http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server.Handler(), http.MethodPost, "/v1/pages", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_SearchOrdersByTrust(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	ctx := context.Background()
	for i, trust := range []float64{0.3, 0.8} {
		p, err := store.Create(ctx, fmt.Sprintf("https://%d.example.com", i), trust, fmt.Sprintf("Page %d", i))
		require.NoError(t, err)
		require.NoError(t, store.AddKeywords(ctx, p.ID, []string{"go", "crawler"}))
	}

	rec := do(t, server.Handler(), http.MethodGet, "/v1/search?q=Go+crawler", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Go crawler", resp.Query)
	require.Len(t, resp.Results, 2)
	require.Equal(t, "https://1.example.com", resp.Results[0].URL)
	require.InDelta(t, 0.8, resp.Results[0].Trust, 1e-12)

	rec = do(t, server.Handler(), http.MethodGet, "/v1/search?q=rust", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"query":"rust","results":[]}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	_, err := store.Create(context.Background(), "https://example.com", 1, "")
	require.NoError(t, err)

	rec := do(t, server.Handler(), http.MethodGet, "/v1/crawl/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total_crawled_pages":1,"links_waiting":2}`, rec.Body.String())
}

func TestServer_HealthEndpointsAndMetrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, server.Handler(), http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, server.Handler(), http.MethodGet, "/readyz", nil).Code)

	rec := do(t, server.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

type failingService struct {
	err   error
	panic bool
}

func (f failingService) Search(context.Context, string) ([]crawler.Page, error) {
	if f.panic {
		panic("boom")
	}
	return nil, f.err
}

func (f failingService) Status(context.Context) (query.Status, error) {
	return query.Status{}, f.err
}

func (f failingService) Submit(context.Context, string) (query.SubmitResult, error) {
	return query.SubmitResult{}, f.err
}

func TestServer_ErrorsHideInternals(t *testing.T) {
	t.Parallel()

	server := NewServer(failingService{err: errors.New("pq: connection reset")}, config.ServerConfig{}, zap.NewNop())
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/v1/search?q=x", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "pq:")

	rec = do(t, h, http.MethodGet, "/v1/crawl/status", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/pages", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"submission failed"}`, rec.Body.String())

	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_SubmitTimeoutMapsToGatewayTimeout(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	server := NewServer(failingService{err: wrapped}, config.ServerConfig{}, zap.NewNop())
	rec := do(t, server.Handler(), http.MethodPost, "/v1/pages", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(failingService{panic: true}, config.ServerConfig{}, zap.NewNop())
	rec := do(t, server.Handler(), http.MethodGet, "/v1/search?q=x", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "caller-id", seen)
}
