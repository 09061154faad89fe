// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
)

// DefaultTimeout bounds a single page fetch.
const DefaultTimeout = 5 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page accumulates what the collector callbacks extract from one response.
type page struct {
	base      *url.URL
	title     string
	text      string
	hrefs     []string
	fetchErr  error
	status    int
	responded bool
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	// Clones share the base collector's http.Client, so its timeout is set
	// once here and never per fetch.
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch downloads rawURL and extracts its title, keywords and outbound links.
// Every failure is returned as a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return crawler.FetchResult{}, &crawler.FetchError{URL: rawURL, Err: err}
	}
	state := &page{base: base}
	collector := f.buildCollector(state)
	if err := f.runCollector(ctx, collector, rawURL, state); err != nil {
		return crawler.FetchResult{}, err
	}
	return state.result(rawURL), nil
}

func (f *Fetcher) buildCollector(state *page) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, state *page) {
	hooks.OnResponse(func(r *colly.Response) {
		state.responded = true
		state.status = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			state.base = r.Request.URL
		}
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if state.title == "" {
			state.title = strings.TrimSpace(e.Text)
		}
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		state.hrefs = append(state.hrefs, e.Attr("href"))
	})

	hooks.OnHTML("html", func(e *colly.HTMLElement) {
		state.text = documentText(e.DOM)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, state *page) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: rawURL, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if state.fetchErr != nil {
			return &crawler.FetchError{URL: rawURL, StatusCode: state.status, Err: state.fetchErr}
		}
		if err != nil {
			return &crawler.FetchError{URL: rawURL, StatusCode: state.status, Err: err}
		}
		if state.status < http.StatusOK || state.status >= http.StatusMultipleChoices {
			return &crawler.FetchError{
				URL:        rawURL,
				StatusCode: state.status,
				Err:        errors.New("unexpected status"),
			}
		}
		return nil
	}
}

// result converts the collected state into a FetchResult. The title falls
// back to the requested URL; links are absolute http(s) URLs without
// fragments, de-duplicated in document order.
func (p *page) result(rawURL string) crawler.FetchResult {
	title := p.title
	if title == "" {
		title = rawURL
	}
	seen := make(map[string]struct{}, len(p.hrefs))
	links := make([]string, 0, len(p.hrefs))
	for _, href := range p.hrefs {
		link, ok := crawler.ResolveLink(p.base, href)
		if !ok {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return crawler.FetchResult{
		Title:    title,
		Keywords: crawler.NormalizeWords(strings.Fields(p.text)),
		Links:    links,
	}
}

// documentText returns the text content of the whole document.
func documentText(sel *goquery.Selection) string {
	if sel == nil {
		return ""
	}
	return sel.Text()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
