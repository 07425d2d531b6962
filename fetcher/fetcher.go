// Package fetcher issues the HTTP requests of a scrape: product pages
// through a colly collector, image bodies as streams on the same transport.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/metrics"
)

// Phases used as metric labels.
const (
	PhasePage  = "page"
	PhaseImage = "image"
)

// Page is a fetched HTML document decoded to UTF-8.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	HTML        string
}

// requestHeader carries the id of the caller context through the collector,
// which builds its requests without one.
const requestHeader = "X-Scraper-Request"

// Fetcher performs GET requests with a shared timeout, redirect limit,
// user agent and optional rate limit.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	client    *http.Client
	limiter   *rate.Limiter
	metrics   *metrics.Metrics

	nextID   atomic.Uint64
	contexts sync.Map // request id -> context.Context
}

// contextTransport rebinds collector requests to the context registered
// under their request header.
type contextTransport struct {
	base     http.RoundTripper
	contexts *sync.Map
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(requestHeader)
	if id == "" {
		return t.base.RoundTrip(req)
	}
	ctx := req.Context()
	if v, ok := t.contexts.Load(id); ok {
		ctx = v.(context.Context)
	}
	bound := req.Clone(ctx)
	bound.Header.Del(requestHeader)
	return t.base.RoundTrip(bound)
}

// New builds a fetcher configured from cfg. m may be nil.
func New(cfg *config.Config, m *metrics.Metrics) *Fetcher {
	f := &Fetcher{cfg: cfg, metrics: m}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.MaxBodySize = cfg.MaxBodySize
	collector.SetRedirectHandler(f.checkRedirect)
	f.collector = collector

	f.client = &http.Client{
		Timeout:       cfg.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	f.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: max(cfg.MaxThreads, 2),
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	return f
}

// WithTransport replaces the round tripper used for pages and images.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(&contextTransport{base: rt, contexts: &f.contexts})
	f.client.Transport = rt
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.cfg.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
	}
	return nil
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return ctx.Err()
	}
	return f.limiter.Wait(ctx)
}

// Fetch downloads one HTML page. Cancelling ctx aborts the request in
// flight. Any failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	if err := f.wait(ctx); err != nil {
		return nil, f.fail(PhasePage, ClassifyError(pageURL, err, 0))
	}

	id := strconv.FormatUint(f.nextID.Add(1), 10)
	f.contexts.Store(id, ctx)
	defer f.contexts.Delete(id)

	c := f.collector.Clone()

	var (
		page       *Page
		statusCode int
	)
	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		page = &Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			HTML:        decodeBody(r.Body, contentType),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	f.metrics.IncRequest(PhasePage)
	start := time.Now()
	hdr := http.Header{}
	hdr.Set("User-Agent", f.cfg.UserAgent)
	hdr.Set(requestHeader, id)
	err := c.Request(http.MethodGet, pageURL, nil, nil, hdr)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		err = ctxErr
	}
	f.metrics.ObserveDuration(PhasePage, time.Since(start))
	if err != nil {
		return nil, f.fail(PhasePage, ClassifyError(pageURL, err, statusCode))
	}
	if page == nil {
		return nil, f.fail(PhasePage, &FetchError{Kind: KindNetwork, URL: pageURL, Err: fmt.Errorf("no response")})
	}

	slog.Debug("page fetched",
		slog.String("url", page.URL),
		slog.Int("status", page.StatusCode),
		slog.Int("bytes", len(page.HTML)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return page, nil
}

// Stream issues a GET for rawURL and hands the 2xx response to handle.
// The body is closed when Stream returns. Errors returned by handle are
// passed through unchanged; request failures are *FetchError.
func (f *Fetcher) Stream(ctx context.Context, rawURL string, handle func(*http.Response) error) error {
	if err := f.wait(ctx); err != nil {
		return f.fail(PhaseImage, ClassifyError(rawURL, err, 0))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return f.fail(PhaseImage, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err})
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	f.metrics.IncRequest(PhaseImage)
	start := time.Now()
	resp, err := f.client.Do(req)
	f.metrics.ObserveDuration(PhaseImage, time.Since(start))
	if err != nil {
		return f.fail(PhaseImage, ClassifyError(rawURL, err, 0))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return f.fail(PhaseImage, ClassifyError(rawURL, nil, resp.StatusCode))
	}
	return handle(resp)
}

func (f *Fetcher) fail(phase string, err error) error {
	label := ErrorKindLabel(err)
	f.metrics.IncError(label)
	slog.Debug("request failed",
		slog.String("phase", phase),
		slog.String("category", label),
		slog.Any("error", err),
	)
	return err
}

// decodeBody returns the page as UTF-8. The collector already converts
// bodies whose Content-Type names a charset, so only undeclared ones are
// sniffed from BOM and meta tags here.
func decodeBody(body []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil && params["charset"] != "" {
		return string(body)
	}
	r, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		return string(body)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
