// Package scraper ties fetching, profile detection, extraction and
// downloads together behind the run contract used by the command line.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/download"
	"github.com/aluiziolira/go-scrape-products/extractor"
	"github.com/aluiziolira/go-scrape-products/fetcher"
	"github.com/aluiziolira/go-scrape-products/metrics"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/profile"
	"github.com/aluiziolira/go-scrape-products/selector"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFatal        = 1
	ExitNoCandidates = 2
	ExitFailures     = 3
)

// RunResult is the outcome of one image run.
type RunResult struct {
	ExitCode    int
	Summary     *models.ScrapeSummary
	SummaryPath string
}

// Scraper runs image downloads and text extractions against product pages.
type Scraper struct {
	cfg      *config.Config
	fetcher  *fetcher.Fetcher
	resolver *profile.Resolver
	detail   *extractor.Detail
	alt      download.AltText
	Metrics  *metrics.Metrics

	progress download.ProgressFunc

	mu      sync.Mutex
	active  map[*download.Coordinator]struct{}
	aborted bool
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var custom []profile.Rule
	if cfg.ProfilesFile != "" {
		rules, err := profile.LoadFile(cfg.ProfilesFile)
		if err != nil {
			return nil, err
		}
		custom = rules
	}
	resolver := profile.NewResolver(custom...)

	var alt download.AltText
	if cfg.AltTextFile != "" {
		loaded, err := download.LoadAltText(cfg.AltTextFile)
		if err != nil {
			return nil, err
		}
		alt = loaded
	}

	m := metrics.New()
	f := fetcher.New(cfg, m)
	detail := extractor.NewDetail(f, resolver)
	if cfg.Profile != "" {
		p, ok := resolver.Lookup(cfg.Profile)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q (known: %v)", cfg.Profile, resolver.Names())
		}
		detail.ForceProfile(p)
	}

	return &Scraper{
		cfg:      cfg,
		fetcher:  f,
		resolver: resolver,
		detail:   detail,
		alt:      alt,
		Metrics:  m,
		active:   make(map[*download.Coordinator]struct{}),
	}, nil
}

// WithTransport replaces the HTTP transport used for every request.
func (s *Scraper) WithTransport(rt http.RoundTripper) {
	s.fetcher.WithTransport(rt)
}

// OnProgress registers a callback invoked after every download result.
// With concurrent runs it is called from several goroutines.
func (s *Scraper) OnProgress(fn download.ProgressFunc) {
	s.progress = fn
}

// Abort interrupts the running downloads and any later one.
func (s *Scraper) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	for c := range s.active {
		c.Abort()
	}
}

// Snapshots returns the progress of every download in flight.
func (s *Scraper) Snapshots() []models.ScrapeSummary {
	s.mu.Lock()
	coords := make([]*download.Coordinator, 0, len(s.active))
	for c := range s.active {
		coords = append(coords, c)
	}
	s.mu.Unlock()

	var out []models.ScrapeSummary
	for _, c := range coords {
		if snap, ok := c.Snapshot(); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Run downloads every image of target into its product folder. A non-nil
// error is always paired with ExitFatal.
func (s *Scraper) Run(ctx context.Context, target models.ScrapeTarget) (*RunResult, error) {
	fatal := &RunResult{ExitCode: ExitFatal}
	if err := config.ValidateURL(target.URL); err != nil {
		return fatal, err
	}
	if target.Selector != "" {
		if err := selector.Compile(target.Selector); err != nil {
			return fatal, err
		}
	}

	doc, prof, err := s.detail.Page(ctx, target.URL)
	if err != nil {
		return fatal, err
	}

	sel := target.Selector
	if sel == "" {
		sel = prof.ImageSelector
	}
	nodes, err := doc.Select(sel)
	if err != nil {
		return fatal, err
	}
	if target.Selector == "" && nodes.Length() == 0 && sel != profile.Generic.ImageSelector {
		slog.Info("profile selector matched nothing, using generic",
			slog.String("profile", string(prof.Name)),
			slog.String("selector", sel),
		)
		sel = profile.Generic.ImageSelector
		if nodes, err = doc.Select(sel); err != nil {
			return fatal, err
		}
	}
	product := extractor.ProductName(doc)

	slog.Info("page resolved",
		slog.String("url", target.URL),
		slog.String("profile", string(prof.Name)),
		slog.String("selector", sel),
		slog.Int("nodes", nodes.Length()),
	)

	coord := download.NewCoordinator(s.fetcher, s.cfg, s.Metrics)
	coord.OnProgress(s.progress)
	s.track(coord)
	defer s.untrack(coord)

	summary, err := coord.DownloadAll(ctx, extractor.Images(doc, nodes, prof.TitleSelector), download.Request{
		URL:        target.URL,
		Product:    product,
		Profile:    prof.Name,
		Selector:   sel,
		MaxThreads: target.MaxThreads,
	})
	if err != nil {
		return fatal, err
	}

	if s.alt != nil {
		renamed := *summary
		renamed.Results = slices.Clone(summary.Results)
		summary = &renamed
		if n := s.alt.Rename(summary); n > 0 {
			slog.Info("images renamed from alt text", slog.Int("renamed", n))
		}
	}

	result := &RunResult{
		ExitCode: ExitCode(summary, s.cfg.PartialPolicy),
		Summary:  summary,
	}
	if path := s.summaryPath(summary); path != "" {
		if err := pipeline.WriteSummary(path, summary); err != nil {
			slog.Warn("summary not written", slog.String("path", path), slog.Any("error", err))
		} else {
			result.SummaryPath = path
		}
	}
	return result, nil
}

// ExitCode maps a summary to the process exit code under policy.
func ExitCode(summary *models.ScrapeSummary, policy string) int {
	switch {
	case summary == nil:
		return ExitFatal
	case summary.Attempted == 0:
		return ExitNoCandidates
	case summary.Failed > 0 && summary.Failed == summary.Attempted:
		return ExitFailures
	case summary.Failed > 0 && policy != config.PartialLenient:
		return ExitFailures
	default:
		return ExitOK
	}
}

func (s *Scraper) summaryPath(summary *models.ScrapeSummary) string {
	switch s.cfg.SummaryFile {
	case "-":
		return ""
	case "":
		return filepath.Join(s.cfg.OutputDir, filepath.Base(summary.Folder)+".summary.json")
	default:
		return s.cfg.SummaryFile
	}
}

func (s *Scraper) track(c *download.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[c] = struct{}{}
	if s.aborted {
		c.Abort()
	}
}

func (s *Scraper) untrack(c *download.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
}

// Collection sends every product link found from pageURL through p and
// returns the number of items submitted.
func (s *Scraper) Collection(ctx context.Context, pageURL string, p *pipeline.Pipeline) (int, error) {
	if err := config.ValidateURL(pageURL); err != nil {
		return 0, err
	}
	items, err := s.detail.Collection(ctx, pageURL, s.cfg.Selector, s.cfg.NextSelector, s.cfg.MaxPages)
	if err != nil {
		return 0, err
	}
	for i := range items {
		if err := p.Process(&items[i]); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// Description returns the description of pageURL, as markdown when
// cfg.Markdown is set.
func (s *Scraper) Description(ctx context.Context, pageURL string) (string, error) {
	if err := config.ValidateURL(pageURL); err != nil {
		return "", err
	}
	return s.detail.Description(ctx, pageURL, s.cfg.Selector, s.cfg.Markdown)
}

// Price returns the numeric price of pageURL and the text it came from.
func (s *Scraper) Price(ctx context.Context, pageURL string) (float64, string, error) {
	if err := config.ValidateURL(pageURL); err != nil {
		return 0, "", err
	}
	return s.detail.Price(ctx, pageURL, s.cfg.Selector)
}

// Variants returns the product title and its variant labels.
func (s *Scraper) Variants(ctx context.Context, pageURL string) (string, []string, error) {
	if err := config.ValidateURL(pageURL); err != nil {
		return "", nil, err
	}
	return s.detail.Variants(ctx, pageURL, s.cfg.Selector)
}

// SuggestLinkSelector fetches pageURL and proposes a selector for its
// product links.
func (s *Scraper) SuggestLinkSelector(ctx context.Context, pageURL string) (string, error) {
	if err := config.ValidateURL(pageURL); err != nil {
		return "", err
	}
	page, err := s.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return selector.SuggestLinkSelector(page.HTML)
}
