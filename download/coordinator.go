// Package download saves image references into a product folder with a
// bounded pool of workers.
package download

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/metrics"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

const sniffLen = 512

// ImageFetcher streams remote images.
type ImageFetcher interface {
	Stream(ctx context.Context, rawURL string, handle func(*http.Response) error) error
}

// Request describes one batch of references.
type Request struct {
	URL        string
	Product    string
	Profile    models.ProfileName
	Selector   string
	MaxThreads int
}

// Coordinator downloads references concurrently. Filenames are reserved
// by a single dispatcher in reference order, so the set of results does
// not depend on the number of workers.
type Coordinator struct {
	fetcher  ImageFetcher
	cfg      *config.Config
	metrics  *metrics.Metrics
	progress ProgressFunc

	mu       sync.Mutex
	reporter *Reporter

	abortCtx context.Context
	abort    context.CancelFunc
}

// NewCoordinator builds a coordinator. m may be nil.
func NewCoordinator(f ImageFetcher, cfg *config.Config, m *metrics.Metrics) *Coordinator {
	abortCtx, abort := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:  f,
		cfg:      cfg,
		metrics:  m,
		abortCtx: abortCtx,
		abort:    abort,
	}
}

// OnProgress registers a callback invoked after every result.
func (c *Coordinator) OnProgress(fn ProgressFunc) {
	c.progress = fn
}

// Abort interrupts in-flight transfers. Their partial files are removed
// and every unfinished reference is reported as skipped. An aborted
// coordinator skips everything it is given afterwards.
func (c *Coordinator) Abort() {
	c.abort()
}

// Snapshot returns the progress of the current or last DownloadAll call.
// ok is false before the first call has collected its references.
func (c *Coordinator) Snapshot() (summary models.ScrapeSummary, ok bool) {
	c.mu.Lock()
	r := c.reporter
	c.mu.Unlock()
	if r == nil {
		return models.ScrapeSummary{}, false
	}
	return r.Snapshot(), true
}

type job struct {
	ref  models.ImageReference
	stem string
}

// DownloadAll processes every reference and returns the final summary.
// Cancelling ctx stops dispatching: in-flight downloads finish and the
// remaining references are skipped.
func (c *Coordinator) DownloadAll(ctx context.Context, refs iter.Seq[models.ImageReference], req Request) (*models.ScrapeSummary, error) {
	all := slices.Collect(refs)

	folderName := parser.SanitizeName(req.Product)
	if folderName == "" {
		folderName = "product"
	}
	folder, err := OpenFolder(c.cfg.OutputDir, folderName)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](max(c.cfg.DedupeMaxSize, 1))
	if err != nil {
		return nil, err
	}

	reporter := NewReporter(len(all), c.progress)
	c.mu.Lock()
	c.reporter = reporter
	c.mu.Unlock()
	workers := req.MaxThreads
	if workers <= 0 {
		workers = c.cfg.MaxThreads
	}
	workers = max(min(workers, len(all)), 1)

	slog.Info("downloading images",
		slog.String("product", req.Product),
		slog.String("folder", folder.Path),
		slog.Int("references", len(all)),
		slog.Int("workers", workers),
	)

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				c.record(reporter, c.process(folder, j))
			}
		}()
	}

dispatch:
	for i, ref := range all {
		if ctx.Err() != nil || c.abortCtx.Err() != nil {
			c.skipRest(reporter, all[i:])
			break
		}
		if dup, _ := seen.ContainsOrAdd(string(ref.Kind)+":"+ref.Payload, struct{}{}); dup {
			c.record(reporter, skipped(ref, models.ReasonDuplicate))
			continue
		}
		name := ref.SuggestedName
		if name == "" {
			name = fmt.Sprintf("image_%d", ref.Index)
		}
		stem, existing, ok := folder.Reserve(name, c.cfg.ExistingPolicy)
		if !ok {
			res := skipped(ref, models.ReasonAlreadyExists)
			res.Path = existing
			c.record(reporter, res)
			continue
		}

		select {
		case jobs <- job{ref: ref, stem: stem}:
		case <-ctx.Done():
			c.skipRest(reporter, all[i:])
			break dispatch
		case <-c.abortCtx.Done():
			c.skipRest(reporter, all[i:])
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	return reporter.Finalize(models.ScrapeSummary{
		URL:      req.URL,
		Product:  req.Product,
		Folder:   folder.Path,
		Profile:  req.Profile,
		Selector: req.Selector,
	}), nil
}

func (c *Coordinator) skipRest(reporter *Reporter, rest []models.ImageReference) {
	reason := models.ReasonCancelled
	if c.abortCtx.Err() != nil {
		reason = models.ReasonAborted
	}
	for _, ref := range rest {
		c.record(reporter, skipped(ref, reason))
	}
}

func (c *Coordinator) record(reporter *Reporter, res models.DownloadResult) {
	c.metrics.IncOutcome(string(res.Outcome))
	c.metrics.AddBytes(res.Bytes)
	if res.Outcome == models.Failed {
		slog.Warn("image failed",
			slog.String("source", res.Source),
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Error),
		)
	} else {
		slog.Debug("image done",
			slog.String("source", res.Source),
			slog.String("outcome", string(res.Outcome)),
			slog.String("reason", res.Reason),
			slog.String("path", res.Path),
		)
	}
	reporter.Record(res)
}

func skipped(ref models.ImageReference, reason string) models.DownloadResult {
	return models.DownloadResult{Reference: ref, Source: ref.Source(), Outcome: models.Skipped, Reason: reason}
}

func (c *Coordinator) process(folder *Folder, j job) models.DownloadResult {
	if c.abortCtx.Err() != nil {
		return skipped(j.ref, models.ReasonAborted)
	}
	if j.ref.Kind == models.InlineBase64 {
		return c.saveInline(folder, j)
	}
	return c.fetchRemote(folder, j)
}

func (c *Coordinator) saveInline(folder *Folder, j job) models.DownloadResult {
	res := models.DownloadResult{Reference: j.ref, Source: j.ref.Source(), Attempts: 1}
	data, err := decodeBase64(j.ref.Payload)
	if err != nil {
		c.metrics.IncError("decode")
		res.Outcome = models.Failed
		res.Error = err.Error()
		return res
	}

	path, n, err := folder.Save(j.stem, extension(j.ref, "", data), bytes.NewReader(data))
	if err != nil {
		c.metrics.IncError(KindDisk.String())
		res.Outcome = models.Failed
		res.Error = err.Error()
		return res
	}
	res.Outcome = models.Saved
	res.Path = path
	res.Bytes = n
	return res
}

func (c *Coordinator) fetchRemote(folder *Folder, j job) models.DownloadResult {
	res := models.DownloadResult{Reference: j.ref, Source: j.ref.Source()}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		path, n, err := c.fetchOnce(folder, j)
		if err == nil {
			res.Outcome = models.Saved
			res.Path = path
			res.Bytes = n
			return res
		}
		if c.abortCtx.Err() != nil {
			res.Outcome = models.Skipped
			res.Reason = models.ReasonAborted
			return res
		}

		dlErr := asDownloadError(j.ref.Payload, err)
		if !dlErr.Retryable() || attempt >= c.cfg.MaxAttempts {
			if dlErr.Kind == KindDisk {
				c.metrics.IncError(KindDisk.String())
			}
			res.Outcome = models.Failed
			res.Error = dlErr.Error()
			return res
		}

		delay := backoff(c.cfg, attempt)
		c.metrics.IncRetries()
		slog.Debug("retrying image",
			slog.String("url", j.ref.Payload),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", dlErr),
		)
		if !sleep(c.abortCtx, delay) {
			res.Outcome = models.Skipped
			res.Reason = models.ReasonAborted
			return res
		}
	}
}

func (c *Coordinator) fetchOnce(folder *Folder, j job) (string, int64, error) {
	var (
		path string
		n    int64
	)
	err := c.fetcher.Stream(c.abortCtx, j.ref.Payload, func(resp *http.Response) error {
		body := bufio.NewReaderSize(resp.Body, sniffLen)
		head, _ := body.Peek(sniffLen)
		ext := extension(j.ref, resp.Header.Get("Content-Type"), head)

		var err error
		path, n, err = folder.Save(j.stem, ext, body)
		return err
	})
	return path, n, err
}
