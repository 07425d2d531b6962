package download

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-products/models"
)

// ProgressFunc is called after every recorded result with the number of
// results so far and the expected total.
type ProgressFunc func(completed, total int, result models.DownloadResult)

// Reporter accumulates download results from concurrent workers.
// Progress callbacks run under the reporter lock, so they observe
// completed counts in order and must not call back into the reporter.
type Reporter struct {
	mu       sync.Mutex
	total    int
	started  time.Time
	results  []models.DownloadResult
	saved    int
	skipped  int
	failed   int
	progress ProgressFunc
	final    *models.ScrapeSummary
}

// NewReporter expects total results.
func NewReporter(total int, progress ProgressFunc) *Reporter {
	return &Reporter{
		total:    total,
		started:  time.Now(),
		results:  make([]models.DownloadResult, 0, total),
		progress: progress,
	}
}

// Record adds one result. Results arriving after Finalize are dropped.
func (r *Reporter) Record(res models.DownloadResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final != nil {
		slog.Warn("result recorded after finalize", slog.String("source", res.Source))
		return
	}
	r.results = append(r.results, res)
	switch res.Outcome {
	case models.Saved:
		r.saved++
	case models.Skipped:
		r.skipped++
	case models.Failed:
		r.failed++
	}
	if r.progress != nil {
		r.progress(len(r.results), r.total, res)
	}
}

// Snapshot returns a copy of the current state.
func (r *Reporter) Snapshot() models.ScrapeSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return copySummary(r.final)
	}
	return models.ScrapeSummary{
		Attempted: len(r.results),
		Saved:     r.saved,
		Skipped:   r.skipped,
		Failed:    r.failed,
		Results:   slices.Clone(r.results),
		StartedAt: r.started,
	}
}

// Finalize freezes the results, ordered by reference index, into a copy
// of header. Later calls return the first summary unchanged.
func (r *Reporter) Finalize(header models.ScrapeSummary) *models.ScrapeSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final
	}

	results := slices.Clone(r.results)
	slices.SortStableFunc(results, func(a, b models.DownloadResult) int {
		return cmp.Compare(a.Reference.Index, b.Reference.Index)
	})
	header.Attempted = len(results)
	header.Saved = r.saved
	header.Skipped = r.skipped
	header.Failed = r.failed
	header.Results = results
	header.StartedAt = r.started
	header.FinishedAt = time.Now()
	r.final = &header
	return r.final
}

func copySummary(s *models.ScrapeSummary) models.ScrapeSummary {
	out := *s
	out.Results = slices.Clone(s.Results)
	return out
}
