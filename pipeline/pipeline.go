// Package pipeline validates, de-duplicates and writes collection items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/metrics"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for pending batches.
var drainTimeout = 30 * time.Second

// Rejection reasons counted in Stats.
const (
	RejectInvalid   = "invalid_record"
	RejectDuplicate = "duplicate_url"
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(items []*models.CollectionItem) error
	Close() error
	Validate() error
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Processed        int64
	ValidationErrors map[string]int
}

// Pipeline coordinates validation, de-duplication, and output writing.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	itemCh    chan *models.CollectionItem
	batchSize int
	metrics   *metrics.Metrics

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	mu         sync.Mutex // guards closed/err and the counters
	closed     bool
	err        error
	processed  int64
	validation map[string]int

	startOnce    sync.Once
	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg. Enqueueing stops when ctx
// is cancelled.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	seen, _ := lru.New[string, struct{}](max(cfg.DedupeMaxSize, 1))
	return &Pipeline{
		ctx:        ctx,
		writer:     writer,
		itemCh:     make(chan *models.CollectionItem, max(cfg.PipelineBufferSize, 1)),
		batchSize:  max(cfg.BatchSize, 1),
		seen:       seen,
		validation: make(map[string]int),
		shutdown:   make(chan struct{}),
	}
}

// WithMetrics reports accepted items to m.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Start launches the writer goroutine. A single writer drains the queue,
// so items reach the OutputWriter in submission order. Later calls are
// no-ops.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker()
	})
}

// Process enqueues items for downstream processing.
func (p *Pipeline) Process(items ...*models.CollectionItem) error {
	if len(items) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, item := range items {
		if item == nil {
			continue
		}
		if err := p.enqueue(item); err != nil {
			return err
		}
	}
	return nil
}

// Close stops submissions and waits for workers to flush their batches.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.itemCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return p.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	validation := make(map[string]int, len(p.validation))
	for k, v := range p.validation {
		validation[k] = v
	}
	return Stats{Processed: p.processed, ValidationErrors: validation}
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := p.Stats()
				slog.Info("pipeline progress",
					slog.Int64("processed", stats.Processed),
					slog.Int("invalid", stats.ValidationErrors[RejectInvalid]),
					slog.Int("duplicates", stats.ValidationErrors[RejectDuplicate]),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.CollectionItem, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for item := range p.itemCh {
		prepared := p.prepare(item)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) prepare(item *models.CollectionItem) *models.CollectionItem {
	if err := parser.ValidateItem(item); err != nil {
		slog.Debug("dropping collection item", slog.Any("error", err))
		p.reject(RejectInvalid)
		return nil
	}

	if found, _ := p.seen.ContainsOrAdd(item.Link, struct{}{}); found {
		p.reject(RejectDuplicate)
		return nil
	}

	item.Name = parser.NormalizeText(item.Name)
	if item.ScrapedAt.IsZero() {
		item.ScrapedAt = time.Now().UTC()
	}

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	p.metrics.IncItems()
	return item
}

func (p *Pipeline) reject(reason string) {
	p.mu.Lock()
	p.validation[reason]++
	p.mu.Unlock()
}

func (p *Pipeline) enqueue(item *models.CollectionItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.itemCh <- item:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.itemCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}
