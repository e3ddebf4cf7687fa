package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aluiziolira/robots-history/models"
)

var (
	// ErrPipelineClosed is returned when the pipeline is used after Close.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(batch *models.Batch) error
	Close() error
	Validate() error
}

// Pipeline holds every URL seen during the process lifetime and flushes
// staged URLs to the writer at batch boundaries.
type Pipeline struct {
	writer    OutputWriter
	batchSize int

	mu      sync.Mutex
	seen    map[string]struct{}
	pending map[string]struct{}
	closed  bool

	metrics metrics
}

// NewPipeline builds a pipeline flushing every batchSize snapshots.
func NewPipeline(writer OutputWriter, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Pipeline{
		writer:    writer,
		batchSize: batchSize,
		seen:      make(map[string]struct{}),
		pending:   make(map[string]struct{}),
		metrics:   newMetrics(),
	}
}

// Process stages urls for the next flush.
func (p *Pipeline) Process(urls ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	for _, u := range urls {
		if u == "" {
			continue
		}
		p.pending[u] = struct{}{}
	}
	return nil
}

// Checkpoint records that processed of total snapshots are done and flushes
// when processed is a multiple of the batch size or the last snapshot.
func (p *Pipeline) Checkpoint(processed, total int) (bool, error) {
	if processed <= 0 {
		return false, nil
	}
	p.metrics.setProcessed(int64(processed))
	if processed%p.batchSize != 0 && processed != total {
		return false, nil
	}
	if _, err := p.Flush(models.Progress{Processed: processed, Total: total}); err != nil {
		return false, err
	}
	return true, nil
}

// Flush writes staged URLs not seen before along with the full sorted set.
// It returns the number of newly recorded URLs.
func (p *Pipeline) Flush(progress models.Progress) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPipelineClosed
	}

	fresh := make([]string, 0, len(p.pending))
	for u := range p.pending {
		if _, ok := p.seen[u]; ok {
			continue
		}
		fresh = append(fresh, u)
	}
	sort.Strings(fresh)

	all := make([]string, 0, len(p.seen)+len(fresh))
	for u := range p.seen {
		all = append(all, u)
	}
	all = append(all, fresh...)
	sort.Strings(all)

	batch := &models.Batch{NewURLs: fresh, AllURLs: all, Progress: progress}
	if err := p.writer.Write(batch); err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}

	for _, u := range fresh {
		p.seen[u] = struct{}{}
	}
	p.pending = make(map[string]struct{})
	p.metrics.recordFlush(len(fresh))
	return len(fresh), nil
}

// Reset drops staged URLs that were never flushed. Seen URLs are kept.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.pending = make(map[string]struct{})
	p.mu.Unlock()
}

// Len returns the number of URLs flushed so far.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Close closes the writer and rejects further use.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

type metrics struct {
	mu        sync.Mutex
	processed int64
	flushes   int64
	newURLs   int64
}

func newMetrics() metrics {
	return metrics{}
}

func (m *metrics) setProcessed(n int64) {
	m.mu.Lock()
	m.processed = n
	m.mu.Unlock()
}

func (m *metrics) recordFlush(newURLs int) {
	m.mu.Lock()
	m.flushes++
	m.newURLs += int64(newURLs)
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"processed_snapshots": m.processed,
		"flushes":             m.flushes,
		"new_urls":            m.newURLs,
	}
}
