// Package pipeline moves resolved experiences to the output sink. The crawl
// hands records over one completed page unit at a time, so processing is a
// synchronous write-through; the mutex keeps it safe for any future
// concurrent producer.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-erowid/models"
)

// ErrPipelineClosed is returned when Process is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.Experience) error
	Close() error
	Validate() error
}

// Pipeline forwards records to the configured writer and tracks throughput.
type Pipeline struct {
	writer OutputWriter

	mu        sync.Mutex
	closed    bool
	err       error
	processed int64

	closeOnce sync.Once
}

// NewPipeline wraps an output writer.
func NewPipeline(writer OutputWriter) *Pipeline {
	return &Pipeline{writer: writer}
}

// Process writes records through to the output sink. A writer failure closes
// the pipeline: callers must not commit progress for records that reached no
// sink.
func (p *Pipeline) Process(records ...*models.Experience) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrPipelineClosed
	}

	batch := make([]*models.Experience, 0, len(records))
	for _, exp := range records {
		if exp != nil {
			batch = append(batch, exp)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	if err := p.writer.Write(batch); err != nil {
		p.err = fmt.Errorf("write records: %w", err)
		p.closed = true
		return p.err
	}
	p.processed += int64(len(batch))
	return nil
}

// Close closes the underlying writer once and prevents more submissions. It
// returns the first processing error when one occurred earlier.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	var closeErr error
	p.closeOnce.Do(func() {
		closeErr = p.writer.Close()
	})
	if closeErr != nil {
		return fmt.Errorf("close writer: %w", closeErr)
	}
	return p.err
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Processed returns the number of records written so far.
func (p *Pipeline) Processed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}
