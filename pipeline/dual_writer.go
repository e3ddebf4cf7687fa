// Package pipeline accumulates discovered URLs and persists them in batches.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/robots-history/models"
)

// DualWriter outputs to the plain URL list and the JSON record together
type DualWriter struct {
	textWriter *TextWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// OutputFiles returns the {host}_urls.txt and {host}_urls.json paths in dir.
func OutputFiles(dir, host string) (string, string) {
	base := filepath.Join(dir, host+"_urls")
	return base + ".txt", base + ".json"
}

// NewDualWriter opens (or creates) both output files for host
func NewDualWriter(textFilename, jsonFilename, host string) (*DualWriter, error) {
	textWriter, err := NewTextWriter(textFilename, host)
	if err != nil {
		return nil, fmt.Errorf("failed to create text writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename, host)
	if err != nil {
		textWriter.Close()
		return nil, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	return &DualWriter{
		textWriter: textWriter,
		jsonWriter: jsonWriter,
	}, nil
}

// Write rewrites the record, then appends to the list. A failed record
// rewrite leaves the list untouched so the batch can be replayed.
func (dw *DualWriter) Write(batch *models.Batch) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.jsonWriter.Write(batch); err != nil {
		return fmt.Errorf("JSON write failed: %w", err)
	}

	if err := dw.textWriter.Write(batch); err != nil {
		return fmt.Errorf("text write failed: %w", err)
	}

	return nil
}

// Close closes both writers
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error

	if err := dw.textWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("text close failed: %w", err))
	}

	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSON close failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}

	return nil
}

// Validate validates both output files
func (dw *DualWriter) Validate() error {
	var errs []error

	if err := dw.textWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("text validation failed: %w", err))
	}

	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("JSON validation failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}
