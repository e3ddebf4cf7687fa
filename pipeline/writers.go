package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/robots-history/models"
	"github.com/aluiziolira/robots-history/parser"
)

// timeLayout is the wall-clock format used inside the JSON record.
const timeLayout = "2006-01-02 15:04:05"

// TextWriter appends discovered URLs, one per line.
type TextWriter struct {
	file *os.File
	host string
	mu   sync.Mutex
}

// NewTextWriter opens filename for appending, writing the comment header
// when the file does not exist yet.
func NewTextWriter(filename, host string) (*TextWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	_, statErr := os.Stat(filename)
	fresh := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open text file: %w", err)
	}

	if fresh {
		if _, err := fmt.Fprintf(f, "# URLs extracted from %s robots.txt versions\n", host); err != nil {
			f.Close()
			return nil, fmt.Errorf("write text header: %w", err)
		}
	}

	return &TextWriter{file: f, host: host}, nil
}

// Write appends the batch's new URLs in sorted order. Root-relative paths
// are written as https URLs on the target host.
func (tw *TextWriter) Write(batch *models.Batch) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	urls := append([]string(nil), batch.NewURLs...)
	sort.Strings(urls)

	buffer := bufio.NewWriter(tw.file)
	for _, u := range urls {
		if _, err := buffer.WriteString(parser.Absolutize(tw.host, u) + "\n"); err != nil {
			return fmt.Errorf("write url line: %w", err)
		}
	}
	if err := buffer.Flush(); err != nil {
		return fmt.Errorf("flush text writer: %w", err)
	}
	return nil
}

// Close closes the file handle.
func (tw *TextWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.file.Close()
}

// Validate ensures the file holds at least the header.
func (tw *TextWriter) Validate() error {
	info, err := os.Stat(tw.file.Name())
	if err != nil {
		return fmt.Errorf("stat text file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("text file is empty")
	}
	return nil
}

// JSONWriter rewrites the JSON record on every batch.
type JSONWriter struct {
	filename string
	domain   string
	now      func() time.Time
	mu       sync.Mutex
}

// NewJSONWriter creates the initial record when filename is absent; an
// existing record is reused and keeps its start time.
func NewJSONWriter(filename, domain string) (*JSONWriter, error) {
	return newJSONWriter(filename, domain, time.Now)
}

func newJSONWriter(filename, domain string, now func() time.Time) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	jw := &JSONWriter{filename: filename, domain: domain, now: now}

	_, err := os.Stat(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
		initial := &models.Record{
			Domain:    domain,
			StartTime: now().Format(timeLayout),
			URLs:      []string{},
		}
		if err := jw.store(initial); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("stat json file: %w", err)
	}
	return jw, nil
}

// Write replaces the URL list and progress counters of the record.
func (jw *JSONWriter) Write(batch *models.Batch) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	record := jw.load()
	record.URLs = append([]string{}, batch.AllURLs...)
	record.TotalProcessed = batch.Progress.Processed
	record.TotalURLs = len(batch.AllURLs)
	record.LastUpdate = jw.now().Format(timeLayout)
	record.Progress = batch.Progress.String()

	return jw.store(record)
}

// Close is a no-op; the record is not held open between writes.
func (jw *JSONWriter) Close() error {
	return nil
}

// Validate ensures the record on disk decodes.
func (jw *JSONWriter) Validate() error {
	data, err := os.ReadFile(jw.filename)
	if err != nil {
		return fmt.Errorf("read json file: %w", err)
	}
	var record models.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode json file: %w", err)
	}
	return nil
}

func (jw *JSONWriter) load() *models.Record {
	data, err := os.ReadFile(jw.filename)
	if err == nil {
		var record models.Record
		if err = json.Unmarshal(data, &record); err == nil {
			if record.Domain == "" {
				record.Domain = jw.domain
			}
			return &record
		}
	}

	slog.Warn("json record unreadable, starting a new one",
		slog.String("file", jw.filename),
		slog.Any("error", err),
	)
	return &models.Record{
		Domain:    jw.domain,
		StartTime: jw.now().Format(timeLayout),
	}
}

func (jw *JSONWriter) store(record *models.Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json record: %w", err)
	}

	tmp := jw.filename + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write json record: %w", err)
	}
	if err := os.Rename(tmp, jw.filename); err != nil {
		return fmt.Errorf("replace json record: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
