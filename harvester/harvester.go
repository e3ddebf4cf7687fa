// Package harvester runs the fetch, parse and persist workflow over every
// archived robots.txt capture of a domain.
package harvester

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/robots-history/config"
	"github.com/aluiziolira/robots-history/models"
	"github.com/aluiziolira/robots-history/parser"
	"github.com/aluiziolira/robots-history/pipeline"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNoSnapshots is returned when the index lists no captures.
	ErrNoSnapshots = errors.New("harvester: no historical versions found")
	// ErrAttemptsExhausted is returned once every retry attempt has failed.
	ErrAttemptsExhausted = errors.New("harvester: attempts exhausted")
)

// Archive is the subset of the archive client the workflow needs.
type Archive interface {
	FetchIndex(ctx context.Context, host string) ([]models.Snapshot, error)
	FetchSnapshot(ctx context.Context, s models.Snapshot) (string, bool)
	ErrorsByType() map[string]int
}

// Recorder receives workflow counters. *archive.Metrics satisfies it.
type Recorder interface {
	IncSnapshots()
	AddDiscovered(n int)
	IncFlushes()
	IncAttempt(outcome string)
}

// Harvester drives one domain's workflow.
type Harvester struct {
	cfg      *config.Config
	archive  Archive
	pipeline *pipeline.Pipeline
	recorder Recorder
	memo     *lru.Cache[string, []string]

	textFile string
	jsonFile string

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a harvester. files are the text and JSON output paths reported
// on success.
func New(cfg *config.Config, archive Archive, p *pipeline.Pipeline, recorder Recorder, textFile, jsonFile string) (*Harvester, error) {
	memo, err := lru.New[string, []string](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("create snapshot memo: %w", err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Harvester{
		cfg:      cfg,
		archive:  archive,
		pipeline: p,
		recorder: recorder,
		memo:     memo,
		textFile: textFile,
		jsonFile: jsonFile,
		sleep:    sleepContext,
	}, nil
}

// Run performs a single attempt: list captures, then fetch, parse and
// checkpoint each one in order.
func (h *Harvester) Run(ctx context.Context) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.RunResult{
		Domain:    h.cfg.Domain,
		TextFile:  h.textFile,
		JSONFile:  h.jsonFile,
		StartTime: time.Now(),
	}

	snapshots, err := h.archive.FetchIndex(ctx, h.cfg.Domain)
	if err != nil {
		slog.Error("could not fetch archive list", slog.String("domain", h.cfg.Domain), slog.Any("error", err))
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	if len(snapshots) == 0 {
		slog.Warn("no historical versions found", slog.String("domain", h.cfg.Domain))
		return nil, ErrNoSnapshots
	}

	total := len(snapshots)
	result.Snapshots = total
	slog.Info("found historical robots.txt versions", slog.Int("versions", total))

	// Anything staged by an earlier failed attempt is re-derived below.
	h.pipeline.Reset()

	for i, snapshot := range snapshots {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("harvest interrupted at %d/%d: %w", i, total, err)
		}
		processed := i + 1

		content, ok := h.archive.FetchSnapshot(ctx, snapshot)
		if ok && content != "" {
			result.Fetched++
			urls, hit := h.extract(content)
			if hit {
				result.MemoHits++
			}
			if err := h.pipeline.Process(urls...); err != nil {
				return nil, fmt.Errorf("stage urls: %w", err)
			}
		} else if !ok {
			result.Failed++
		}
		h.recorder.IncSnapshots()

		before := h.pipeline.Len()
		flushed, err := h.pipeline.Checkpoint(processed, total)
		if err != nil {
			return nil, fmt.Errorf("flush at %d/%d: %w", processed, total, err)
		}
		if flushed {
			added := h.pipeline.Len() - before
			h.recorder.IncFlushes()
			h.recorder.AddDiscovered(added)
			slog.Info("batch saved",
				slog.Int("new_urls", added),
				slog.Int("total_unique", h.pipeline.Len()),
				slog.String("progress", models.Progress{Processed: processed, Total: total}.String()),
			)
		} else if processed%h.cfg.ProgressEvery == 0 {
			slog.Info("processing",
				slog.String("progress", models.Progress{Processed: processed, Total: total}.String()),
			)
		}
	}

	result.URLCount = h.pipeline.Len()
	result.ErrorsByType = h.archive.ErrorsByType()
	result.EndTime = time.Now()
	return result, nil
}

// RunWithRetry repeats Run up to cfg.MaxAttempts times, waiting
// cfg.RetryDelay after each failed attempt. A panic inside an attempt counts
// as a failure.
func (h *Harvester) RunWithRetry(ctx context.Context) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		slog.Info("starting attempt", slog.Int("attempt", attempt), slog.Int("max_attempts", h.cfg.MaxAttempts))

		result, err := h.attempt(ctx)
		if err == nil && result != nil {
			h.recorder.IncAttempt("success")
			result.Attempts = attempt
			return result, nil
		}
		if err == nil {
			err = ErrNoSnapshots
		}
		lastErr = err
		h.recorder.IncAttempt("failure")

		if attempt == h.cfg.MaxAttempts {
			break
		}
		slog.Warn("attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", h.cfg.RetryDelay),
			slog.Any("error", err),
		)
		if err := h.sleep(ctx, h.cfg.RetryDelay); err != nil {
			return nil, &AttemptsError{Attempts: attempt, Err: err}
		}
	}

	return nil, &AttemptsError{Attempts: h.cfg.MaxAttempts, Err: lastErr}
}

// AttemptsError reports how many attempts ran before the harvest gave up.
// It matches ErrAttemptsExhausted and the last failure with errors.Is.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrAttemptsExhausted, e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() []error {
	return []error{ErrAttemptsExhausted, e.Err}
}

func (h *Harvester) attempt(ctx context.Context) (result *models.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during harvest", slog.Any("panic", r))
			result, err = nil, fmt.Errorf("harvest panicked: %v", r)
		}
	}()
	return h.Run(ctx)
}

// extract parses content, reusing earlier results for identical bodies.
func (h *Harvester) extract(content string) ([]string, bool) {
	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])
	if urls, ok := h.memo.Get(key); ok {
		return urls, true
	}
	urls := parser.ExtractURLs(content)
	h.memo.Add(key, urls)
	return urls, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) IncSnapshots()     {}
func (nopRecorder) AddDiscovered(int) {}
func (nopRecorder) IncFlushes()       {}
func (nopRecorder) IncAttempt(string) {}
