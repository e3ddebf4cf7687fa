package harvester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/robots-history/archive"
	"github.com/aluiziolira/robots-history/config"
	"github.com/aluiziolira/robots-history/models"
	"github.com/aluiziolira/robots-history/pipeline"
	"github.com/jarcoal/httpmock"
)

type collectingWriter struct {
	mu      sync.Mutex
	batches []models.Batch
}

func (cw *collectingWriter) Write(batch *models.Batch) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.batches = append(cw.batches, *batch)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) flushPoints() []int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	points := make([]int, 0, len(cw.batches))
	for _, batch := range cw.batches {
		points = append(points, batch.Progress.Processed)
	}
	return points
}

type fakeArchive struct {
	mu         sync.Mutex
	indexCalls int
	fetches    int
	misses     int
	index      func(call int) ([]models.Snapshot, error)
	bodies     map[string]string
}

func (f *fakeArchive) FetchIndex(ctx context.Context, host string) ([]models.Snapshot, error) {
	f.mu.Lock()
	f.indexCalls++
	call := f.indexCalls
	f.mu.Unlock()
	return f.index(call)
}

func (f *fakeArchive) FetchSnapshot(ctx context.Context, s models.Snapshot) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	body, ok := f.bodies[s.Timestamp]
	if !ok {
		f.misses++
	}
	return body, ok
}

func (f *fakeArchive) ErrorsByType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses == 0 {
		return map[string]int{}
	}
	return map[string]int{"not_found": f.misses}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.ArchiveBaseURL = "http://archive.test"
	cfg.MaxAttempts = 3
	cfg.RetryDelay = time.Hour
	return cfg
}

func snapshotsN(n int) []models.Snapshot {
	out := make([]models.Snapshot, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, models.Snapshot{
			Timestamp:   fmt.Sprintf("2010%010d", i),
			OriginalURL: "http://example.com/robots.txt",
		})
	}
	return out
}

func newHarvester(t *testing.T, cfg *config.Config, a Archive, w pipeline.OutputWriter) (*Harvester, *[]time.Duration) {
	t.Helper()
	h, err := New(cfg, a, pipeline.NewPipeline(w, cfg.BatchSize), nil, "example.com_urls.txt", "example.com_urls.json")
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}
	var sleeps []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return h, &sleeps
}

func TestRunFlushesAtBatchBoundaries(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 50

	snapshots := snapshotsN(55)
	bodies := make(map[string]string)
	for i, s := range snapshots {
		bodies[s.Timestamp] = fmt.Sprintf("Disallow: /p%d\n", i%7)
	}
	fa := &fakeArchive{
		index:  func(int) ([]models.Snapshot, error) { return snapshots, nil },
		bodies: bodies,
	}
	writer := &collectingWriter{}
	h, _ := newHarvester(t, cfg, fa, writer)

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := writer.flushPoints(); !reflect.DeepEqual(got, []int{50, 55}) {
		t.Fatalf("flush points = %v, want [50 55]", got)
	}
	if result.Snapshots != 55 || result.Fetched != 55 || result.URLCount != 7 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.MemoHits != 48 {
		t.Fatalf("memo hits = %d, want 48", result.MemoHits)
	}
}

func TestRunEmptyIndexSkipsSnapshots(t *testing.T) {
	fa := &fakeArchive{
		index: func(int) ([]models.Snapshot, error) { return []models.Snapshot{}, nil },
	}
	h, _ := newHarvester(t, testConfig(), fa, &collectingWriter{})

	result, err := h.Run(context.Background())
	if !errors.Is(err, ErrNoSnapshots) || result != nil {
		t.Fatalf("Run() = %v, %v, want ErrNoSnapshots", result, err)
	}
	if fa.fetches != 0 {
		t.Fatalf("snapshot fetches = %d, want 0", fa.fetches)
	}
}

func TestRunWithRetryExhausted(t *testing.T) {
	cfg := testConfig()
	fa := &fakeArchive{
		index: func(int) ([]models.Snapshot, error) { return nil, nil },
	}
	h, sleeps := newHarvester(t, cfg, fa, &collectingWriter{})

	result, err := h.RunWithRetry(context.Background())
	if !errors.Is(err, ErrAttemptsExhausted) || result != nil {
		t.Fatalf("RunWithRetry() = %v, %v, want ErrAttemptsExhausted", result, err)
	}
	if fa.indexCalls != cfg.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", fa.indexCalls, cfg.MaxAttempts)
	}
	if len(*sleeps) != cfg.MaxAttempts-1 {
		t.Fatalf("sleeps = %d, want %d", len(*sleeps), cfg.MaxAttempts-1)
	}
	for _, d := range *sleeps {
		if d != cfg.RetryDelay {
			t.Fatalf("sleep = %v, want %v", d, cfg.RetryDelay)
		}
	}
}

func TestRunWithRetryRecoversPanic(t *testing.T) {
	cfg := testConfig()
	snapshots := snapshotsN(2)
	fa := &fakeArchive{
		index: func(call int) ([]models.Snapshot, error) {
			if call == 1 {
				panic("boom")
			}
			return snapshots, nil
		},
		bodies: map[string]string{snapshots[0].Timestamp: "Allow: /ok"},
	}
	writer := &collectingWriter{}
	h, sleeps := newHarvester(t, cfg, fa, writer)

	result, err := h.RunWithRetry(context.Background())
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if result.Attempts != 2 || len(*sleeps) != 1 {
		t.Fatalf("attempts = %d sleeps = %d, want 2 and 1", result.Attempts, len(*sleeps))
	}
	if result.Failed != 1 || result.URLCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ErrorsByType["not_found"] != 1 {
		t.Fatalf("errors by type = %v, want not_found=1", result.ErrorsByType)
	}
}

func TestRunWithRetryDoesNotReappend(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	snapshots := snapshotsN(2)
	fa := &fakeArchive{
		bodies: map[string]string{
			snapshots[0].Timestamp: "Disallow: /a",
			snapshots[1].Timestamp: "Disallow: /b",
		},
	}
	fa.index = func(call int) ([]models.Snapshot, error) {
		if call == 1 {
			return snapshots[:1], nil
		}
		return snapshots, nil
	}
	writer := &collectingWriter{}
	h, _ := newHarvester(t, cfg, fa, writer)

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var appended []string
	for _, batch := range writer.batches {
		appended = append(appended, batch.NewURLs...)
	}
	if !reflect.DeepEqual(appended, []string{"/a", "/b"}) {
		t.Fatalf("appended = %v, want [/a /b]", appended)
	}
}

func TestRunWithRetryStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	fa := &fakeArchive{
		index: func(int) ([]models.Snapshot, error) { return nil, errors.New("index down") },
	}
	h, err := New(cfg, fa, pipeline.NewPipeline(&collectingWriter{}, cfg.BatchSize), nil, "", "")
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.RunWithRetry(ctx)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want context.Canceled and ErrAttemptsExhausted", err)
	}
	var attemptsErr *AttemptsError
	if !errors.As(err, &attemptsErr) || attemptsErr.Attempts != 1 {
		t.Fatalf("attempts error = %v, want 1 attempt", err)
	}
	if fa.indexCalls != 1 {
		t.Fatalf("index calls = %d, want 1", fa.indexCalls)
	}
}

func TestHarvestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.OutputDir = dir

	client, err := archive.NewClient(cfg, archive.NewMetrics())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	client.WithTransport(transport)

	index := `[["timestamp","original"],` +
		`["20100101000000","http://example.com/robots.txt"],` +
		`["20110101000000","http://example.com/robots.txt"],` +
		`["20120101000000","http://example.com/robots.txt"]]`
	transport.RegisterResponder("GET", "http://archive.test/cdx/search/cdx", httpmock.NewStringResponder(http.StatusOK, index))

	snapshotCalls := 0
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^http://archive\.test/web/`),
		func(req *http.Request) (*http.Response, error) {
			snapshotCalls++
			switch {
			case strings.Contains(req.URL.Path, "/20100101000000/"):
				return httpmock.NewStringResponse(http.StatusOK, "User-agent: *\nDisallow: /admin\nDisallow: /\n"), nil
			case strings.Contains(req.URL.Path, "/20110101000000/"):
				return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
			default:
				return httpmock.NewStringResponse(http.StatusOK, "Disallow: /admin\nSitemap: https://example.com/sitemap.xml\n"), nil
			}
		})

	textFile, jsonFile := pipeline.OutputFiles(dir, cfg.Domain)
	writer, err := pipeline.NewDualWriter(textFile, jsonFile, cfg.Domain)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	p := pipeline.NewPipeline(writer, cfg.BatchSize)
	h, err := New(cfg, client, p, client.Metrics, textFile, jsonFile)
	if err != nil {
		t.Fatalf("new harvester: %v", err)
	}

	result, err := h.RunWithRetry(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if snapshotCalls != 3 {
		t.Fatalf("snapshot calls = %d, want 3", snapshotCalls)
	}
	if result.Attempts != 1 || result.Failed != 1 || result.URLCount != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ErrorsByType["not_found"] != 1 {
		t.Fatalf("errors by type = %v, want not_found=1", result.ErrorsByType)
	}

	data, err := os.ReadFile(textFile)
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	want := "# URLs extracted from example.com robots.txt versions\n" +
		"https://example.com/admin\n" +
		"https://example.com/sitemap.xml\n"
	if string(data) != want {
		t.Fatalf("text file = %q, want %q", data, want)
	}

	record, err := os.ReadFile(jsonFile)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	for _, fragment := range []string{`"progress": "3/3"`, `"total_urls": 2`, `"/admin"`} {
		if !strings.Contains(string(record), fragment) {
			t.Fatalf("json record missing %s: %s", fragment, record)
		}
	}
}
