// Package archive talks to the Wayback Machine CDX index and replay endpoints.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/robots-history/config"
	"github.com/aluiziolira/robots-history/models"
	"github.com/gocolly/colly/v2"
)

const (
	kindIndex    = "index"
	kindSnapshot = "snapshot"

	ctxKind   = "kind"
	ctxStart  = "start"
	ctxStatus = "status"
	ctxBody   = "body"
)

// Client issues archive requests one at a time through a colly collector.
type Client struct {
	cfg       *config.Config
	base      *url.URL
	collector *colly.Collector
	Metrics   *Metrics

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewClient builds a client against cfg.ArchiveBaseURL.
func NewClient(cfg *config.Config, metrics *Metrics) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.ArchiveBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("archive url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(base.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if metrics == nil {
		metrics = NewMetrics()
	}

	c := &Client{
		cfg:          cfg,
		base:         base,
		collector:    collector,
		Metrics:      metrics,
		errorsByType: make(map[string]int),
	}
	c.configureHandlers()
	return c, nil
}

// WithTransport swaps the HTTP transport used for archive requests.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

// IndexURL returns the CDX query listing every capture of host's robots.txt.
func (c *Client) IndexURL(host string) string {
	query := url.Values{}
	query.Set("url", host+"/robots.txt")
	query.Set("output", "json")
	query.Set("fl", "timestamp,original")

	u := *c.base
	u.Path = u.Path + "/cdx/search/cdx"
	u.RawQuery = query.Encode()
	return u.String()
}

// SnapshotURL returns the replay URL of one capture.
func (c *Client) SnapshotURL(s models.Snapshot) string {
	return fmt.Sprintf("%s/web/%s/%s", c.base.String(), s.Timestamp, s.OriginalURL)
}

// FetchIndex lists the captures of host's robots.txt in archive order. The
// header row is dropped; an index with no captures yields an empty slice.
func (c *Client) FetchIndex(ctx context.Context, host string) ([]models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := c.get(kindIndex, c.IndexURL(host))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	var rows [][]string
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode index: %w", err)
		}
	}
	if len(rows) <= 1 {
		return []models.Snapshot{}, nil
	}

	snapshots := make([]models.Snapshot, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 2 {
			slog.Debug("skipping short index row", slog.Any("row", row))
			continue
		}
		snapshots = append(snapshots, models.Snapshot{Timestamp: row[0], OriginalURL: row[1]})
	}
	return snapshots, nil
}

// FetchSnapshot returns the body of one capture. Any failure, including a
// non-200 status, reports false and is only logged.
func (c *Client) FetchSnapshot(ctx context.Context, s models.Snapshot) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}

	target := c.SnapshotURL(s)
	body, err := c.get(kindSnapshot, target)
	if err != nil {
		slog.Debug("snapshot unavailable",
			slog.String("timestamp", s.Timestamp),
			slog.String("url", target),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)
		return "", false
	}
	return string(body), true
}

// ErrorsByType returns failed request counts keyed by error label.
func (c *Client) ErrorsByType() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.errorsByType))
	for k, v := range c.errorsByType {
		out[k] = v
	}
	return out
}

func (c *Client) get(kind, target string) ([]byte, error) {
	reqCtx := colly.NewContext()
	reqCtx.Put(ctxKind, kind)

	err := c.collector.Request(http.MethodGet, target, nil, reqCtx, nil)

	status, _ := reqCtx.GetAny(ctxStatus).(int)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("unexpected status %d", status)
	}
	if err != nil {
		classified := classifyError(target, err, status)
		c.recordError(classified)
		return nil, classified
	}

	body, _ := reqCtx.GetAny(ctxBody).([]byte)
	return body, nil
}

func (c *Client) recordError(err *FetchError) {
	label := errorTypeLabel(err)
	c.mu.Lock()
	c.errorsByType[label]++
	c.mu.Unlock()
	c.Metrics.IncError(label)
}

func (c *Client) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		c.Metrics.IncRequest(r.Ctx.Get(ctxKind))
	})

	c.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
		c.observe(r)
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
		c.observe(r)
	})
}

func (c *Client) observe(r *colly.Response) {
	if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
		c.Metrics.ObserveDuration(r.Ctx.Get(ctxKind), time.Since(start))
	}
}
