// Package models defines data structures shared by the harvester.
package models

import (
	"fmt"
	"time"
)

// Snapshot is one archived capture of a robots.txt file.
type Snapshot struct {
	Timestamp   string `json:"timestamp"`
	OriginalURL string `json:"original_url"`
}

// Progress tracks how many snapshots of an attempt have been handled.
type Progress struct {
	Processed int
	Total     int
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Processed, p.Total)
}

// Batch is the unit handed to output writers on every flush. NewURLs holds
// tokens never flushed before; AllURLs is the complete sorted set.
type Batch struct {
	NewURLs  []string
	AllURLs  []string
	Progress Progress
}

// Record is the JSON document persisted next to the plain URL list.
type Record struct {
	Domain         string   `json:"domain"`
	StartTime      string   `json:"start_time"`
	URLs           []string `json:"urls"`
	TotalProcessed int      `json:"total_processed"`
	TotalURLs      int      `json:"total_urls"`
	LastUpdate     string   `json:"last_update,omitempty"`
	Progress       string   `json:"progress,omitempty"`
}

// RunResult holds the outcome of a harvest.
type RunResult struct {
	Domain       string
	TextFile     string
	JSONFile     string
	StartTime    time.Time
	EndTime      time.Time
	Snapshots    int
	Fetched      int
	Failed       int
	MemoHits     int
	URLCount     int
	ErrorsByType map[string]int
	Attempts     int
}
