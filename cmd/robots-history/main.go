package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aluiziolira/robots-history/archive"
	"github.com/aluiziolira/robots-history/config"
	"github.com/aluiziolira/robots-history/harvester"
	"github.com/aluiziolira/robots-history/models"
	"github.com/aluiziolira/robots-history/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks a bad flag or positional argument.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func run(args []string, stdout, stderr io.Writer) int {
	logger, level := newLogger(stdout)
	slog.SetDefault(logger)

	cfg, err := parseArgs(args, stderr)
	if err != nil {
		var usage *usageError
		if !errors.As(err, &usage) {
			slog.Error("loading configuration", slog.Any("error", err))
			return 1
		}
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "error: %v\n\n", err)
		}
		printUsage(stderr)
		return 1
	}

	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	}
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	slog.Info("starting to fetch robots.txt history",
		slog.String("domain", cfg.Domain),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)

	metrics := archive.NewMetrics()
	client, err := archive.NewClient(cfg, metrics)
	if err != nil {
		slog.Error("initialising archive client", slog.Any("error", err))
		return 1
	}

	textFile, jsonFile := pipeline.OutputFiles(cfg.OutputDir, cfg.Domain)
	writer, err := pipeline.NewDualWriter(textFile, jsonFile, cfg.Domain)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}
	p := pipeline.NewPipeline(writer, cfg.BatchSize)
	defer func() {
		if err := p.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	h, err := harvester.New(cfg, client, p, metrics, textFile, jsonFile)
	if err != nil {
		slog.Error("initialising harvester", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	result, err := h.RunWithRetry(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if err != nil {
		slog.Error("harvest failed, please try again later", slog.Any("error", err))
		attempts := cfg.MaxAttempts
		var attemptsErr *harvester.AttemptsError
		if errors.As(err, &attemptsErr) {
			attempts = attemptsErr.Attempts
		}
		fmt.Fprintf(stdout, "\nFailed after %d attempts. Please try again later.\n", attempts)
		return 0
	}

	if err := writer.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		return 1
	}

	printSummary(stdout, result, p.GetMetrics())
	return 0
}

// parseArgs layers defaults, the optional TOML file, environment, explicit
// flags and finally the positional domain and batch size.
func parseArgs(args []string, stderr io.Writer) (*config.Config, error) {
	defaults := config.DefaultConfig()

	fs := flag.NewFlagSet("robots-history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "Path to a TOML config file")
	timeout := fs.Duration("timeout", defaults.Timeout, "Per-request timeout")
	attempts := fs.Int("attempts", defaults.MaxAttempts, "Maximum workflow attempts")
	retryDelay := fs.Duration("retry-delay", defaults.RetryDelay, "Delay between failed attempts")
	archiveURL := fs.String("archive-url", defaults.ArchiveBaseURL, "Wayback Machine base URL")
	outputDir := fs.String("output-dir", defaults.OutputDir, "Directory for the output files")
	metricsAddr := fs.String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", defaults.Verbose, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, &usageError{err: err}
	}

	positional := fs.Args()
	if len(positional) < 1 || len(positional) > 2 {
		return nil, &usageError{err: fmt.Errorf("expected <domain> [batch_size], got %d arguments", len(positional))}
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "timeout":
			cfg.Timeout = *timeout
		case "attempts":
			cfg.MaxAttempts = *attempts
		case "retry-delay":
			cfg.RetryDelay = *retryDelay
		case "archive-url":
			cfg.ArchiveBaseURL = *archiveURL
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})

	domain, err := config.NormalizeDomain(positional[0])
	if err != nil {
		return nil, &usageError{err: err}
	}
	cfg.Domain = domain

	if len(positional) == 2 {
		batchSize, err := strconv.Atoi(positional[1])
		if err != nil || batchSize <= 0 {
			return nil, &usageError{err: fmt.Errorf("batch_size must be a positive integer, got %q", positional[1])}
		}
		cfg.BatchSize = batchSize
	}
	return cfg, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:\n\trobots-history [flags] <domain> [batch_size]")
	fmt.Fprintln(w, "Example:\n\trobots-history example.com")
	fmt.Fprintln(w, "\trobots-history example.com 100")
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "\t-config, -timeout, -attempts, -retry-delay, -archive-url, -output-dir, -metrics-addr, -v")
}

func printSummary(w io.Writer, result *models.RunResult, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Success! Results saved to:")
	fmt.Fprintf(w, "  URLs:          %s\n", result.TextFile)
	fmt.Fprintf(w, "  Detailed info: %s\n", result.JSONFile)
	fmt.Fprintf(w, "  Attempts:      %d\n", result.Attempts)
	fmt.Fprintf(w, "  Versions:      %d\n", result.Snapshots)
	fmt.Fprintf(w, "  Fetched:       %d\n", result.Fetched)
	fmt.Fprintf(w, "  Unavailable:   %d\n", result.Failed)
	fmt.Fprintf(w, "  Unique URLs:   %d\n", result.URLCount)
	if flushes, ok := metrics["flushes"].(int64); ok {
		fmt.Fprintf(w, "  Flushes:       %d\n", flushes)
	}
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Fprintln(w, separator)
}

// newLogger logs at info level; callers raise it through the returned
// LevelVar once verbosity is known.
func newLogger(w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
