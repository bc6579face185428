// Package feed downloads the upstream volcano GeoJSON feed and persists it
// to local disk. The destination file is only ever replaced with data that
// parsed as a feature collection.
package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	geojson "github.com/paulmach/go.geojson"
	"go.uber.org/zap"

	"volcanosync/internal/config"
)

var (
	// ErrEmptyCollection is returned when the feed parses cleanly but
	// contains zero features and allow_empty is off.
	ErrEmptyCollection = errors.New("feed returned an empty feature collection")

	// ErrNotFeatureCollection is returned when the feed is valid JSON but
	// not a GeoJSON feature collection.
	ErrNotFeatureCollection = errors.New("feed is not a GeoJSON feature collection")
)

// Fetcher downloads the volcano feed to a local file.
type Fetcher struct {
	url        string
	dest       string
	timeout    time.Duration
	allowEmpty bool
	client     *grab.Client
	logger     *zap.Logger
}

// Result describes one completed fetch.
type Result struct {
	Path     string
	Bytes    int64
	Features int
	Duration time.Duration
}

// NewFetcher creates a fetcher for the configured feed.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := grab.NewClient()
	if cfg.Feed.UserAgent != "" {
		client.UserAgent = cfg.Feed.UserAgent
	}

	return &Fetcher{
		url:        cfg.Feed.URL,
		dest:       cfg.GeoJSONPath(),
		timeout:    cfg.FeedTimeout(),
		allowEmpty: cfg.Feed.AllowEmpty,
		client:     client,
		logger:     logger,
	}
}

// Dest returns the path the feed is written to.
func (f *Fetcher) Dest() string {
	return f.dest
}

// Fetch downloads the feed, validates it, and replaces the destination
// file. The download lands in a temp file first so the previous dataset
// survives any failure.
func (f *Fetcher) Fetch(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(f.dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tmp := f.dest + ".download"
	req, err := grab.NewRequest(tmp, f.url)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.NoResume = true
	req = req.WithContext(ctx)

	f.logger.Info("Downloading feed", zap.String("url", f.url))
	resp := f.client.Do(req)
	if err := resp.Err(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to download feed: %w", err)
	}

	features, err := validateFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if features == 0 && !f.allowEmpty {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w (set feed.allow_empty to push it anyway)", ErrEmptyCollection)
	}

	if err := os.Rename(tmp, f.dest); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to replace %s: %w", f.dest, err)
	}

	result := &Result{
		Path:     f.dest,
		Bytes:    resp.BytesComplete(),
		Features: features,
		Duration: time.Since(start),
	}

	f.logger.Info("Feed saved",
		zap.String("path", result.Path),
		zap.Int("features", result.Features),
		zap.Int64("bytes", result.Bytes),
		zap.Duration("elapsed", result.Duration))

	return result, nil
}

// validateFile parses path as a GeoJSON feature collection and returns the
// feature count.
func validateFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read downloaded feed: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse feed: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return 0, fmt.Errorf("%w: got type %q", ErrNotFeatureCollection, fc.Type)
	}

	return len(fc.Features), nil
}
