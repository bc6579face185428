// Package pipeline runs one end-to-end sync: download the feed, persist it
// locally, sign in to the portal, and overwrite the hosted feature layer.
// Steps run in order and there is no retry; the first failing step fails
// the run.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"volcanosync/internal/config"
	"volcanosync/internal/feed"
	"volcanosync/internal/ledger"
	"volcanosync/internal/portal"
)

// Fetcher downloads the feed and persists it locally.
type Fetcher interface {
	Fetch(ctx context.Context) (*feed.Result, error)
}

// Portal authenticates and pushes a local file over the hosted layer.
type Portal interface {
	SignIn(ctx context.Context) (string, error)
	Overwrite(ctx context.Context, itemID, path string) (*portal.PublishResult, error)
}

// Pipeline wires the sync steps together.
type Pipeline struct {
	cfg    *config.Config
	fetch  Fetcher
	portal Portal
	runs   *ledger.Ledger
	logger *zap.Logger
}

// Summary describes one completed run.
type Summary struct {
	RunID      string
	Features   int
	Bytes      int64
	ServiceURL string
	Duration   time.Duration
	DryRun     bool
}

// New assembles a pipeline from its parts.
func New(cfg *config.Config, fetch Fetcher, p Portal, runs *ledger.Ledger, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		fetch:  fetch,
		portal: p,
		runs:   runs,
		logger: logger,
	}
}

// Run executes one sync. Every attempt leaves a terminal ledger row; a
// dry run stops after the feed is saved locally and never touches the
// portal.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (*Summary, error) {
	run := ledger.NewRun(p.cfg.Portal.ItemID, dryRun)
	if err := p.runs.Begin(run); err != nil {
		return nil, err
	}

	p.logger.Info("Run started",
		zap.String("run_id", run.ID),
		zap.Bool("dry_run", dryRun))

	summary, err := p.execute(ctx, run, dryRun)
	if err != nil {
		run.Status = ledger.StatusFailed
		run.Error = err.Error()
		if ferr := p.runs.Finish(run); ferr != nil {
			p.logger.Warn("Failed to record run result", zap.Error(ferr))
		}
		p.logger.Error("Run failed", zap.String("run_id", run.ID), zap.Error(err))
		return nil, err
	}

	if err := p.runs.Finish(run); err != nil {
		p.logger.Warn("Failed to record run result", zap.Error(err))
	}

	p.logger.Info("Run finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("features", summary.Features),
		zap.Duration("total_time", summary.Duration))

	return summary, nil
}

func (p *Pipeline) execute(ctx context.Context, run *ledger.Run, dryRun bool) (*Summary, error) {
	start := time.Now()

	res, err := p.fetch.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	run.FeatureCount = res.Features
	run.Bytes = res.Bytes

	if dryRun {
		run.Status = ledger.StatusDryRun
		return &Summary{
			RunID:    run.ID,
			Features: res.Features,
			Bytes:    res.Bytes,
			Duration: time.Since(start),
			DryRun:   true,
		}, nil
	}

	if _, err := p.portal.SignIn(ctx); err != nil {
		return nil, err
	}

	result, err := p.portal.Overwrite(ctx, p.cfg.Portal.ItemID, res.Path)
	if err != nil {
		return nil, err
	}
	run.Status = ledger.StatusSucceeded
	run.ServiceURL = result.ServiceURL

	return &Summary{
		RunID:      run.ID,
		Features:   res.Features,
		Bytes:      res.Bytes,
		ServiceURL: result.ServiceURL,
		Duration:   time.Since(start),
	}, nil
}
