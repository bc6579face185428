package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volcanosync/internal/config"
	"volcanosync/internal/feed"
	"volcanosync/internal/ledger"
	"volcanosync/internal/portal"
)

type fakeFetcher struct {
	result *feed.Result
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*feed.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakePortal struct {
	signInErr    error
	overwriteErr error
	result       *portal.PublishResult

	signIns    int
	overwrites int
	gotItemID  string
	gotPath    string
}

func (p *fakePortal) SignIn(ctx context.Context) (string, error) {
	p.signIns++
	if p.signInErr != nil {
		return "", p.signInErr
	}
	return "publisher", nil
}

func (p *fakePortal) Overwrite(ctx context.Context, itemID, path string) (*portal.PublishResult, error) {
	p.overwrites++
	p.gotItemID = itemID
	p.gotPath = path
	if p.overwriteErr != nil {
		return nil, p.overwriteErr
	}
	return p.result, nil
}

func testSetup(t *testing.T) (*config.Config, *ledger.Ledger) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Portal.URL = "https://gis.example.com/portal"
	cfg.Portal.Username = "publisher"
	cfg.Portal.ItemID = "svc123"

	runs, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "volcanosync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	return cfg, runs
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	fetchResult := &feed.Result{
		Path:     "/data/volcanoes.geojson",
		Bytes:    52341,
		Features: 169,
	}
	publishResult := &portal.PublishResult{
		ServiceItemID: "svc123",
		ServiceURL:    "https://gis.example.com/server/rest/services/Volcanoes/FeatureServer",
	}

	t.Run("successful sync records a succeeded row", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetcher := &fakeFetcher{result: fetchResult}
		p := &fakePortal{result: publishResult}

		summary, err := New(cfg, fetcher, p, runs, nil).Run(ctx, false)
		require.NoError(t, err)

		assert.Equal(t, 169, summary.Features)
		assert.Equal(t, int64(52341), summary.Bytes)
		assert.Equal(t, publishResult.ServiceURL, summary.ServiceURL)
		assert.False(t, summary.DryRun)

		assert.Equal(t, 1, fetcher.calls)
		assert.Equal(t, 1, p.signIns)
		assert.Equal(t, 1, p.overwrites)
		assert.Equal(t, "svc123", p.gotItemID)
		assert.Equal(t, fetchResult.Path, p.gotPath)

		row, err := runs.Last()
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, summary.RunID, row.ID)
		assert.Equal(t, ledger.StatusSucceeded, row.Status)
		assert.Equal(t, 169, row.FeatureCount)
		assert.Equal(t, publishResult.ServiceURL, row.ServiceURL)
		assert.Empty(t, row.Error)
	})

	t.Run("dry run never touches the portal", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetcher := &fakeFetcher{result: fetchResult}
		p := &fakePortal{result: publishResult}

		summary, err := New(cfg, fetcher, p, runs, nil).Run(ctx, true)
		require.NoError(t, err)

		assert.True(t, summary.DryRun)
		assert.Equal(t, 169, summary.Features)
		assert.Zero(t, p.signIns)
		assert.Zero(t, p.overwrites)

		row, err := runs.Last()
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusDryRun, row.Status)
		assert.True(t, row.DryRun)
	})

	t.Run("fetch failure aborts before the portal", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetchErr := errors.New("failed to download feed: status 503")
		fetcher := &fakeFetcher{err: fetchErr}
		p := &fakePortal{result: publishResult}

		_, err := New(cfg, fetcher, p, runs, nil).Run(ctx, false)
		require.Error(t, err)
		assert.Equal(t, fetchErr, err)
		assert.Zero(t, p.signIns)

		row, err := runs.Last()
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, row.Status)
		assert.Contains(t, row.Error, "failed to download feed")
	})

	t.Run("sign-in failure skips the overwrite", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetcher := &fakeFetcher{result: fetchResult}
		p := &fakePortal{signInErr: errors.New("failed to generate token")}

		_, err := New(cfg, fetcher, p, runs, nil).Run(ctx, false)
		require.Error(t, err)
		assert.Equal(t, 1, p.signIns)
		assert.Zero(t, p.overwrites)

		row, err := runs.Last()
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, row.Status)
	})

	t.Run("overwrite failure keeps the fetch counts in the row", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetcher := &fakeFetcher{result: fetchResult}
		p := &fakePortal{overwriteErr: errors.New("publish job job-1 failed: Publishing tools error.")}

		_, err := New(cfg, fetcher, p, runs, nil).Run(ctx, false)
		require.Error(t, err)

		row, err := runs.Last()
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, row.Status)
		assert.Equal(t, 169, row.FeatureCount)
		assert.Equal(t, int64(52341), row.Bytes)
		assert.Contains(t, row.Error, "publish job")
	})

	t.Run("every attempt leaves exactly one row", func(t *testing.T) {
		cfg, runs := testSetup(t)
		fetcher := &fakeFetcher{result: fetchResult}
		p := &fakePortal{result: publishResult}
		pipe := New(cfg, fetcher, p, runs, nil)

		_, err := pipe.Run(ctx, false)
		require.NoError(t, err)
		_, err = pipe.Run(ctx, true)
		require.NoError(t, err)

		rows, err := runs.Recent(10)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
		for _, row := range rows {
			assert.NotEqual(t, ledger.StatusRunning, row.Status)
		}
	})
}
