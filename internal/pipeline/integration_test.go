//go:build integration

package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"volcanosync/internal/config"
	"volcanosync/internal/feed"
	"volcanosync/internal/ledger"
	"volcanosync/internal/pipeline"
	"volcanosync/internal/portal"
)

// TestMain ensures no goroutines leak during integration tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const integrationFeed = `{"type":"FeatureCollection","features":[
  {"type":"Feature","geometry":{"type":"Point","coordinates":[-122.18,46.2]},"properties":{"volcano_name":"Mount St. Helens"}},
  {"type":"Feature","geometry":{"type":"Point","coordinates":[-155.287,19.421]},"properties":{"volcano_name":"Kilauea"}}
]}`

// portalState records what the fake portal saw.
type portalState struct {
	mu           sync.Mutex
	uploaded     []byte
	requests     int
	boundReferer string
}

// fakePortalHandler is a happy-path portal: one account, one feature
// service item with one data item behind it, publishes complete on the
// first status poll.
func fakePortalHandler(t *testing.T, state *portalState, serviceURL *string) http.HandlerFunc {
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	return func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.requests++
		boundReferer := state.boundReferer
		state.mu.Unlock()

		if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			require.NoError(t, r.ParseMultipartForm(10<<20))
		} else {
			require.NoError(t, r.ParseForm())
		}

		switch {
		case r.URL.Path == "/sharing/rest/generateToken":
			if r.FormValue("username") != "publisher" || r.FormValue("password") != "secret" {
				writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Unable to generate token."}})
				return
			}
			state.mu.Lock()
			state.boundReferer = r.FormValue("referer")
			state.mu.Unlock()
			writeJSON(w, map[string]any{
				"token":   "tok-integration",
				"expires": time.Now().Add(time.Hour).UnixMilli(),
				"ssl":     true,
			})

		// Referer-bound tokens are only honored when the request's
		// Referer header matches the binding.
		case r.FormValue("token") != "tok-integration",
			r.Header.Get("Referer") != boundReferer:
			writeJSON(w, map[string]any{"error": map[string]any{"code": 498, "message": "Invalid token."}})

		case r.URL.Path == "/sharing/rest/portals/self":
			writeJSON(w, map[string]any{"name": "Integration Portal", "user": map[string]any{"username": "publisher"}})

		case r.URL.Path == "/sharing/rest/content/items/svc123":
			writeJSON(w, map[string]any{
				"id": "svc123", "owner": "publisher", "title": "Volcano Activity",
				"name": "Volcanoes", "type": "Feature Service", "url": *serviceURL,
			})

		case r.URL.Path == "/sharing/rest/content/items/svc123/relatedItems":
			writeJSON(w, map[string]any{"total": 1, "relatedItems": []any{map[string]any{
				"id": "data456", "owner": "publisher", "name": "volcanoes.geojson", "type": "GeoJson",
			}}})

		case r.URL.Path == "/sharing/rest/content/users/publisher/items/data456/update":
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			state.mu.Lock()
			state.uploaded = data
			state.mu.Unlock()
			writeJSON(w, map[string]any{"success": true, "id": "data456"})

		case r.URL.Path == "/sharing/rest/content/users/publisher/publish":
			writeJSON(w, map[string]any{"services": []any{map[string]any{
				"type": "Feature Service", "serviceItemId": "svc123",
				"serviceurl": *serviceURL, "jobId": "job-1",
			}}})

		case r.URL.Path == "/sharing/rest/content/users/publisher/items/svc123/status":
			writeJSON(w, map[string]any{"status": "completed"})

		default:
			t.Errorf("unexpected portal request: %s", r.URL.Path)
			writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Invalid URL."}})
		}
	}
}

func TestPipeline_Integration(t *testing.T) {
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, integrationFeed)
	}))
	t.Cleanup(feedSrv.Close)

	state := &portalState{}
	var serviceURL string
	portalSrv := httptest.NewServer(fakePortalHandler(t, state, &serviceURL))
	t.Cleanup(portalSrv.Close)
	serviceURL = portalSrv.URL + "/server/rest/services/Volcanoes/FeatureServer"

	t.Cleanup(func() {
		http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	})

	cfg := config.DefaultConfig()
	cfg.Feed.URL = feedSrv.URL
	cfg.Feed.Timeout = "10s"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Portal.URL = portalSrv.URL
	cfg.Portal.Username = "publisher"
	cfg.Portal.ItemID = "svc123"
	cfg.Portal.Timeout = "10s"
	require.NoError(t, cfg.Validate())

	runs, err := ledger.Open(cfg.LedgerPath())
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	logger := zap.NewNop()
	pipe := pipeline.New(cfg,
		feed.NewFetcher(cfg, logger),
		portal.NewClient(cfg, "secret", logger),
		runs, logger)

	t.Run("full sync", func(t *testing.T) {
		summary, err := pipe.Run(context.Background(), false)
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Features)
		assert.Equal(t, int64(len(integrationFeed)), summary.Bytes)
		assert.Equal(t, serviceURL, summary.ServiceURL)

		// The saved file and the uploaded file are both exactly the feed
		saved, err := os.ReadFile(cfg.GeoJSONPath())
		require.NoError(t, err)
		assert.Equal(t, integrationFeed, string(saved))

		state.mu.Lock()
		uploaded := string(state.uploaded)
		state.mu.Unlock()
		assert.Equal(t, integrationFeed, uploaded)

		row, err := runs.Last()
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, ledger.StatusSucceeded, row.Status)
		assert.Equal(t, 2, row.FeatureCount)
		assert.Equal(t, serviceURL, row.ServiceURL)
	})

	t.Run("dry run stays local", func(t *testing.T) {
		state.mu.Lock()
		before := state.requests
		state.mu.Unlock()

		summary, err := pipe.Run(context.Background(), true)
		require.NoError(t, err)
		assert.True(t, summary.DryRun)

		state.mu.Lock()
		after := state.requests
		state.mu.Unlock()
		assert.Equal(t, before, after, "a dry run must not call the portal")

		row, err := runs.Last()
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusDryRun, row.Status)
	})
}
