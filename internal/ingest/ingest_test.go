package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/feed"
	"github.com/dredmonds/activity-stream/internal/ingest"
	"github.com/dredmonds/activity-stream/internal/kvstore/kvstoretest"
	"github.com/dredmonds/activity-stream/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

// esState is a minimal in-process fake of the Elasticsearch surface the
// ingest supervisor drives, so the tests don't depend on a real backend.
type esState struct {
	mu      sync.Mutex
	created []string
	bulkDocs int
	aliased  string
	refreshed bool
}

func newFakeES(t *testing.T, state *esState) *esclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()

		switch {
		case r.URL.Path == "/activities_*/_alias":
			w.Write([]byte(`{}`))
		case r.Method == http.MethodPut && jsonHasSuffix(r.URL.Path, "/_mapping"):
			w.Write([]byte(`{"acknowledged":true}`))
		case r.Method == http.MethodPut:
			state.created = append(state.created, r.URL.Path[1:])
			w.Write([]byte(`{"acknowledged":true}`))
		case r.URL.Path == "/_bulk":
			var buf []byte
			buf, _ = readAll(r.Body)
			lines := splitLines(buf)
			state.bulkDocs += len(lines) / 2
			w.Write([]byte(`{"errors":false}`))
		case r.Method == http.MethodPost && jsonHasSuffix(r.URL.Path, "/_refresh"):
			state.refreshed = true
			w.Write([]byte(`{"_shards":{}}`))
		case r.URL.Path == "/_aliases":
			var payload struct {
				Actions []struct {
					Add *struct {
						Index string `json:"index"`
					} `json:"add"`
				} `json:"actions"`
			}
			buf, _ := readAll(r.Body)
			json.Unmarshal(buf, &payload)
			if len(payload.Actions) > 0 && payload.Actions[0].Add != nil {
				state.aliased = payload.Actions[0].Add.Index
			}
			w.Write([]byte(`{"acknowledged":true}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return esclient.New(esclient.Config{
		Host: u.Host, Scheme: u.Scheme, Region: "us-east-2",
		AccessKeyID: "id", SecretAccessKey: "secret",
	}, zaptest.NewLogger(t))
}

func jsonHasSuffix(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, b[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

func TestIngestFeedOnePageRunsCreateBulkRefreshAlias(t *testing.T) {
	state := &esState{}
	es := newFakeES(t, state)

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"1","published":"2026-01-01T00:00:00Z","type":"Create","object":{"type":["Create"],"id":"o1"}}]}`))
	}))
	defer feedSrv.Close()

	adapter := feed.NewActivityStreamAdapter(feed.ActivityStreamConfig{
		UniqueID: "f1", SeedURL: feedSrv.URL,
		PollingPageInterval: time.Millisecond, PollingSeedInterval: time.Millisecond,
	})

	kv := kvstoretest.New()
	sup := ingest.New(ingest.Config{
		Feeds: []feed.Adapter{adapter}, ES: es, KV: kv, Logger: zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.NotEmpty(t, state.created)
	assert.Greater(t, state.bulkDocs, 0)
	assert.True(t, state.refreshed)
	assert.NotEmpty(t, state.aliased)

	status, err := kv.Get(context.Background(), ingest.FeedStatusKey("f1"))
	require.NoError(t, err)
	assert.Equal(t, "GREEN", status)
}

func TestIngestFeedObservesMetrics(t *testing.T) {
	state := &esState{}
	es := newFakeES(t, state)

	var requests int32
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.Write([]byte(`{"items":[{"id":"dup-1","published":"2026-01-01T00:00:00Z","type":"Create","object":{"type":["Create"],"id":"o1"}}],"next":"http://` + r.Host + `/page2"}`))
			return
		}
		w.Write([]byte(`{"items":[{"id":"dup-1","published":"2026-01-01T00:00:00Z","type":"Create","object":{"type":["Create"],"id":"o1"}}]}`))
	}))
	defer feedSrv.Close()

	adapter := feed.NewActivityStreamAdapter(feed.ActivityStreamConfig{
		UniqueID: "f1", SeedURL: feedSrv.URL,
		PollingPageInterval: time.Millisecond, PollingSeedInterval: time.Millisecond,
	})

	kv := kvstoretest.New()
	registry := metrics.NewRegistry()
	sup := ingest.New(ingest.Config{
		Feeds: []feed.Adapter{adapter}, ES: es, KV: kv, Metrics: registry, Logger: zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	assert.Greater(t, testutil.ToFloat64(registry.IngestActivitiesNonUniqueTotal.WithLabelValues("f1")), 0.0,
		"repeating an activity id across pages must count as non-unique")
	assert.Equal(t, 1, testutil.CollectAndCount(registry.IngestFeedDuration),
		"completed rebuilds must record their feed duration under one feed_id series")
	var pageMetric dto.Metric
	require.NoError(t, registry.IngestPageDuration.WithLabelValues("f1").(prometheus.Metric).Write(&pageMetric))
	assert.GreaterOrEqual(t, pageMetric.GetHistogram().GetSampleCount(), uint64(2),
		"both pages must record a page-duration observation")
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.IngestInProgressIngests),
		"in-progress gauge must return to zero once the rebuild finishes")
}

func TestIngestFeedStartsNextRebuildImmediatelyAfterSuccess(t *testing.T) {
	state := &esState{}
	es := newFakeES(t, state)

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"1","published":"2026-01-01T00:00:00Z","type":"Create","object":{"type":["Create"],"id":"o1"}}]}`))
	}))
	defer feedSrv.Close()

	adapter := feed.NewActivityStreamAdapter(feed.ActivityStreamConfig{
		UniqueID: "f1", SeedURL: feedSrv.URL,
		PollingPageInterval: time.Millisecond, PollingSeedInterval: time.Millisecond,
	})

	kv := kvstoretest.New()
	sup := ingest.New(ingest.Config{
		Feeds: []feed.Adapter{adapter}, ES: es, KV: kv, Logger: zaptest.NewLogger(t),
	})

	// A successful rebuild must not be gated by the 60s exception interval
	// before starting the next one, so a handful of rebuilds easily fit in
	// this short-lived context.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.Greater(t, len(state.created), 1, "expected more than one full rebuild cycle within the test window")
}
