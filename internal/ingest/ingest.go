// Package ingest implements the Ingest Supervisor (spec §4.6): the global
// per-cycle index garbage collection and the per-feed full-rebuild
// sequence, each independently wrapped in the restart-on-exception
// discipline from internal/restart, with the per-feed task using the
// failure-only interval (restart.RunOnFailure) since a successful rebuild
// already paces its own next poll. It is grounded on
// core/app/app_outgoing.py's ingest_feeds/ingest_feed pair, and reports
// per-feed duration, page duration, non-unique-activity, and in-flight
// gauges into internal/metrics.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/feed"
	"github.com/dredmonds/activity-stream/internal/kvstore"
	"github.com/dredmonds/activity-stream/internal/metrics"
	"github.com/dredmonds/activity-stream/internal/restart"
)

// FeedStatusTTL is how long a feed's GREEN flag survives in the KV store
// after a successful cycle before the health check considers it stale.
const FeedStatusTTL = 5 * time.Minute

// Config wires a Supervisor to its dependencies.
type Config struct {
	Feeds      []feed.Adapter
	ES         *esclient.Client
	KV         kvstore.Client
	HTTPClient *http.Client
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// Supervisor runs the ingest pipeline. It must only be started once the
// distributed lock is held.
type Supervisor struct {
	cfg Config
}

// New builds a Supervisor. A nil HTTPClient defaults to a client with a
// 30s timeout, matching the per-request default noted in the concurrency
// model.
func New(cfg Config) *Supervisor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Supervisor{cfg: cfg}
}

// Run blocks, running the ingest pipeline under the restart-on-exception
// discipline, until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	restart.Run(ctx, s.cfg.Logger, "ingest-feeds", s.runGlobalCycle)
}

func (s *Supervisor) feedIDs() []string {
	ids := make([]string, len(s.cfg.Feeds))
	for i, f := range s.cfg.Feeds {
		ids[i] = f.UniqueID()
	}
	return ids
}

// runGlobalCycle garbage-collects indices for feeds no longer configured,
// then launches one independently-restarted task per feed and blocks on
// all of them. Under normal operation, every per-feed task runs forever
// (restart.RunOnFailure never returns except on cancellation), so this function
// itself only returns when ctx is cancelled.
func (s *Supervisor) runGlobalCycle(ctx context.Context) error {
	if err := s.garbageCollect(ctx); err != nil {
		return fmt.Errorf("ingest: garbage collection: %w", err)
	}

	var wg sync.WaitGroup
	for _, f := range s.cfg.Feeds {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			restart.RunOnFailure(ctx, s.cfg.Logger, "ingest-feed-"+f.UniqueID(), func(ctx context.Context) error {
				return s.ingestFeed(ctx, f)
			})
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// garbageCollect deletes indices (aliased or not) that belong to no
// currently configured feed.
func (s *Supervisor) garbageCollect(ctx context.Context) error {
	withoutAlias, withAlias, err := s.cfg.ES.OldIndexNames(ctx)
	if err != nil {
		return err
	}
	all := append(append([]string{}, withoutAlias...), withAlias...)
	orphaned := esclient.IndexesMatchingNoFeeds(all, s.feedIDs())
	if len(orphaned) == 0 {
		return nil
	}
	s.cfg.Logger.Info("deleting indices for removed feeds", zap.Strings("indexes", orphaned))
	return s.cfg.ES.DeleteIndexes(ctx, orphaned)
}

// ingestFeed performs one full rebuild for f: delete abandoned
// prior-attempt indices, create a fresh index, walk every page, then
// refresh and atomically swap the alias onto it.
func (s *Supervisor) ingestFeed(ctx context.Context, f feed.Adapter) error {
	logger := s.cfg.Logger.With(zap.String("feed", f.UniqueID()))

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IngestInProgressIngests.Inc()
		defer s.cfg.Metrics.IngestInProgressIngests.Dec()

		start := time.Now()
		defer func() {
			s.cfg.Metrics.IngestFeedDuration.WithLabelValues(f.UniqueID()).Observe(time.Since(start).Seconds())
		}()
	}

	withoutAlias, _, err := s.cfg.ES.OldIndexNames(ctx)
	if err != nil {
		return fmt.Errorf("listing indices: %w", err)
	}
	abandoned := esclient.IndexesMatchingFeeds(withoutAlias, []string{f.UniqueID()})
	if len(abandoned) > 0 {
		logger.Debug("deleting abandoned indices", zap.Strings("indexes", abandoned))
		if err := s.cfg.ES.DeleteIndexes(ctx, abandoned); err != nil {
			return fmt.Errorf("deleting abandoned indices: %w", err)
		}
	}

	indexName, err := esclient.GenerateIndexName(f.UniqueID())
	if err != nil {
		return fmt.Errorf("generating index name: %w", err)
	}

	logger.Debug("creating index", zap.String("index", indexName))
	if err := s.cfg.ES.CreateIndex(ctx, indexName); err != nil {
		return fmt.Errorf("creating index %q: %w", indexName, err)
	}
	if err := s.cfg.ES.CreateMapping(ctx, indexName); err != nil {
		return fmt.Errorf("creating mapping for %q: %w", indexName, err)
	}

	seenIDs := make(map[string]struct{})

	href := f.Seed()
	for href != "" {
		next, interval, err := s.ingestPage(ctx, f, indexName, href, seenIDs)
		if err != nil {
			return fmt.Errorf("ingesting page %q: %w", href, err)
		}

		// Sleep before re-checking the loop condition even on the page
		// that exhausts pagination: the original scheduler always waits
		// polling_page_interval or polling_seed_interval between one
		// fetch and the next action, whether that next action is another
		// page or (after alias swap and a restart) a fresh seed poll.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		href = next
	}

	logger.Debug("refreshing index", zap.String("index", indexName))
	if err := s.cfg.ES.Refresh(ctx, indexName); err != nil {
		return fmt.Errorf("refreshing %q: %w", indexName, err)
	}

	logger.Debug("swapping alias", zap.String("index", indexName))
	if err := s.cfg.ES.AddRemoveAliasesAtomically(ctx, indexName, f.UniqueID()); err != nil {
		return fmt.Errorf("swapping alias onto %q: %w", indexName, err)
	}

	if err := s.cfg.KV.SetEX(ctx, feedStatusKey(f.UniqueID()), "GREEN", FeedStatusTTL); err != nil {
		logger.Warn("failed to mark feed status", zap.Error(err))
	}

	logger.Debug("full ingest cycle complete", zap.String("index", indexName))
	return nil
}

// ingestPage fetches href, converts the page into bulk items, bulk-inserts
// them, and reports the next href to poll plus how long to wait before
// polling it: polling_page_interval when another page followed, or
// polling_seed_interval once pagination is exhausted and the seed is about
// to be re-polled on the next cycle. seenIDs accumulates every activity id
// observed so far in the current full rebuild, so repeats across pages
// (e.g. overlapping pagination) can be counted as non-unique.
func (s *Supervisor) ingestPage(ctx context.Context, f feed.Adapter, indexName, href string, seenIDs map[string]struct{}) (nextHref string, interval time.Duration, err error) {
	pageStart := time.Now()
	if s.cfg.Metrics != nil {
		defer func() {
			s.cfg.Metrics.IngestPageDuration.WithLabelValues(f.UniqueID()).Observe(time.Since(pageStart).Seconds())
		}()
	}

	headers, err := f.AuthHeaders(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", 0, fmt.Errorf("building auth headers: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", 0, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	// Ask the feed for an uncompressed body.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading page body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	items, err := f.ConvertToBulk(body, indexName)
	if err != nil {
		return "", 0, fmt.Errorf("converting page to bulk items: %w", err)
	}

	nonUnique := 0
	for _, item := range items {
		id := item.ActionAndMetadata.Index.ID
		if _, dup := seenIDs[id]; dup {
			nonUnique++
			continue
		}
		seenIDs[id] = struct{}{}
	}
	if nonUnique > 0 && s.cfg.Metrics != nil {
		s.cfg.Metrics.IngestActivitiesNonUniqueTotal.WithLabelValues(f.UniqueID()).Add(float64(nonUnique))
	}

	if err := s.cfg.ES.Bulk(ctx, items); err != nil {
		return "", 0, fmt.Errorf("bulk inserting: %w", err)
	}

	next, hasNext, err := f.NextHref(body)
	if err != nil {
		return "", 0, fmt.Errorf("finding next page: %w", err)
	}
	if hasNext {
		return next, f.PollingPageInterval(), nil
	}
	return "", f.PollingSeedInterval(), nil
}

func feedStatusKey(feedID string) string {
	return "feed-status-" + feedID
}

// FeedStatusKey is the KV key the health endpoint reads a feed's GREEN
// flag from (spec §3 Feed Status Flag).
func FeedStatusKey(feedID string) string { return feedStatusKey(feedID) }
