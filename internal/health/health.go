// Package health implements the liveness and metrics HTTP endpoints
// (spec §4.9), grounded on app_server.py's handle_get_check and
// handle_get_metrics.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/ingest"
	"github.com/dredmonds/activity-stream/internal/kvstore"
	"github.com/dredmonds/activity-stream/internal/metrics"
)

// StartupGracePeriod is how long after process start a RED feed status
// does not force the overall check to DOWN (spec §4.9, SPEC_FULL §13).
const StartupGracePeriod = 30 * time.Second

// elasticsearchHealthyAge is the min-verification-age threshold below
// which Elasticsearch is considered GREEN.
const elasticsearchHealthyAge = 60 * time.Second

type status string

const (
	green status = "GREEN"
	red   status = "RED"
)

// Config wires the Handler to its dependencies.
type Config struct {
	KV        kvstore.Client
	ES        *esclient.Client
	FeedIDs   []string
	StartedAt time.Time
	Logger    *zap.Logger
}

// Handler serves /check and /metrics.
type Handler struct {
	cfg Config
}

// New builds a Handler. A zero StartedAt defaults to time.Now, so the
// grace period starts counting from construction.
func New(cfg Config) *Handler {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Handler{cfg: cfg}
}

// Check handles GET /check: a plaintext first line of __UP__ or __DOWN__,
// followed by one GREEN/RED line for redis, for elasticsearch, and for
// each configured feed.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	redisStatus := h.redisStatus(ctx)
	esStatus := h.elasticsearchStatus(ctx)
	inGracePeriod := time.Since(h.cfg.StartedAt) < StartupGracePeriod

	feedStatuses := make([]status, len(h.cfg.FeedIDs))
	anyFeedRed := false
	for i, feedID := range h.cfg.FeedIDs {
		feedStatuses[i] = h.feedStatus(ctx, feedID)
		if feedStatuses[i] == red {
			anyFeedRed = true
		}
	}

	up := redisStatus == green && esStatus == green && (!anyFeedRed || inGracePeriod)

	var b strings.Builder
	if up {
		b.WriteString("__UP__")
	} else {
		b.WriteString("__DOWN__")
	}
	if inGracePeriod {
		b.WriteString(" (IN_STARTUP_GRACE_PERIOD)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "redis:%s\n", redisStatus)
	fmt.Fprintf(&b, "elasticsearch:%s\n", esStatus)
	for i, feedID := range h.cfg.FeedIDs {
		fmt.Fprintf(&b, "%s:%s\n", feedID, feedStatuses[i])
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Server", "activity-stream")
	if !up {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write([]byte(b.String()))
}

// Metrics handles GET /metrics: it serves the payload the metrics poller
// last wrote to KV, verbatim.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	payload, err := h.cfg.KV.Get(r.Context(), metrics.CacheKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("metrics not yet available\n"))
		return
	}
	if err != nil {
		h.cfg.Logger.Error("reading cached metrics payload failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(payload))
}

// redisStatus probes the KV store with a harmless read: any error other
// than "key not found" means the store is unreachable.
func (h *Handler) redisStatus(ctx context.Context) status {
	_, err := h.cfg.KV.Get(ctx, "health-check-probe")
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		h.cfg.Logger.Warn("redis health probe failed", zap.Error(err))
		return red
	}
	return green
}

// elasticsearchStatus is GREEN iff the most recently verified activity is
// younger than elasticsearchHealthyAge.
func (h *Handler) elasticsearchStatus(ctx context.Context) status {
	age, err := h.cfg.ES.MinVerificationAgeSeconds(ctx, time.Now())
	if err != nil {
		h.cfg.Logger.Warn("elasticsearch health probe failed", zap.Error(err))
		return red
	}
	if age < elasticsearchHealthyAge.Seconds() {
		return green
	}
	return red
}

func (h *Handler) feedStatus(ctx context.Context, feedID string) status {
	_, err := h.cfg.KV.Get(ctx, ingest.FeedStatusKey(feedID))
	if err != nil {
		return red
	}
	return green
}
