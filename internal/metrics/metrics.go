// Package metrics defines the Prometheus registry this service maintains
// and the poller that periodically snapshots it into the KV store cache
// the Health & Metrics endpoints read from (spec §4.9, SPEC_FULL §13).
// It replaces the original's kwargs-decorator app_metrics scheme
// (app_metrics.py) with ordinary prometheus/client_golang collectors, in
// the style jaeger's internal/metrics package wraps a factory of gauges
// and counters.
package metrics

import (
	"bytes"
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/kvstore"
	"github.com/dredmonds/activity-stream/internal/restart"
)

// CacheKey is the KV key the metrics poller rewrites every PollInterval
// and the /metrics endpoint serves verbatim.
const CacheKey = "metrics-payload"

// PollInterval matches the original's METRICS_INTERVAL.
const PollInterval = time.Second

// Registry holds every gauge and counter named in SPEC_FULL §13.
type Registry struct {
	reg *prometheus.Registry

	IngestFeedDuration             *prometheus.HistogramVec
	IngestPageDuration             *prometheus.HistogramVec
	IngestActivitiesNonUniqueTotal *prometheus.CounterVec
	IngestInProgressIngests        prometheus.Gauge
	ElasticsearchActivitiesTotal   prometheus.Gauge
	ElasticsearchActivitiesAgeMin  prometheus.Gauge
	ElasticsearchFeedActivities    *prometheus.GaugeVec
}

// NewRegistry builds and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		IngestFeedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ingest_feed_duration_seconds",
			Help: "Time taken for one full per-feed ingest cycle, from index creation to alias swap.",
		}, []string{"feed_id"}),
		IngestPageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ingest_page_duration_seconds",
			Help: "Time taken to fetch and bulk-insert one feed page.",
		}, []string{"feed_id"}),
		IngestActivitiesNonUniqueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_activities_nonunique_total",
			Help: "Count of activities seen more than once across ingested pages.",
		}, []string{"feed_id"}),
		IngestInProgressIngests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_inprogress_ingests_total",
			Help: "Number of per-feed ingest cycles currently in flight.",
		}),
		ElasticsearchActivitiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elasticsearch_activities_total",
			Help: "Number of activities currently visible under the searchable alias.",
		}),
		ElasticsearchActivitiesAgeMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elasticsearch_activities_age_minimum_seconds",
			Help: "Age in seconds of the most recently published searchable activity.",
		}),
		ElasticsearchFeedActivities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elasticsearch_feed_activities_total",
			Help: "Number of searchable activities per feed.",
		}, []string{"feed_id"}),
	}

	reg.MustRegister(
		r.IngestFeedDuration,
		r.IngestPageDuration,
		r.IngestActivitiesNonUniqueTotal,
		r.IngestInProgressIngests,
		r.ElasticsearchActivitiesTotal,
		r.ElasticsearchActivitiesAgeMin,
		r.ElasticsearchFeedActivities,
	)
	return r
}

// render encodes every registered metric family in the Prometheus text
// exposition format.
func (r *Registry) render() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Poller periodically samples the Elasticsearch client into the Registry
// and rewrites the rendered payload into KV, grounded on
// app_outgoing.py's metrics-refresh loop.
type Poller struct {
	Registry *Registry
	ES       *esclient.Client
	KV       kvstore.Client
	FeedIDs  []string
	Logger   *zap.Logger
}

// Run blocks, refreshing the cached payload every PollInterval, under the
// restart-on-exception discipline, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	restart.Run(ctx, p.Logger, "metrics-poller", p.loop)
}

func (p *Poller) loop(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	if err := p.pollOnce(ctx); err != nil {
		p.Logger.Warn("metrics poll failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.Logger.Warn("metrics poll failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	if total, err := p.ES.SearchableTotal(ctx); err == nil {
		p.Registry.ElasticsearchActivitiesTotal.Set(float64(total))
	}
	if age, err := p.ES.MinVerificationAgeSeconds(ctx, time.Now()); err == nil {
		p.Registry.ElasticsearchActivitiesAgeMin.Set(age)
	}
	for _, feedID := range p.FeedIDs {
		searchable, _, err := p.ES.PerFeedTotals(ctx, feedID)
		if err != nil {
			continue
		}
		p.Registry.ElasticsearchFeedActivities.WithLabelValues(feedID).Set(float64(searchable))
	}

	payload, err := p.Registry.render()
	if err != nil {
		return err
	}
	return p.KV.Set(ctx, CacheKey, string(payload))
}
