// Package esclient is the signed HTTP client for the Elasticsearch-compatible
// search backend: index lifecycle, bulk insert, alias swap, scroll search,
// and the metric queries the health/metrics endpoints depend on.
//
// It is hand-rolled over net/http rather than built on olivere/elastic or
// opensearch-go: the SigV4 canonical request this backend expects signs
// exactly `content-type;host;x-amz-date` (internal/signer), and a
// general-purpose client signs whatever headers happen to be on the
// request, which would not reproduce that literal signature.
package esclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/activity"
	"github.com/dredmonds/activity-stream/internal/signer"
)

const (
	aliasName       = "activities"
	indexNamePrefix = "activities_"
	feedIDMarkerFmt = "__feed_id__%s__"
)

// ErrMetricsUnavailable is returned by the metric-query methods when the
// backend cannot be reached; callers skip setting the corresponding gauge
// rather than treating this as fatal.
var ErrMetricsUnavailable = errors.New("esclient: metrics unavailable")

// Config describes how to reach and sign requests to the search backend.
type Config struct {
	Host            string // host[:port]; also the SigV4/HTTP Host header
	Scheme          string // "https" or "http"
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RequestTimeout  time.Duration
}

// Client is the Search Backend Client (spec component 3).
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     *signer.SigV4Signer
	logger     *zap.Logger
}

// New builds a Client. A zero RequestTimeout defaults to 30s.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		signer:     signer.NewSigV4Signer(cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey),
		logger:     logger,
	}
}

type rawResponse struct {
	StatusCode int
	Body       []byte
}

func (c *Client) ok(r *rawResponse) bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// do signs and executes one request. rawQuery is the undecoded query
// string with no leading "?". contentType must be the value actually sent
// on the wire: SigV4 requires it match what was signed.
func (c *Client) do(ctx context.Context, method, path, rawQuery, contentType string, payload []byte) (*rawResponse, error) {
	headers, err := c.signer.Sign(ctx, method, c.cfg.Host, path, rawQuery, contentType, payload, time.Now())
	if err != nil {
		return nil, fmt.Errorf("esclient: signing request: %w", err)
	}

	u := url.URL{Scheme: c.cfg.Scheme, Host: c.cfg.Host, Path: path, RawQuery: rawQuery}
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("esclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Date", headers.XAmzDate)
	req.Header.Set("Authorization", headers.Authorization)
	// The backend signature covers exactly the bytes we send; asking for
	// a compressed response would change what we read without changing
	// what was signed, so always request the identity encoding.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esclient: executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("esclient: reading response body: %w", err)
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// GenerateIndexName builds a fresh index name for feedID, per the §3 format
// `activities__feed_id__<unique_id>__date__<utc-timestamp-with-random-suffix>`.
// The random suffix guarantees uniqueness even when two indices are minted
// within the same second.
func GenerateIndexName(feedID string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("esclient: generating index name suffix: %w", err)
	}
	return fmt.Sprintf("activities__feed_id__%s__date__%s-%s",
		feedID, time.Now().UTC().Format("20060102150405"), hex.EncodeToString(suffix)), nil
}

// feedIDMarker returns the substring that uniquely identifies indices
// belonging to feedID, per the §3 index-name invariant.
func feedIDMarker(feedID string) string {
	return fmt.Sprintf(feedIDMarkerFmt, feedID)
}

// IndexesMatchingFeeds returns the subset of indexes whose name carries the
// __feed_id__<id>__ marker for one of feedIDs.
func IndexesMatchingFeeds(indexes []string, feedIDs []string) []string {
	var out []string
	for _, idx := range indexes {
		for _, id := range feedIDs {
			if strings.Contains(idx, feedIDMarker(id)) {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

// IndexesMatchingNoFeeds returns the subset of indexes whose name does not
// carry the __feed_id__<id>__ marker for any of feedIDs — garbage-collection
// candidates for feeds that are no longer configured.
func IndexesMatchingNoFeeds(indexes []string, feedIDs []string) []string {
	var out []string
	for _, idx := range indexes {
		matched := false
		for _, id := range feedIDs {
			if strings.Contains(idx, feedIDMarker(id)) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, idx)
		}
	}
	return out
}

// CreateIndex creates an index, tolerating "already exists" as success.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPut, "/"+name, "", "application/json", []byte("{}"))
	if err != nil {
		return err
	}
	if c.ok(resp) {
		return nil
	}
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(resp.Body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("esclient: create index %q: status %d: %s", name, resp.StatusCode, resp.Body)
}

// activityMapping types published as a date and the type fields as keyword,
// per §4.3's minimum mapping requirement.
var activityMapping = []byte(`{"properties":{` +
	`"published":{"type":"date"},` +
	`"type":{"type":"keyword"},` +
	`"object":{"properties":{"type":{"type":"keyword"},"id":{"type":"keyword"}}}` +
	`}}`)

// CreateMapping installs the activity document mapping on an index.
func (c *Client) CreateMapping(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPut, "/"+name+"/_mapping", "", "application/json", activityMapping)
	if err != nil {
		return err
	}
	if !c.ok(resp) {
		return fmt.Errorf("esclient: create mapping %q: status %d: %s", name, resp.StatusCode, resp.Body)
	}
	return nil
}

// Bulk inserts items via POST /_bulk; each item's action header names the
// index it is written to. encoding/json sorts
// map keys alphabetically, which satisfies the stable-key-ordering
// requirement on both the action header and the source document without
// any custom sorting code.
func (c *Client) Bulk(ctx context.Context, items []activity.BulkItem) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, item := range items {
		actionLine, err := json.Marshal(item.ActionAndMetadata)
		if err != nil {
			return fmt.Errorf("esclient: marshaling bulk action: %w", err)
		}
		sourceLine, err := json.Marshal(item.Source)
		if err != nil {
			return fmt.Errorf("esclient: marshaling bulk source: %w", err)
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(sourceLine)
		buf.WriteByte('\n')
	}

	resp, err := c.do(ctx, http.MethodPost, "/_bulk", "", "application/x-ndjson", buf.Bytes())
	if err != nil {
		return err
	}
	if !c.ok(resp) {
		return fmt.Errorf("esclient: bulk insert: status %d: %s", resp.StatusCode, resp.Body)
	}

	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err == nil && parsed.Errors {
		return fmt.Errorf("esclient: bulk insert reported item-level errors: %s", resp.Body)
	}
	return nil
}

// Refresh forces an index to be searchable before an alias flip.
func (c *Client) Refresh(ctx context.Context, indexName string) error {
	resp, err := c.do(ctx, http.MethodPost, "/"+indexName+"/_refresh", "", "application/json", nil)
	if err != nil {
		return err
	}
	if !c.ok(resp) {
		return fmt.Errorf("esclient: refresh %q: status %d: %s", indexName, resp.StatusCode, resp.Body)
	}
	return nil
}

type aliasesResponse map[string]struct {
	Aliases map[string]struct{} `json:"aliases"`
}

// OldIndexNames lists all `activities_*` indices, partitioned by whether
// the `activities` alias currently references them.
func (c *Client) OldIndexNames(ctx context.Context) (withoutAlias, withAlias []string, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+indexNamePrefix+"*/_alias", "", "application/json", nil)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, nil
	}
	if !c.ok(resp) {
		return nil, nil, fmt.Errorf("esclient: list indices: status %d: %s", resp.StatusCode, resp.Body)
	}

	var parsed aliasesResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("esclient: parsing index list: %w", err)
	}
	for name, meta := range parsed {
		if _, ok := meta.Aliases[aliasName]; ok {
			withAlias = append(withAlias, name)
		} else {
			withoutAlias = append(withoutAlias, name)
		}
	}
	return withoutAlias, withAlias, nil
}

type aliasAction struct {
	Add    *aliasActionTarget `json:"add,omitempty"`
	Remove *aliasActionTarget `json:"remove,omitempty"`
}

type aliasActionTarget struct {
	Index string `json:"index"`
	Alias string `json:"alias"`
}

// AddRemoveAliasesAtomically adds the activities alias to newIndex and
// removes it from every other index belonging to feedID, in one request —
// the atomic swap that makes readers see the new generation all at once.
func (c *Client) AddRemoveAliasesAtomically(ctx context.Context, newIndex, feedID string) error {
	_, withAlias, err := c.OldIndexNames(ctx)
	if err != nil {
		return fmt.Errorf("esclient: listing indices before alias swap: %w", err)
	}

	actions := []aliasAction{{Add: &aliasActionTarget{Index: newIndex, Alias: aliasName}}}
	for _, idx := range IndexesMatchingFeeds(withAlias, []string{feedID}) {
		if idx == newIndex {
			continue
		}
		actions = append(actions, aliasAction{Remove: &aliasActionTarget{Index: idx, Alias: aliasName}})
	}

	payload, err := json.Marshal(struct {
		Actions []aliasAction `json:"actions"`
	}{Actions: actions})
	if err != nil {
		return fmt.Errorf("esclient: marshaling alias swap: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/_aliases", "", "application/json", payload)
	if err != nil {
		return err
	}
	if !c.ok(resp) {
		return fmt.Errorf("esclient: alias swap for %q: status %d: %s", newIndex, resp.StatusCode, resp.Body)
	}
	return nil
}

// DeleteIndexes best-effort deletes a set of indices, ignoring individual
// not-found responses; garbage collection callers do not treat a partial
// failure here as fatal to the overall cycle.
func (c *Client) DeleteIndexes(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	resp, err := c.do(ctx, http.MethodDelete, "/"+strings.Join(names, ","), "", "application/json", nil)
	if err != nil {
		return err
	}
	if !c.ok(resp) && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("esclient: delete indices %v: status %d: %s", names, resp.StatusCode, resp.Body)
	}
	return nil
}

// SearchResult is the raw proxy response from a search/scroll request: the
// backend's status and body are returned verbatim so the Query Handler can
// forward 4xx responses to the caller unchanged.
type SearchResult struct {
	StatusCode int
	Body       []byte
}

// Search proxies a new-scroll request (POST or GET, scroll param included
// in rawQuery by the caller).
func (c *Client) Search(ctx context.Context, method, path, rawQuery, contentType string, body []byte) (*SearchResult, error) {
	resp, err := c.do(ctx, method, path, rawQuery, contentType, body)
	if err != nil {
		return nil, err
	}
	return &SearchResult{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// ScrollContinue proxies a continuation request against a private scroll id.
func (c *Client) ScrollContinue(ctx context.Context, scrollID string, scrollTTL time.Duration) (*SearchResult, error) {
	payload, err := json.Marshal(struct {
		Scroll   string `json:"scroll"`
		ScrollID string `json:"scroll_id"`
	}{Scroll: scrollTTL.String(), ScrollID: scrollID})
	if err != nil {
		return nil, fmt.Errorf("esclient: marshaling scroll continuation: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/_search/scroll", "", "application/json", payload)
	if err != nil {
		return nil, err
	}
	return &SearchResult{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

type countResponse struct {
	Count int64 `json:"count"`
}

// SearchableTotal counts documents visible through the activities alias.
func (c *Client) SearchableTotal(ctx context.Context) (int64, error) {
	return c.count(ctx, "/"+aliasName+"/_count")
}

// NonSearchableTotal counts documents in indices not yet aliased — in
// progress ingest cycles.
func (c *Client) NonSearchableTotal(ctx context.Context) (int64, error) {
	_, withAlias, err := c.OldIndexNames(ctx)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	resp, err := c.do(ctx, http.MethodGet, "/"+indexNamePrefix+"*/_count", "", "application/json", nil)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	if !c.ok(resp) {
		return 0, ErrMetricsUnavailable
	}
	var all countResponse
	if err := json.Unmarshal(resp.Body, &all); err != nil {
		return 0, ErrMetricsUnavailable
	}
	if len(withAlias) == 0 {
		return all.Count, nil
	}
	searchable, err := c.SearchableTotal(ctx)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	return all.Count - searchable, nil
}

// PerFeedTotals returns (searchable, nonsearchable) document counts for a
// single feed, by counting against its aliased and unaliased indices.
func (c *Client) PerFeedTotals(ctx context.Context, feedID string) (searchable, nonSearchable int64, err error) {
	withoutAlias, withAlias, err := c.OldIndexNames(ctx)
	if err != nil {
		return 0, 0, ErrMetricsUnavailable
	}

	feedAliased := IndexesMatchingFeeds(withAlias, []string{feedID})
	feedUnaliased := IndexesMatchingFeeds(withoutAlias, []string{feedID})

	if len(feedAliased) > 0 {
		searchable, err = c.countIndices(ctx, feedAliased)
		if err != nil {
			return 0, 0, ErrMetricsUnavailable
		}
	}
	if len(feedUnaliased) > 0 {
		nonSearchable, err = c.countIndices(ctx, feedUnaliased)
		if err != nil {
			return 0, 0, ErrMetricsUnavailable
		}
	}
	return searchable, nonSearchable, nil
}

func (c *Client) countIndices(ctx context.Context, names []string) (int64, error) {
	return c.count(ctx, "/"+strings.Join(names, ",")+"/_count")
}

func (c *Client) count(ctx context.Context, path string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "", "application/json", nil)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	if !c.ok(resp) {
		return 0, ErrMetricsUnavailable
	}
	var parsed countResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return 0, ErrMetricsUnavailable
	}
	return parsed.Count, nil
}

// MinVerificationAgeSeconds reports how long ago the most recently
// published activity on the aliased indices was indexed, via a query
// sorted descending on `published` with size 1. The health endpoint treats
// the backend as GREEN only when this is under 60s.
func (c *Client) MinVerificationAgeSeconds(ctx context.Context, now time.Time) (float64, error) {
	query := []byte(`{"size":1,"sort":[{"published":"desc"}],"query":{"match_all":{}}}`)
	resp, err := c.do(ctx, http.MethodGet, "/"+aliasName+"/_search", "", "application/json", query)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	if !c.ok(resp) {
		return 0, ErrMetricsUnavailable
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					Published string `json:"published"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return 0, ErrMetricsUnavailable
	}
	if len(parsed.Hits.Hits) == 0 {
		return 0, ErrMetricsUnavailable
	}

	published, err := time.Parse(time.RFC3339, parsed.Hits.Hits[0].Source.Published)
	if err != nil {
		return 0, ErrMetricsUnavailable
	}
	return now.Sub(published).Seconds(), nil
}
