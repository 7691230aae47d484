// Package feed defines the Feed Adapter contract (spec component 4) and its
// two variants: an ActivityStream source authenticated with the Hawk-style
// MAC, and a Zendesk source authenticated with HTTP Basic. Both convert
// their native page shape into the normalised activity.Record.
package feed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dredmonds/activity-stream/internal/activity"
	"github.com/dredmonds/activity-stream/internal/signer"
)

func randomNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Adapter is implemented by every feed variant. unique_id must be a safe
// substring for index names and unique across configured feeds.
type Adapter interface {
	UniqueID() string
	Seed() string
	AuthHeaders(ctx context.Context, method, url string, body []byte) (map[string]string, error)
	NextHref(page []byte) (string, bool, error)
	ConvertToBulk(page []byte, indexName string) ([]activity.BulkItem, error)
	PollingPageInterval() time.Duration
	PollingSeedInterval() time.Duration
}

// ActivityStreamConfig configures an upstream activity-stream-shaped feed,
// signed with the Hawk-style MAC (spec §4.1).
type ActivityStreamConfig struct {
	UniqueID            string
	SeedURL             string
	AccessKeyID         string
	SecretAccessKey     string
	PollingPageInterval time.Duration
	PollingSeedInterval time.Duration
}

// ActivityStreamAdapter is the Adapter for upstream feeds that speak the
// same activity-stream page shape as this gateway serves.
type ActivityStreamAdapter struct {
	cfg ActivityStreamConfig
}

// NewActivityStreamAdapter builds an Adapter from cfg.
func NewActivityStreamAdapter(cfg ActivityStreamConfig) *ActivityStreamAdapter {
	return &ActivityStreamAdapter{cfg: cfg}
}

func (a *ActivityStreamAdapter) UniqueID() string                { return a.cfg.UniqueID }
func (a *ActivityStreamAdapter) Seed() string                    { return a.cfg.SeedURL }
func (a *ActivityStreamAdapter) PollingPageInterval() time.Duration { return a.cfg.PollingPageInterval }
func (a *ActivityStreamAdapter) PollingSeedInterval() time.Duration { return a.cfg.PollingSeedInterval }

// AuthHeaders signs the request with a fresh Hawk header using a random
// nonce, following the outbound half of spec §4.1.
func (a *ActivityStreamAdapter) AuthHeaders(ctx context.Context, method, url string, body []byte) (map[string]string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("feed: generating nonce: %w", err)
	}

	cred := signer.HawkCredential{ID: a.cfg.AccessKeyID, Key: a.cfg.SecretAccessKey}
	header, err := signer.HawkHeader(cred, method, url, "application/json", body, time.Now(), nonce)
	if err != nil {
		return nil, fmt.Errorf("feed: signing hawk header: %w", err)
	}
	return map[string]string{"Authorization": header, "Content-Type": "application/json"}, nil
}

type activityStreamPage struct {
	Items []activityStreamItem `json:"items"`
	Next  string                `json:"next,omitempty"`
}

type activityStreamItem struct {
	ID        string         `json:"id"`
	Published string         `json:"published"`
	Type      string         `json:"type"`
	Object    activity.Object `json:"object"`
	Actor     map[string]any `json:"actor"`
}

// NextHref reports the "next" link on an activity-stream page, if present.
func (a *ActivityStreamAdapter) NextHref(page []byte) (string, bool, error) {
	var parsed activityStreamPage
	if err := json.Unmarshal(page, &parsed); err != nil {
		return "", false, fmt.Errorf("feed: parsing activity-stream page: %w", err)
	}
	if parsed.Next == "" {
		return "", false, nil
	}
	return parsed.Next, true, nil
}

// ConvertToBulk converts an activity-stream page straight into bulk items:
// the upstream shape already matches the normalised record.
func (a *ActivityStreamAdapter) ConvertToBulk(page []byte, indexName string) ([]activity.BulkItem, error) {
	var parsed activityStreamPage
	if err := json.Unmarshal(page, &parsed); err != nil {
		return nil, fmt.Errorf("feed: parsing activity-stream page: %w", err)
	}

	items := make([]activity.BulkItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		record := activity.Record{
			ID:        it.ID,
			Published: it.Published,
			Type:      it.Type,
			Object:    it.Object,
			Actor:     it.Actor,
		}
		items = append(items, activity.ToBulkItem(record, indexName))
	}
	return items, nil
}

// ZendeskConfig configures a Zendesk ticket-audit feed, authenticated with
// HTTP Basic against "<email>/token:<api_key>".
type ZendeskConfig struct {
	UniqueID            string
	SeedURL              string
	APIEmail             string
	APIKey               string
	PollingPageInterval  time.Duration
	PollingSeedInterval  time.Duration
}

// ZendeskAdapter is the Adapter for the Zendesk incremental ticket-audit API.
type ZendeskAdapter struct {
	cfg ZendeskConfig
}

// NewZendeskAdapter builds an Adapter from cfg.
func NewZendeskAdapter(cfg ZendeskConfig) *ZendeskAdapter {
	return &ZendeskAdapter{cfg: cfg}
}

func (z *ZendeskAdapter) UniqueID() string                  { return z.cfg.UniqueID }
func (z *ZendeskAdapter) Seed() string                      { return z.cfg.SeedURL }
func (z *ZendeskAdapter) PollingPageInterval() time.Duration { return z.cfg.PollingPageInterval }
func (z *ZendeskAdapter) PollingSeedInterval() time.Duration { return z.cfg.PollingSeedInterval }

// AuthHeaders builds the HTTP Basic header Zendesk expects for
// token-authenticated API requests.
func (z *ZendeskAdapter) AuthHeaders(_ context.Context, _, _ string, _ []byte) (map[string]string, error) {
	raw := fmt.Sprintf("%s/token:%s", z.cfg.APIEmail, z.cfg.APIKey)
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	return map[string]string{"Authorization": "Basic " + encoded}, nil
}

type zendeskPage struct {
	Results  []zendeskResult `json:"results"`
	NextPage string          `json:"next_page,omitempty"`
}

type zendeskResult struct {
	ID         int64          `json:"id"`
	CreatedAt  string         `json:"created_at"`
	TicketID   int64          `json:"ticket_id"`
	Author     map[string]any `json:"author"`
	EventType  string         `json:"via,omitempty"`
}

// NextHref reports Zendesk's "next_page" link, if present.
func (z *ZendeskAdapter) NextHref(page []byte) (string, bool, error) {
	var parsed zendeskPage
	if err := json.Unmarshal(page, &parsed); err != nil {
		return "", false, fmt.Errorf("feed: parsing zendesk page: %w", err)
	}
	if parsed.NextPage == "" {
		return "", false, nil
	}
	return parsed.NextPage, true, nil
}

// ConvertToBulk converts a page of Zendesk audit results into the
// normalised activity record shape.
func (z *ZendeskAdapter) ConvertToBulk(page []byte, indexName string) ([]activity.BulkItem, error) {
	var parsed zendeskPage
	if err := json.Unmarshal(page, &parsed); err != nil {
		return nil, fmt.Errorf("feed: parsing zendesk page: %w", err)
	}

	items := make([]activity.BulkItem, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		record := activity.Record{
			ID:        fmt.Sprintf("dit:zendesk:ticket-audit:%d", r.ID),
			Published: r.CreatedAt,
			Type:      "Create",
			Object: activity.Object{
				Type: []string{"Create", "zendesk_ticket_audit"},
				ID:   fmt.Sprintf("dit:zendesk:ticket:%d", r.TicketID),
			},
			Actor: r.Author,
		}
		items = append(items, activity.ToBulkItem(record, indexName))
	}
	return items, nil
}

var _ Adapter = (*ActivityStreamAdapter)(nil)
var _ Adapter = (*ZendeskAdapter)(nil)
