package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dredmonds/activity-stream/internal/config"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URI", "redis://localhost:6379/0")
	t.Setenv("ELASTICSEARCH__HOST", "es.example.com")
	t.Setenv("ELASTICSEARCH__REGION", "us-east-2")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https", cfg.Elasticsearch.Protocol)
	assert.Equal(t, 443, cfg.Elasticsearch.Port)
	assert.Equal(t, 15*time.Second, cfg.PaginationExpire)
}

func TestLoadParsesIndexedFeeds(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FEEDS__0__TYPE", "activity_stream")
	t.Setenv("FEEDS__0__UNIQUE_ID", "feed-a")
	t.Setenv("FEEDS__0__SEED", "https://upstream.example.com/seed")
	t.Setenv("FEEDS__0__ACCESS_KEY_ID", "access")
	t.Setenv("FEEDS__0__SECRET_ACCESS_KEY", "secret")
	t.Setenv("FEEDS__1__TYPE", "zendesk")
	t.Setenv("FEEDS__1__UNIQUE_ID", "feed-b")
	t.Setenv("FEEDS__1__SEED", "https://upstream.example.com/zendesk")
	t.Setenv("FEEDS__1__API_EMAIL", "bot@example.com")
	t.Setenv("FEEDS__1__API_KEY", "key")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Len(t, cfg.Feeds, 2)
	assert.Equal(t, "feed-a", cfg.Feeds[0].UniqueID)
	assert.Equal(t, config.FeedTypeActivityStream, cfg.Feeds[0].Type)
	assert.Equal(t, "feed-b", cfg.Feeds[1].UniqueID)
	assert.Equal(t, config.FeedTypeZendesk, cfg.Feeds[1].Type)
}

func TestLoadParsesAccessKeyPairsAndWhitelist(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INCOMING_ACCESS_KEY_PAIRS__0__KEY_ID", "key-1")
	t.Setenv("INCOMING_ACCESS_KEY_PAIRS__0__SECRET_KEY", "secret-1")
	t.Setenv("INCOMING_ACCESS_KEY_PAIRS__0__PERMISSIONS__0", "GET")
	t.Setenv("INCOMING_ACCESS_KEY_PAIRS__0__PERMISSIONS__1", "POST")
	t.Setenv("INCOMING_IP_WHITELIST__0", "203.0.113.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Len(t, cfg.IncomingAccessKeyPairs, 1)
	assert.Equal(t, "key-1", cfg.IncomingAccessKeyPairs[0].KeyID)
	assert.Equal(t, []string{"GET", "POST"}, cfg.IncomingAccessKeyPairs[0].Permissions)
	assert.Equal(t, []string{"203.0.113.5"}, cfg.IncomingIPWhitelist)
}

func TestLoadRejectsUnknownFeedType(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FEEDS__0__TYPE", "carrier-pigeon")
	t.Setenv("FEEDS__0__UNIQUE_ID", "feed-a")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadRejectsMissingRedisURI(t *testing.T) {
	t.Setenv("ELASTICSEARCH__HOST", "es.example.com")
	_, err := config.Load()
	assert.Error(t, err)
}
