// Package config loads the gateway's configuration from environment
// variables, replacing the original's hand-written flatten/unflatten
// double-underscore env parser (core/app.py) with spf13/viper's
// AutomaticEnv plus a key replacer, unmarshalled into typed structs in
// the style jaeger's cmd/*/app flag packages bind viper into config
// structs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ElasticsearchConfig is the ELASTICSEARCH.* env root.
type ElasticsearchConfig struct {
	Host               string
	Port               int
	Protocol           string
	Region             string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// SentryConfig is the optional SENTRY.* env root.
type SentryConfig struct {
	DSN         string
	Environment string
}

// FeedConfig is one entry of the FEEDS[] env root. Type selects which of
// the type-conditional fields apply (spec §6).
type FeedConfig struct {
	Type                string
	UniqueID            string
	Seed                string
	AccessKeyID         string
	SecretAccessKey     string
	APIEmail            string
	APIKey              string
	PollingPageInterval time.Duration
	PollingSeedInterval time.Duration
}

// AccessKeyPairConfig is one entry of INCOMING_ACCESS_KEY_PAIRS[].
type AccessKeyPairConfig struct {
	KeyID       string
	SecretKey   string
	Permissions []string
}

// Config is the fully parsed, typed configuration (spec §6).
type Config struct {
	Port                     int
	Elasticsearch            ElasticsearchConfig
	RedisURI                 string
	Sentry                   SentryConfig
	Feeds                    []FeedConfig
	IncomingAccessKeyPairs   []AccessKeyPairConfig
	IncomingIPWhitelist      []string
	PaginationExpire         time.Duration
	NonceExpire              time.Duration
}

// Known feed types (spec §6).
const (
	FeedTypeActivityStream = "activity_stream"
	FeedTypeZendesk        = "zendesk"
)

// Load reads the environment into a Config, applying the defaults the
// original source hard-codes in its settings module, and validates that
// every configured feed names a recognised type and a non-empty
// unique_id.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("ELASTICSEARCH__PORT", 443)
	v.SetDefault("ELASTICSEARCH__PROTOCOL", "https")
	v.SetDefault("PAGINATION_EXPIRE", 15*time.Second)
	v.SetDefault("NONCE_EXPIRE", time.Minute)

	cfg := Config{
		Port: v.GetInt("PORT"),
		Elasticsearch: ElasticsearchConfig{
			Host:               v.GetString("ELASTICSEARCH__HOST"),
			Port:               v.GetInt("ELASTICSEARCH__PORT"),
			Protocol:           v.GetString("ELASTICSEARCH__PROTOCOL"),
			Region:             v.GetString("ELASTICSEARCH__REGION"),
			AWSAccessKeyID:     v.GetString("ELASTICSEARCH__AWS_ACCESS_KEY_ID"),
			AWSSecretAccessKey: v.GetString("ELASTICSEARCH__AWS_SECRET_ACCESS_KEY"),
		},
		RedisURI: v.GetString("REDIS_URI"),
		Sentry: SentryConfig{
			DSN:         v.GetString("SENTRY__DSN"),
			Environment: v.GetString("SENTRY__ENVIRONMENT"),
		},
		PaginationExpire: v.GetDuration("PAGINATION_EXPIRE"),
		NonceExpire:      v.GetDuration("NONCE_EXPIRE"),
	}

	cfg.Feeds = parseFeeds(v)
	cfg.IncomingAccessKeyPairs = parseAccessKeyPairs(v)
	cfg.IncomingIPWhitelist = parseIndexedStrings(v, "INCOMING_IP_WHITELIST")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseFeeds walks FEEDS__0__..., FEEDS__1__... until an index has no
// TYPE set, the same "trailing numeric segment" convention the original
// flatten/unflatten pair produces for list-shaped env roots.
func parseFeeds(v *viper.Viper) []FeedConfig {
	var feeds []FeedConfig
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("FEEDS__%d__", i)
		feedType := v.GetString(prefix + "TYPE")
		if feedType == "" {
			break
		}
		feeds = append(feeds, FeedConfig{
			Type:                feedType,
			UniqueID:            v.GetString(prefix + "UNIQUE_ID"),
			Seed:                v.GetString(prefix + "SEED"),
			AccessKeyID:         v.GetString(prefix + "ACCESS_KEY_ID"),
			SecretAccessKey:     v.GetString(prefix + "SECRET_ACCESS_KEY"),
			APIEmail:            v.GetString(prefix + "API_EMAIL"),
			APIKey:              v.GetString(prefix + "API_KEY"),
			PollingPageInterval: durationOrDefault(v, prefix+"POLLING_PAGE_INTERVAL", 30*time.Second),
			PollingSeedInterval: durationOrDefault(v, prefix+"POLLING_SEED_INTERVAL", 5*time.Minute),
		})
	}
	return feeds
}

func parseAccessKeyPairs(v *viper.Viper) []AccessKeyPairConfig {
	var pairs []AccessKeyPairConfig
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("INCOMING_ACCESS_KEY_PAIRS__%d__", i)
		keyID := v.GetString(prefix + "KEY_ID")
		if keyID == "" {
			break
		}
		pairs = append(pairs, AccessKeyPairConfig{
			KeyID:       keyID,
			SecretKey:   v.GetString(prefix + "SECRET_KEY"),
			Permissions: parseIndexedStrings(v, prefix+"PERMISSIONS"),
		})
	}
	return pairs
}

func parseIndexedStrings(v *viper.Viper, prefix string) []string {
	var values []string
	for i := 0; ; i++ {
		key := fmt.Sprintf("%s__%d", prefix, i)
		val := v.GetString(key)
		if val == "" {
			break
		}
		values = append(values, val)
	}
	return values
}

func durationOrDefault(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	return v.GetDuration(key)
}

func (c Config) validate() error {
	if c.RedisURI == "" {
		return fmt.Errorf("config: REDIS_URI is required")
	}
	if c.Elasticsearch.Host == "" {
		return fmt.Errorf("config: ELASTICSEARCH.HOST is required")
	}
	seen := map[string]struct{}{}
	for _, f := range c.Feeds {
		if f.UniqueID == "" {
			return fmt.Errorf("config: feed missing UNIQUE_ID")
		}
		if _, dup := seen[f.UniqueID]; dup {
			return fmt.Errorf("config: duplicate feed unique_id %q", f.UniqueID)
		}
		seen[f.UniqueID] = struct{}{}
		switch f.Type {
		case FeedTypeActivityStream, FeedTypeZendesk:
		default:
			return fmt.Errorf("config: feed %q has unknown type %q", f.UniqueID, f.Type)
		}
	}
	return nil
}
