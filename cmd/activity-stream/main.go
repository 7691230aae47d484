// Command activity-stream runs the ingestion and search gateway described
// in the design documents in this repository: a cobra root command with
// serve/ingest-only/query-only subcommands, matching jaeger's
// cmd/*/main.go convention of a thin main deferring to an app package.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/auth"
	"github.com/dredmonds/activity-stream/internal/config"
	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/feed"
	"github.com/dredmonds/activity-stream/internal/health"
	"github.com/dredmonds/activity-stream/internal/ingest"
	"github.com/dredmonds/activity-stream/internal/ingress"
	"github.com/dredmonds/activity-stream/internal/kvstore"
	"github.com/dredmonds/activity-stream/internal/lock"
	"github.com/dredmonds/activity-stream/internal/metrics"
	"github.com/dredmonds/activity-stream/internal/query"
)

// shutdownQuiescence is how long we wait after shutting down the HTTP
// server before exiting, to give the kernel time to finish
// socket teardown (SPEC_FULL §13, citing an aiohttp connection-teardown
// race in the original).
const shutdownQuiescence = 250 * time.Millisecond

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:   "activity-stream",
		Short: "activity ingestion and search gateway",
	}
	root.AddCommand(
		newServeCommand(logger, true, true),
		newIngestOnlyCommand(logger),
		newQueryOnlyCommand(logger),
	)

	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newServeCommand(logger *zap.Logger, runIngest, runQuery bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the incoming query gateway and the outgoing ingester in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logger, runIngest, runQuery)
		},
	}
}

func newIngestOnlyCommand(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-only",
		Short: "run only the outgoing ingester",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logger, true, false)
		},
	}
}

func newQueryOnlyCommand(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "query-only",
		Short: "run only the incoming query gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logger, false, true)
		},
	}
}

func run(logger *zap.Logger, runIngest, runQuery bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	kv, err := kvstore.New(cfg.RedisURI)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer kv.Close()

	es := esclient.New(esclient.Config{
		Host:               fmt.Sprintf("%s:%d", cfg.Elasticsearch.Host, cfg.Elasticsearch.Port),
		Scheme:             cfg.Elasticsearch.Protocol,
		Region:             cfg.Elasticsearch.Region,
		AccessKeyID:        cfg.Elasticsearch.AWSAccessKeyID,
		SecretAccessKey:    cfg.Elasticsearch.AWSSecretAccessKey,
	}, logger)

	feeds := buildFeeds(cfg.Feeds)
	feedIDs := make([]string, len(feeds))
	for i, f := range feeds {
		feedIDs[i] = f.UniqueID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Built unconditionally: the ingest side populates its own collectors
	// (feed/page duration, non-unique activities, in-progress gauge)
	// whether or not this process also serves /metrics.
	registry := metrics.NewRegistry()

	var httpServer *http.Server
	if runQuery {
		authCfg := auth.Config{
			Credentials: buildCredentials(cfg.IncomingAccessKeyPairs),
			NonceExpire: cfg.NonceExpire,
			IPWhitelist: buildWhitelist(cfg.IncomingIPWhitelist),
			KV:          kv,
			Logger:      logger,
		}
		queryHandler := query.New(query.Config{ES: es, KV: kv, PaginationExpire: cfg.PaginationExpire, Logger: logger})
		healthHandler := health.New(health.Config{KV: kv, ES: es, FeedIDs: feedIDs, Logger: logger})
		router := ingress.NewRouter(ingress.Config{Auth: authCfg, Query: queryHandler, Health: healthHandler, Logger: logger})

		httpServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: router}
		go func() {
			logger.Info("http server listening", zap.Int("port", cfg.Port))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", zap.Error(err))
			}
		}()

		poller := &metrics.Poller{Registry: registry, ES: es, KV: kv, FeedIDs: feedIDs, Logger: logger}
		go poller.Run(ctx)
	}

	if runIngest {
		lockManager := lock.New(kv, logger)
		go func() {
			if err := lockManager.Acquire(ctx); err != nil {
				logger.Info("lock acquisition cancelled", zap.Error(err))
				return
			}
			logger.Info("distributed lock acquired, starting ingest supervisor")

			go func() {
				if err := lockManager.RefreshLoop(ctx); err != nil {
					logger.Fatal("distributed lock lost, exiting", zap.Error(err))
				}
			}()

			supervisor := ingest.New(ingest.Config{Feeds: feeds, ES: es, KV: kv, Metrics: registry, Logger: logger})
			supervisor.Run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
	}

	time.Sleep(shutdownQuiescence)
	return nil
}

func buildFeeds(configs []config.FeedConfig) []feed.Adapter {
	adapters := make([]feed.Adapter, 0, len(configs))
	for _, c := range configs {
		switch c.Type {
		case config.FeedTypeActivityStream:
			adapters = append(adapters, feed.NewActivityStreamAdapter(feed.ActivityStreamConfig{
				UniqueID:            c.UniqueID,
				SeedURL:             c.Seed,
				AccessKeyID:         c.AccessKeyID,
				SecretAccessKey:     c.SecretAccessKey,
				PollingPageInterval: c.PollingPageInterval,
				PollingSeedInterval: c.PollingSeedInterval,
			}))
		case config.FeedTypeZendesk:
			adapters = append(adapters, feed.NewZendeskAdapter(feed.ZendeskConfig{
				UniqueID:            c.UniqueID,
				SeedURL:             c.Seed,
				APIEmail:            c.APIEmail,
				APIKey:              c.APIKey,
				PollingPageInterval: c.PollingPageInterval,
				PollingSeedInterval: c.PollingSeedInterval,
			}))
		}
	}
	return adapters
}

func buildCredentials(configs []config.AccessKeyPairConfig) []auth.Credential {
	creds := make([]auth.Credential, len(configs))
	for i, c := range configs {
		perms := make(map[string]struct{}, len(c.Permissions))
		for _, p := range c.Permissions {
			perms[p] = struct{}{}
		}
		creds[i] = auth.Credential{KeyID: c.KeyID, SecretKey: c.SecretKey, Permissions: perms}
	}
	return creds
}

func buildWhitelist(ips []string) map[string]struct{} {
	whitelist := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		whitelist[ip] = struct{}{}
	}
	return whitelist
}
