package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/ghscrape/internal/config"
	"github.com/Sternrassler/ghscrape/pkg/cache"
	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/Sternrassler/ghscrape/pkg/logging"
	"github.com/Sternrassler/ghscrape/pkg/metrics"
	"github.com/Sternrassler/ghscrape/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// loadConfig reads the config file and applies every flag the user set.
// Logging is configured as a side effect.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if f.Changed("user-agent") {
		cfg.GitHub.UserAgent = flagUserAgent
	}
	if f.Changed("base-url") {
		cfg.GitHub.BaseURL = flagBaseURL
	}
	if f.Changed("retries") {
		cfg.GitHub.MaxRetries = flagRetries
	}
	if f.Changed("timeout") {
		cfg.GitHub.TimeoutSeconds = flagTimeout
	}
	if f.Changed("delay-ms") {
		cfg.GitHub.RequestDelayMS = flagDelayMS
	}
	if flagNoUnauthFallback {
		cfg.GitHub.UnauthenticatedFallback = false
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if f.Changed("redis-addr") {
		cfg.Cache.RedisAddr = flagRedisAddr
	}

	// output and storage flags exist on the scraping commands only
	if f.Changed("output") {
		cfg.Output.Path = flagOutput
	}
	if f.Changed("format") {
		cfg.Output.Format = flagFormat
	}
	if f.Changed("save-interval") {
		cfg.Output.SaveInterval = flagSaveInterval
	}
	if f.Changed("min-stars") {
		cfg.GitHub.RepositoryFilters.MinStars = flagMinStars
	}
	if f.Changed("sqlite") {
		cfg.Storage.SQLitePath = flagSQLite
	}
	if f.Changed("mongo-uri") {
		cfg.Storage.MongoURI = flagMongoURI
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newClient builds the API client with its response cache. The returned
// func releases the client and the cache connection.
func newClient(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	tokens, source := cfg.ResolveTokens(flagTokens, flagToken)
	if len(tokens) > 0 {
		redacted := make([]string, len(tokens))
		for i, t := range tokens {
			redacted[i] = logging.Redact(t)
		}
		log.Info().Int("tokens", len(tokens)).Str("source", source).Strs("credentials", redacted).Msg("Using GitHub tokens")
	} else {
		log.Warn().Msg("No GitHub tokens found, using unauthenticated requests (rate limited)")
	}

	ccfg := cfg.ClientConfig(tokens)
	responses, closeCache, err := newCache(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	ccfg.Cache = responses

	c, err := client.New(ccfg)
	if err != nil {
		closeCache()
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	return c, func() {
		c.Close()
		closeCache()
	}, nil
}

// newCache picks Redis when an address is configured, else the in-memory
// LRU. A nil store disables conditional requests.
func newCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if addr := cfg.Cache.RedisAddr; addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		s, err := cache.NewRedisStore(rdb)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		log.Info().Str("addr", addr).Msg("Connected to Redis response cache")
		return s, func() { rdb.Close() }, nil
	}

	if cfg.Cache.MemoryEntries > 0 {
		s, err := cache.NewMemoryStore(cfg.Cache.MemoryEntries)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return nil, func() {}, nil
}

// openMirror opens the configured record mirrors, or returns nil.
func openMirror(ctx context.Context, cfg *config.Config) (store.Sink, error) {
	var sinks store.Multi

	if cfg.Storage.SQLitePath != "" {
		s, err := store.NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if cfg.Storage.MongoURI != "" {
		m, err := store.NewMongo(ctx, store.MongoConfig{
			URI:        cfg.Storage.MongoURI,
			Database:   cfg.Storage.MongoDatabase,
			Collection: cfg.Storage.MongoCollection,
		})
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, m)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// startMetrics serves /metrics on addr. The returned func shuts it down.
func startMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
