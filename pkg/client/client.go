// Package client provides a resilient GitHub REST API client with credential
// rotation, per-credential circuit breaking, retries and response caching.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/cache"
	"github.com/Sternrassler/ghscrape/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the public GitHub REST API.
const DefaultBaseURL = "https://api.github.com"

// Client is the main GitHub API client.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	pool         *ratelimit.Pool
	exec         *executor
	orchestrator *Orchestrator
	config       Config
	logger       zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API (default: https://api.github.com)
	BaseURL string

	// Tokens to rotate between. Empty means unauthenticated access only.
	Tokens []string

	// UnauthenticatedFallback uses anonymous access when every token is exhausted.
	UnauthenticatedFallback bool

	// User-Agent header (REQUIRED by GitHub)
	UserAgent string

	// Timeout bounds every single request.
	Timeout time.Duration

	// MaxConnsPerHost bounds the shared connection pool.
	MaxConnsPerHost int

	// Async dispatches round trips through an AsyncTransport.
	Async bool

	// Circuit breaker
	FailureThreshold int // 0 disables the breaker
	Cooldown         time.Duration

	// Retry
	Retry RetryConfig

	// Caching (nil disables conditional requests)
	Cache          cache.Store
	CacheRetention time.Duration

	// Transport overrides the HTTP transport (for testing).
	Transport Transport

	// Clock overrides time.Now for the pool and waits (for testing).
	Clock func() time.Time
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(tokens []string, userAgent string) Config {
	return Config{
		BaseURL:                 DefaultBaseURL,
		Tokens:                  tokens,
		UnauthenticatedFallback: true,
		UserAgent:               userAgent,
		Timeout:                 30 * time.Second,
		MaxConnsPerHost:         DefaultMaxConnsPerHost,
		FailureThreshold:        ratelimit.DefaultFailureThreshold,
		Cooldown:                ratelimit.DefaultCooldown,
		Retry:                   DefaultRetryConfig(),
		CacheRetention:          cache.DefaultRetention,
	}
}

// New creates a new GitHub API client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.InitialBackoff <= 0 || cfg.Retry.MaxBackoff < cfg.Retry.InitialBackoff {
		return nil, fmt.Errorf("invalid backoff range %v..%v", cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff)
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff multiplier must be >= 1 (got %v)", cfg.Retry.BackoffMultiplier)
	}

	logger := log.With().Str("component", "github-client").Logger()

	pool, err := ratelimit.NewPool(ratelimit.PoolConfig{
		Tokens:                  cfg.Tokens,
		UnauthenticatedFallback: cfg.UnauthenticatedFallback,
		FailureThreshold:        cfg.FailureThreshold,
		Cooldown:                cfg.Cooldown,
		Now:                     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("create credential pool: %w", err)
	}

	c := &Client{
		baseURL: base,
		pool:    pool,
		config:  cfg,
		logger:  logger,
	}

	transport := cfg.Transport
	if transport == nil {
		c.httpClient = NewHTTPClient(cfg.Timeout, cfg.MaxConnsPerHost)
		transport = c.httpClient
	}
	if cfg.Async {
		transport = NewAsyncTransport(transport, cfg.MaxConnsPerHost)
	}

	c.exec = &executor{
		transport: transport,
		pool:      pool,
		cache:     cfg.Cache,
		retention: cfg.CacheRetention,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
	c.orchestrator = newOrchestrator(c.exec, pool, cfg.Retry, logger)
	if cfg.Clock != nil {
		c.orchestrator.now = cfg.Clock
	}

	return c, nil
}

// Do runs req through the retry orchestrator.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.orchestrator.Execute(ctx, req)
}

// DoWith performs a single attempt with a specific credential, bypassing
// selection and retries. Used for per-token probes.
func (c *Client) DoWith(ctx context.Context, req Request, cred *ratelimit.Credential) (*Response, error) {
	resp, err := c.exec.execute(ctx, req, cred)
	switch {
	case err == nil:
		c.pool.RecordSuccess(cred)
	case IsUnauthorized(err):
		c.pool.RecordUnauthorized(cred)
	}
	return resp, err
}

// Get performs a GET request to an API path or absolute URL.
func (c *Client) Get(ctx context.Context, pathOrURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: c.URL(pathOrURL, nil)})
}

// URL resolves path against the base URL and appends query. Absolute URLs
// (such as Link header targets) are returned unchanged.
func (c *Client) URL(path string, query url.Values) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Pool returns the credential pool.
func (c *Client) Pool() *ratelimit.Pool {
	return c.pool
}

// Orchestrator returns the retry orchestrator.
func (c *Client) Orchestrator() *Orchestrator {
	return c.orchestrator
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}
