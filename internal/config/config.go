// Package config loads ghscrape settings from YAML or TOML files.
//
// Precedence is CLI flag > environment > file > defaults. The file layer and
// the environment layer live here; flags are applied by the command that owns
// them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/Sternrassler/ghscrape/pkg/logging"
	"github.com/Sternrassler/ghscrape/pkg/pagination"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

// EnvTokens names the comma separated token list read from the environment.
const EnvTokens = "GITHUB_TOKENS"

// DefaultUserAgent identifies ghscrape to the API.
const DefaultUserAgent = "ghscrape/1.0"

// Config is the complete ghscrape configuration.
type Config struct {
	GitHub      GitHubConfig  `yaml:"github" toml:"github"`
	Output      OutputConfig  `yaml:"output" toml:"output"`
	Logging     LoggingConfig `yaml:"logging" toml:"logging"`
	Cache       CacheConfig   `yaml:"cache" toml:"cache"`
	Storage     StorageConfig `yaml:"storage" toml:"storage"`
	MetricsAddr string        `yaml:"metrics_addr" toml:"metrics_addr"`
}

// GitHubConfig configures API access.
type GitHubConfig struct {
	Tokens                  []string             `yaml:"tokens" toml:"tokens"`
	BaseURL                 string               `yaml:"base_url" toml:"base_url"`
	UserAgent               string               `yaml:"user_agent" toml:"user_agent"`
	RequestDelayMS          int                  `yaml:"request_delay_ms" toml:"request_delay_ms"`
	MaxRetries              int                  `yaml:"max_retries" toml:"max_retries"`
	TimeoutSeconds          int                  `yaml:"timeout_seconds" toml:"timeout_seconds"`
	UnauthenticatedFallback bool                 `yaml:"unauthenticated_fallback" toml:"unauthenticated_fallback"`
	RepositoryFilters       RepositoryFilters    `yaml:"repository_filters" toml:"repository_filters"`
	CircuitBreaker          CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// RepositoryFilters are the search filters used when no direct query is given.
type RepositoryFilters struct {
	MinStars        int      `yaml:"min_stars" toml:"min_stars"`
	Languages       []string `yaml:"languages" toml:"languages"`
	Countries       []string `yaml:"countries" toml:"countries"`
	LastUpdatedDays int      `yaml:"last_updated_days" toml:"last_updated_days"`
}

// CircuitBreakerConfig configures the per-credential breaker.
type CircuitBreakerConfig struct {
	Enabled             bool `yaml:"enabled" toml:"enabled"`
	FailureThreshold    int  `yaml:"failure_threshold" toml:"failure_threshold"`
	ResetTimeoutMinutes int  `yaml:"reset_timeout_minutes" toml:"reset_timeout_minutes"`
}

// OutputConfig configures the checkpoint file.
type OutputConfig struct {
	Path         string `yaml:"path" toml:"path"`
	Format       string `yaml:"format" toml:"format"`
	SaveInterval int    `yaml:"save_interval" toml:"save_interval"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// CacheConfig selects the response cache. A Redis address wins over the
// in-memory LRU; zero memory entries disables caching.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	MemoryEntries int    `yaml:"memory_entries" toml:"memory_entries"`
	TTLHours      int    `yaml:"ttl_hours" toml:"ttl_hours"`
}

// StorageConfig configures the optional record mirrors.
type StorageConfig struct {
	SQLitePath      string `yaml:"sqlite_path" toml:"sqlite_path"`
	MongoURI        string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database" toml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection" toml:"mongo_collection"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GitHub: GitHubConfig{
			BaseURL:                 client.DefaultBaseURL,
			UserAgent:               DefaultUserAgent,
			RequestDelayMS:          500,
			MaxRetries:              3,
			TimeoutSeconds:          30,
			UnauthenticatedFallback: true,
			RepositoryFilters: RepositoryFilters{
				MinStars: 5,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:             true,
				FailureThreshold:    5,
				ResetTimeoutMinutes: 1,
			},
		},
		Output: OutputConfig{
			Path:         "github_repositories.jsonl",
			Format:       string(checkpoint.FormatLine),
			SaveInterval: checkpoint.DefaultSaveInterval,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
		Cache: CacheConfig{
			MemoryEntries: 1024,
			TTLHours:      24,
		},
		Storage: StorageConfig{
			MongoDatabase:   "ghscrape",
			MongoCollection: "repositories",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml is TOML, anything else YAML. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.GitHub.UserAgent == "" {
		return fmt.Errorf("github.user_agent must not be empty")
	}
	if c.GitHub.MaxRetries < 0 {
		return fmt.Errorf("github.max_retries must be >= 0 (got %d)", c.GitHub.MaxRetries)
	}
	if c.GitHub.RequestDelayMS < 0 {
		return fmt.Errorf("github.request_delay_ms must be >= 0 (got %d)", c.GitHub.RequestDelayMS)
	}
	if c.GitHub.TimeoutSeconds <= 0 {
		return fmt.Errorf("github.timeout_seconds must be > 0 (got %d)", c.GitHub.TimeoutSeconds)
	}
	if c.GitHub.RepositoryFilters.MinStars < 0 {
		return fmt.Errorf("github.repository_filters.min_stars must be >= 0 (got %d)", c.GitHub.RepositoryFilters.MinStars)
	}
	if cb := c.GitHub.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.ResetTimeoutMinutes <= 0) {
		return fmt.Errorf("github.circuit_breaker needs a positive failure_threshold and reset_timeout_minutes")
	}
	if _, err := checkpoint.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path must not be empty")
	}
	if c.Output.SaveInterval <= 0 {
		return fmt.Errorf("output.save_interval must be > 0 (got %d)", c.Output.SaveInterval)
	}
	if c.Cache.MemoryEntries < 0 || c.Cache.TTLHours < 0 {
		return fmt.Errorf("cache sizes must be >= 0")
	}
	return nil
}

// ResolveTokens applies token precedence: the --tokens list, then the single
// --token, then GITHUB_TOKENS, then the file. It returns the tokens and a
// description of where they came from.
func (c *Config) ResolveTokens(flagTokens, flagToken string) ([]string, string) {
	if tokens := SplitList(flagTokens); len(tokens) > 0 {
		return tokens, "command line (--tokens)"
	}
	if t := strings.TrimSpace(flagToken); t != "" {
		return []string{t}, "command line (--token)"
	}
	if tokens := SplitList(os.Getenv(EnvTokens)); len(tokens) > 0 {
		return tokens, EnvTokens + " environment variable"
	}
	var tokens []string
	for _, t := range c.GitHub.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) > 0 {
		return tokens, "config file"
	}
	return nil, "none"
}

// Filters converts the repository filters to search filters. The pushed
// date is last_updated_days before now.
func (c *Config) Filters(now time.Time) pagination.SearchFilters {
	rf := c.GitHub.RepositoryFilters
	f := pagination.SearchFilters{
		MinStars:  rf.MinStars,
		Languages: rf.Languages,
		Countries: rf.Countries,
	}
	if days := rf.LastUpdatedDays; days != 0 {
		if days < 0 {
			days = -days
		}
		f.PushedAfter = now.AddDate(0, 0, -days).Format(time.DateOnly)
	}
	return f
}

// ClientConfig maps the github section onto a client configuration.
// Tokens, cache and transport are left to the caller.
func (c *Config) ClientConfig(tokens []string) client.Config {
	g := c.GitHub
	cfg := client.DefaultConfig(tokens, g.UserAgent)
	cfg.BaseURL = g.BaseURL
	cfg.UnauthenticatedFallback = g.UnauthenticatedFallback
	cfg.Timeout = time.Duration(g.TimeoutSeconds) * time.Second
	cfg.Retry.MaxRetries = g.MaxRetries
	cfg.Retry.RequestDelay = time.Duration(g.RequestDelayMS) * time.Millisecond
	if g.CircuitBreaker.Enabled {
		cfg.FailureThreshold = g.CircuitBreaker.FailureThreshold
		cfg.Cooldown = time.Duration(g.CircuitBreaker.ResetTimeoutMinutes) * time.Minute
	} else {
		cfg.FailureThreshold = 0
	}
	if c.Cache.TTLHours > 0 {
		cfg.CacheRetention = time.Duration(c.Cache.TTLHours) * time.Hour
	}
	return cfg
}

// LoggerConfig maps the logging section onto a logger configuration.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
