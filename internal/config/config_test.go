package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
github:
  tokens: ["ghp_aaaa1111", "ghp_bbbb2222"]
  user_agent: "scraper-test/2.0"
  request_delay_ms: 250
  max_retries: 5
  repository_filters:
    min_stars: 50
    languages: [go, rust]
    countries: [germany]
    last_updated_days: 30
  circuit_breaker:
    enabled: true
    failure_threshold: 3
    reset_timeout_minutes: 2
output:
  path: out.jsonl
  format: jsonl
logging:
  level: debug
cache:
  redis_addr: "localhost:6379"
metrics_addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"ghp_aaaa1111", "ghp_bbbb2222"}, cfg.GitHub.Tokens)
	assert.Equal(t, "scraper-test/2.0", cfg.GitHub.UserAgent)
	assert.Equal(t, 250, cfg.GitHub.RequestDelayMS)
	assert.Equal(t, 5, cfg.GitHub.MaxRetries)
	assert.Equal(t, 50, cfg.GitHub.RepositoryFilters.MinStars)
	assert.Equal(t, []string{"go", "rust"}, cfg.GitHub.RepositoryFilters.Languages)
	assert.Equal(t, 3, cfg.GitHub.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "out.jsonl", cfg.Output.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	// untouched keys keep their defaults
	assert.Equal(t, 30, cfg.GitHub.TimeoutSeconds)
	assert.Equal(t, 25, cfg.Output.SaveInterval)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
metrics_addr = ":9100"

[github]
tokens = ["ghp_cccc3333"]
max_retries = 1

[github.repository_filters]
min_stars = 0
languages = ["python"]

[output]
path = "repos.json"
format = "array"
save_interval = 10

[storage]
sqlite_path = "repos.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"ghp_cccc3333"}, cfg.GitHub.Tokens)
	assert.Equal(t, 1, cfg.GitHub.MaxRetries)
	assert.Equal(t, 0, cfg.GitHub.RepositoryFilters.MinStars)
	assert.Equal(t, "array", cfg.Output.Format)
	assert.Equal(t, 10, cfg.Output.SaveInterval)
	assert.Equal(t, "repos.db", cfg.Storage.SQLitePath)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, DefaultUserAgent, cfg.GitHub.UserAgent)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "github: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "[github\nmax_retries = "))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty user agent", mutate: func(c *Config) { c.GitHub.UserAgent = "" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.GitHub.MaxRetries = -1 }, wantErr: true},
		{name: "negative delay", mutate: func(c *Config) { c.GitHub.RequestDelayMS = -5 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.GitHub.TimeoutSeconds = 0 }, wantErr: true},
		{name: "negative stars", mutate: func(c *Config) { c.GitHub.RepositoryFilters.MinStars = -1 }, wantErr: true},
		{name: "breaker without threshold", mutate: func(c *Config) { c.GitHub.CircuitBreaker.FailureThreshold = 0 }, wantErr: true},
		{name: "disabled breaker ignores threshold", mutate: func(c *Config) {
			c.GitHub.CircuitBreaker = CircuitBreakerConfig{Enabled: false}
		}},
		{name: "unknown format", mutate: func(c *Config) { c.Output.Format = "csv" }, wantErr: true},
		{name: "empty output", mutate: func(c *Config) { c.Output.Path = "" }, wantErr: true},
		{name: "zero save interval", mutate: func(c *Config) { c.Output.SaveInterval = 0 }, wantErr: true},
		{name: "negative cache", mutate: func(c *Config) { c.Cache.MemoryEntries = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveTokens(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Tokens = []string{" ghp_file0001 ", ""}

	t.Setenv(EnvTokens, "ghp_env00001, ghp_env00002")

	tokens, source := cfg.ResolveTokens("ghp_flag0001,,ghp_flag0002", "ghp_single01")
	assert.Equal(t, []string{"ghp_flag0001", "ghp_flag0002"}, tokens)
	assert.Contains(t, source, "--tokens")

	tokens, source = cfg.ResolveTokens("", "ghp_single01")
	assert.Equal(t, []string{"ghp_single01"}, tokens)
	assert.Contains(t, source, "--token")

	tokens, source = cfg.ResolveTokens("", "")
	assert.Equal(t, []string{"ghp_env00001", "ghp_env00002"}, tokens)
	assert.Contains(t, source, EnvTokens)

	t.Setenv(EnvTokens, "")
	tokens, source = cfg.ResolveTokens("", "")
	assert.Equal(t, []string{"ghp_file0001"}, tokens)
	assert.Equal(t, "config file", source)

	cfg.GitHub.Tokens = nil
	tokens, source = cfg.ResolveTokens("", "")
	assert.Empty(t, tokens)
	assert.Equal(t, "none", source)
}

func TestFilters(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	cfg := Default()
	cfg.GitHub.RepositoryFilters = RepositoryFilters{
		MinStars:        10,
		Languages:       []string{"go"},
		LastUpdatedDays: 30,
	}
	f := cfg.Filters(now)
	assert.Equal(t, 10, f.MinStars)
	assert.Equal(t, []string{"go"}, f.Languages)
	assert.Equal(t, "2024-03-01", f.PushedAfter)

	cfg.GitHub.RepositoryFilters.LastUpdatedDays = -30
	assert.Equal(t, "2024-03-01", cfg.Filters(now).PushedAfter)

	cfg.GitHub.RepositoryFilters.LastUpdatedDays = 0
	assert.Empty(t, cfg.Filters(now).PushedAfter)
}

func TestClientConfig(t *testing.T) {
	cfg := Default()
	cfg.GitHub.RequestDelayMS = 100
	cfg.GitHub.TimeoutSeconds = 10
	cfg.GitHub.MaxRetries = 7
	cfg.GitHub.UnauthenticatedFallback = false
	cfg.Cache.TTLHours = 2

	cc := cfg.ClientConfig([]string{"ghp_aaaa1111"})
	assert.Equal(t, []string{"ghp_aaaa1111"}, cc.Tokens)
	assert.Equal(t, DefaultUserAgent, cc.UserAgent)
	assert.Equal(t, 100*time.Millisecond, cc.Retry.RequestDelay)
	assert.Equal(t, 10*time.Second, cc.Timeout)
	assert.Equal(t, 7, cc.Retry.MaxRetries)
	assert.False(t, cc.UnauthenticatedFallback)
	assert.Equal(t, 5, cc.FailureThreshold)
	assert.Equal(t, time.Minute, cc.Cooldown)
	assert.Equal(t, 2*time.Hour, cc.CacheRetention)

	cfg.GitHub.CircuitBreaker.Enabled = false
	assert.Zero(t, cfg.ClientConfig(nil).FailureThreshold)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , ,"))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ,b,"))
}
