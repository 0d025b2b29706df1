// Command ghscrape collects GitHub repository metadata into a resumable
// JSON Lines or JSON array file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// Flags shared by every command.
var (
	flagConfig           string
	flagTokens           string
	flagToken            string
	flagLogLevel         string
	flagUserAgent        string
	flagBaseURL          string
	flagRetries          int
	flagTimeout          int
	flagDelayMS          int
	flagNoUnauthFallback bool
	flagMetricsAddr      string
	flagRedisAddr        string
)

var rootCmd = &cobra.Command{
	Use:   "ghscrape",
	Short: "Resilient GitHub repository scraper",
	Long: `Scrapes repository search results and user repository listings from the
GitHub REST API. Tokens are rotated by remaining quota, failing tokens are
circuit broken, and output is checkpointed so interrupted runs can resume.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "config.yaml", "configuration file (.yaml or .toml)")
	pf.StringVar(&flagTokens, "tokens", "", "comma separated GitHub tokens (default $GITHUB_TOKENS)")
	pf.StringVar(&flagToken, "token", "", "single GitHub token")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flagUserAgent, "user-agent", "", "User-Agent header")
	pf.StringVar(&flagBaseURL, "base-url", "", "API base URL")
	pf.IntVar(&flagRetries, "retries", 3, "retries per request after the first attempt")
	pf.IntVar(&flagTimeout, "timeout", 30, "per request timeout in seconds")
	pf.IntVar(&flagDelayMS, "delay-ms", 500, "minimum delay between requests in milliseconds")
	pf.BoolVar(&flagNoUnauthFallback, "no-unauth-fallback", false, "never fall back to unauthenticated requests")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&flagRedisAddr, "redis-addr", "", "cache responses in Redis at this address")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
