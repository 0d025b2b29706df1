package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/Sternrassler/ghscrape/pkg/pagination"
	"github.com/Sternrassler/ghscrape/pkg/ratelimit"
	"github.com/spf13/cobra"
)

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show the rate limit windows of every token",
	Args:  cobra.NoArgs,
	RunE:  runRateLimit,
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage GitHub tokens",
}

var tokensValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every token against the API",
	Long: `Probes GET /user with each configured token and reports the
authenticated login or the reason the token was rejected.`,
	Args: cobra.NoArgs,
	RunE: runTokensValidate,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Find the search filter that empties a query",
	Long: `Runs increasingly specific searches built from the configured filters
and prints the total count of each, so a filter that leaves no results
can be spotted.`,
	Args: cobra.NoArgs,
	RunE: runDiagnose,
}

func init() {
	tokensCmd.AddCommand(tokensValidateCmd)
	rootCmd.AddCommand(rateLimitCmd, tokensCmd, diagnoseCmd)

	f := diagnoseCmd.Flags()
	f.IntVar(&flagMinStars, "min-stars", 5, "minimum stars (0 omits the qualifier)")
	f.StringVar(&flagLanguages, "languages", "", "comma separated languages")
	f.StringVar(&flagCountries, "countries", "", "comma separated owner locations")
	f.StringVar(&flagPushedAfter, "pushed-after", "", "only repositories pushed on or after YYYY-MM-DD")
}

// probeCredentials returns the tokens, or the anonymous identity when none
// is configured.
func probeCredentials(c *client.Client) []*ratelimit.Credential {
	creds := c.Pool().Credentials()
	if len(creds) == 0 && c.Pool().Anonymous() != nil {
		creds = append(creds, c.Pool().Anonymous())
	}
	return creds
}

func runRateLimit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	failed := 0
	for _, cred := range probeCredentials(c) {
		snap, err := c.RateLimit(ctx, cred)
		if err != nil {
			failed++
			cmd.Printf("%-12s error: %v\n", cred.Suffix(), err)
			continue
		}
		for _, resource := range sortedResources(snap) {
			w := snap[resource]
			cmd.Printf("%-12s %-8s %5d/%-5d resets %s (in %s)\n",
				cred.Suffix(), resource, w.Remaining, w.Limit,
				w.ResetAt.Local().Format(time.TimeOnly),
				time.Until(w.ResetAt).Round(time.Second))
		}
	}
	if failed > 0 {
		return fmt.Errorf("rate limit lookup failed for %d credential(s)", failed)
	}
	return nil
}

// sortedResources lists core and search first, the rest alphabetically.
func sortedResources(snap ratelimit.Snapshot) []string {
	out := make([]string, 0, len(snap))
	for _, r := range []string{ratelimit.ResourceCore, ratelimit.ResourceSearch} {
		if _, ok := snap[r]; ok {
			out = append(out, r)
		}
	}
	var rest []string
	for r := range snap {
		if r != ratelimit.ResourceCore && r != ratelimit.ResourceSearch {
			rest = append(rest, r)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func runTokensValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	creds := c.Pool().Credentials()
	if len(creds) == 0 {
		return errors.New("no tokens configured (use --tokens, --token or GITHUB_TOKENS)")
	}

	invalid := 0
	for _, cred := range creds {
		user, err := c.ValidateToken(ctx, cred)
		switch {
		case err == nil:
			cmd.Printf("%-12s valid (%s)\n", cred.Suffix(), user.GetLogin())
		case client.IsUnauthorized(err):
			invalid++
			cmd.Printf("%-12s invalid\n", cred.Suffix())
		default:
			invalid++
			cmd.Printf("%-12s error: %v\n", cred.Suffix(), err)
		}
	}
	cmd.Printf("%d of %d token(s) valid\n", len(creds)-invalid, len(creds))
	if invalid > 0 {
		return fmt.Errorf("%d token(s) failed validation", invalid)
	}
	return nil
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	f := searchFilters(cmd, cfg, time.Now())
	results := pagination.Diagnose(ctx, c, f)

	for _, d := range results {
		if d.Err != nil {
			cmd.Printf("%-32s error: %v\n", d.Label, d.Err)
			continue
		}
		cmd.Printf("%-32s %10d  %s\n", d.Label, d.Count, d.Query)
	}

	cmd.Println()
	cmd.Println("Try one of these queries with: ghscrape scrape --query \"<query>\"")
	for _, d := range results {
		if d.Err == nil && d.Count > 0 {
			cmd.Printf("  %s\n", d.Query)
		}
	}
	return nil
}
