package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/ghscrape/internal/config"
	"github.com/Sternrassler/ghscrape/internal/scrape"
	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/Sternrassler/ghscrape/pkg/pagination"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Output and run flags shared by scrape and user.
var (
	flagOutput       string
	flagFormat       string
	flagMaxPages     int
	flagMaxRepos     int
	flagResume       bool
	flagForceRestart bool
	flagSaveInterval int
	flagDump         bool
	flagSQLite       string
	flagMongoURI     string
)

// Search flags.
var (
	flagMinStars    int
	flagLanguages   string
	flagCountries   string
	flagPushedAfter string
	flagQuery       string
	flagSimpleQuery bool
	flagTestOnly    bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape repository search results",
	Long: `Searches repositories by stars, languages, owner locations and push date
and appends every repository not already in the output file.
With --resume an interrupted run continues from its stored cursor.`,
	Args: cobra.NoArgs,
	RunE: runScrape,
}

var userCmd = &cobra.Command{
	Use:   "user <login>",
	Short: "Scrape the public repositories of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUser,
}

func init() {
	for _, cmd := range []*cobra.Command{scrapeCmd, userCmd} {
		addOutputFlags(cmd)
		rootCmd.AddCommand(cmd)
	}

	f := scrapeCmd.Flags()
	f.IntVar(&flagMinStars, "min-stars", 5, "minimum stars (0 omits the qualifier)")
	f.StringVar(&flagLanguages, "languages", "", "comma separated languages")
	f.StringVar(&flagCountries, "countries", "", "comma separated owner locations")
	f.StringVar(&flagPushedAfter, "pushed-after", "", "only repositories pushed on or after YYYY-MM-DD")
	f.StringVar(&flagQuery, "query", "", "search query used verbatim instead of the filters")
	f.BoolVar(&flagSimpleQuery, "simple-query", false, "use only stars and the first language")
	f.BoolVar(&flagTestOnly, "test-only", false, "print the query and its total count without scraping")
}

func addOutputFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&flagOutput, "output", "o", "github_repositories.jsonl", "output file")
	f.StringVar(&flagFormat, "format", "line", "output format (line|jsonl or array|json)")
	f.IntVar(&flagMaxPages, "max-pages", 0, "stop after this many pages (0 = unlimited)")
	f.IntVar(&flagMaxRepos, "max-repos", 0, "stop after this many new repositories (0 = unlimited)")
	f.BoolVar(&flagResume, "resume", false, "resume from an existing output file")
	f.BoolVar(&flagForceRestart, "force-restart", false, "back up the existing output and start over")
	f.IntVar(&flagSaveInterval, "save-interval", checkpoint.DefaultSaveInterval, "records between checkpoint saves")
	f.BoolVar(&flagDump, "dump-responses", false, "write every raw page next to the output")
	f.StringVar(&flagSQLite, "sqlite", "", "mirror records into this SQLite database")
	f.StringVar(&flagMongoURI, "mongo-uri", "", "mirror records into this MongoDB")
}

func runScrape(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	query, err := searchQuery(cmd, cfg, time.Now())
	if err != nil {
		return err
	}

	if flagTestOnly {
		return testQuery(cmd, cfg, query)
	}
	return runJob(cmd, cfg, scrape.SearchJob(cfg.GitHub.BaseURL, query))
}

func runUser(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return runJob(cmd, cfg, scrape.UserJob(cfg.GitHub.BaseURL, args[0]))
}

// searchQuery returns --query verbatim or builds one from the filters.
func searchQuery(cmd *cobra.Command, cfg *config.Config, now time.Time) (string, error) {
	if flagQuery != "" {
		log.Info().Str("query", flagQuery).Msg("Using direct query")
		return flagQuery, nil
	}

	f := searchFilters(cmd, cfg, now)
	if f.PushedAfter != "" {
		pushed, err := time.Parse(time.DateOnly, f.PushedAfter)
		if err != nil {
			return "", fmt.Errorf("invalid --pushed-after %q, expected YYYY-MM-DD", f.PushedAfter)
		}
		if pushed.After(now) {
			log.Warn().Str("pushed_after", f.PushedAfter).Msg("Push date is in the future, the search will find nothing")
		}
	}
	if f.ActiveFilters() >= 2 && !f.Simple {
		log.Warn().Int("filters", f.ActiveFilters()).Msg("Multiple filters may limit results, consider --simple-query")
	}

	query := pagination.BuildQuery(f)
	log.Info().Str("query", query).Bool("simple", f.Simple).Msg("Built search query")
	return query, nil
}

// searchFilters overlays the search flags on the configured filters.
func searchFilters(cmd *cobra.Command, cfg *config.Config, now time.Time) pagination.SearchFilters {
	f := cfg.Filters(now)
	fl := cmd.Flags()
	if fl.Changed("languages") {
		f.Languages = config.SplitList(strings.ToLower(flagLanguages))
	}
	if fl.Changed("countries") {
		f.Countries = config.SplitList(flagCountries)
	}
	if fl.Changed("pushed-after") {
		f.PushedAfter = flagPushedAfter
	}
	f.Simple = flagSimpleQuery
	return f
}

func testQuery(cmd *cobra.Command, cfg *config.Config, query string) error {
	ctx := cmd.Context()
	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	n, err := c.SearchCount(ctx, query)
	if err != nil {
		return fmt.Errorf("test query: %w", err)
	}
	cmd.Printf("Query: %s\n", query)
	cmd.Printf("Total repositories: %d\n", n)
	return nil
}

// runJob scrapes job into the configured output and mirrors.
func runJob(cmd *cobra.Command, cfg *config.Config, job scrape.Job) error {
	ctx := cmd.Context()

	stopMetrics := startMetrics(cfg.MetricsAddr)
	defer stopMetrics()

	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	checkTokens(ctx, c)

	format, err := checkpoint.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	w, err := checkpoint.Open(checkpoint.Options{
		Path:         cfg.Output.Path,
		Format:       format,
		SaveInterval: cfg.Output.SaveInterval,
		Resume:       flagResume,
		ForceRestart: flagForceRestart,
	})
	if err != nil {
		return err
	}

	mirror, err := openMirror(ctx, cfg)
	if err != nil {
		w.Close()
		return err
	}
	if mirror != nil {
		defer mirror.Close()
	}

	var dump pagination.DumpFunc
	if flagDump {
		dump = pagination.FileDumper(filepath.Dir(cfg.Output.Path))
	}

	runner := scrape.New(c, w, mirror, scrape.Config{
		MaxPages: flagMaxPages,
		MaxItems: flagMaxRepos,
		Resume:   flagResume && !flagForceRestart,
		Dump:     dump,
	})

	sum, runErr := runner.Run(ctx, job)
	closeErr := w.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		if path, err := w.EmergencySave(); err == nil {
			return fmt.Errorf("close output (records saved to %s): %w", path, closeErr)
		}
		return fmt.Errorf("close output: %w", closeErr)
	}

	printSummary(cmd, cfg.Output.Path, sum)
	return nil
}

// checkTokens probes every token once; revoked tokens drop out of rotation.
func checkTokens(ctx context.Context, c *client.Client) {
	creds := c.Pool().Credentials()
	valid := 0
	for _, cred := range creds {
		if _, err := c.ValidateToken(ctx, cred); err != nil {
			if client.IsUnauthorized(err) {
				log.Warn().Str("credential", cred.Suffix()).Msg("Token is invalid and will not be used")
				continue
			}
			log.Warn().Err(err).Str("credential", cred.Suffix()).Msg("Could not validate token, keeping it")
		}
		valid++
	}
	if len(creds) > 0 && valid < len(creds) {
		log.Warn().Int("valid", valid).Int("configured", len(creds)).Msg("Filtered out invalid tokens")
	}
}

func printSummary(cmd *cobra.Command, output string, sum scrape.Summary) {
	cmd.Printf("Output:        %s\n", output)
	cmd.Printf("Run:           %s\n", sum.RunID)
	cmd.Printf("Pages:         %d (from page %d)\n", sum.Pages, sum.StartPage)
	cmd.Printf("New:           %d\n", sum.New)
	cmd.Printf("Skipped:       %d\n", sum.Skipped)
	cmd.Printf("Total:         %d\n", sum.Resumed+sum.New)
	cmd.Printf("Stop reason:   %s\n", sum.Stop)
	if sum.Err != nil {
		cmd.Printf("Last error:    %v\n", sum.Err)
	}
	if sum.MirrorErrors > 0 {
		cmd.Printf("Mirror errors: %d\n", sum.MirrorErrors)
	}
	cmd.Printf("Duration:      %s\n", sum.Duration.Round(time.Millisecond))
}
