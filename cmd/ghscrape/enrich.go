package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/Sternrassler/ghscrape/pkg/checks"
	"github.com/Sternrassler/ghscrape/pkg/enrich"
	"github.com/Sternrassler/ghscrape/pkg/store"
	gh "github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagInputFormat  string
	flagConcurrency  int
	flagNoCheckRuns  bool
	flagCheckTimeout time.Duration
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <file>",
	Short: "Fetch details and check runs for every scraped repository",
	Long: `Reads a scraped output file, fetches the full repository details and the
check runs of every record in parallel, scores CI health, and writes one
enriched record per repository. With --sqlite the details and the CI check
result are stored in the database as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrich,
}

var repairCmd = &cobra.Command{
	Use:   "repair <file>",
	Short: "Repair a JSON Lines output file",
	Long: `Scans a JSON Lines file and, when corrupt lines exist, writes <file>.fixed
with every valid or trailing-comma-repaired line and <file>.corrupted listing
the lines that could not be decoded. The input file is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

func init() {
	f := enrichCmd.Flags()
	f.StringVarP(&flagOutput, "output", "o", "", "output file (default <file>.enriched.jsonl)")
	f.StringVar(&flagInputFormat, "input-format", "line", "input format (line|jsonl or array|json)")
	f.IntVar(&flagConcurrency, "concurrency", enrich.DefaultConfig().MaxConcurrency, "repositories fetched in parallel")
	f.BoolVar(&flagNoCheckRuns, "no-check-runs", false, "skip check runs")
	f.DurationVar(&flagCheckTimeout, "check-timeout", 30*time.Second, "deadline of a single check")
	f.StringVar(&flagSQLite, "sqlite", "", "store details and check results in this SQLite database")

	rootCmd.AddCommand(enrichCmd, repairCmd)
}

func runEnrich(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	input := args[0]

	format, err := checkpoint.ParseFormat(flagInputFormat)
	if err != nil {
		return err
	}
	_, records, err := checkpoint.Load(input, format)
	if err != nil {
		return err
	}

	targets := make([]enrich.Target, 0, len(records))
	for _, rec := range records {
		t, err := enrich.ParseTarget(rec.FullName)
		if err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("Skipping record without a usable full name")
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return fmt.Errorf("no repositories to enrich in %s", input)
	}

	output := input + ".enriched.jsonl"
	if cmd.Flags().Changed("output") {
		output = flagOutput
	}

	stopMetrics := startMetrics(cfg.MetricsAddr)
	defer stopMetrics()

	c, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	checkTokens(ctx, c)

	var db *store.SQLite
	if cfg.Storage.SQLitePath != "" {
		db, err = store.NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	w, err := checkpoint.Open(checkpoint.Options{
		Path:         output,
		Format:       checkpoint.FormatLine,
		SaveInterval: cfg.Output.SaveInterval,
	})
	if err != nil {
		return err
	}

	ecfg := enrich.DefaultConfig()
	ecfg.MaxConcurrency = flagConcurrency
	ecfg.CheckRuns = !flagNoCheckRuns
	results := enrich.New(c, ecfg).Run(ctx, targets)

	ci := checks.CIStatus{Lister: prefetchedRuns{results: indexRuns(results), fallback: c}}
	var scores []checks.Result
	failed := 0

	for _, res := range results {
		if res.Err != nil {
			failed++
			if err := appendEnriched(w, res, nil); err != nil {
				w.EmergencySave()
				w.Close()
				return err
			}
			continue
		}

		rec, err := checkpoint.ParseRecord(res.Details)
		if err != nil {
			failed++
			continue
		}

		var check *checks.Result
		if ecfg.CheckRuns {
			r := checks.RunWithDeadline(ctx, ci, checks.FromRecord(rec), flagCheckTimeout)
			scores = append(scores, r)
			check = &r
		}

		if err := appendEnriched(w, res, check); err != nil {
			w.EmergencySave()
			w.Close()
			return err
		}
		if db != nil {
			storeEnriched(ctx, db, ci, rec, check)
		}
	}

	if err := w.Close(); err != nil {
		return err
	}

	cmd.Printf("Output:      %s\n", output)
	cmd.Printf("Enriched:    %d\n", len(results)-failed)
	cmd.Printf("Failed:      %d\n", failed)
	if len(scores) > 0 {
		cmd.Printf("CI score:    %.1f (average of %d)\n", checks.OverallScore(scores), len(scores))
	}
	return nil
}

// appendEnriched writes the enrichment record, adding the CI check result
// when one was computed.
func appendEnriched(w *checkpoint.Writer, res enrich.Result, check *checks.Result) error {
	raw, err := res.Record()
	if err != nil {
		return fmt.Errorf("encode %s: %w", res.Target.FullName(), err)
	}
	if check != nil {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("encode %s: %w", res.Target.FullName(), err)
		}
		encoded, err := json.Marshal(map[string]checks.Result{"ci_status": *check})
		if err != nil {
			return fmt.Errorf("encode %s: %w", res.Target.FullName(), err)
		}
		fields["checks"] = encoded
		if raw, err = json.Marshal(fields); err != nil {
			return fmt.Errorf("encode %s: %w", res.Target.FullName(), err)
		}
	}
	_, err = w.Append(raw)
	return err
}

// storeEnriched upserts the details and the check result. Failures are
// logged; the output file stays authoritative.
func storeEnriched(ctx context.Context, db *store.SQLite, c checks.Check, rec checkpoint.Record, check *checks.Result) {
	logger := log.With().Str("repository", rec.FullName).Logger()

	if err := db.Save(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to store repository")
		return
	}
	id, err := strconv.ParseInt(rec.ID, 10, 64)
	if err != nil {
		return
	}
	if err := db.SetStatus(ctx, id, store.StatusEnriched); err != nil {
		logger.Warn().Err(err).Msg("Failed to update repository status")
	}
	if check != nil {
		if err := db.SaveCheck(ctx, id, c.Category(), c.Name(), *check); err != nil {
			logger.Warn().Err(err).Msg("Failed to store check result")
		}
	}
}

// prefetchedRuns serves check runs fetched during enrichment and asks the
// API only for repositories it does not hold.
type prefetchedRuns struct {
	results  map[string]*gh.ListCheckRunsResults
	fallback checks.CheckRunLister
}

func (p prefetchedRuns) ListCheckRuns(ctx context.Context, owner, repo string) (*gh.ListCheckRunsResults, error) {
	if runs, ok := p.results[owner+"/"+repo]; ok {
		return runs, nil
	}
	return p.fallback.ListCheckRuns(ctx, owner, repo)
}

func indexRuns(results []enrich.Result) map[string]*gh.ListCheckRunsResults {
	out := make(map[string]*gh.ListCheckRunsResults, len(results))
	for _, r := range results {
		if r.CheckRuns != nil {
			out[r.Target.FullName()] = r.CheckRuns
		}
	}
	return out
}

func runRepair(cmd *cobra.Command, args []string) error {
	report, err := checkpoint.Repair(args[0])
	if err != nil {
		return err
	}

	cmd.Printf("Valid lines:     %d\n", report.Valid)
	cmd.Printf("Fixed lines:     %d\n", report.Fixed)
	cmd.Printf("Corrupted lines: %d\n", len(report.Corrupted))
	if report.FixedPath == "" {
		cmd.Println("File is valid, nothing written.")
		return nil
	}
	cmd.Printf("Repaired file:   %s\n", report.FixedPath)
	cmd.Printf("Corrupted lines: %s\n", report.CorruptedPath)
	return nil
}
