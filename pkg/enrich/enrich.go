// Package enrich fetches repository details and check runs for collected
// records in parallel.
//
// Example usage:
//
//	e := enrich.New(githubClient, enrich.DefaultConfig())
//	results := e.Run(ctx, targets)
//
// The enricher:
//   - Queues every target
//   - Spawns a worker pool (default 5 workers)
//   - Fetches details, then check runs, per target
//   - Collects results in target order with progress logging
//   - Records per-target errors instead of aborting the batch
//
// All workers share one client, so credential selection and rate limit waits
// stay coordinated through its pool.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var enrichedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ghscrape_enriched_total",
	Help: "Total number of enriched repositories by outcome",
}, []string{"outcome"})

// ErrInvalidTarget is returned for a full name that is not owner/repo.
var ErrInvalidTarget = errors.New("invalid repository full name")

// Config holds enricher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel targets.
	MaxConcurrency int
	// Timeout per target (details plus check runs).
	Timeout time.Duration
	// CheckRuns also fetches check runs when set.
	CheckRuns bool
}

// DefaultConfig returns safe default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		Timeout:        60 * time.Second,
		CheckRuns:      true,
	}
}

// Fetcher is the subset of the client used per target.
type Fetcher interface {
	GetRepository(ctx context.Context, owner, repo string) (json.RawMessage, *gh.Repository, error)
	ListCheckRuns(ctx context.Context, owner, repo string) (*gh.ListCheckRunsResults, error)
}

// Target names one repository.
type Target struct {
	Owner string
	Repo  string
}

// FullName returns owner/repo.
func (t Target) FullName() string {
	return t.Owner + "/" + t.Repo
}

// ParseTarget splits an owner/repo full name.
func ParseTarget(fullName string) (Target, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, fullName)
	}
	return Target{Owner: owner, Repo: repo}, nil
}

// Result is the outcome for one target.
type Result struct {
	Target     Target
	Details    json.RawMessage
	Repository *gh.Repository
	CheckRuns  *gh.ListCheckRunsResults
	Err        error
}

// Record renders r as one output object: the raw details under
// "repository", the check runs under "check_runs" and any error text.
func (r Result) Record() (json.RawMessage, error) {
	out := struct {
		FullName   string          `json:"full_name"`
		Repository json.RawMessage `json:"repository,omitempty"`
		CheckRuns  []*gh.CheckRun  `json:"check_runs,omitempty"`
		Error      string          `json:"error,omitempty"`
	}{
		FullName:   r.Target.FullName(),
		Repository: r.Details,
	}
	if r.CheckRuns != nil {
		out.CheckRuns = r.CheckRuns.CheckRuns
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

type job struct {
	index  int
	target Target
}

// Enricher handles parallel enrichment of many repositories.
type Enricher struct {
	fetcher Fetcher
	config  Config
}

// New creates a new enricher.
func New(fetcher Fetcher, config Config) *Enricher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Enricher{
		fetcher: fetcher,
		config:  config,
	}
}

// Run enriches every target using a worker pool and returns one result per
// target in input order. Targets not started before ctx ends carry the
// context error.
func (e *Enricher) Run(ctx context.Context, targets []Target) []Result {
	start := time.Now()
	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i] = Result{Target: t}
	}
	if len(targets) == 0 {
		return results
	}

	log.Info().
		Int("targets", len(targets)).
		Int("workers", e.config.MaxConcurrency).
		Msg("Starting parallel enrichment")

	queue := make(chan job, len(targets))
	done := make(chan job, len(targets))
	for i, t := range targets {
		queue <- job{index: i, target: t}
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < e.config.MaxConcurrency; i++ {
		wg.Add(1)
		go e.worker(ctx, queue, done, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	completed, failed := 0, 0
	for j := range done {
		completed++
		if results[j.index].Err != nil {
			failed++
		}
		if completed%50 == 0 {
			log.Info().
				Int("completed", completed).
				Int("total", len(targets)).
				Float64("progress_pct", float64(completed)/float64(len(targets))*100).
				Msg("Enrichment progress")
		}
	}

	// Jobs left in the queue after cancellation never ran.
	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Details == nil && results[i].Err == nil {
				results[i].Err = err
				failed++
			}
		}
	}

	log.Info().
		Int("targets", len(targets)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Enrichment complete")

	return results
}

// worker processes targets from the queue. Each result slot is written by
// exactly one worker before the job index is sent on done.
func (e *Enricher) worker(ctx context.Context, queue <-chan job, done chan<- job, results []Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for j := range queue {
		select {
		case <-ctx.Done():
			log.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		tctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		results[j.index] = e.enrich(tctx, j.target)
		cancel()

		if err := results[j.index].Err; err != nil {
			enrichedTotal.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("repository", j.target.FullName()).
				Msg("Enrichment failed")
		} else {
			enrichedTotal.WithLabelValues("ok").Inc()
		}

		done <- j
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

func (e *Enricher) enrich(ctx context.Context, t Target) Result {
	r := Result{Target: t}

	raw, repo, err := e.fetcher.GetRepository(ctx, t.Owner, t.Repo)
	if err != nil {
		r.Err = err
		return r
	}
	r.Details = raw
	r.Repository = repo

	if !e.config.CheckRuns {
		return r
	}

	runs, err := e.fetcher.ListCheckRuns(ctx, t.Owner, t.Repo)
	if err != nil {
		r.Err = fmt.Errorf("check runs: %w", err)
		return r
	}
	r.CheckRuns = runs
	return r
}
