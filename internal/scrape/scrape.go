// Package scrape drives a paginated listing into the checkpoint writer and
// the record mirrors.
//
// A run resumes from the sidecar cursor when the stored run listed the same
// key, otherwise from a page estimated from the records already on disk.
// The sidecar is saved after every completed page, right after the output
// is flushed, so the cursor never runs ahead of the file.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/Sternrassler/ghscrape/pkg/pagination"
	"github.com/Sternrassler/ghscrape/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_runs_total",
		Help: "Total number of scrape runs by stop reason",
	}, []string{"stop_reason"})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ghscrape_run_duration_seconds",
		Help:    "Duration of scrape runs",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
	})
)

// Job is one paginated listing.
type Job struct {
	// Key identifies the listing in the sidecar.
	Key string

	// PerPage is the page size URL asks for.
	PerPage int

	// URL returns the URL of page n (n >= 1).
	URL func(page int) string
}

// SearchJob lists a repository search sorted by stars.
func SearchJob(baseURL, query string) Job {
	return Job{
		Key:     query,
		PerPage: pagination.DefaultPerPage,
		URL: func(page int) string {
			return pagination.SearchURL(baseURL, query, pagination.DefaultPerPage, page)
		},
	}
}

// UserJob lists the public repositories of a user.
func UserJob(baseURL, login string) Job {
	base := strings.TrimSuffix(baseURL, "/") + client.UserReposPath(login)
	return Job{
		Key:     "user:" + login,
		PerPage: pagination.DefaultPerPage,
		URL: func(page int) string {
			q := url.Values{}
			q.Set("per_page", strconv.Itoa(pagination.DefaultPerPage))
			if page > 1 {
				q.Set("page", strconv.Itoa(page))
			}
			return base + "?" + q.Encode()
		},
	}
}

// Config holds runner configuration.
type Config struct {
	MaxPages int // 0 = unlimited
	MaxItems int // 0 = unlimited

	// Resume continues a previous run of the same job.
	Resume bool

	// Dump receives every raw page (optional).
	Dump pagination.DumpFunc
}

// Summary reports a finished run.
type Summary struct {
	RunID        string
	StartPage    int
	Pages        int
	Items        int // items yielded by the stream
	New          int // records appended to the output
	Skipped      int // items already in the output
	Resumed      int // records loaded from a previous run
	MirrorErrors int
	Stop         pagination.StopReason
	Err          error  // fetch or shape error that ended the stream
	Recovered    string // emergency save path, if one was written
	Duration     time.Duration
}

// Runner scrapes jobs into one output.
type Runner struct {
	fetcher pagination.Fetcher
	writer  *checkpoint.Writer
	mirror  store.Sink
	config  Config
	logger  zerolog.Logger
}

// New creates a runner. mirror may be nil.
func New(fetcher pagination.Fetcher, writer *checkpoint.Writer, mirror store.Sink, config Config) *Runner {
	return &Runner{
		fetcher: fetcher,
		writer:  writer,
		mirror:  mirror,
		config:  config,
		logger:  log.With().Str("component", "scrape").Str("output", writer.Path()).Logger(),
	}
}

// Run scrapes job. Fetch failures end the run normally and are reported in
// the summary. A writer failure or a panic writes an emergency copy of the
// records first; the error is returned and the panic re-raised.
func (r *Runner) Run(ctx context.Context, job Job) (sum Summary, err error) {
	start := time.Now()
	state, firstURL, startPage := r.plan(job)

	sum.RunID = state.RunID
	sum.StartPage = startPage
	sum.Resumed = r.writer.Resumed()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("run_id", sum.RunID).
				Msg("Scrape panicked, writing emergency save")
			sum.Recovered = r.emergency()
			panic(p)
		}
	}()

	state.LastPage = startPage - 1
	state.NextURL = firstURL
	state.Items = sum.Resumed
	r.saveState(state)

	r.logger.Info().
		Str("run_id", state.RunID).
		Str("job", job.Key).
		Int("start_page", startPage).
		Int("resumed", sum.Resumed).
		Msg("Starting scrape")

	var writeErr error
	p := pagination.New(r.fetcher, pagination.Config{
		Seen: r.writer.Set(),
		Dump: r.config.Dump,
		PageDone: func(number int, next string) bool {
			if err := r.writer.Flush(); err != nil {
				writeErr = err
				return false
			}
			state.LastPage = number
			state.NextURL = next
			state.Items = sum.Resumed + r.writer.Written()
			r.saveState(state)
			return true
		},
	})

	stream := p.Stream(ctx, firstURL, pagination.Limits{
		MaxPages:  r.config.MaxPages,
		MaxItems:  r.config.MaxItems,
		StartPage: startPage,
	})

	for item := range stream.Items() {
		added, err := r.writer.Append(item.Raw)
		if err != nil {
			writeErr = err
			break
		}
		if !added {
			continue
		}
		sum.New++
		if r.mirror != nil && !r.mirrorRecord(ctx, item.Raw) {
			sum.MirrorErrors++
		}
	}

	res := stream.Result()
	sum.Pages = res.Pages
	sum.Items = res.Items
	sum.Skipped = res.Skipped
	sum.Stop = res.Stop
	sum.Err = res.Err

	if writeErr == nil {
		writeErr = r.writer.Flush()
	}
	if writeErr != nil {
		sum.Recovered = r.emergency()
		sum.Duration = time.Since(start)
		r.logger.Error().
			Err(writeErr).
			Str("run_id", sum.RunID).
			Str("recovered", sum.Recovered).
			Msg("Output write failed")
		return sum, fmt.Errorf("write output: %w", writeErr)
	}

	state.Completed = res.Stop == pagination.StopExhausted
	state.Items = sum.Resumed + r.writer.Written()
	r.saveState(state)

	sum.Duration = time.Since(start)
	runsTotal.WithLabelValues(string(sum.Stop)).Inc()
	runDurationSeconds.Observe(sum.Duration.Seconds())

	r.logger.Info().
		Str("run_id", sum.RunID).
		Int("pages", sum.Pages).
		Int("items", sum.Items).
		Int("new", sum.New).
		Int("skipped", sum.Skipped).
		Int("total", state.Items).
		Int("mirror_errors", sum.MirrorErrors).
		Str("stop_reason", string(sum.Stop)).
		Dur("duration", sum.Duration).
		Msg("Scrape finished")

	return sum, nil
}

// plan picks the state, first URL and page number of a run.
func (r *Runner) plan(job Job) (*checkpoint.State, string, int) {
	format := r.writer.Format()
	if !r.config.Resume {
		return checkpoint.NewState(job.Key, format), job.URL(1), 1
	}

	prev, err := checkpoint.LoadState(r.writer.Path())
	if err != nil {
		r.logger.Warn().Err(err).Msg("Ignoring unreadable state file")
	}
	if next, ok := prev.ResumeURL(job.Key); ok {
		r.logger.Info().
			Str("run_id", prev.RunID).
			Int("page", prev.LastPage+1).
			Msg("Resuming from stored cursor")
		return prev, next, prev.LastPage + 1
	}

	page := checkpoint.EstimateStartPage(r.writer.Resumed(), job.PerPage)
	if page > 1 {
		r.logger.Info().
			Int("records", r.writer.Resumed()).
			Int("page", page).
			Msg("No stored cursor, resuming from estimated page")
	}
	return checkpoint.NewState(job.Key, format), job.URL(page), page
}

func (r *Runner) mirrorRecord(ctx context.Context, raw json.RawMessage) bool {
	rec, err := checkpoint.ParseRecord(raw)
	if err == nil {
		err = r.mirror.Save(ctx, rec)
	}
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("full_name", rec.FullName).
			Msg("Failed to mirror record")
		return false
	}
	return true
}

func (r *Runner) saveState(state *checkpoint.State) {
	if err := state.Save(r.writer.Path()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to save state")
	}
}

func (r *Runner) emergency() string {
	path, err := r.writer.EmergencySave()
	if err != nil {
		return ""
	}
	return path
}
