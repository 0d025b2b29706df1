// Package pagination follows Link-header pagination over the GitHub API and
// streams the items of every page lazily.
//
// Example usage:
//
//	p := pagination.New(githubClient, pagination.Config{})
//	stream := p.Search(ctx, client.DefaultBaseURL, query, pagination.Limits{MaxPages: 10})
//	for item := range stream.Items() {
//		...
//	}
//	log.Info().Int("items", stream.Result().Items).Msg("done")
//
// A page body is either a search result object with an items array or a
// bare array (list endpoints). The stream stops when the next relation is
// missing, a page is empty, a cap is reached, or a fetch fails. Failures
// end the stream and are reported through Result, never returned.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_pages_fetched_total",
		Help: "Total number of pages fetched by paginated streams",
	})

	itemsYieldedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_items_yielded_total",
		Help: "Total number of items yielded by paginated streams",
	})

	itemsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_items_skipped_total",
		Help: "Total number of items skipped because they were already collected",
	})

	streamsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_streams_stopped_total",
		Help: "Total number of finished streams by stop reason",
	}, []string{"reason"})
)

// StopReason tells why a stream ended.
type StopReason string

const (
	StopExhausted       StopReason = "exhausted"
	StopMaxPages        StopReason = "max_pages"
	StopMaxItems        StopReason = "max_items"
	StopFetchFailed     StopReason = "fetch_failed"
	StopBadShape        StopReason = "bad_shape"
	StopCancelled       StopReason = "cancelled"
	StopConsumerStopped StopReason = "consumer_stopped"
)

// Fetcher performs one resilient request. *client.Client satisfies it.
type Fetcher interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// Seen reports whether an item was already collected.
type Seen interface {
	Contains(id, fullName string) bool
}

// DumpFunc receives the raw body of every fetched page.
type DumpFunc func(page int, body []byte)

// Limits caps a stream. Zero values mean unlimited; StartPage is only used
// for page numbering in logs, dumps and results.
type Limits struct {
	MaxPages  int
	MaxItems  int
	StartPage int
}

// Config holds paginator configuration.
type Config struct {
	// Seen skips items that were already collected (optional).
	Seen Seen

	// Dump receives every raw page (optional).
	Dump DumpFunc

	// PageDone is called after every item of a page was yielded or
	// skipped, with the page number and its next relation (optional).
	// Returning false stops the stream.
	PageDone func(number int, next string) bool
}

// Paginator creates streams over paginated endpoints.
type Paginator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a paginator.
func New(fetcher Fetcher, config Config) *Paginator {
	return &Paginator{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "paginator").Logger(),
	}
}

// Result summarises a finished stream.
type Result struct {
	Pages    int
	Items    int
	Skipped  int
	LastPage int    // number of the last page fetched
	NextURL  string // next relation of the last page fetched
	Stop     StopReason
	Err      error // fetch or shape error behind fetch_failed and bad_shape
}

// Stream is a single pass over a paginated endpoint.
type Stream struct {
	p       *Paginator
	ctx     context.Context
	first   string
	limits  Limits
	started bool
	result  Result
}

// Stream starts a stream at firstURL. Nothing is fetched until Items is
// ranged over.
func (p *Paginator) Stream(ctx context.Context, firstURL string, limits Limits) *Stream {
	if limits.StartPage < 1 {
		limits.StartPage = 1
	}
	return &Stream{p: p, ctx: ctx, first: firstURL, limits: limits}
}

// Search streams a repository search sorted by stars, beginning at
// limits.StartPage.
func (p *Paginator) Search(ctx context.Context, baseURL, query string, limits Limits) *Stream {
	p.logger.Info().
		Str("query", query).
		Int("start_page", limits.StartPage).
		Msg("Starting repository search")
	return p.Stream(ctx, SearchURL(baseURL, query, DefaultPerPage, limits.StartPage), limits)
}

// Result returns the summary. It is final once the Items loop returns.
func (s *Stream) Result() Result {
	return s.result
}

// Items yields every item of every page. A stream can be ranged over once;
// later ranges yield nothing.
func (s *Stream) Items() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		if s.started {
			return
		}
		s.started = true
		s.result.Stop = s.run(yield)
		streamsStoppedTotal.WithLabelValues(string(s.result.Stop)).Inc()

		ev := s.p.logger.Info()
		if s.result.Stop == StopFetchFailed || s.result.Stop == StopBadShape {
			ev = s.p.logger.Warn().Err(s.result.Err)
		}
		ev.Int("pages", s.result.Pages).
			Int("items", s.result.Items).
			Int("skipped", s.result.Skipped).
			Str("stop_reason", string(s.result.Stop)).
			Msg("Pagination finished")
	}
}

func (s *Stream) run(yield func(Item) bool) StopReason {
	next := s.first
	number := s.limits.StartPage

	for next != "" {
		if s.limits.MaxPages > 0 && s.result.Pages >= s.limits.MaxPages {
			return StopMaxPages
		}
		if s.ctx.Err() != nil {
			return StopCancelled
		}

		s.p.logger.Info().Int("page", number).Str("url", next).Msg("Fetching page")

		resp, err := s.p.fetcher.Do(s.ctx, client.Request{Method: http.MethodGet, URL: next, Page: number})
		if err != nil {
			if client.IsCancelled(err) {
				return StopCancelled
			}
			s.result.Err = err
			s.p.logger.Error().
				Err(err).
				Int("page", number).
				Msg("Failed to fetch page, stopping pagination")
			return StopFetchFailed
		}

		s.result.Pages++
		s.result.LastPage = number
		pagesFetchedTotal.Inc()

		if s.p.config.Dump != nil {
			s.p.config.Dump(number, resp.Body)
		}

		page, err := ParsePage(resp, number)
		if err != nil {
			s.result.Err = err
			s.logShapeError(err, number)
			return StopBadShape
		}
		s.result.NextURL = page.NextURL

		s.p.logger.Info().
			Int("page", number).
			Int("items", len(page.Items)).
			Int("total_count", page.TotalCount).
			Bool("from_cache", page.FromCache).
			Msg("Page fetched")

		if len(page.Items) == 0 {
			s.p.logger.Info().Int("page", number).Msg("No items in response, stopping pagination")
			return StopExhausted
		}

		for _, raw := range page.Items {
			item, err := ParseItem(raw)
			if err != nil {
				s.p.logger.Warn().Err(err).Int("page", number).Msg("Skipping undecodable item")
				continue
			}
			if s.p.config.Seen != nil && s.p.config.Seen.Contains(item.ID, item.FullName) {
				s.result.Skipped++
				itemsSkippedTotal.Inc()
				continue
			}
			if !yield(item) {
				return StopConsumerStopped
			}
			s.result.Items++
			itemsYieldedTotal.Inc()
			if s.limits.MaxItems > 0 && s.result.Items >= s.limits.MaxItems {
				return StopMaxItems
			}
		}

		if s.p.config.PageDone != nil && !s.p.config.PageDone(number, page.NextURL) {
			return StopConsumerStopped
		}

		next = page.NextURL
		number++
	}

	return StopExhausted
}

func (s *Stream) logShapeError(err error, number int) {
	var shape *ShapeError
	if !errors.As(err, &shape) {
		s.p.logger.Error().Err(err).Int("page", number).Msg("Invalid page body, stopping pagination")
		return
	}
	if shape.IsAbuse() {
		s.p.logger.Warn().
			Str("message", shape.Message).
			Int("page", number).
			Msg("GitHub API rate limit or abuse detection")
	} else {
		s.p.logger.Error().
			Str("message", shape.Message).
			Int("page", number).
			Msg("No items in response")
	}
	if shape.DocumentationURL != "" {
		s.p.logger.Info().Str("documentation_url", shape.DocumentationURL).Msg("See documentation")
	}
}

// FileDumper writes every page to dir/github_response_page_N.json.
func FileDumper(dir string) DumpFunc {
	logger := log.With().Str("component", "paginator").Logger()
	return func(page int, body []byte) {
		path := filepath.Join(dir, fmt.Sprintf("github_response_page_%d.json", page))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			logger.Error().Err(err).Str("file", path).Msg("Failed to dump response")
			return
		}
		logger.Info().Str("file", path).Msg("Dumped raw response")
	}
}
