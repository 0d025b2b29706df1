// Package checks defines the boundary between the scraper and repository
// quality checks: the record a check receives, the envelope it returns, and
// a deadline-bounded runner.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/rs/zerolog/log"
)

// Status of a check result.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusTimeout   Status = "timeout"
)

// Result is the envelope every check returns. Score is 0-100; 1 is the
// floor of a completed but empty result and 0 is reserved for failures.
type Result struct {
	Status   Status         `json:"status"`
	Score    int            `json:"score"`
	Result   map[string]any `json:"result"`
	Errors   string         `json:"errors,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Repository is the record handed to a check.
type Repository struct {
	ID        string
	Name      string
	FullName  string
	LocalPath string // set once the repository is cloned
	Raw       json.RawMessage
}

// FromRecord builds the check input from a scraped record.
func FromRecord(rec checkpoint.Record) Repository {
	var fields struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(rec.Raw, &fields)
	return Repository{ID: rec.ID, Name: fields.Name, FullName: rec.FullName, Raw: rec.Raw}
}

// Check evaluates one aspect of a repository.
type Check interface {
	Name() string
	Category() string
	Run(ctx context.Context, repo Repository) Result
}

// Normalize clamps the score to 0-100, zeroes it for failed and timed out
// results and lifts a completed zero to 1.
func Normalize(r Result) Result {
	r.Score = max(0, min(100, r.Score))
	switch r.Status {
	case StatusFailed, StatusTimeout:
		r.Score = 0
	case StatusCompleted:
		if r.Score == 0 {
			r.Score = 1
		}
	}
	if r.Result == nil {
		r.Result = map[string]any{}
	}
	return r
}

// RunWithDeadline runs c under a timeout. A check that outlives the
// deadline yields a timeout result; a panicking check yields a failed one.
// The check's context is cancelled either way, so a cooperative check
// stops promptly.
func RunWithDeadline(ctx context.Context, c Check, repo Repository, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: StatusFailed, Errors: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- c.Run(ctx, repo)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{
			Status: StatusTimeout,
			Errors: fmt.Sprintf("check execution timed out after %v", timeout),
		}
		log.Warn().
			Str("check", c.Name()).
			Str("repository", repo.FullName).
			Dur("timeout", timeout).
			Msg("Check timed out")
	}

	r = Normalize(r)
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata["duration_seconds"] = math.Round(time.Since(start).Seconds()*1000) / 1000
	return r
}

// OverallScore averages the scores of results, rounded to three decimals.
func OverallScore(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	total := 0
	for _, r := range results {
		total += r.Score
	}
	return math.Round(float64(total)/float64(len(results))*1000) / 1000
}
