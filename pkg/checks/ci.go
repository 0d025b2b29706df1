package checks

import (
	"context"
	"strings"

	gh "github.com/google/go-github/v80/github"
)

// CheckRunLister fetches the check runs of a repository. *client.Client
// satisfies it.
type CheckRunLister interface {
	ListCheckRuns(ctx context.Context, owner, repo string) (*gh.ListCheckRunsResults, error)
}

// CIStatus scores a repository by the share of its completed check runs
// that succeeded.
type CIStatus struct {
	Lister CheckRunLister
}

func (CIStatus) Name() string     { return "ci_status" }
func (CIStatus) Category() string { return "testing" }

func (c CIStatus) Run(ctx context.Context, repo Repository) Result {
	owner, name, ok := strings.Cut(repo.FullName, "/")
	if !ok {
		return Result{Status: StatusSkipped, Errors: "repository has no full name"}
	}

	runs, err := c.Lister.ListCheckRuns(ctx, owner, name)
	if err != nil {
		return Result{Status: StatusFailed, Errors: err.Error()}
	}
	return ScoreCheckRuns(runs.CheckRuns)
}

// ScoreCheckRuns scores check runs: success and neutral/skipped runs
// pass, other conclusions fail, unfinished runs make the result partial.
func ScoreCheckRuns(runs []*gh.CheckRun) Result {
	if len(runs) == 0 {
		return Result{Status: StatusSkipped, Result: map[string]any{"check_runs": 0}}
	}

	completed, passed, pending := 0, 0, 0
	failing := []string{}
	for _, r := range runs {
		if r.GetStatus() != "completed" {
			pending++
			continue
		}
		completed++
		switch r.GetConclusion() {
		case "success", "neutral", "skipped":
			passed++
		default:
			failing = append(failing, r.GetName())
		}
	}

	res := Result{
		Status: StatusCompleted,
		Result: map[string]any{
			"check_runs": len(runs),
			"completed":  completed,
			"passed":     passed,
			"pending":    pending,
			"failing":    failing,
		},
	}
	if completed > 0 {
		res.Score = passed * 100 / completed
	}
	if pending > 0 {
		res.Status = StatusPartial
	}
	return Normalize(res)
}
