package checks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	gh "github.com/google/go-github/v80/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		in        Result
		wantScore int
	}{
		{name: "clamps high", in: Result{Status: StatusCompleted, Score: 150}, wantScore: 100},
		{name: "clamps low", in: Result{Status: StatusPartial, Score: -5}, wantScore: 0},
		{name: "completed zero lifts to one", in: Result{Status: StatusCompleted, Score: 0}, wantScore: 1},
		{name: "failed is zero", in: Result{Status: StatusFailed, Score: 80}, wantScore: 0},
		{name: "timeout is zero", in: Result{Status: StatusTimeout, Score: 80}, wantScore: 0},
		{name: "partial keeps score", in: Result{Status: StatusPartial, Score: 40}, wantScore: 40},
		{name: "skipped keeps zero", in: Result{Status: StatusSkipped}, wantScore: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.NotNil(t, got.Result)
		})
	}
}

type checkFunc struct {
	fn func(ctx context.Context, repo Repository) Result
}

func (c checkFunc) Name() string     { return "test_check" }
func (c checkFunc) Category() string { return "test" }
func (c checkFunc) Run(ctx context.Context, repo Repository) Result {
	return c.fn(ctx, repo)
}

func TestRunWithDeadline(t *testing.T) {
	repo := Repository{FullName: "o/r"}

	t.Run("completes", func(t *testing.T) {
		c := checkFunc{fn: func(context.Context, Repository) Result {
			return Result{Status: StatusCompleted, Score: 90}
		}}
		r := RunWithDeadline(context.Background(), c, repo, time.Second)
		assert.Equal(t, StatusCompleted, r.Status)
		assert.Equal(t, 90, r.Score)
		assert.Contains(t, r.Metadata, "duration_seconds")
	})

	t.Run("times out", func(t *testing.T) {
		c := checkFunc{fn: func(ctx context.Context, _ Repository) Result {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return Result{Status: StatusCompleted, Score: 100}
		}}
		r := RunWithDeadline(context.Background(), c, repo, 20*time.Millisecond)
		assert.Equal(t, StatusTimeout, r.Status)
		assert.Equal(t, 0, r.Score)
		assert.Contains(t, r.Errors, "timed out")
	})

	t.Run("panics", func(t *testing.T) {
		c := checkFunc{fn: func(context.Context, Repository) Result {
			panic("boom")
		}}
		r := RunWithDeadline(context.Background(), c, repo, time.Second)
		assert.Equal(t, StatusFailed, r.Status)
		assert.Contains(t, r.Errors, "boom")
	})

	t.Run("parent cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := checkFunc{fn: func(ctx context.Context, _ Repository) Result {
			<-ctx.Done()
			return Result{Status: StatusFailed}
		}}
		r := RunWithDeadline(ctx, c, repo, time.Second)
		assert.Contains(t, []Status{StatusTimeout, StatusFailed}, r.Status)
		assert.Equal(t, 0, r.Score)
	})
}

func TestOverallScore(t *testing.T) {
	assert.Equal(t, 0.0, OverallScore(nil))
	assert.Equal(t, 33.333, OverallScore([]Result{{Score: 100}, {Score: 0}, {Score: 0}}))
}

func TestFromRecord(t *testing.T) {
	rec, err := checkpoint.ParseRecord(json.RawMessage(`{"id":7,"name":"hello","full_name":"octo/hello"}`))
	require.NoError(t, err)

	repo := FromRecord(rec)
	assert.Equal(t, "7", repo.ID)
	assert.Equal(t, "hello", repo.Name)
	assert.Equal(t, "octo/hello", repo.FullName)
	assert.Empty(t, repo.LocalPath)
}

func run(status, conclusion, name string) *gh.CheckRun {
	r := &gh.CheckRun{Status: gh.Ptr(status), Name: gh.Ptr(name)}
	if conclusion != "" {
		r.Conclusion = gh.Ptr(conclusion)
	}
	return r
}

func TestScoreCheckRuns(t *testing.T) {
	tests := []struct {
		name       string
		runs       []*gh.CheckRun
		wantStatus Status
		wantScore  int
	}{
		{name: "no runs", runs: nil, wantStatus: StatusSkipped, wantScore: 0},
		{
			name:       "all green",
			runs:       []*gh.CheckRun{run("completed", "success", "build"), run("completed", "skipped", "docs")},
			wantStatus: StatusCompleted,
			wantScore:  100,
		},
		{
			name:       "one of four failing",
			runs:       []*gh.CheckRun{run("completed", "success", "a"), run("completed", "success", "b"), run("completed", "neutral", "c"), run("completed", "failure", "d")},
			wantStatus: StatusCompleted,
			wantScore:  75,
		},
		{
			name:       "all failing is still a completed floor",
			runs:       []*gh.CheckRun{run("completed", "failure", "a")},
			wantStatus: StatusCompleted,
			wantScore:  1,
		},
		{
			name:       "pending makes partial",
			runs:       []*gh.CheckRun{run("completed", "success", "a"), run("in_progress", "", "b")},
			wantStatus: StatusPartial,
			wantScore:  100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ScoreCheckRuns(tt.runs)
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantScore, r.Score)
		})
	}
}

type fakeLister struct {
	runs *gh.ListCheckRunsResults
	err  error
}

func (f fakeLister) ListCheckRuns(context.Context, string, string) (*gh.ListCheckRunsResults, error) {
	return f.runs, f.err
}

func TestCIStatus_Run(t *testing.T) {
	ok := CIStatus{Lister: fakeLister{runs: &gh.ListCheckRunsResults{CheckRuns: []*gh.CheckRun{run("completed", "success", "ci")}}}}
	assert.Equal(t, 100, ok.Run(context.Background(), Repository{FullName: "o/r"}).Score)

	failing := CIStatus{Lister: fakeLister{err: errors.New("not found")}}
	r := failing.Run(context.Background(), Repository{FullName: "o/r"})
	assert.Equal(t, StatusFailed, r.Status)

	assert.Equal(t, StatusSkipped, ok.Run(context.Background(), Repository{}).Status)
}
