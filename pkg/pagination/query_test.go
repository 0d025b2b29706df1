package pagination

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name    string
		filters SearchFilters
		want    string
	}{
		{name: "empty", filters: SearchFilters{}, want: "is:public"},
		{name: "stars only", filters: SearchFilters{MinStars: 10}, want: "stars:>=10"},
		{
			name:    "single language",
			filters: SearchFilters{MinStars: 10, Languages: []string{"go"}},
			want:    "stars:>=10 language:go",
		},
		{
			name:    "several languages",
			filters: SearchFilters{MinStars: 10, Languages: []string{"go", "rust"}},
			want:    "stars:>=10 (language:go OR language:rust)",
		},
		{
			name: "every filter",
			filters: SearchFilters{
				MinStars:    50,
				Languages:   []string{"python"},
				Countries:   []string{"italy", "germany"},
				PushedAfter: "2024-01-01",
			},
			want: "stars:>=50 language:python pushed:>=2024-01-01 (location:italy OR location:germany)",
		},
		{
			name: "simple mode keeps stars and first language",
			filters: SearchFilters{
				MinStars:    50,
				Languages:   []string{"python", "go"},
				Countries:   []string{"italy"},
				PushedAfter: "2024-01-01",
				Simple:      true,
			},
			want: "stars:>=50 language:python",
		},
		{
			name:    "simple mode without filters",
			filters: SearchFilters{Countries: []string{"italy"}, Simple: true},
			want:    "is:public",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.filters))
		})
	}
}

func TestSearchFilters_ActiveFilters(t *testing.T) {
	f := SearchFilters{MinStars: 5, Languages: []string{"go"}, PushedAfter: "2024-01-01"}
	assert.Equal(t, 2, f.ActiveFilters())
	assert.Equal(t, 0, SearchFilters{MinStars: 5}.ActiveFilters())
}

func TestSearchURL(t *testing.T) {
	raw := SearchURL("https://api.github.com/", "stars:>=10 language:go", 0, 3)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/search/repositories", u.Path)

	q := u.Query()
	assert.Equal(t, "stars:>=10 language:go", q.Get("q"))
	assert.Equal(t, "stars", q.Get("sort"))
	assert.Equal(t, "desc", q.Get("order"))
	assert.Equal(t, "100", q.Get("per_page"))
	assert.Equal(t, "3", q.Get("page"))

	first, err := url.Parse(SearchURL("https://api.github.com", "is:public", 30, 1))
	require.NoError(t, err)
	assert.False(t, first.Query().Has("page"), "first page must not carry a page parameter")
	assert.Equal(t, "30", first.Query().Get("per_page"))
}

func TestDiagnoseQueries(t *testing.T) {
	ladder := DiagnoseQueries(SearchFilters{
		MinStars:    10,
		Languages:   []string{"go"},
		Countries:   []string{"italy", "spain"},
		PushedAfter: "2024-06-01",
	})

	want := []DiagnosticQuery{
		{Label: "Stars only", Query: "stars:>=10"},
		{Label: "Stars + go", Query: "stars:>=10 language:go"},
		{Label: "Stars + languages + countries", Query: "stars:>=10 language:go (location:italy OR location:spain)"},
		{Label: "All filters + date", Query: "stars:>=10 language:go (location:italy OR location:spain) pushed:>=2024-06-01"},
		{Label: "Public only", Query: "is:public"},
	}
	assert.Equal(t, want, ladder)
}

func TestDiagnoseQueries_NoStars(t *testing.T) {
	ladder := DiagnoseQueries(SearchFilters{Languages: []string{"go", "rust"}})

	require.Len(t, ladder, 2)
	assert.Equal(t, "(language:go OR language:rust)", ladder[0].Query)
	assert.Equal(t, "is:public", ladder[1].Query)
}

type fakeCounter struct {
	counts map[string]int
	fail   map[string]bool
	calls  []string
}

func (f *fakeCounter) SearchCount(_ context.Context, q string) (int, error) {
	f.calls = append(f.calls, q)
	if f.fail[q] {
		return 0, errors.New("boom")
	}
	return f.counts[q], nil
}

func TestDiagnose(t *testing.T) {
	c := &fakeCounter{
		counts: map[string]int{"stars:>=10": 900, "is:public": 5000},
		fail:   map[string]bool{"stars:>=10 language:go": true},
	}

	got := Diagnose(context.Background(), c, SearchFilters{MinStars: 10, Languages: []string{"go"}})

	require.Len(t, got, 3)
	assert.Equal(t, 900, got[0].Count)
	assert.Error(t, got[1].Err, "failing rung is recorded")
	assert.Equal(t, 5000, got[2].Count, "ladder continues after a failure")
	assert.Len(t, c.calls, 3)
}

func TestDiagnose_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &fakeCounter{}
	got := Diagnose(ctx, c, SearchFilters{MinStars: 1})

	assert.Empty(t, got)
	assert.Empty(t, c.calls)
}
