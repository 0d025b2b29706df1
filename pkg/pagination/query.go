package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Search defaults.
const (
	DefaultPerPage = 100
	DefaultQuery   = "is:public"
)

// SearchFilters select repositories for a search.
type SearchFilters struct {
	MinStars    int      // 0 omits the stars qualifier
	Languages   []string // OR-ed together
	Countries   []string // matched against the owner location, OR-ed together
	PushedAfter string   // YYYY-MM-DD
	Simple      bool     // keep only stars and the first language
}

// ActiveFilters counts the narrowing filters beyond stars. Two or more
// often yield an empty search.
func (f SearchFilters) ActiveFilters() int {
	n := 0
	if len(f.Languages) > 0 {
		n++
	}
	if len(f.Countries) > 0 {
		n++
	}
	if f.PushedAfter != "" {
		n++
	}
	return n
}

// BuildQuery renders filters as a search query string.
func BuildQuery(f SearchFilters) string {
	var parts []string

	if f.MinStars > 0 {
		parts = append(parts, starsQualifier(f.MinStars))
	}
	if len(f.Languages) > 0 {
		if f.Simple {
			parts = append(parts, "language:"+f.Languages[0])
		} else {
			parts = append(parts, orGroup("language", f.Languages))
		}
	}
	if f.PushedAfter != "" && !f.Simple {
		parts = append(parts, "pushed:>="+f.PushedAfter)
	}
	if len(f.Countries) > 0 && !f.Simple {
		parts = append(parts, orGroup("location", f.Countries))
	}

	if len(parts) == 0 {
		return DefaultQuery
	}
	return strings.Join(parts, " ")
}

// SearchURL builds the first page URL of a repository search sorted by
// stars. startPage <= 1 omits the page parameter.
func SearchURL(base, query string, perPage, startPage int) string {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("sort", "stars")
	q.Set("order", "desc")
	q.Set("per_page", strconv.Itoa(perPage))
	if startPage > 1 {
		q.Set("page", strconv.Itoa(startPage))
	}
	return strings.TrimSuffix(base, "/") + "/search/repositories?" + q.Encode()
}

// DiagnosticQuery is one rung of the diagnosis ladder.
type DiagnosticQuery struct {
	Label string
	Query string
}

// DiagnoseQueries returns increasingly specific queries built from f so the
// filter that empties a search can be spotted.
func DiagnoseQueries(f SearchFilters) []DiagnosticQuery {
	var ladder []DiagnosticQuery

	current := ""
	if f.MinStars > 0 {
		current = starsQualifier(f.MinStars)
		ladder = append(ladder, DiagnosticQuery{Label: "Stars only", Query: current})
	}

	if len(f.Languages) > 0 {
		label := "Stars + languages"
		if len(f.Languages) == 1 {
			label = "Stars + " + f.Languages[0]
		}
		current = joinQuery(current, orGroup("language", f.Languages))
		ladder = append(ladder, DiagnosticQuery{Label: label, Query: current})
	}

	if len(f.Countries) > 0 {
		label := "Stars + languages + countries"
		if len(f.Countries) == 1 {
			label = "Stars + languages + " + f.Countries[0]
		}
		current = joinQuery(current, orGroup("location", f.Countries))
		ladder = append(ladder, DiagnosticQuery{Label: label, Query: current})
	}

	if f.PushedAfter != "" {
		current = joinQuery(current, "pushed:>="+f.PushedAfter)
		ladder = append(ladder, DiagnosticQuery{Label: "All filters + date", Query: current})
	}

	ladder = append(ladder, DiagnosticQuery{Label: "Public only", Query: DefaultQuery})
	return ladder
}

func starsQualifier(n int) string {
	return fmt.Sprintf("stars:>=%d", n)
}

// orGroup renders a single qualifier bare and several as (q:a OR q:b).
func orGroup(qualifier string, values []string) string {
	if len(values) == 1 {
		return qualifier + ":" + values[0]
	}
	terms := make([]string, len(values))
	for i, v := range values {
		terms[i] = qualifier + ":" + v
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

func joinQuery(base, part string) string {
	if base == "" {
		return part
	}
	return base + " " + part
}
