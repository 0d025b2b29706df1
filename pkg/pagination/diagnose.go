package pagination

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Counter returns the total match count of a search. *client.Client
// satisfies it.
type Counter interface {
	SearchCount(ctx context.Context, query string) (int, error)
}

// Diagnosis is the outcome of one ladder query.
type Diagnosis struct {
	DiagnosticQuery
	Count int
	Err   error
}

// Diagnose runs every query of DiagnoseQueries(f) and reports its count.
// A failing query is recorded and the ladder continues.
func Diagnose(ctx context.Context, c Counter, f SearchFilters) []Diagnosis {
	logger := log.With().Str("component", "diagnose").Logger()

	ladder := DiagnoseQueries(f)
	out := make([]Diagnosis, 0, len(ladder))
	for _, q := range ladder {
		if ctx.Err() != nil {
			break
		}
		n, err := c.SearchCount(ctx, q.Query)
		d := Diagnosis{DiagnosticQuery: q, Count: n, Err: err}
		out = append(out, d)

		if err != nil {
			logger.Warn().Err(err).Str("label", q.Label).Str("query", q.Query).Msg("Diagnostic query failed")
			continue
		}
		logger.Info().Str("label", q.Label).Str("query", q.Query).Int("total_count", n).Msg("Diagnostic query")
	}
	return out
}
