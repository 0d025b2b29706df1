// Package store mirrors scraped repository records into databases. The
// checkpoint file stays the source of truth; mirrors are upserted by id so
// a resumed or repeated run never duplicates rows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mirrorWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ghscrape_mirror_writes_total",
	Help: "Total number of record mirror writes by backend and result",
}, []string{"backend", "result"})

// ErrNoID is returned for a record without a usable id.
var ErrNoID = errors.New("record has no numeric id")

// Sink receives every new record of a scrape.
type Sink interface {
	Save(ctx context.Context, rec checkpoint.Record) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Row is the relational projection of a repository record.
type Row struct {
	ID          int64
	Name        string
	FullName    string
	URL         string
	Stars       int
	Forks       int
	LastUpdated string
}

// RowFromRecord projects rec. The id must be numeric.
func RowFromRecord(rec checkpoint.Record) (Row, error) {
	id, err := strconv.ParseInt(rec.ID, 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("%w: %q", ErrNoID, rec.ID)
	}

	var fields struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
		Stars    int    `json:"stargazers_count"`
		Forks    int    `json:"forks_count"`
		Pushed   string `json:"pushed_at"`
		Updated  string `json:"updated_at"`
	}
	if err := json.Unmarshal(rec.Raw, &fields); err != nil {
		return Row{}, fmt.Errorf("decode record %d: %w", id, err)
	}

	row := Row{
		ID:          id,
		Name:        fields.Name,
		FullName:    fields.FullName,
		URL:         fields.HTMLURL,
		Stars:       fields.Stars,
		Forks:       fields.Forks,
		LastUpdated: fields.Updated,
	}
	if row.URL == "" && row.FullName != "" {
		row.URL = "https://github.com/" + row.FullName
	}
	if fields.Pushed > row.LastUpdated {
		row.LastUpdated = fields.Pushed
	}
	return row, nil
}

// Multi fans a record out to several sinks. Every sink is tried; the
// errors are joined.
type Multi []Sink

func (m Multi) Save(ctx context.Context, rec checkpoint.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the count of the first sink.
func (m Multi) Count(ctx context.Context) (int64, error) {
	if len(m) == 0 {
		return 0, nil
	}
	return m[0].Count(ctx)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
