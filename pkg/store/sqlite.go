package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"github.com/Sternrassler/ghscrape/pkg/checks"

	_ "modernc.org/sqlite"
)

// ScrapeStatus values of the repositories table.
const (
	StatusScraped  = "scraped"
	StatusEnriched = "enriched"
)

// SQLite mirrors records into a repositories table and check results into
// a checks table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path in WAL mode and
// migrates it.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			full_name TEXT NOT NULL,
			url TEXT NOT NULL,
			stars INTEGER,
			forks INTEGER,
			last_updated TEXT,
			last_scraped TEXT,
			scrape_status TEXT,
			raw TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_full_name ON repositories(full_name)`,
		`CREATE TABLE IF NOT EXISTS checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL,
			category TEXT NOT NULL,
			check_name TEXT NOT NULL,
			status TEXT,
			score INTEGER,
			timestamp TEXT,
			validation_errors TEXT,
			FOREIGN KEY (repo_id) REFERENCES repositories(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checks_repo ON checks(repo_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts rec into repositories.
func (s *SQLite) Save(ctx context.Context, rec checkpoint.Record) error {
	row, err := RowFromRecord(rec)
	if err != nil {
		mirrorWritesTotal.WithLabelValues("sqlite", "error").Inc()
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, full_name, url, stars, forks, last_updated, last_scraped, scrape_status, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			full_name = excluded.full_name,
			url = excluded.url,
			stars = excluded.stars,
			forks = excluded.forks,
			last_updated = excluded.last_updated,
			last_scraped = excluded.last_scraped,
			raw = excluded.raw`,
		row.ID, row.Name, row.FullName, row.URL, row.Stars, row.Forks, row.LastUpdated,
		time.Now().UTC().Format(time.RFC3339), StatusScraped, string(rec.Raw))
	if err != nil {
		mirrorWritesTotal.WithLabelValues("sqlite", "error").Inc()
		return fmt.Errorf("upsert repository %d: %w", row.ID, err)
	}
	mirrorWritesTotal.WithLabelValues("sqlite", "ok").Inc()
	return nil
}

// SetStatus updates the scrape_status of a repository.
func (s *SQLite) SetStatus(ctx context.Context, repoID int64, status string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE repositories SET scrape_status = ? WHERE id = ?", status, repoID)
	if err != nil {
		return fmt.Errorf("update status of %d: %w", repoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status of %d: %w", repoID, sql.ErrNoRows)
	}
	return nil
}

// SaveCheck records one check result for a repository.
func (s *SQLite) SaveCheck(ctx context.Context, repoID int64, category, name string, r checks.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checks (repo_id, category, check_name, status, score, timestamp, validation_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repoID, category, name, string(r.Status), r.Score, time.Now().UTC().Format(time.RFC3339), r.Errors)
	if err != nil {
		return fmt.Errorf("insert check %s/%s for %d: %w", category, name, repoID, err)
	}
	return nil
}

// Get returns the row of a repository.
func (s *SQLite) Get(ctx context.Context, id int64) (Row, string, error) {
	var row Row
	var status sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, full_name, url, stars, forks, last_updated, scrape_status FROM repositories WHERE id = ?", id,
	).Scan(&row.ID, &row.Name, &row.FullName, &row.URL, &row.Stars, &row.Forks, &row.LastUpdated, &status)
	if err != nil {
		return Row{}, "", err
	}
	return row, status.String, nil
}

// CountChecks returns the number of check results stored for a repository.
func (s *SQLite) CountChecks(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checks WHERE repo_id = ?", repoID).Scan(&n)
	return n, err
}

// Count returns the number of repositories.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM repositories").Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
