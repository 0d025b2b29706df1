package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

// StateSuffix names the sidecar next to an output file.
const StateSuffix = ".state.json"

// State is the pagination progress of a scrape, kept in a sidecar so a
// resumed run continues from the next cursor instead of page one.
type State struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	Format    Format    `json:"format"`
	LastPage  int       `json:"last_page"`
	NextURL   string    `json:"next_url,omitempty"`
	Items     int       `json:"items"`
	Completed bool      `json:"completed"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState starts the state of a new run.
func NewState(query string, format Format) *State {
	now := time.Now().UTC()
	return &State{
		RunID:     uuid.NewString(),
		Query:     query,
		Format:    format,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// StatePath returns the sidecar path for an output file.
func StatePath(output string) string {
	return output + StateSuffix
}

// LoadState reads the sidecar of output. A missing sidecar returns nil and
// no error.
func LoadState(output string) (*State, error) {
	data, err := os.ReadFile(StatePath(output))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// Save atomically writes the sidecar of output.
func (s *State) Save(output string) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(StatePath(output), data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ResumeURL returns the cursor to continue from when the stored run used
// the same query and has not completed.
func (s *State) ResumeURL(query string) (string, bool) {
	if s == nil || s.Completed || s.Query != query || s.NextURL == "" {
		return "", false
	}
	return s.NextURL, true
}

// EstimateStartPage guesses the page to resume from when no cursor is
// stored: one past the pages the existing records fill.
func EstimateStartPage(records, perPage int) int {
	if perPage <= 0 || records <= 0 {
		return 1
	}
	return records/perPage + 1
}
