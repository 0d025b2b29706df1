package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
)

// maxLineSize bounds a single JSON Lines record.
const maxLineSize = 16 * 1024 * 1024

// Load reads an existing output file. A missing file yields an empty set.
//
// Line format tolerates malformed lines: each is logged and skipped, and an
// id recovered from it is still added to the set. Array format falls back to
// an empty set when the document does not decode.
func Load(path string, format Format) (*Set, []Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSet(), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch format {
	case FormatLine:
		return loadLines(f, path)
	case FormatArray:
		return loadArray(f, path)
	default:
		return nil, nil, fmt.Errorf("unknown output format %q", format)
	}
}

func loadLines(f *os.File, path string) (*Set, []Record, error) {
	logger := log.With().Str("component", "checkpoint").Str("file", path).Logger()

	set := NewSet()
	var records []Record
	malformed, recovered := 0, 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		raw := make([]byte, len(line))
		copy(raw, line)

		rec, err := ParseRecord(raw)
		if err != nil {
			malformed++
			id := RecoverID(raw)
			logger.Warn().
				Err(err).
				Int("line", lineNo).
				Str("recovered_id", id).
				Msg("Skipping malformed line")
			if id != "" && set.Add(id, "") {
				recovered++
			}
			continue
		}

		set.Add(rec.ID, rec.FullName)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	logger.Info().
		Int("records", len(records)).
		Int("malformed", malformed).
		Int("recovered_ids", recovered).
		Msg("Loaded existing output")

	return set, records, nil
}

func loadArray(f *os.File, path string) (*Set, []Record, error) {
	logger := log.With().Str("component", "checkpoint").Str("file", path).Logger()

	var items []json.RawMessage
	if err := json.NewDecoder(f).Decode(&items); err != nil {
		logger.Warn().Err(err).Msg("Output is not a JSON array, starting from scratch")
		return NewSet(), nil, nil
	}

	set := NewSet()
	records := make([]Record, 0, len(items))
	for i, raw := range items {
		rec, err := ParseRecord(raw)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Skipping malformed record")
			continue
		}
		set.Add(rec.ID, rec.FullName)
		records = append(records, rec)
	}

	logger.Info().Int("records", len(records)).Msg("Loaded existing output")
	return set, records, nil
}
