// Package checkpoint persists scraped records so that an interrupted scrape
// can resume without re-writing what it already collected.
//
// Two output formats are supported: JSON Lines ("line"), appended and
// fsynced every save interval, and a single JSON array ("array"), rewritten
// through a temp file and rename. Records are deduplicated by their id and
// by full_name.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Format is the on-disk layout of an output file.
type Format string

const (
	FormatLine  Format = "line"
	FormatArray Format = "array"
)

// ParseFormat accepts line/jsonl and array/json.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "line", "jsonl":
		return FormatLine, nil
	case "array", "json":
		return FormatArray, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want line or array)", s)
	}
}

// idPattern recovers the id from a line that is not valid JSON.
var idPattern = regexp.MustCompile(`"id":\s*("[^"]+"|\d+)`)

// Record is one output object and its identity.
type Record struct {
	Raw      json.RawMessage
	ID       string
	FullName string
}

// ParseRecord decodes the identity of raw. raw must be a JSON object.
func ParseRecord(raw json.RawMessage) (Record, error) {
	var ident struct {
		ID       json.RawMessage `json:"id"`
		FullName string          `json:"full_name"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return Record{Raw: raw, ID: normalizeID(ident.ID), FullName: ident.FullName}, nil
}

// RecoverID extracts an id from a corrupt line, or "" if none is found.
func RecoverID(line []byte) string {
	m := idPattern.FindSubmatch(line)
	if m == nil {
		return ""
	}
	return normalizeID(m[1])
}

func normalizeID(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
		return string(bytes.Trim(raw, `"`))
	}
	return string(raw)
}
