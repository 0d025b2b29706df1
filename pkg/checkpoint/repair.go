package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Suffixes written by Repair.
const (
	FixedSuffix     = ".fixed"
	CorruptedSuffix = ".corrupted"
)

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]`)
)

// CorruptLine is a line that did not decode.
type CorruptLine struct {
	Number int
	Text   string
	Err    string
}

// RepairReport summarises a repair pass.
type RepairReport struct {
	Valid         int
	Fixed         int
	Corrupted     []CorruptLine
	FixedPath     string // empty when the file was already valid
	CorruptedPath string
}

// Repair scans a JSON Lines file. When corrupt lines exist it writes
// path+FixedSuffix with every valid line followed by the lines that decode
// once trailing commas are removed, and path+CorruptedSuffix listing each
// corrupt line with its number and error. The input file is not modified.
func Repair(path string) (*RepairReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	report := &RepairReport{}
	var valid, fixed [][]byte

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var v any
		err := json.Unmarshal(line, &v)
		if err == nil {
			valid = append(valid, bytes.Clone(line))
			continue
		}

		report.Corrupted = append(report.Corrupted, CorruptLine{Number: lineNo, Text: string(line), Err: err.Error()})

		candidate := trailingCommaObject.ReplaceAll(line, []byte("}"))
		candidate = trailingCommaArray.ReplaceAll(candidate, []byte("]"))
		if json.Unmarshal(candidate, &v) == nil {
			fixed = append(fixed, bytes.Clone(candidate))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	report.Valid = len(valid)
	report.Fixed = len(fixed)
	if len(report.Corrupted) == 0 {
		return report, nil
	}

	var out bytes.Buffer
	for _, l := range append(valid, fixed...) {
		out.Write(l)
		out.WriteByte('\n')
	}
	report.FixedPath = path + FixedSuffix
	if err := writeFileAtomic(report.FixedPath, out.Bytes()); err != nil {
		return nil, err
	}

	out.Reset()
	for _, c := range report.Corrupted {
		fmt.Fprintf(&out, "# Line %d: %s\n%s\n\n", c.Number, c.Err, c.Text)
	}
	report.CorruptedPath = path + CorruptedSuffix
	if err := writeFileAtomic(report.CorruptedPath, out.Bytes()); err != nil {
		return nil, err
	}
	return report, nil
}
