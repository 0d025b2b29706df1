package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	recordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_records_written_total",
		Help: "Total number of new records appended to the output",
	})

	duplicatesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_duplicates_skipped_total",
		Help: "Total number of records skipped because their id or full_name was already written",
	})

	checkpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_checkpoint_saves_total",
		Help: "Total number of checkpoint saves by kind (interval, final, emergency) and result",
	}, []string{"kind", "result"})
)

// DefaultSaveInterval is the number of new records between saves.
const DefaultSaveInterval = 25

// Suffixes of sibling files.
const (
	BackupSuffix    = ".bak"
	RecoveredSuffix = ".recovered"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("checkpoint writer closed")

// Options configures a Writer.
type Options struct {
	Path   string
	Format Format

	// SaveInterval is the number of new records between saves. 0 disables
	// interval saves; Close still saves.
	SaveInterval int

	// Resume loads the existing output and skips its records.
	Resume bool

	// ForceRestart starts over, keeping a copy of a non-empty output at
	// Path+BackupSuffix. It wins over Resume.
	ForceRestart bool
}

// DefaultOptions returns line format options with the default interval.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		Format:       FormatLine,
		SaveInterval: DefaultSaveInterval,
	}
}

// Writer appends records to an output file, skipping known identifiers.
// It is safe for use by one producer; methods are serialized anyway so that
// EmergencySave may run from a recovering goroutine.
type Writer struct {
	mu      sync.Mutex
	opts    Options
	set     *Set
	records []Record
	resumed int

	file *os.File
	buf  *bufio.Writer

	sinceSave int
	closed    bool
	logger    zerolog.Logger
}

// Open prepares the output file according to opts.
func Open(opts Options) (*Writer, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if opts.Format == "" {
		opts.Format = FormatLine
	}
	if opts.Format != FormatLine && opts.Format != FormatArray {
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
	if opts.SaveInterval < 0 {
		return nil, fmt.Errorf("save interval must be >= 0 (got %d)", opts.SaveInterval)
	}

	w := &Writer{
		opts:   opts,
		set:    NewSet(),
		logger: log.With().Str("component", "checkpoint").Str("file", opts.Path).Logger(),
	}

	info, err := os.Stat(opts.Path)
	existing := err == nil && info.Size() > 0

	switch {
	case existing && opts.ForceRestart:
		w.backup("Existing output backed up, starting from scratch")

	case existing && opts.Resume:
		set, records, err := Load(opts.Path, opts.Format)
		if err != nil {
			return nil, fmt.Errorf("load existing output: %w", err)
		}
		w.set = set
		w.records = records
		w.resumed = len(records)
		w.logger.Info().Int("records", len(records)).Msg("Resuming from existing output")

	case existing:
		w.logger.Warn().Msg("Output exists and will be overwritten")
	}

	// Resume appends even when no line was well formed; ids recovered from
	// broken lines are in the set and will not be fetched again.
	resuming := existing && opts.Resume && !opts.ForceRestart

	switch opts.Format {
	case FormatLine:
		flags := os.O_CREATE | os.O_WRONLY
		if resuming {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(opts.Path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		w.file = f
		w.buf = bufio.NewWriter(f)
		if resuming && !endsWithNewline(opts.Path) {
			w.buf.WriteByte('\n')
		}

	case FormatArray:
		if resuming && w.resumed > 0 {
			break
		}
		if resuming {
			w.backup("Existing output holds no readable records, backed up before rewriting")
		}
		if err := w.rewriteArray(); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// backup copies the output to Path+BackupSuffix and logs msg on success.
func (w *Writer) backup(msg string) {
	backup := w.opts.Path + BackupSuffix
	if err := copyFile(w.opts.Path, backup); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to create backup")
		return
	}
	w.logger.Warn().Str("backup", backup).Msg(msg)
}

// Path returns the output path.
func (w *Writer) Path() string {
	return w.opts.Path
}

// Format returns the output format.
func (w *Writer) Format() Format {
	return w.opts.Format
}

// Set returns the identifier set, for skipping seen items upstream.
func (w *Writer) Set() *Set {
	return w.set
}

// Records returns a copy of every record held, resumed ones included.
func (w *Writer) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, len(w.records))
	copy(out, w.records)
	return out
}

// Resumed returns the number of records loaded on Open.
func (w *Writer) Resumed() int {
	return w.resumed
}

// Written returns the number of records appended since Open.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records) - w.resumed
}

// Append writes raw unless its id or full_name is already known. It
// reports whether the record was new.
func (w *Writer) Append(raw json.RawMessage) (bool, error) {
	rec, err := ParseRecord(raw)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false, ErrClosed
	}
	if !w.set.Add(rec.ID, rec.FullName) {
		if rec.ID != "" || rec.FullName != "" {
			duplicatesSkippedTotal.Inc()
			return false, nil
		}
		// no identity to dedup on; keep it
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return false, fmt.Errorf("compact record: %w", err)
	}
	rec.Raw = compact.Bytes()
	w.records = append(w.records, rec)
	recordsWrittenTotal.Inc()

	if w.opts.Format == FormatLine {
		w.buf.Write(rec.Raw)
		if err := w.buf.WriteByte('\n'); err != nil {
			return true, fmt.Errorf("write record: %w", err)
		}
	}

	w.sinceSave++
	if w.opts.SaveInterval > 0 && w.sinceSave >= w.opts.SaveInterval {
		if err := w.saveLocked("interval"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Flush saves everything appended so far.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.saveLocked("interval")
}

// Close performs the final save and releases the file. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.saveLocked("final")
	if w.file != nil {
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}
	if err == nil {
		w.logger.Info().
			Int("records", len(w.records)).
			Int("new", len(w.records)-w.resumed).
			Msg("Output saved")
	}
	return err
}

// EmergencySave writes every record held to Path+RecoveredSuffix as a JSON
// array and returns that path.
func (w *Writer) EmergencySave() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.opts.Path + RecoveredSuffix
	data, err := marshalArray(w.records)
	if err == nil {
		err = writeFileAtomic(path, data)
	}
	if err != nil {
		checkpointSavesTotal.WithLabelValues("emergency", "error").Inc()
		w.logger.Error().Err(err).Str("recovered", path).Msg("Emergency save failed")
		return "", fmt.Errorf("emergency save: %w", err)
	}

	checkpointSavesTotal.WithLabelValues("emergency", "ok").Inc()
	w.logger.Warn().
		Str("recovered", path).
		Int("records", len(w.records)).
		Msg("Emergency save written")
	return path, nil
}

func (w *Writer) saveLocked(kind string) error {
	var err error
	switch w.opts.Format {
	case FormatLine:
		if err = w.buf.Flush(); err == nil {
			err = w.file.Sync()
		}
	case FormatArray:
		err = w.rewriteArray()
	}

	if err != nil {
		checkpointSavesTotal.WithLabelValues(kind, "error").Inc()
		w.logger.Error().Err(err).Str("kind", kind).Msg("Checkpoint save failed")
		return fmt.Errorf("save checkpoint: %w", err)
	}

	checkpointSavesTotal.WithLabelValues(kind, "ok").Inc()
	if w.sinceSave > 0 {
		w.logger.Info().
			Int("records", len(w.records)).
			Int("since_last_save", w.sinceSave).
			Str("kind", kind).
			Msg("Checkpoint saved")
	}
	w.sinceSave = 0
	return nil
}

func (w *Writer) rewriteArray() error {
	data, err := marshalArray(w.records)
	if err != nil {
		return err
	}
	return writeFileAtomic(w.opts.Path, data)
}

func marshalArray(records []Record) ([]byte, error) {
	raws := make([]json.RawMessage, len(records))
	for i, r := range records {
		raws[i] = r.Raw
	}
	data, err := json.MarshalIndent(raws, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return append(data, '\n'), nil
}

func endsWithNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return true
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, info.Size()-1); err != nil {
		return true
	}
	return b[0] == '\n'
}
