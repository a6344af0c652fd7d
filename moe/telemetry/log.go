package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// logFilePrefix names the per-replica JSON Lines files inside the log directory.
const logFilePrefix = "moe_usage"

// LogPath returns the log file for a replica. An empty replica shares the default file.
func LogPath(dir, replica string) string {
	name := logFilePrefix + ".jsonl"
	if replica != "" {
		name = fmt.Sprintf("%s_%s.jsonl", logFilePrefix, replica)
	}
	return filepath.Join(dir, name)
}

// Writer appends LogRecords to a JSON Lines file, one record per line.
// The file is opened for each append and never truncated or rewritten.
// One Writer per file; concurrent writers are not supported.
type Writer struct {
	path string
}

// NewWriter returns a writer for the replica's log file under dir.
// The directory is created lazily on the first append.
func NewWriter(dir, replica string) *Writer {
	return &Writer{path: LogPath(dir, replica)}
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record and syncs it to disk before returning.
func (w *Writer) Append(record LogRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding log record: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending log record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing log file: %w", err)
	}
	return f.Close()
}

// ReadLog loads every record of a JSON Lines log file in file order.
// Blank lines are skipped; a malformed line is an error naming its line number.
func ReadLog(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	var records []LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parsing log line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	return records, nil
}
