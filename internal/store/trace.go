package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry records one finished minimization of a search.
// Each entry is serialized as a JSON line.
type TraceEntry struct {
	// Seq numbers the entries of a trace file, starting at 1. It is assigned
	// by the TraceWriter and keeps counting across resumed runs.
	Seq int `json:"seq"`

	RunID string `json:"run_id,omitempty"`

	// Accepted reports whether the result became a node
	Accepted bool `json:"accepted"`

	Pos     []float64 `json:"pos"`
	Value   Float     `json:"value"`
	Status  string    `json:"status"`
	NumFev  int       `json:"num_fev"`
	NumIter int       `json:"num_iter"`

	// Timestamp records when this trace entry was created
	Timestamp time.Time `json:"timestamp"`
}

// TraceWriter writes trace entries to a JSONL file.
// It uses buffered I/O for performance and is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	seq    int
}

// NewTraceWriter creates a trace writer for the file at path.
// If append is true, new entries are appended to an existing file and are
// numbered after its last readable entry.
func NewTraceWriter(path string, append bool) (*TraceWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
	}

	var file *os.File
	var err error
	seq := 0
	if append {
		if seq, err = resumeTrace(path); err != nil {
			return nil, err
		}
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	writer := bufio.NewWriterSize(file, 64*1024) // 64KB buffer

	return &TraceWriter{
		file:   file,
		writer: writer,
		path:   path,
		seq:    seq,
	}, nil
}

// resumeTrace returns the sequence number of the last entry of an existing
// trace. A torn final line, left by an interrupted write, is truncated away.
func resumeTrace(path string) (int, error) {
	tr, err := NewTraceReader(path)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	defer tr.Close()

	seq := 0
	var end int64
	for tr.scanner.Scan() {
		var entry TraceEntry
		if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
			break
		}
		seq = max(seq, entry.Seq)
		end += int64(len(tr.scanner.Bytes())) + 1
	}

	info, err := tr.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat trace file: %w", err)
	}
	if end < info.Size() {
		if err := os.Truncate(path, end); err != nil {
			return 0, fmt.Errorf("failed to truncate torn trace entry: %w", err)
		}
	}
	return seq, nil
}

// Write numbers the entry and appends it to the file.
// The entry is buffered and will be written on Flush() or Close().
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	entry.Seq = tw.seq + 1
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}

	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	tw.seq = entry.Seq
	return nil
}

// Flush writes any buffered data to the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}

	// Also sync to disk for durability
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}

	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close() // Try to close anyway
		return fmt.Errorf("failed to flush on close: %w", err)
	}

	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries from a JSONL file.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace file at path.
// Returns a *NotFoundError if the file does not exist.
func NewTraceReader(path string) (*TraceReader, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Name: path}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	// Positions of high-dimensional searches make for long lines
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max

	return &TraceReader{
		file:    file,
		scanner: scanner,
	}, nil
}

// Entries iterates over the remaining trace entries. Iteration stops after
// the first error, which is yielded with a zero entry.
func (tr *TraceReader) Entries() iter.Seq2[TraceEntry, error] {
	return func(yield func(TraceEntry, error) bool) {
		for tr.scanner.Scan() {
			var entry TraceEntry
			if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
				yield(TraceEntry{}, fmt.Errorf("failed to unmarshal trace entry: %w", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := tr.scanner.Err(); err != nil {
			yield(TraceEntry{}, fmt.Errorf("failed to scan trace line: %w", err))
		}
	}
}

// ReadAll reads all remaining trace entries from the file.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for entry, err := range tr.Entries() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace file at path.
// Returns nil if the file doesn't exist.
func DeleteTrace(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}

	return nil
}
