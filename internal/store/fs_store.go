package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	checkpointExt = ".json"
	traceExt      = ".trace.jsonl"
)

// SaveFile atomically writes a checkpoint to path.
// The checkpoint is written to a temporary file in the target directory, which
// is then renamed over path, so a failed write never corrupts an existing
// checkpoint.
func SaveFile(path string, checkpoint *Checkpoint) error {
	if path == "" {
		return fmt.Errorf("checkpoint path cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "path", path)
	return nil
}

// LoadFile reads and validates the checkpoint at path.
// Returns a *NotFoundError if the file does not exist.
func LoadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Name: path}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}

	slog.Debug("Checkpoint loaded", "path", path)
	return &checkpoint, nil
}

// FSStore implements the Store interface over a directory of checkpoint
// files: <baseDir>/<name>.json, with the optional result trace of the same
// run at <baseDir>/<name>.trace.jsonl.
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks. Multiple goroutines can safely call methods
// concurrently.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// CheckpointPath returns the path of the named checkpoint file.
func (fs *FSStore) CheckpointPath(name string) string {
	return filepath.Join(fs.baseDir, name+checkpointExt)
}

// TracePath returns the path of the result trace belonging to the named
// checkpoint.
func (fs *FSStore) TracePath(name string) string {
	return filepath.Join(fs.baseDir, name+traceExt)
}

// SaveCheckpoint atomically saves the named checkpoint.
func (fs *FSStore) SaveCheckpoint(name string, checkpoint *Checkpoint) error {
	if name == "" {
		return fmt.Errorf("checkpoint name cannot be empty")
	}
	return SaveFile(fs.CheckpointPath(name), checkpoint)
}

// LoadCheckpoint retrieves the named checkpoint.
func (fs *FSStore) LoadCheckpoint(name string) (*Checkpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("checkpoint name cannot be empty")
	}

	checkpoint, err := LoadFile(fs.CheckpointPath(name))
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, &NotFoundError{Name: name}
	}
	return checkpoint, err
}

// ListCheckpoints returns metadata for all readable checkpoints, sorted by
// name. Files that fail to load are skipped with a warning.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, checkpointExt) || strings.HasPrefix(fileName, ".") {
			continue
		}

		name := strings.TrimSuffix(fileName, checkpointExt)
		checkpoint, err := fs.LoadCheckpoint(name)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "name", name, "error", err)
			continue // Skip corrupted checkpoints
		}

		infos = append(infos, checkpoint.ToInfo(name))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the named checkpoint and its result trace.
func (fs *FSStore) DeleteCheckpoint(name string) error {
	if name == "" {
		return fmt.Errorf("checkpoint name cannot be empty")
	}

	path := fs.CheckpointPath(name)
	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Name: name}
	} else if err != nil {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	if err := DeleteTrace(fs.TracePath(name)); err != nil {
		return err
	}

	slog.Debug("Checkpoint deleted", "name", name, "path", path)
	return nil
}
