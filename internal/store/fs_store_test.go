package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir() // Automatically cleaned up after test
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// createTestCheckpoint creates a valid 2-D checkpoint with test data.
func createTestCheckpoint(runID string) *Checkpoint {
	return &Checkpoint{
		Version:   CurrentVersion,
		RunID:     runID,
		Timestamp: time.Now(),
		CoordinateSystem: CoordinateSystemRecord{
			Limits:   [][2]float64{{0, 1}, {0, 2}},
			Periodic: true,
		},
		Result: ResultRecord{
			Nodes: []MinimizationRecord{
				{Pos: []float64{0.3, 0.7}, Value: 0.001, Success: true, Status: "success", NumFev: 40, NumIter: 20},
			},
			Rejected: []MinimizationRecord{
				{Pos: []float64{0.5, 1.5}, Value: Float(math.Inf(1)), Status: "fprime_cutoff", NumFev: 3, NumIter: 1},
			},
			GapThreshold: 0.01,
			DistCutoff:   0.05,
			Refined:      [][]float64{{0.3, 0.7}},
		},
		Queue: QueueRecord{
			Simplices:     [][][]float64{{{0, 0}, {0.1, 0}, {0, 0.1}}},
			Positions:     [][]float64{{0.9, 0.9}},
			SeenSimplices: [][][]float64{{{0, 0}, {0.1, 0}, {0, 0.1}}},
			SeenPositions: [][]float64{{0.9, 0.9}, {0.3, 0.7}},
		},
	}
}

func TestNewFSStore(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", "checkpoints")

	store, err := NewFSStore(baseDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	// Verify base directory was created
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	checkpoint := createTestCheckpoint("run-123")

	if err := store.SaveCheckpoint("search", checkpoint); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "search.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Checkpoint file was not created at %s", expectedPath)
	}

	// No temp files may be left behind
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected exactly 1 file in store dir, got %d", len(entries))
	}
}

func TestSaveCheckpoint_EmptyName(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.SaveCheckpoint("", createTestCheckpoint("run"))
	if err == nil {
		t.Fatal("Expected error for empty name, got nil")
	}
}

func TestSaveCheckpoint_NilCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.SaveCheckpoint("search", nil)
	if err == nil {
		t.Fatal("Expected error for nil checkpoint, got nil")
	}
}

func TestSaveFile_MissingDirectoryKeepsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "search.json")

	if err := SaveFile(path, createTestCheckpoint("run")); err == nil {
		t.Fatal("Expected error when the target directory does not exist")
	}
}

func TestSaveFile_FailedRenameKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "search.json")

	if err := SaveFile(path, createTestCheckpoint("first")); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	// A directory at the target of a second path makes the rename fail
	blocked := filepath.Join(dir, "blocked.json")
	if err := os.MkdirAll(filepath.Join(blocked, "child"), 0755); err != nil {
		t.Fatalf("Failed to create blocking directory: %v", err)
	}
	if err := SaveFile(blocked, createTestCheckpoint("second")); err == nil {
		t.Fatal("Expected rename over a non-empty directory to fail")
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if loaded.RunID != "first" {
		t.Errorf("Expected RunID first, got %s", loaded.RunID)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "search.json" && e.Name() != "blocked.json" {
			t.Errorf("Unexpected leftover file %s", e.Name())
		}
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	checkpoint1 := createTestCheckpoint("run-1")
	if err := store.SaveCheckpoint("search", checkpoint1); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	checkpoint2 := createTestCheckpoint("run-2")
	checkpoint2.Result.Nodes = nil
	if err := store.SaveCheckpoint("search", checkpoint2); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("search")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.RunID != "run-2" {
		t.Errorf("Expected RunID run-2, got %s", loaded.RunID)
	}
	if len(loaded.Result.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(loaded.Result.Nodes))
	}
}

func TestLoadCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	original := createTestCheckpoint("run-123")
	if err := store.SaveCheckpoint("search", original); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("search")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.RunID != original.RunID {
		t.Errorf("RunID mismatch: expected %s, got %s", original.RunID, loaded.RunID)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: expected %v, got %v", original.Timestamp, loaded.Timestamp)
	}
	if len(loaded.Result.Nodes) != 1 || loaded.Result.Nodes[0].NumFev != 40 {
		t.Errorf("Nodes mismatch: got %+v", loaded.Result.Nodes)
	}
	if !math.IsInf(float64(loaded.Result.Rejected[0].Value), 1) {
		t.Errorf("Expected infinite rejected value, got %v", loaded.Result.Rejected[0].Value)
	}
	if len(loaded.Queue.SeenPositions) != 2 {
		t.Errorf("Expected 2 seen positions, got %d", len(loaded.Queue.SeenPositions))
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("nonexistent")
	if err == nil {
		t.Fatal("Expected error for nonexistent checkpoint, got nil")
	}

	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestLoadCheckpoint_EmptyName(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("")
	if err == nil {
		t.Fatal("Expected error for empty name, got nil")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadFile(garbage); err == nil {
		t.Error("Expected error for malformed checkpoint")
	}

	invalid := createTestCheckpoint("run")
	invalid.Version = 0
	path := filepath.Join(dir, "invalid.json")
	if err := SaveFile(path, invalid); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	_, err := LoadFile(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}

	if len(infos) != 0 {
		t.Errorf("Expected 0 checkpoints, got %d", len(infos))
	}
}

func TestListCheckpoints_Multiple(t *testing.T) {
	store, _ := setupTestStore(t)

	names := []string{"c-search", "a-search", "b-search"}
	for _, name := range names {
		if err := store.SaveCheckpoint(name, createTestCheckpoint("run-"+name)); err != nil {
			t.Fatalf("SaveCheckpoint failed for %s: %v", name, err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}

	if len(infos) != len(names) {
		t.Fatalf("Expected %d checkpoints, got %d", len(names), len(infos))
	}

	want := []string{"a-search", "b-search", "c-search"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("Entry %d: expected name %s, got %s", i, want[i], info.Name)
		}
		if info.Dim != 2 {
			t.Errorf("Expected dim 2, got %d", info.Dim)
		}
	}
}

func TestListCheckpoints_SkipsInvalidFiles(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveCheckpoint("valid", createTestCheckpoint("run")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Corrupted checkpoint, trace file, stray directory and leftover temp file
	os.WriteFile(filepath.Join(tempDir, "corrupt.json"), []byte("{"), 0644)
	os.WriteFile(filepath.Join(tempDir, "valid.trace.jsonl"), []byte("{}\n"), 0644)
	os.MkdirAll(filepath.Join(tempDir, "dir.json"), 0755)
	os.WriteFile(filepath.Join(tempDir, ".valid.json.tmp-1"), []byte("{"), 0644)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}

	if len(infos) != 1 {
		t.Fatalf("Expected 1 valid checkpoint, got %d", len(infos))
	}
	if infos[0].Name != "valid" {
		t.Errorf("Expected name valid, got %s", infos[0].Name)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("search", createTestCheckpoint("run")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := os.WriteFile(store.TracePath("search"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("Failed to write trace: %v", err)
	}

	if err := store.DeleteCheckpoint("search"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	if _, err := os.Stat(store.CheckpointPath("search")); !os.IsNotExist(err) {
		t.Error("Checkpoint file still exists after deletion")
	}
	if _, err := os.Stat(store.TracePath("search")); !os.IsNotExist(err) {
		t.Error("Trace file still exists after deletion")
	}

	if _, err := store.LoadCheckpoint("search"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError after deletion, got %v", err)
	}
}

func TestDeleteCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteCheckpoint("nonexistent")
	if err == nil {
		t.Fatal("Expected error for nonexistent checkpoint, got nil")
	}

	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestDeleteCheckpoint_EmptyName(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteCheckpoint(""); err == nil {
		t.Fatal("Expected error for empty name, got nil")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numGoroutines = 10
	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			name := fmt.Sprintf("search-%d", idx)
			if err := store.SaveCheckpoint(name, createTestCheckpoint(name)); err != nil {
				errs <- err
			}
			// Same target from every goroutine
			if err := store.SaveCheckpoint("shared", createTestCheckpoint(name)); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != numGoroutines+1 {
		t.Errorf("Expected %d checkpoints, got %d", numGoroutines+1, len(infos))
	}
}
