package store

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/nodefinder/internal/opt"
)

func TestFloat_JSON(t *testing.T) {
	tests := []struct {
		value Float
		json  string
	}{
		{1.5, "1.5"},
		{0, "0"},
		{Float(math.Inf(1)), `"inf"`},
		{Float(math.Inf(-1)), `"-inf"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.value)
		if err != nil {
			t.Fatalf("Failed to marshal %v: %v", tt.value, err)
		}
		if string(data) != tt.json {
			t.Errorf("Expected %s, got %s", tt.json, data)
		}

		var restored Float
		if err := json.Unmarshal(data, &restored); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", data, err)
		}
		if restored != tt.value {
			t.Errorf("Expected %v, got %v", tt.value, restored)
		}
	}

	var nan Float
	if err := json.Unmarshal([]byte(`"nan"`), &nan); err != nil || !math.IsNaN(float64(nan)) {
		t.Errorf("Expected NaN, got %v (err %v)", nan, err)
	}

	var bad Float
	if err := json.Unmarshal([]byte(`"large"`), &bad); err == nil {
		t.Error("Expected error for unknown float string")
	}
}

func TestCheckpoint_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(createTestCheckpoint("run"))
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}

	for _, key := range []string{
		`"coordinate_system"`, `"limits"`, `"periodic"`,
		`"nodes"`, `"rejected"`, `"gap_threshold"`, `"dist_cutoff"`, `"refined"`,
		`"simplices"`, `"positions"`, `"seen_simplices"`, `"seen_positions"`,
		`"num_fev"`, `"num_iter"`,
	} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Expected key %s in checkpoint JSON", key)
		}
	}
	if strings.Contains(string(data), "simplex_history") {
		t.Error("Empty history should be omitted")
	}
}

func TestMinimizationRecord_Conversion(t *testing.T) {
	res := &opt.Result{
		Pos:            []float64{0.1, 0.2},
		Value:          0.003,
		Success:        true,
		Status:         opt.StatusSuccess,
		Message:        opt.StatusSuccess.Message(),
		NumFev:         12,
		NumIter:        6,
		SimplexHistory: [][][]float64{{{0, 0}, {1, 0}, {0, 1}}},
		ValueHistory:   [][]float64{{0.1, 0.2, math.Inf(1)}},
	}

	rec := NewMinimizationRecord(res)
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}
	var restored MinimizationRecord
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Failed to unmarshal record: %v", err)
	}

	back := restored.ToResult()
	if back.Status != opt.StatusSuccess {
		t.Errorf("Expected status success, got %s", back.Status)
	}
	if back.NumFev != 12 || back.NumIter != 6 {
		t.Errorf("Expected 12 fev / 6 iter, got %d / %d", back.NumFev, back.NumIter)
	}
	if !math.IsInf(back.ValueHistory[0][2], 1) {
		t.Errorf("Expected infinite history value, got %v", back.ValueHistory[0][2])
	}
	if len(back.SimplexHistory) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(back.SimplexHistory))
	}
}

func TestCheckpoint_Validate_Valid(t *testing.T) {
	if err := createTestCheckpoint("run").Validate(); err != nil {
		t.Errorf("Expected valid checkpoint, got error: %v", err)
	}
}

func TestCheckpoint_Validate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Checkpoint)
		field  string
	}{
		{"zero version", func(c *Checkpoint) { c.Version = 0 }, "Version"},
		{"future version", func(c *Checkpoint) { c.Version = CurrentVersion + 1 }, "Version"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"no limits", func(c *Checkpoint) { c.CoordinateSystem.Limits = nil }, "CoordinateSystem.Limits"},
		{"zero size", func(c *Checkpoint) { c.CoordinateSystem.Limits[1] = [2]float64{1, 1} }, "CoordinateSystem.Limits"},
		{"zero dist cutoff", func(c *Checkpoint) { c.Result.DistCutoff = 0 }, "Result.DistCutoff"},
		{"node dimension", func(c *Checkpoint) { c.Result.Nodes[0].Pos = []float64{1} }, "Result.Nodes"},
		{"rejected dimension", func(c *Checkpoint) { c.Result.Rejected[0].Pos = nil }, "Result.Rejected"},
		{"refined dimension", func(c *Checkpoint) { c.Result.Refined = [][]float64{{1, 2, 3}} }, "Result.Refined"},
		{"position dimension", func(c *Checkpoint) { c.Queue.Positions = [][]float64{{1}} }, "Queue.Positions"},
		{"simplex shape", func(c *Checkpoint) { c.Queue.Simplices = [][][]float64{{{0, 0}, {1, 0}}} }, "Queue.Simplices"},
		{"seen simplex shape", func(c *Checkpoint) { c.Queue.SeenSimplices = [][][]float64{{{0}, {1}, {2}}} }, "Queue.SeenSimplices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := createTestCheckpoint("run")
			tt.mutate(c)

			err := c.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}
}

func TestCheckpoint_IsCompatible(t *testing.T) {
	c := createTestCheckpoint("run")

	if err := c.IsCompatible(CoordinateSystemRecord{Limits: [][2]float64{{0, 1}, {0, 2}}, Periodic: true}); err != nil {
		t.Errorf("Expected compatible, got error: %v", err)
	}

	tests := []struct {
		name  string
		cs    CoordinateSystemRecord
		field string
	}{
		{"dimension", CoordinateSystemRecord{Limits: [][2]float64{{0, 1}}, Periodic: true}, "Limits"},
		{"limits", CoordinateSystemRecord{Limits: [][2]float64{{0, 1}, {0, 3}}, Periodic: true}, "Limits[1]"},
		{"periodic", CoordinateSystemRecord{Limits: [][2]float64{{0, 1}, {0, 2}}, Periodic: false}, "Periodic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.IsCompatible(tt.cs)
			var cerr *CompatibilityError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected CompatibilityError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, cerr.Field)
			}
		})
	}
}

func TestCheckpoint_ToInfo(t *testing.T) {
	c := createTestCheckpoint("run-42")
	info := c.ToInfo("search")

	if info.Name != "search" {
		t.Errorf("Expected name search, got %s", info.Name)
	}
	if info.RunID != "run-42" {
		t.Errorf("Expected RunID run-42, got %s", info.RunID)
	}
	if info.Dim != 2 || !info.Periodic {
		t.Errorf("Expected periodic 2-D, got dim %d periodic %t", info.Dim, info.Periodic)
	}
	if info.NumNodes != 1 || info.NumRejected != 1 || info.NumSimplices != 1 || info.NumPositions != 1 {
		t.Errorf("Unexpected counts: %+v", info)
	}
	if c.Finished() {
		t.Error("Expected checkpoint with pending work to be unfinished")
	}

	c.Queue = QueueRecord{}
	if !c.Finished() {
		t.Error("Expected checkpoint without pending work to be finished")
	}
}
