package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/nodefinder/internal/opt"
)

// CurrentVersion is the checkpoint format version written by this package.
const CurrentVersion = 1

// Float is a float64 that survives a JSON round trip when it is infinite or
// NaN. Those values are encoded as the strings "inf", "-inf" and "nan".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"nan"`), nil
	case math.IsInf(v, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-inf"`), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "nan":
			*f = Float(math.NaN())
		case "inf":
			*f = Float(math.Inf(1))
		case "-inf":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float value %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Checkpoint is the persisted state of a search. Loading a checkpoint and
// continuing the search resumes with identical queue and result content.
type Checkpoint struct {
	// Version of the checkpoint format
	Version int `json:"version"`

	// RunID identifies the search run that wrote the checkpoint
	RunID string `json:"run_id"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	CoordinateSystem CoordinateSystemRecord `json:"coordinate_system"`
	Result           ResultRecord           `json:"result"`
	Queue            QueueRecord            `json:"queue"`
}

// CoordinateSystemRecord describes the search domain.
type CoordinateSystemRecord struct {
	Limits   [][2]float64 `json:"limits"`
	Periodic bool         `json:"periodic"`
}

// ResultRecord holds the minimization results of a search.
type ResultRecord struct {
	Nodes        []MinimizationRecord `json:"nodes"`
	Rejected     []MinimizationRecord `json:"rejected"`
	GapThreshold Float                `json:"gap_threshold"`
	DistCutoff   Float                `json:"dist_cutoff"`
	// Refined lists the positions already used as refinement centers
	Refined [][]float64 `json:"refined"`
}

// QueueRecord holds the pending work of a search. Simplices that were running
// when the checkpoint was written are stored first, as queued work.
type QueueRecord struct {
	Simplices     [][][]float64 `json:"simplices"`
	Positions     [][]float64   `json:"positions"`
	SeenSimplices [][][]float64 `json:"seen_simplices"`
	SeenPositions [][]float64   `json:"seen_positions"`
}

// MinimizationRecord is the persisted form of one minimization result.
type MinimizationRecord struct {
	Pos            []float64     `json:"pos"`
	Value          Float         `json:"value"`
	Success        bool          `json:"success"`
	Status         string        `json:"status"`
	Message        string        `json:"message"`
	NumFev         int           `json:"num_fev"`
	NumIter        int           `json:"num_iter"`
	SimplexHistory [][][]float64 `json:"simplex_history,omitempty"`
	ValueHistory   [][]Float     `json:"value_history,omitempty"`
}

// NewMinimizationRecord converts a result into its persisted form.
func NewMinimizationRecord(res *opt.Result) MinimizationRecord {
	rec := MinimizationRecord{
		Pos:            res.Pos,
		Value:          Float(res.Value),
		Success:        res.Success,
		Status:         string(res.Status),
		Message:        res.Message,
		NumFev:         res.NumFev,
		NumIter:        res.NumIter,
		SimplexHistory: res.SimplexHistory,
	}
	if res.ValueHistory != nil {
		rec.ValueHistory = make([][]Float, len(res.ValueHistory))
		for i, values := range res.ValueHistory {
			rec.ValueHistory[i] = make([]Float, len(values))
			for j, v := range values {
				rec.ValueHistory[i][j] = Float(v)
			}
		}
	}
	return rec
}

// ToResult converts the record back into a minimization result.
func (r MinimizationRecord) ToResult() *opt.Result {
	res := &opt.Result{
		Pos:            r.Pos,
		Value:          float64(r.Value),
		Success:        r.Success,
		Status:         opt.Status(r.Status),
		Message:        r.Message,
		NumFev:         r.NumFev,
		NumIter:        r.NumIter,
		SimplexHistory: r.SimplexHistory,
	}
	if r.ValueHistory != nil {
		res.ValueHistory = make([][]float64, len(r.ValueHistory))
		for i, values := range r.ValueHistory {
			res.ValueHistory[i] = make([]float64, len(values))
			for j, v := range values {
				res.ValueHistory[i][j] = float64(v)
			}
		}
	}
	return res
}

// CheckpointInfo contains metadata about a checkpoint without the result and
// queue content. Used for listing checkpoints.
type CheckpointInfo struct {
	// Name is the checkpoint name within its store
	Name string `json:"name"`

	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	Dim      int  `json:"dim"`
	Periodic bool `json:"periodic"`

	NumNodes     int `json:"num_nodes"`
	NumRejected  int `json:"num_rejected"`
	NumSimplices int `json:"num_simplices"`
	NumPositions int `json:"num_positions"`
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo(name string) CheckpointInfo {
	return CheckpointInfo{
		Name:         name,
		RunID:        c.RunID,
		Timestamp:    c.Timestamp,
		Dim:          len(c.CoordinateSystem.Limits),
		Periodic:     c.CoordinateSystem.Periodic,
		NumNodes:     len(c.Result.Nodes),
		NumRejected:  len(c.Result.Rejected),
		NumSimplices: len(c.Queue.Simplices),
		NumPositions: len(c.Queue.Positions),
	}
}

// Finished reports whether the checkpointed search has no pending work.
func (c *Checkpoint) Finished() bool {
	return len(c.Queue.Simplices) == 0 && len(c.Queue.Positions) == 0
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.Version <= 0 || c.Version > CurrentVersion {
		return &ValidationError{Field: "Version", Reason: fmt.Sprintf("unsupported version %d", c.Version)}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	dim := len(c.CoordinateSystem.Limits)
	if dim == 0 {
		return &ValidationError{Field: "CoordinateSystem.Limits", Reason: "cannot be empty"}
	}
	for i, lim := range c.CoordinateSystem.Limits {
		if lim[0] == lim[1] {
			return &ValidationError{Field: "CoordinateSystem.Limits", Reason: fmt.Sprintf("dimension %d has zero size", i)}
		}
	}
	if !(c.Result.DistCutoff > 0) {
		return &ValidationError{Field: "Result.DistCutoff", Reason: "must be positive"}
	}
	if math.IsNaN(float64(c.Result.GapThreshold)) {
		return &ValidationError{Field: "Result.GapThreshold", Reason: "cannot be NaN"}
	}

	for _, group := range []struct {
		field   string
		records []MinimizationRecord
	}{
		{"Result.Nodes", c.Result.Nodes},
		{"Result.Rejected", c.Result.Rejected},
	} {
		for i, rec := range group.records {
			if len(rec.Pos) != dim {
				return &ValidationError{Field: group.field, Reason: fmt.Sprintf("entry %d has dimension %d, expected %d", i, len(rec.Pos), dim)}
			}
		}
	}
	for _, group := range []struct {
		field     string
		positions [][]float64
	}{
		{"Result.Refined", c.Result.Refined},
		{"Queue.Positions", c.Queue.Positions},
		{"Queue.SeenPositions", c.Queue.SeenPositions},
	} {
		for i, pos := range group.positions {
			if len(pos) != dim {
				return &ValidationError{Field: group.field, Reason: fmt.Sprintf("entry %d has dimension %d, expected %d", i, len(pos), dim)}
			}
		}
	}
	for _, group := range []struct {
		field     string
		simplices [][][]float64
	}{
		{"Queue.Simplices", c.Queue.Simplices},
		{"Queue.SeenSimplices", c.Queue.SeenSimplices},
	} {
		for i, s := range group.simplices {
			if !validSimplex(s, dim) {
				return &ValidationError{Field: group.field, Reason: fmt.Sprintf("entry %d is not a simplex of dimension %d", i, dim)}
			}
		}
	}
	return nil
}

func validSimplex(s [][]float64, dim int) bool {
	if len(s) != dim+1 {
		return false
	}
	for _, v := range s {
		if len(v) != dim {
			return false
		}
	}
	return true
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed in the given domain.
// Returns an error if the domains differ.
func (c *Checkpoint) IsCompatible(cs CoordinateSystemRecord) error {
	if len(c.CoordinateSystem.Limits) != len(cs.Limits) {
		return &CompatibilityError{
			Field:    "Limits",
			Expected: fmt.Sprintf("%d dimensions", len(c.CoordinateSystem.Limits)),
			Actual:   fmt.Sprintf("%d dimensions", len(cs.Limits)),
		}
	}
	for i := range cs.Limits {
		if c.CoordinateSystem.Limits[i] != cs.Limits[i] {
			return &CompatibilityError{
				Field:    fmt.Sprintf("Limits[%d]", i),
				Expected: fmt.Sprintf("%v", c.CoordinateSystem.Limits[i]),
				Actual:   fmt.Sprintf("%v", cs.Limits[i]),
			}
		}
	}
	if c.CoordinateSystem.Periodic != cs.Periodic {
		return &CompatibilityError{
			Field:    "Periodic",
			Expected: fmt.Sprintf("%t", c.CoordinateSystem.Periodic),
			Actual:   fmt.Sprintf("%t", cs.Periodic),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
