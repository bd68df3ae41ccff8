package search

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/nodefinder/internal/opt"
)

// DistCutoffFactor relates the feature size to the distance cutoff used for
// neighbour queries, repulsion and refinement.
const DistCutoffFactor = 3

// Config holds every option of a search. Zero values of the computed options
// (tolerances, refinement radius) are replaced by defaults derived from the
// other fields when the controller is created.
type Config struct {
	// Limits are the (lower, upper) bounds per dimension.
	Limits   [][2]float64 `json:"limits" yaml:"limits" validate:"required,min=1"`
	Periodic bool         `json:"periodic" yaml:"periodic"`

	// InitialMeshSize is the number of starting simplices per dimension,
	// given once for all dimensions or per dimension.
	InitialMeshSize []int `json:"initial_mesh_size" yaml:"initial_mesh_size" validate:"required,min=1,dive,gte=1"`
	// ForceInitialMesh adds the initial mesh also when resuming from a
	// checkpoint. Mesh simplices processed before are not repeated.
	ForceInitialMesh bool `json:"force_initial_mesh" yaml:"force_initial_mesh"`

	// RefinementStencil lists the simplices placed around every isolated new
	// node, in units of the distance cutoff. When empty, a mesh stencil of
	// RefinementMeshSize points over a box of RefinementBoxSize is used.
	RefinementStencil [][][]float64 `json:"refinement_stencil,omitempty" yaml:"refinement_stencil,omitempty"`
	// RefinementMeshSize of zero disables refinement.
	RefinementMeshSize []int   `json:"refinement_mesh_size" yaml:"refinement_mesh_size" validate:"omitempty,dive,gte=0"`
	RefinementBoxSize  float64 `json:"refinement_box_size" yaml:"refinement_box_size" validate:"gte=0"`

	// GapThreshold is the largest objective value accepted as a node.
	GapThreshold float64 `json:"gap_threshold" yaml:"gap_threshold" validate:"gte=0"`
	// FeatureSize is the separation below which two nodes are the same
	// feature.
	FeatureSize float64 `json:"feature_size" yaml:"feature_size" validate:"gt=0"`

	// UseFakePotential enables the two-phase minimization with a repulsion
	// potential around known nodes.
	UseFakePotential bool    `json:"use_fake_potential" yaml:"use_fake_potential"`
	RepulsionHeight  float64 `json:"repulsion_height" yaml:"repulsion_height" validate:"gte=0"`

	NumMinimizeParallel int `json:"num_minimize_parallel" yaml:"num_minimize_parallel" validate:"gte=1"`

	// SaveFile is the checkpoint path; empty disables checkpointing.
	SaveFile  string        `json:"save_file" yaml:"save_file"`
	SaveDelay time.Duration `json:"save_delay" yaml:"save_delay" validate:"gte=0"`
	// Load resumes from SaveFile. A missing file starts a fresh search if
	// LoadQuiet is set and is an error otherwise.
	Load      bool `json:"load" yaml:"load"`
	LoadQuiet bool `json:"load_quiet" yaml:"load_quiet"`

	// RecheckPosDist is the radius searched for earlier refinement centers
	// before a node becomes one; zero selects the distance cutoff.
	RecheckPosDist float64 `json:"recheck_pos_dist" yaml:"recheck_pos_dist" validate:"gte=0"`
	// RecheckCountCutoff is the number of earlier refinement centers within
	// RecheckPosDist a node may have and still be refined.
	RecheckCountCutoff int `json:"recheck_count_cutoff" yaml:"recheck_count_cutoff" validate:"gte=0"`
	// SimplexCheckCutoff skips a queued simplex when each of its vertices has
	// at least this many nodes within the distance cutoff. Zero disables the
	// check.
	SimplexCheckCutoff int `json:"simplex_check_cutoff" yaml:"simplex_check_cutoff" validate:"gte=0"`

	NelderMead opt.Options `json:"nelder_mead" yaml:"nelder_mead"`
}

// DefaultConfig returns the configuration of a search over the periodic unit
// cube in three dimensions.
func DefaultConfig() Config {
	return Config{
		Limits:              [][2]float64{{0, 1}, {0, 1}, {0, 1}},
		Periodic:            true,
		InitialMeshSize:     []int{10},
		RefinementMeshSize:  []int{3},
		RefinementBoxSize:   5,
		GapThreshold:        1e-6,
		FeatureSize:         2e-3,
		RepulsionHeight:     1,
		NumMinimizeParallel: 50,
		SaveDelay:           5 * time.Second,
		LoadQuiet:           true,
		NelderMead:          opt.Options{KeepHistory: true},
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// DistCutoff returns the distance cutoff derived from the feature size.
func (c Config) DistCutoff() float64 {
	return c.FeatureSize / DistCutoffFactor
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their configuration file names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration for invalid values and inconsistent
// dimensions. It returns a *ConfigurationError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{Field: strings.TrimPrefix(fe.Namespace(), "Config."), Reason: describe(fe)}
		}
		return &ConfigurationError{Reason: err.Error()}
	}

	dim := len(c.Limits)
	for i, lim := range c.Limits {
		if lim[0] == lim[1] {
			return &ConfigurationError{Field: "limits", Reason: fmt.Sprintf("dimension %d has zero size", i)}
		}
	}
	if !broadcastable(len(c.InitialMeshSize), dim) {
		return &ConfigurationError{
			Field:  "initial_mesh_size",
			Reason: fmt.Sprintf("has %d entries, inconsistent with %d-dimensional limits", len(c.InitialMeshSize), dim),
		}
	}
	if len(c.RefinementMeshSize) > 0 && !broadcastable(len(c.RefinementMeshSize), dim) {
		return &ConfigurationError{
			Field:  "refinement_mesh_size",
			Reason: fmt.Sprintf("has %d entries, inconsistent with %d-dimensional limits", len(c.RefinementMeshSize), dim),
		}
	}
	for i, s := range c.RefinementStencil {
		if !isSimplex(s, dim) {
			return &ConfigurationError{
				Field:  "refinement_stencil",
				Reason: fmt.Sprintf("entry %d is not a simplex of %d vertices in %d dimensions", i, dim+1, dim),
			}
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed on %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed on %s", fe.Tag())
}

func broadcastable(n, dim int) bool {
	return n == 1 || n == dim
}

// broadcast expands a per-dimension list given once into dim entries.
func broadcast(v []int, dim int) []int {
	if len(v) == dim {
		return append([]int(nil), v...)
	}
	out := make([]int, dim)
	for i := range out {
		out[i] = v[0]
	}
	return out
}

func isSimplex(s [][]float64, dim int) bool {
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

// resolved holds the configuration with every computed default filled in.
type resolved struct {
	Config
	dim        int
	distCutoff float64
	meshSize   []int
	// stencil in absolute units, nil when refinement is disabled
	stencil [][][]float64
}

func (c Config) resolve() (*resolved, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r := &resolved{Config: c, dim: len(c.Limits), distCutoff: c.DistCutoff()}
	r.meshSize = broadcast(c.InitialMeshSize, r.dim)

	if r.RecheckPosDist == 0 {
		r.RecheckPosDist = r.distCutoff
	}
	if r.NelderMead.XTol == 0 {
		r.NelderMead.XTol = 0.03 * r.distCutoff
	}
	if r.NelderMead.FTol == 0 {
		r.NelderMead.FTol = 0.05 * r.GapThreshold
	}

	var stencil [][][]float64
	switch {
	case len(c.RefinementStencil) > 0:
		stencil = c.RefinementStencil
	case len(c.RefinementMeshSize) > 0:
		mesh := broadcast(c.RefinementMeshSize, r.dim)
		boxSize := c.RefinementBoxSize
		if boxSize == 0 {
			boxSize = DefaultStencilBoxSize
		}
		stencil = MeshStencil(mesh, boxSize)
	}
	r.stencil = ScaleStencil(stencil, r.distCutoff)
	return r, nil
}
