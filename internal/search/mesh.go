package search

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultStencilBoxSize is the edge length of the refinement box, in units
	// of the distance cutoff.
	DefaultStencilBoxSize = 5.0
	// DefaultStencilMeshSize is the per-dimension mesh size of AutoStencil.
	DefaultStencilMeshSize = 3
)

// MeshSimplices tiles the box given by limits with meshSize[i] points per
// dimension and anchors one simplex at every point. Vertex i+1 of a simplex is
// offset from the anchor by half a mesh spacing along dimension i. For
// periodic boxes the upper limit is left out, since it coincides with the
// lower one.
func MeshSimplices(limits [][2]float64, meshSize []int, periodic bool) [][][]float64 {
	dim := len(limits)
	axes := make([][]float64, dim)
	offsets := make([]float64, dim)
	for i, lim := range limits {
		axes[i] = linspace(lim[0], lim[1], meshSize[i], !periodic)
		offsets[i] = (lim[1] - lim[0]) / (2 * float64(meshSize[i]))
	}

	var simplices [][][]float64
	for _, anchor := range product(axes) {
		simplex := make([][]float64, dim+1)
		for v := range simplex {
			simplex[v] = append([]float64(nil), anchor...)
			if v > 0 {
				simplex[v][v-1] += offsets[v-1]
			}
		}
		simplices = append(simplices, simplex)
	}
	return simplices
}

// linspace returns n evenly spaced values from lo to hi. The value hi is
// included only if endpoint is set. A single value is lo.
func linspace(lo, hi float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	div := float64(n)
	if endpoint {
		div = float64(n - 1)
	}
	step := (hi - lo) / div
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	if endpoint {
		out[n-1] = hi
	}
	return out
}

// product returns the cartesian product of axes, last axis varying fastest.
func product(axes [][]float64) [][]float64 {
	points := [][]float64{{}}
	for _, axis := range axes {
		next := make([][]float64, 0, len(points)*len(axis))
		for _, p := range points {
			for _, x := range axis {
				next = append(next, append(append([]float64(nil), p...), x))
			}
		}
		points = next
	}
	return points
}

// MeshStencil returns a refinement stencil of mesh simplices over a box of
// edge boxSize centered at the origin. Returns nil if any mesh size is zero.
func MeshStencil(meshSize []int, boxSize float64) [][][]float64 {
	limits := make([][2]float64, len(meshSize))
	for i, m := range meshSize {
		if m == 0 {
			return nil
		}
		limits[i] = [2]float64{-boxSize / 2, boxSize / 2}
	}
	return MeshSimplices(limits, meshSize, false)
}

// AutoStencil returns the default refinement stencil for dim dimensions.
func AutoStencil(dim int) [][][]float64 {
	meshSize := make([]int, dim)
	for i := range meshSize {
		meshSize[i] = DefaultStencilMeshSize
	}
	return MeshStencil(meshSize, DefaultStencilBoxSize)
}

// ScaleStencil returns a copy of stencil with every coordinate multiplied by
// factor.
func ScaleStencil(stencil [][][]float64, factor float64) [][][]float64 {
	if stencil == nil {
		return nil
	}
	out := make([][][]float64, len(stencil))
	for i, s := range stencil {
		out[i] = make([][]float64, len(s))
		for j, v := range s {
			out[i][j] = make([]float64, len(v))
			for k, x := range v {
				out[i][j][k] = factor * x
			}
		}
	}
	return out
}

// PlaceStencil shifts every simplex of stencil to pos.
func PlaceStencil(stencil [][][]float64, pos []float64) [][][]float64 {
	out := make([][][]float64, len(stencil))
	for i, s := range stencil {
		out[i] = make([][]float64, len(s))
		for j, v := range s {
			out[i][j] = make([]float64, len(v))
			for k, x := range v {
				out[i][j][k] = pos[k] + x
			}
		}
	}
	return out
}

// StencilFile is the YAML document holding a refinement stencil.
type StencilFile struct {
	// Simplices are in units of the distance cutoff
	Simplices [][][]float64 `yaml:"simplices"`
}

// LoadStencil reads a refinement stencil from a YAML file.
func LoadStencil(path string) ([][][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stencil file: %w", err)
	}
	var f StencilFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse stencil file %s: %w", path, err)
	}
	if len(f.Simplices) == 0 {
		return nil, fmt.Errorf("stencil file %s contains no simplices", path)
	}
	return f.Simplices, nil
}

// MarshalStencil encodes a refinement stencil as a YAML stencil file.
func MarshalStencil(stencil [][][]float64) ([]byte, error) {
	return yaml.Marshal(StencilFile{Simplices: stencil})
}
