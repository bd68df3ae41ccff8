package celllist

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect[T any](c *CellList[T], frac []float64) []T {
	return slices.Collect(c.Neighbours(frac))
}

func TestNumCellsFor(t *testing.T) {
	tests := []struct {
		name   string
		size   []float64
		cutoff float64
		want   []int
	}{
		{"regular", []float64{1, 2}, 0.1, []int{10, 20}},
		{"floored at one", []float64{1}, 5, []int{1}},
		{"capped", []float64{1}, 1e-6, []int{MaxCellsPerDim}},
		{"zero cutoff", []float64{1, 1}, 0, []int{MaxCellsPerDim, MaxCellsPerDim}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NumCellsFor(tt.size, tt.cutoff))
		})
	}
}

func TestAdd_PointIsOwnNeighbour(t *testing.T) {
	for _, periodic := range []bool{true, false} {
		c := New[int]([]int{7, 3, 5}, periodic)
		rng := rand.New(rand.NewSource(3))

		for i := 0; i < 100; i++ {
			frac := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
			c.Add(frac, i)
			assert.Contains(t, collect(c, frac), i)
		}
		assert.Equal(t, 100, c.Len())
	}
}

func TestNeighbours_PeriodicWrap(t *testing.T) {
	c := New[string]([]int{10}, true)
	c.Add([]float64{0.99}, "edge")
	c.Add([]float64{0.5}, "middle")

	assert.Equal(t, []string{"edge"}, collect(c, []float64{0.01}))
}

func TestNeighbours_NonPeriodicDoesNotWrap(t *testing.T) {
	c := New[string]([]int{10}, false)
	c.Add([]float64{0.99}, "edge")

	assert.Empty(t, collect(c, []float64{0.01}))
	assert.Equal(t, []string{"edge"}, collect(c, []float64{0.9}))
}

func TestNeighbours_OutOfRangeFraction(t *testing.T) {
	c := New[string]([]int{4}, false)
	c.Add([]float64{1.0}, "upper")
	c.Add([]float64{-0.2}, "below")

	assert.Equal(t, []string{"upper"}, collect(c, []float64{1.3}))
	assert.Equal(t, []string{"below"}, collect(c, []float64{0}))
}

func TestNeighbours_FewCellsNoDuplicates(t *testing.T) {
	c := New[int]([]int{1, 2}, true)
	c.Add([]float64{0.1, 0.1}, 1)
	c.Add([]float64{0.9, 0.9}, 2)

	got := collect(c, []float64{0.5, 0.5})
	slices.Sort(got)
	assert.Equal(t, []int{1, 2}, got)
}

func TestNeighbours_EarlyStop(t *testing.T) {
	c := New[int]([]int{2}, true)
	for i := 0; i < 10; i++ {
		c.Add([]float64{0.1}, i)
	}

	count := 0
	for range c.Neighbours([]float64{0.1}) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestValues_InsertionOrder(t *testing.T) {
	c := New[int]([]int{3}, true)
	c.Add([]float64{0.9}, 1)
	c.Add([]float64{0.1}, 2)
	assert.Equal(t, []int{1, 2}, c.Values())
}
