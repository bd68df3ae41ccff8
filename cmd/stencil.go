package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/nodefinder/internal/search"
)

var (
	stencilDim     int
	stencilMesh    []int
	stencilBoxSize float64
	stencilOut     string
)

var stencilCmd = &cobra.Command{
	Use:   "stencil",
	Short: "Generate a refinement stencil file",
	Long: `Writes a refinement stencil as YAML, in units of the distance cutoff.
Without --mesh the automatic stencil of the dimension is written. The file can
be edited and passed to run --stencil.`,
	RunE: runStencil,
}

func init() {
	stencilCmd.Flags().IntVar(&stencilDim, "dim", 3, "Dimension of the search domain")
	stencilCmd.Flags().IntSliceVar(&stencilMesh, "mesh", nil, "Mesh size of the stencil, once or per dimension")
	stencilCmd.Flags().Float64Var(&stencilBoxSize, "box", search.DefaultStencilBoxSize, "Box size of the mesh stencil")
	stencilCmd.Flags().StringVarP(&stencilOut, "out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(stencilCmd)
}

func runStencil(cmd *cobra.Command, args []string) error {
	if stencilDim < 1 {
		return fmt.Errorf("dimension must be at least 1, got %d", stencilDim)
	}

	stencil := search.AutoStencil(stencilDim)
	if len(stencilMesh) > 0 {
		mesh := stencilMesh
		switch len(mesh) {
		case 1:
			mesh = make([]int, stencilDim)
			for i := range mesh {
				mesh[i] = stencilMesh[0]
			}
		case stencilDim:
		default:
			return fmt.Errorf("mesh needs 1 or %d sizes, got %d", stencilDim, len(mesh))
		}
		for _, m := range mesh {
			if m < 1 {
				return fmt.Errorf("mesh sizes must be positive, got %v", stencilMesh)
			}
		}
		if stencilBoxSize <= 0 {
			return fmt.Errorf("box size must be positive, got %g", stencilBoxSize)
		}
		stencil = search.MeshStencil(mesh, stencilBoxSize)
	}

	data, err := search.MarshalStencil(stencil)
	if err != nil {
		return err
	}
	if stencilOut == "" {
		_, err = output(cmd).Write(data)
		return err
	}
	if err := os.WriteFile(stencilOut, data, 0644); err != nil {
		return fmt.Errorf("failed to write stencil: %w", err)
	}
	fmt.Fprintf(output(cmd), "Wrote %d simplices to %s\n", len(stencil), stencilOut)
	return nil
}
