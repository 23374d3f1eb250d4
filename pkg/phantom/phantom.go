// Package phantom builds synthetic density volumes centered on the physical
// origin.
package phantom

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

// Params describes a homogeneous block, optionally crossed by a vacuum slab.
type Params struct {
	// Size is the voxel count along each axis
	Size [3]int

	// Spacing is the isotropic voxel size (mm)
	Spacing float64

	// Density is the relative density of the block
	Density float64

	// GapAxis is the axis the vacuum slab is stacked along
	GapAxis int

	// GapStart and GapEnd bound the vacuum slab as a half-open index range
	// along GapAxis; an empty range means no gap
	GapStart, GapEnd int
}

// Validate checks the phantom parameters.
func (p Params) Validate() error {
	if p.Spacing <= 0 {
		return fmt.Errorf("%w: phantom spacing %g", models.ErrInvalidSpacing, p.Spacing)
	}
	for n, s := range p.Size {
		if s <= 0 {
			return fmt.Errorf("%w: phantom axis %d has %d voxels", models.ErrInvalidSize, n, s)
		}
	}
	if p.Density < 0 {
		return fmt.Errorf("phantom density must not be negative, got %g", p.Density)
	}
	if p.GapEnd > p.GapStart {
		if p.GapAxis < 0 || p.GapAxis > 2 {
			return fmt.Errorf("gap axis must be 0, 1 or 2, got %d", p.GapAxis)
		}
		if p.GapStart < 0 || p.GapEnd > p.Size[p.GapAxis] {
			return fmt.Errorf("gap [%d, %d) outside axis %d of size %d", p.GapStart, p.GapEnd, p.GapAxis, p.Size[p.GapAxis])
		}
	}
	return nil
}

// Geometry returns an axis-aligned geometry of the given size whose voxel
// centers are symmetric about the physical origin.
func Geometry(size [3]int, spacing float64) models.Geometry {
	origin := r3.Vec{
		X: -float64(size[0]-1) / 2 * spacing,
		Y: -float64(size[1]-1) / 2 * spacing,
		Z: -float64(size[2]-1) / 2 * spacing,
	}
	return models.NewGeometry(origin, r3.Vec{X: spacing, Y: spacing, Z: spacing}, size)
}

// New builds the phantom density volume.
func New(p Params) (*models.Grid, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	grid, err := models.NewGrid(Geometry(p.Size, p.Spacing))
	if err != nil {
		return nil, err
	}
	grid.Fill(p.Density)
	if p.GapEnd <= p.GapStart {
		return grid, nil
	}
	for k := 0; k < p.Size[2]; k++ {
		for j := 0; j < p.Size[1]; j++ {
			for i := 0; i < p.Size[0]; i++ {
				idx := [3]int{i, j, k}[p.GapAxis]
				if idx >= p.GapStart && idx < p.GapEnd {
					grid.Set(i, j, k, 0)
				}
			}
		}
	}
	return grid, nil
}

// Block returns a homogeneous cube of n voxels per side.
func Block(n int, spacing, density float64) (*models.Grid, error) {
	return New(Params{Size: [3]int{n, n, n}, Spacing: spacing, Density: density})
}
