// Package interpolation provides trilinear sampling, reciprocal splatting
// stencils and conforming resampling of voxel grids.
package interpolation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

// StencilSize is the number of voxels in a 3x3x3 neighbourhood.
const StencilSize = 27

// Stencil holds trilinear weights over the 3x3x3 neighbourhood of a voxel.
// Entry (di, dj, dk), each in {-1, 0, 1}, is stored at (dk+1)*9 + (dj+1)*3 + (di+1).
// At most eight entries are nonzero and the weights sum to one.
type Stencil [StencilSize]float64

// axisWeights returns the weights of the lower, center and upper neighbour
// for a sample offset f in [-0.5, 0.5] from the voxel center.
func axisWeights(f float64) [3]float64 {
	if f < -0.5 {
		f = -0.5
	} else if f > 0.5 {
		f = 0.5
	}
	return [3]float64{math.Max(-f, 0), 1 - math.Abs(f), math.Max(f, 0)}
}

// NewStencil computes trilinear weights for a point offset by f (in voxel
// units, each component within [-0.5, 0.5]) from the center of a voxel.
func NewStencil(f r3.Vec) Stencil {
	wx, wy, wz := axisWeights(f.X), axisWeights(f.Y), axisWeights(f.Z)
	var s Stencil
	for dk := 0; dk < 3; dk++ {
		for dj := 0; dj < 3; dj++ {
			wyz := wy[dj] * wz[dk]
			for di := 0; di < 3; di++ {
				s[dk*9+dj*3+di] = wx[di] * wyz
			}
		}
	}
	return s
}

// StencilOffsets returns the flat buffer offsets of the 3x3x3 neighbourhood
// relative to its center voxel, in Stencil order.
func StencilOffsets(g models.Geometry) [StencilSize]int {
	var off [StencilSize]int
	nx, nxy := g.Size[0], g.Size[0]*g.Size[1]
	for dk := -1; dk <= 1; dk++ {
		for dj := -1; dj <= 1; dj++ {
			for di := -1; di <= 1; di++ {
				off[(dk+1)*9+(dj+1)*3+(di+1)] = dk*nxy + dj*nx + di
			}
		}
	}
	return off
}

// Sample returns the stencil-weighted value around the voxel at flat index
// center. The caller guarantees the whole neighbourhood lies inside the grid.
func (s *Stencil) Sample(data []float64, center int, offsets *[StencilSize]int) float64 {
	v := 0.0
	for n, w := range s {
		if w != 0 {
			v += w * data[center+offsets[n]]
		}
	}
	return v
}

// Splat distributes value into the neighbourhood of center using the same
// weights as Sample.
func (s *Stencil) Splat(data []float64, center int, offsets *[StencilSize]int, value float64) {
	for n, w := range s {
		if w != 0 {
			data[center+offsets[n]] += w * value
		}
	}
}

// Trilinear interpolates grid at continuous index ci. Indices outside the grid
// are clamped to the nearest edge voxel.
func Trilinear(grid *models.Grid, ci r3.Vec) float64 {
	i0, fx := lowerCorner(ci.X, grid.Size[0])
	j0, fy := lowerCorner(ci.Y, grid.Size[1])
	k0, fz := lowerCorner(ci.Z, grid.Size[2])
	i1, j1, k1 := clampIndex(i0+1, grid.Size[0]), clampIndex(j0+1, grid.Size[1]), clampIndex(k0+1, grid.Size[2])

	c00 := grid.At(i0, j0, k0)*(1-fx) + grid.At(i1, j0, k0)*fx
	c10 := grid.At(i0, j1, k0)*(1-fx) + grid.At(i1, j1, k0)*fx
	c01 := grid.At(i0, j0, k1)*(1-fx) + grid.At(i1, j0, k1)*fx
	c11 := grid.At(i0, j1, k1)*(1-fx) + grid.At(i1, j1, k1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

// NearestNeighbor returns the value of the voxel closest to ci, clamped to
// the grid.
func NearestNeighbor(grid *models.Grid, ci r3.Vec) float64 {
	i := clampIndex(int(math.Round(ci.X)), grid.Size[0])
	j := clampIndex(int(math.Round(ci.Y)), grid.Size[1])
	k := clampIndex(int(math.Round(ci.Z)), grid.Size[2])
	return grid.At(i, j, k)
}

func lowerCorner(x float64, n int) (int, float64) {
	if x <= 0 {
		return 0, 0
	}
	if x >= float64(n-1) {
		return n - 1, 0
	}
	i := int(math.Floor(x))
	return i, x - float64(i)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
