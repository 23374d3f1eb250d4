// Package models holds the voxel grid types shared by every stage of the dose
// engine: density volumes, TERMA, energy and dose all use the same Grid.
package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidSpacing is returned when a voxel spacing component is not strictly positive.
	ErrInvalidSpacing = errors.New("voxel spacing must be strictly positive")

	// ErrInvalidSize is returned when a grid has a non-positive voxel count on any axis.
	ErrInvalidSize = errors.New("grid size must be positive on every axis")

	// ErrGeometryMismatch is returned when two grids that must share a geometry do not.
	ErrGeometryMismatch = errors.New("grid geometries do not conform")

	// ErrSingularDirection is returned when the direction cosine matrix cannot be inverted.
	ErrSingularDirection = errors.New("direction matrix is singular")
)

// geometryTolerance is the absolute tolerance (mm) used when comparing origins,
// spacings and direction cosines of two grids.
const geometryTolerance = 1e-6

// Geometry describes where a regular voxel grid sits in physical space.
//
// Voxel (i, j, k) has its center at Origin + Direction * (i*Sx, j*Sy, k*Sz).
// All physical quantities are in mm.
type Geometry struct {
	// Origin is the physical position of the center of voxel (0, 0, 0)
	Origin r3.Vec

	// Spacing is the physical voxel size along each index axis
	Spacing r3.Vec

	// Direction holds the direction cosines; column n is the physical
	// direction of index axis n
	Direction *mat.Dense

	// Size is the voxel count along each index axis
	Size [3]int
}

// Identity returns a 3x3 identity direction matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// NewGeometry creates an axis-aligned geometry.
func NewGeometry(origin, spacing r3.Vec, size [3]int) Geometry {
	return Geometry{
		Origin:    origin,
		Spacing:   spacing,
		Direction: Identity(),
		Size:      size,
	}
}

// Validate checks the grid invariants: positive spacing, positive size and a
// 3x3 invertible direction matrix.
func (g Geometry) Validate() error {
	if g.Spacing.X <= 0 || g.Spacing.Y <= 0 || g.Spacing.Z <= 0 {
		return fmt.Errorf("%w: got (%g, %g, %g)", ErrInvalidSpacing, g.Spacing.X, g.Spacing.Y, g.Spacing.Z)
	}
	if g.Size[0] <= 0 || g.Size[1] <= 0 || g.Size[2] <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSize, g.Size)
	}
	if g.Direction == nil {
		return fmt.Errorf("%w: direction matrix is nil", ErrSingularDirection)
	}
	if r, c := g.Direction.Dims(); r != 3 || c != 3 {
		return fmt.Errorf("%w: direction matrix is %dx%d", ErrSingularDirection, r, c)
	}
	if math.Abs(mat.Det(g.Direction)) < geometryTolerance {
		return ErrSingularDirection
	}
	return nil
}

// Len returns the number of voxels.
func (g Geometry) Len() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// Index returns the flat buffer offset of voxel (i, j, k).
func (g Geometry) Index(i, j, k int) int {
	return k*g.Size[0]*g.Size[1] + j*g.Size[0] + i
}

// InBounds reports whether (i, j, k) addresses a voxel of the grid.
func (g Geometry) InBounds(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < g.Size[0] && j < g.Size[1] && k < g.Size[2]
}

// VoxelVolume returns the physical volume of one voxel in mm^3.
func (g Geometry) VoxelVolume() float64 {
	return g.Spacing.X * g.Spacing.Y * g.Spacing.Z
}

// Axis returns the physical unit vector of index axis n.
func (g Geometry) Axis(n int) r3.Vec {
	return r3.Vec{X: g.Direction.At(0, n), Y: g.Direction.At(1, n), Z: g.Direction.At(2, n)}
}

// Clone returns a deep copy of the geometry.
func (g Geometry) Clone() Geometry {
	c := g
	if g.Direction != nil {
		c.Direction = mat.DenseCopyOf(g.Direction)
	}
	return c
}

// Conforms reports whether two geometries describe the same voxel lattice.
func (g Geometry) Conforms(o Geometry) bool {
	if g.Size != o.Size {
		return false
	}
	if r3.Norm(r3.Sub(g.Origin, o.Origin)) > geometryTolerance ||
		r3.Norm(r3.Sub(g.Spacing, o.Spacing)) > geometryTolerance {
		return false
	}
	if g.Direction == nil || o.Direction == nil {
		return g.Direction == o.Direction
	}
	return mat.EqualApprox(g.Direction, o.Direction, geometryTolerance)
}

// Affine is a 3-D affine map p' = M*p + T, unpacked for use in per-voxel loops.
type Affine struct {
	M [3][3]float64
	T r3.Vec
}

// Apply maps v through the affine transform.
func (a Affine) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: a.M[0][0]*v.X + a.M[0][1]*v.Y + a.M[0][2]*v.Z + a.T.X,
		Y: a.M[1][0]*v.X + a.M[1][1]*v.Y + a.M[1][2]*v.Z + a.T.Y,
		Z: a.M[2][0]*v.X + a.M[2][1]*v.Y + a.M[2][2]*v.Z + a.T.Z,
	}
}

// IndexToPhysical returns the transform from continuous voxel index to
// physical position.
func (g Geometry) IndexToPhysical() Affine {
	var a Affine
	s := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.M[r][c] = g.Direction.At(r, c) * s[c]
		}
	}
	a.T = g.Origin
	return a
}

// PhysicalToIndex returns the transform from physical position to continuous
// voxel index.
func (g Geometry) PhysicalToIndex() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(g.Direction); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrSingularDirection, err)
	}
	var a Affine
	s := [3]float64{g.Spacing.X, g.Spacing.Y, g.Spacing.Z}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.M[r][c] = inv.At(r, c) / s[r]
		}
	}
	o := a.Apply(g.Origin)
	a.T = r3.Scale(-1, o)
	return a, nil
}

// Physical converts a continuous voxel index to a physical position.
func (g Geometry) Physical(ci r3.Vec) r3.Vec {
	return g.IndexToPhysical().Apply(ci)
}

// ContinuousIndex converts a physical position to a continuous voxel index.
func (g Geometry) ContinuousIndex(p r3.Vec) (r3.Vec, error) {
	a, err := g.PhysicalToIndex()
	if err != nil {
		return r3.Vec{}, err
	}
	return a.Apply(p), nil
}

// Scaled returns the geometry covering the same physical box as g, resampled
// to an isotropic voxel size of resolution mm. The outer voxel corners of the
// new grid coincide with those of g along every axis where the extent divides
// evenly; otherwise the new grid extends past the far corner.
func (g Geometry) Scaled(resolution float64) (Geometry, error) {
	if resolution <= 0 {
		return Geometry{}, fmt.Errorf("%w: dose resolution %g", ErrInvalidSpacing, resolution)
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	extent := [3]float64{
		float64(g.Size[0]) * g.Spacing.X,
		float64(g.Size[1]) * g.Spacing.Y,
		float64(g.Size[2]) * g.Spacing.Z,
	}
	var size [3]int
	for n := range size {
		size[n] = int(math.Ceil(extent[n]/resolution - geometryTolerance))
		if size[n] < 1 {
			size[n] = 1
		}
	}
	// shift from the old first voxel center to the new one, in index-axis units
	shift := r3.Vec{
		X: (resolution - g.Spacing.X) / 2,
		Y: (resolution - g.Spacing.Y) / 2,
		Z: (resolution - g.Spacing.Z) / 2,
	}
	origin := g.Origin
	for n, d := range []float64{shift.X, shift.Y, shift.Z} {
		origin = r3.Add(origin, r3.Scale(d, g.Axis(n)))
	}
	return Geometry{
		Origin:    origin,
		Spacing:   r3.Vec{X: resolution, Y: resolution, Z: resolution},
		Direction: mat.DenseCopyOf(g.Direction),
		Size:      size,
	}, nil
}

// Grid is a regular 3-D voxel grid with a dense buffer of scalar values
// (density, TERMA, energy or dose) in k-major, then j, then i order.
type Grid struct {
	Geometry

	// Data is the voxel buffer; len(Data) == Geometry.Len()
	Data []float64
}

// NewGrid allocates a zero-filled grid for the given geometry.
func NewGrid(g Geometry) (*Grid, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Grid{Geometry: g.Clone(), Data: make([]float64, g.Len())}, nil
}

// Reset re-shapes the grid to g and zeroes it, reusing the buffer when it is
// large enough.
func (gr *Grid) Reset(g Geometry) error {
	if err := g.Validate(); err != nil {
		return err
	}
	gr.Geometry = g.Clone()
	n := g.Len()
	if cap(gr.Data) >= n {
		gr.Data = gr.Data[:n]
		for i := range gr.Data {
			gr.Data[i] = 0
		}
		return nil
	}
	gr.Data = make([]float64, n)
	return nil
}

// At returns the value of voxel (i, j, k).
func (gr *Grid) At(i, j, k int) float64 {
	return gr.Data[gr.Index(i, j, k)]
}

// Set stores v at voxel (i, j, k).
func (gr *Grid) Set(i, j, k int, v float64) {
	gr.Data[gr.Index(i, j, k)] = v
}

// Fill sets every voxel to v.
func (gr *Grid) Fill(v float64) {
	for i := range gr.Data {
		gr.Data[i] = v
	}
}

// Clone returns a deep copy of the grid.
func (gr *Grid) Clone() *Grid {
	data := make([]float64, len(gr.Data))
	copy(data, gr.Data)
	return &Grid{Geometry: gr.Geometry.Clone(), Data: data}
}

// Sum returns the sum of all voxel values.
func (gr *Grid) Sum() float64 {
	return floats.Sum(gr.Data)
}

// Max returns the largest voxel value, or 0 for an empty grid.
func (gr *Grid) Max() float64 {
	if len(gr.Data) == 0 {
		return 0
	}
	return floats.Max(gr.Data)
}

// Integral returns the sum of voxel values weighted by voxel volume.
func (gr *Grid) Integral() float64 {
	return gr.Sum() * gr.VoxelVolume()
}

// AddScaled accumulates alpha*src into gr. Both grids must conform.
func (gr *Grid) AddScaled(alpha float64, src *Grid) error {
	if !gr.Conforms(src.Geometry) {
		return ErrGeometryMismatch
	}
	floats.AddScaled(gr.Data, alpha, src.Data)
	return nil
}
