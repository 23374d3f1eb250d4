package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

// mmPerCm converts grid spacing (mm) to kernel distances (cm).
const mmPerCm = 10.0

// SphericalLUT maps every kernel direction onto the voxel lattice of one grid
// spacing. Walking from a target voxel, step r of direction (z, a) lies in the
// voxel at Offset(r, z, a) and ends Distance(r, z, a) cm from the target
// center; the step begins where step r-1 ended (or at the center for r = 0).
//
// The walk runs opposite to the kernel direction, from the target toward the
// voxels whose released energy reaches it, so zenith bucket z of the walk
// indexes zenith bucket z of the cumulative-energy table.
//
// Radial steps are not uniform in distance: each step ends at the next
// axis-aligned voxel plane the walk crosses, so every voxel boundary is
// crossed exactly once. Every direction tabulates the same number of steps,
// enough for the walk to reach the table's reach in every direction.
type SphericalLUT struct {
	// Spacing is the voxel size (mm) the tables were built for
	Spacing r3.Vec
	// Reach is the geometric distance (cm) every walk covers
	Reach float64

	steps int

	distance []float64
	offset   [][3]int

	// radiusToIndex[axis][(delta*NumZenith+z)*NumAzimuth+a] is the first step
	// whose offset along axis reaches magnitude delta
	radiusToIndex [3][]int

	// sign[axis][z*NumAzimuth+a] is the walk direction sign along axis (0 if the
	// walk never moves along it)
	sign [3][]int
}

func (lut *SphericalLUT) index(r, z, a int) int {
	return (z*NumAzimuth+a)*lut.steps + r
}

// RadialSteps returns how many radial steps the walk needs to cover reach cm
// on a lattice of the given spacing (mm) in any direction. A walk of length L
// crosses at most L*|w_i|/s_i + 1/2 planes normal to axis i.
func RadialSteps(spacing r3.Vec, reach float64) int {
	l := reach * mmPerCm
	return int(math.Ceil(l/spacing.X+l/spacing.Y+l/spacing.Z)) + 2
}

// NewSphericalLUT walks every kernel direction outward through a lattice of
// the given spacing (mm) until it has covered reach (cm).
func NewSphericalLUT(spacing r3.Vec, reach float64) (*SphericalLUT, error) {
	if spacing.X <= 0 || spacing.Y <= 0 || spacing.Z <= 0 {
		return nil, fmt.Errorf("%w: got (%g, %g, %g)", models.ErrInvalidSpacing, spacing.X, spacing.Y, spacing.Z)
	}
	if reach <= 0 || math.IsInf(reach, 0) || math.IsNaN(reach) {
		return nil, fmt.Errorf("walk reach must be positive and finite, got %g", reach)
	}

	steps := RadialSteps(spacing, reach)
	n := NumZenith * NumAzimuth * steps
	lut := &SphericalLUT{
		Spacing:  spacing,
		Reach:    reach,
		steps:    steps,
		distance: make([]float64, n),
		offset:   make([][3]int, n),
	}
	for axis := 0; axis < 3; axis++ {
		lut.radiusToIndex[axis] = make([]int, (steps+1)*NumZenith*NumAzimuth)
		lut.sign[axis] = make([]int, NumZenith*NumAzimuth)
	}

	s := [3]float64{spacing.X, spacing.Y, spacing.Z}
	for z := 0; z < NumZenith; z++ {
		for a := 0; a < NumAzimuth; a++ {
			u := Direction(z, a)
			w := [3]float64{-u.X, -u.Y, -u.Z}
			lut.walk(z, a, w, s)
		}
	}
	return lut, nil
}

// directionEpsilon is the smallest direction component treated as moving
// along an axis.
const directionEpsilon = 1e-12

func (lut *SphericalLUT) walk(z, a int, w, s [3]float64) {
	var (
		pos    [3]float64 // mm from the target voxel center
		off    [3]int
		travel float64 // mm along the walk
	)

	dirIdx := z*NumAzimuth + a
	for axis := 0; axis < 3; axis++ {
		switch {
		case w[axis] > directionEpsilon:
			lut.sign[axis][dirIdx] = 1
		case w[axis] < -directionEpsilon:
			lut.sign[axis][dirIdx] = -1
		}
	}

	for r := 0; r < lut.steps; r++ {
		tMin := math.Inf(1)
		var t [3]float64
		for axis := 0; axis < 3; axis++ {
			sign := lut.sign[axis][dirIdx]
			if sign == 0 {
				t[axis] = math.Inf(1)
				continue
			}
			boundary := (float64(off[axis]) + 0.5*float64(sign)) * s[axis]
			t[axis] = (boundary - pos[axis]) / w[axis]
			if t[axis] < tMin {
				tMin = t[axis]
			}
		}

		idx := lut.index(r, z, a)
		lut.offset[idx] = off
		travel += tMin
		lut.distance[idx] = travel / mmPerCm

		for axis := 0; axis < 3; axis++ {
			pos[axis] += w[axis] * tMin
			// planes reached together are crossed in the same step
			if t[axis]-tMin <= 1e-9*s[axis] {
				off[axis] += lut.sign[axis][dirIdx]
			}
		}
	}

	// inverse map: first step whose offset magnitude reaches delta
	for axis := 0; axis < 3; axis++ {
		r := 0
		for delta := 0; delta <= lut.steps; delta++ {
			for r < lut.steps && abs(lut.offset[lut.index(r, z, a)][axis]) < delta {
				r++
			}
			lut.radiusToIndex[axis][(delta*NumZenith+z)*NumAzimuth+a] = r
		}
	}
}

// Steps returns the number of radial steps tabulated per direction.
func (lut *SphericalLUT) Steps() int { return lut.steps }

// Distance returns the distance (cm) from the target center to the end of step r.
func (lut *SphericalLUT) Distance(r, z, a int) float64 {
	return lut.distance[lut.index(r, z, a)]
}

// StepLength returns the physical length (cm) of step r.
func (lut *SphericalLUT) StepLength(r, z, a int) float64 {
	d := lut.distance[lut.index(r, z, a)]
	if r == 0 {
		return d
	}
	return d - lut.distance[lut.index(r-1, z, a)]
}

// Offset returns the voxel displacement from the target of the voxel step r
// lies in.
func (lut *SphericalLUT) Offset(r, z, a int) [3]int {
	return lut.offset[lut.index(r, z, a)]
}

// RadiusToIndex returns the first radial step at which the offset along axis
// reaches magnitude delta, or Steps() if it never does.
func (lut *SphericalLUT) RadiusToIndex(axis, delta, z, a int) int {
	if delta < 0 {
		delta = 0
	}
	if delta > lut.steps {
		return lut.steps
	}
	return lut.radiusToIndex[axis][(delta*NumZenith+z)*NumAzimuth+a]
}

// Sign returns the direction (-1, 0 or 1) the walk for (z, a) moves along axis.
func (lut *SphericalLUT) Sign(axis, z, a int) int {
	return lut.sign[axis][z*NumAzimuth+a]
}

// FlatOffsets converts the voxel offsets of every step into flat buffer
// offsets for a grid of the given size, in the same (z, a, r) order.
func (lut *SphericalLUT) FlatOffsets(size [3]int) []int {
	nx, nxy := size[0], size[0]*size[1]
	out := make([]int, len(lut.offset))
	for i, o := range lut.offset {
		out[i] = o[2]*nxy + o[1]*nx + o[0]
	}
	return out
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
