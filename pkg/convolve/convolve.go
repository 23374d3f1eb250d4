// Package convolve turns a TERMA grid into dose by spherical
// convolution/superposition with an energy-deposition kernel.
package convolve

import (
	"errors"
	"fmt"

	"photondose/internal/models"
	"photondose/internal/workers"
	"photondose/pkg/kernel"
)

// ErrReachExceedsKernel is returned when the radiological walk limit is
// longer than the kernel's tabulated radius.
var ErrReachExceedsKernel = errors.New("maximum radiological distance exceeds the kernel radius")

// CheckReach verifies that the walk limit fits inside the kernel table.
func (p Params) CheckReach(k *kernel.EnergyDepKernel) error {
	if p.MaxRadiologicalDistance > k.MaxRadius() {
		return fmt.Errorf("%w: %g cm > %g cm", ErrReachExceedsKernel, p.MaxRadiologicalDistance, k.MaxRadius())
	}
	return nil
}

// Params controls the superposition walk and the energy-to-dose conversion.
type Params struct {
	// MaxRadiologicalDistance clips each radial walk (radiological cm). It
	// must not exceed the kernel's maximum radius, past which the cumulative
	// energy saturates and the walk tables end.
	MaxRadiologicalDistance float64

	// SkipDensity: target voxels below this density get no dose computed
	SkipDensity float64

	// DoseDensityThreshold: target voxels below this density have dose forced
	// to zero instead of dividing energy by a near-zero density
	DoseDensityThreshold float64

	// ReferenceDensity is the density the kernel was tabulated in
	ReferenceDensity float64

	// Normalize scales the dose grid so its maximum is 1
	Normalize bool

	// NumWorkers bounds the goroutines convolving target slabs (0 means all CPUs)
	NumWorkers int
}

// DefaultParams returns the standard convolution settings.
func DefaultParams() Params {
	return Params{
		MaxRadiologicalDistance: 10.0,
		SkipDensity:             0.01,
		DoseDensityThreshold:    0.05,
		ReferenceDensity:        1.0,
		Normalize:               true,
	}
}

// Region is an inclusive box of voxel indices.
type Region struct {
	Min, Max [3]int
}

// FullRegion returns the region spanning every voxel of g.
func FullRegion(g models.Geometry) Region {
	return Region{Max: [3]int{g.Size[0] - 1, g.Size[1] - 1, g.Size[2] - 1}}
}

// clampTo intersects r with bounds.
func (r Region) clampTo(bounds Region) Region {
	for n := 0; n < 3; n++ {
		if r.Min[n] < bounds.Min[n] {
			r.Min[n] = bounds.Min[n]
		}
		if r.Max[n] > bounds.Max[n] {
			r.Max[n] = bounds.Max[n]
		}
	}
	return r
}

// SphereConvolve convolves TERMA with an energy-deposition kernel. The energy
// and dose grids are owned by the convolver and reused across calls.
type SphereConvolve struct {
	params Params
	kernel *kernel.EnergyDepKernel

	energy *models.Grid
	dose   *models.Grid

	// walk tables for the cached LUT and grid size
	lut      *kernel.SphericalLUT
	lutSize  [3]int
	flat     []int
	stepLens []float64
}

// New creates a convolver for a loaded kernel.
func New(k *kernel.EnergyDepKernel, params Params) *SphereConvolve {
	return &SphereConvolve{params: params, kernel: k}
}

// Params returns the convolution settings.
func (c *SphereConvolve) Params() Params { return c.params }

// Energy returns the absorbed-energy grid of the last Convolve.
func (c *SphereConvolve) Energy() *models.Grid { return c.energy }

// Convolve computes dose over the whole grid.
func (c *SphereConvolve) Convolve(terma, density *models.Grid) (*models.Grid, error) {
	return c.ConvolveRegion(terma, density, FullRegion(density.Geometry))
}

// ConvolveRegion computes dose for the target voxels in region; voxels outside
// it are left at zero. TERMA is read from the whole grid. The returned grid is
// owned by the convolver and overwritten by the next call.
func (c *SphereConvolve) ConvolveRegion(terma, density *models.Grid, region Region) (*models.Grid, error) {
	if c.kernel == nil || !c.kernel.Loaded() {
		return nil, fmt.Errorf("convolution kernel is not loaded")
	}
	if err := density.Validate(); err != nil {
		return nil, err
	}
	if !terma.Conforms(density.Geometry) {
		return nil, fmt.Errorf("TERMA and density grids: %w", models.ErrGeometryMismatch)
	}
	if c.params.ReferenceDensity <= 0 {
		return nil, fmt.Errorf("kernel reference density must be positive, got %g", c.params.ReferenceDensity)
	}
	if c.params.MaxRadiologicalDistance <= 0 {
		return nil, fmt.Errorf("maximum radiological distance must be positive, got %g", c.params.MaxRadiologicalDistance)
	}
	if err := c.params.CheckReach(c.kernel); err != nil {
		return nil, err
	}

	if err := c.prepare(density.Geometry); err != nil {
		return nil, err
	}

	bounds := FullRegion(density.Geometry)
	region = region.clampTo(bounds)

	slabs := region.Max[2] - region.Min[2] + 1
	workers.Split(slabs, c.params.NumWorkers, func(_, start, end int) {
		for k := region.Min[2] + start; k < region.Min[2]+end; k++ {
			for j := region.Min[1]; j <= region.Max[1]; j++ {
				for i := region.Min[0]; i <= region.Max[0]; i++ {
					c.convolveVoxel(terma, density, bounds, [3]int{i, j, k})
				}
			}
		}
	})

	if c.params.Normalize {
		Normalize(c.dose)
	}
	return c.dose, nil
}

// prepare sizes the output grids and rebuilds the walk tables when the
// voxel spacing or grid size changed.
func (c *SphereConvolve) prepare(g models.Geometry) error {
	for _, grid := range []**models.Grid{&c.energy, &c.dose} {
		if *grid == nil {
			out, err := models.NewGrid(g)
			if err != nil {
				return err
			}
			*grid = out
		} else if err := (*grid).Reset(g); err != nil {
			return err
		}
	}

	lut, err := c.kernel.SetupRadialLUT(g.Spacing)
	if err != nil {
		return err
	}
	if lut == c.lut && c.lutSize == g.Size {
		return nil
	}
	c.lut = lut
	c.lutSize = g.Size
	c.flat = lut.FlatOffsets(g.Size)
	c.stepLens = make([]float64, len(c.flat))
	steps := lut.Steps()
	for z := 0; z < kernel.NumZenith; z++ {
		for a := 0; a < kernel.NumAzimuth; a++ {
			base := (z*kernel.NumAzimuth + a) * steps
			for r := 0; r < steps; r++ {
				c.stepLens[base+r] = lut.StepLength(r, z, a)
			}
		}
	}
	return nil
}

// convolveVoxel accumulates the energy every kernel direction carries into
// target and converts it to dose.
func (c *SphereConvolve) convolveVoxel(terma, density *models.Grid, bounds Region, target [3]int) {
	center := density.Index(target[0], target[1], target[2])
	rhoTarget := density.Data[center]
	if rhoTarget < c.params.SkipDensity {
		return
	}

	maxRad := c.params.MaxRadiologicalDistance
	invRef := 1 / c.params.ReferenceDensity

	steps := c.lut.Steps()
	energy := 0.0
	for z := 0; z < kernel.NumZenith; z++ {
		for a := 0; a < kernel.NumAzimuth; a++ {
			clip := c.CalcRadialClipping(target, bounds, z, a)
			base := (z*kernel.NumAzimuth + a) * steps

			radDist, prevCum := 0.0, 0.0
			for r := 0; r < clip; r++ {
				src := center + c.flat[base+r]
				radDist += c.stepLens[base+r] * density.Data[src] * invRef
				last := radDist >= maxRad
				if last {
					radDist = maxRad
				}

				cum := c.kernel.CumEnergy(z, radDist)
				energy += (cum - prevCum) * terma.Data[src]
				prevCum = cum
				if last {
					break
				}
			}
		}
	}

	// the kernel is assumed axially symmetric, so every azimuth bucket
	// carries the full cone energy
	energy /= kernel.NumAzimuth
	c.energy.Data[center] = energy

	if rhoTarget < c.params.DoseDensityThreshold {
		c.dose.Data[center] = 0
		return
	}
	c.dose.Data[center] = energy / rhoTarget
}

// CalcRadialClipping returns how many radial steps of direction (z, a) can be
// taken from target before the walk leaves bounds.
func (c *SphereConvolve) CalcRadialClipping(target [3]int, bounds Region, z, a int) int {
	clip := c.lut.Steps()
	for axis := 0; axis < 3; axis++ {
		var allowed int
		switch c.lut.Sign(axis, z, a) {
		case 1:
			allowed = bounds.Max[axis] - target[axis]
		case -1:
			allowed = target[axis] - bounds.Min[axis]
		default:
			continue
		}
		if allowed < 0 {
			return 0
		}
		if r := c.lut.RadiusToIndex(axis, allowed+1, z, a); r < clip {
			clip = r
		}
	}
	return clip
}

// Normalize scales grid so its largest value is 1. Grids whose maximum is not
// positive are left unchanged.
func Normalize(grid *models.Grid) {
	max := grid.Max()
	if max <= 0 || max == 1 {
		return
	}
	// divide rather than multiply by 1/max so the peak becomes exactly 1
	for i := range grid.Data {
		grid.Data[i] /= max
	}
}
