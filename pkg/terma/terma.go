// Package terma computes the total energy released per voxel by the primary
// photon fluence of a divergent beamlet (TERMA).
package terma

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
	"photondose/internal/workers"
	"photondose/pkg/interpolation"
)

var (
	// ErrSourceInsideGrid is returned when the virtual source is not above the
	// first interior voxel plane of the grid.
	ErrSourceInsideGrid = errors.New("virtual source lies inside the grid")

	// ErrNotBeamAligned is returned when the source-to-isocenter axis does not
	// run along the grid's third index axis.
	ErrNotBeamAligned = errors.New("grid is not aligned with the beam axis")
)

const (
	// mmPerCm converts grid distances (mm) to attenuation path lengths (cm).
	mmPerCm = 10.0

	// directionEpsilon is the smallest ray direction component treated as
	// moving along an axis; smaller components never limit a step.
	directionEpsilon = 1e-12

	// alignmentTolerance bounds the cosine mismatch between the beam axis and
	// the grid's depth axis.
	alignmentTolerance = 1e-6
)

// Params describes the beamlet whose TERMA is traced.
type Params struct {
	// Source is the physical position of the virtual point source (mm)
	Source r3.Vec

	// Isocenter is the physical isocenter (mm); the footprint is measured on
	// the plane through it perpendicular to the beam axis
	Isocenter r3.Vec

	// MinX, MaxX, MinY, MaxY bound the beamlet footprint on the isocenter
	// plane (mm, relative to the isocenter, along the grid's first two axes)
	MinX, MaxX, MinY, MaxY float64

	// RayDensity is the number of rays per voxel width along each lateral axis
	RayDensity int

	// Mu is the attenuation coefficient at unit density (1/cm)
	Mu float64

	// NumWorkers bounds the goroutines tracing rays (0 means all CPUs)
	NumWorkers int
}

// Calculator traces a fan of rays from a virtual source through a density
// grid and accumulates TERMA on the same grid. The output grid is reused
// across calls.
//
// Each worker splats into its own buffer and the buffers are summed in worker
// order, so for a fixed worker count the result is bitwise reproducible.
type Calculator struct {
	params Params
	terma  *models.Grid

	// partials[w] collects the TERMA of worker w > 0; worker 0 writes terma
	partials []*models.Grid

	incident float64
	exiting  float64
}

// NewCalculator creates a TERMA calculator for one beamlet.
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// Params returns the calculator's beamlet parameters.
func (c *Calculator) Params() Params { return c.params }

// EnergySurfaceIntegral returns the fluence energy that entered the grid
// interior minus the energy that left it unattenuated during the last
// Compute. It equals the total TERMA deposited.
func (c *Calculator) EnergySurfaceIntegral() float64 {
	return c.incident - c.exiting
}

// IncidentEnergy returns the fluence energy of all rays that entered the grid.
func (c *Calculator) IncidentEnergy() float64 { return c.incident }

// ExitingEnergy returns the fluence energy carried out of the grid interior.
func (c *Calculator) ExitingEnergy() float64 { return c.exiting }

// Compute traces the beamlet through density and returns its TERMA grid,
// which shares the density grid's geometry. The returned grid is owned by the
// calculator and overwritten by the next Compute; callers that keep it must
// Clone it.
func (c *Calculator) Compute(density *models.Grid) (*models.Grid, error) {
	p := c.params
	if p.RayDensity < 1 {
		return nil, fmt.Errorf("ray density must be at least 1, got %d", p.RayDensity)
	}
	if p.Mu <= 0 {
		return nil, fmt.Errorf("attenuation coefficient must be positive, got %g", p.Mu)
	}
	if p.MaxX <= p.MinX || p.MaxY <= p.MinY {
		return nil, fmt.Errorf("empty beamlet footprint [%g, %g] x [%g, %g]", p.MinX, p.MaxX, p.MinY, p.MaxY)
	}
	if err := density.Validate(); err != nil {
		return nil, err
	}
	for n, size := range density.Size {
		if size < 3 {
			return nil, fmt.Errorf("grid axis %d has %d voxels, need at least 3", n, size)
		}
	}

	axis := r3.Sub(p.Isocenter, p.Source)
	if r3.Norm(axis) == 0 {
		return nil, fmt.Errorf("%w: source coincides with isocenter", ErrNotBeamAligned)
	}
	if r3.Dot(r3.Unit(axis), density.Axis(2)) < 1-alignmentTolerance {
		return nil, ErrNotBeamAligned
	}

	toIndex, err := density.PhysicalToIndex()
	if err != nil {
		return nil, err
	}
	s := density.Spacing
	source := scale(toIndex.Apply(p.Source), s)
	iso := scale(toIndex.Apply(p.Isocenter), s)

	top := 0.5 * s.Z
	if source.Z >= top {
		return nil, fmt.Errorf("%w: source depth %g mm, first interior plane %g mm", ErrSourceInsideGrid, source.Z, top)
	}

	if c.terma == nil {
		c.terma, err = models.NewGrid(density.Geometry)
	} else {
		err = c.terma.Reset(density.Geometry)
	}
	if err != nil {
		return nil, err
	}

	dx := s.X / float64(p.RayDensity)
	dy := s.Y / float64(p.RayDensity)
	nRaysX := int(math.Round((p.MaxX - p.MinX) / dx))
	nRaysY := int(math.Round((p.MaxY - p.MinY) / dy))
	if nRaysX < 1 {
		nRaysX = 1
	}
	if nRaysY < 1 {
		nRaysY = 1
	}
	// spread rays evenly over the footprint
	dx = (p.MaxX - p.MinX) / float64(nRaysX)
	dy = (p.MaxY - p.MinY) / float64(nRaysY)
	energy0 := dx * dy / (mmPerCm * mmPerCm)

	numWorkers := workers.Count(p.NumWorkers)
	if numWorkers > nRaysY {
		numWorkers = nRaysY
	}
	incident := make([]float64, numWorkers)
	exiting := make([]float64, numWorkers)
	if err := c.preparePartials(numWorkers, density.Geometry); err != nil {
		return nil, err
	}

	shared := tracer{
		density: density,
		offsets: interpolation.StencilOffsets(density.Geometry),
		spacing: [3]float64{s.X, s.Y, s.Z},
		mu:      p.Mu,
	}

	workers.Split(nRaysY, numWorkers, func(w, start, end int) {
		tr := shared
		tr.terma = c.terma
		if w > 0 {
			tr.terma = c.partials[w]
		}
		for iy := start; iy < end; iy++ {
			y := iso.Y + p.MinY + (float64(iy)+0.5)*dy
			for ix := 0; ix < nRaysX; ix++ {
				x := iso.X + p.MinX + (float64(ix)+0.5)*dx
				target := r3.Vec{X: x, Y: y, Z: iso.Z}
				in, out := tr.trace(source, r3.Unit(r3.Sub(target, source)), top, energy0)
				incident[w] += in
				exiting[w] += out
			}
		}
	})

	c.incident, c.exiting = 0, 0
	for w := range incident {
		c.incident += incident[w]
		c.exiting += exiting[w]
		if w > 0 {
			if err := c.terma.AddScaled(1, c.partials[w]); err != nil {
				return nil, err
			}
		}
	}
	return c.terma, nil
}

// preparePartials zeroes one private buffer per worker after the first.
func (c *Calculator) preparePartials(numWorkers int, g models.Geometry) error {
	if len(c.partials) < numWorkers {
		c.partials = append(c.partials, make([]*models.Grid, numWorkers-len(c.partials))...)
	}
	for w := 1; w < numWorkers; w++ {
		var err error
		if c.partials[w] == nil {
			c.partials[w], err = models.NewGrid(g)
		} else {
			err = c.partials[w].Reset(g)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// tracer holds the state of one worker: the shared read-only inputs and the
// buffer the worker's rays splat into.
type tracer struct {
	density *models.Grid
	terma   *models.Grid
	offsets [interpolation.StencilSize]int
	spacing [3]float64
	mu      float64
}

// trace marches one ray plane by plane through the grid interior, starting on
// the plane at depth top (mm). It returns the fluence energy that entered and
// the energy that left unattenuated.
func (tr *tracer) trace(source, dir r3.Vec, top, energy0 float64) (incident, exiting float64) {
	if dir.Z <= directionEpsilon {
		return 0, 0
	}
	s := tr.spacing
	size := tr.density.Size

	t0 := (top - source.Z) / dir.Z
	q := [3]float64{source.X + t0*dir.X, source.Y + t0*dir.Y, top}
	d := [3]float64{dir.X, dir.Y, dir.Z}

	var v [3]int
	for n := 0; n < 2; n++ {
		v[n] = int(math.Floor(q[n]/s[n] + 0.5))
	}
	v[2] = 1
	if !interior(v, size) {
		return 0, 0
	}

	var sign [3]int
	for n := 0; n < 3; n++ {
		switch {
		case d[n] > directionEpsilon:
			sign[n] = 1
		case d[n] < -directionEpsilon:
			sign[n] = -1
		}
	}

	path := 0.0 // radiological cm
	for interior(v, size) {
		var t [3]float64
		tMin := math.Inf(1)
		for n := 0; n < 3; n++ {
			if sign[n] == 0 {
				t[n] = math.Inf(1)
				continue
			}
			boundary := (float64(v[n]) + 0.5*float64(sign[n])) * s[n]
			t[n] = (boundary - q[n]) / d[n]
			if t[n] < 0 {
				t[n] = 0
			}
			if t[n] < tMin {
				tMin = t[n]
			}
		}

		// sample at the midpoint of the segment inside voxel v
		f := r3.Vec{
			X: (q[0]+0.5*tMin*d[0])/s[0] - float64(v[0]),
			Y: (q[1]+0.5*tMin*d[1])/s[1] - float64(v[1]),
			Z: (q[2]+0.5*tMin*d[2])/s[2] - float64(v[2]),
		}
		stencil := interpolation.NewStencil(f)
		center := tr.density.Index(v[0], v[1], v[2])
		rho := stencil.Sample(tr.density.Data, center, &tr.offsets)
		if rho < 0 {
			rho = 0
		}

		dRad := rho * tMin / mmPerCm
		// exact integral of energy0*exp(-mu*path)*mu over the step
		dE := -energy0 * math.Exp(-tr.mu*path) * math.Expm1(-tr.mu*dRad)
		if dE > 0 {
			tr.splat(&stencil, center, dE)
		}
		path += dRad

		for n := 0; n < 3; n++ {
			q[n] += tMin * d[n]
			if sign[n] != 0 && t[n]-tMin <= 1e-9*s[n] {
				v[n] += sign[n]
			}
		}
	}

	return energy0, energy0 * math.Exp(-tr.mu*path)
}

func (tr *tracer) splat(stencil *interpolation.Stencil, center int, value float64) {
	for n, w := range stencil {
		if w == 0 {
			continue
		}
		tr.terma.Data[center+tr.offsets[n]] += w * value
	}
}

// interior reports whether v lies inside the grid with a one-voxel margin.
func interior(v [3]int, size [3]int) bool {
	for n := 0; n < 3; n++ {
		if v[n] < 1 || v[n] > size[n]-2 {
			return false
		}
	}
	return true
}

func scale(ci, s r3.Vec) r3.Vec {
	return r3.Vec{X: ci.X * s.X, Y: ci.Y * s.Y, Z: ci.Z * s.Z}
}
