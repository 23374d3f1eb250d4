package dose

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
	"photondose/pkg/convolve"
	"photondose/pkg/interpolation"
	"photondose/pkg/kernel"
)

// Plan is a set of beams delivered to one density volume. The plan dose grid
// always covers the density volume at the plan's isotropic dose resolution.
type Plan struct {
	kernel   *kernel.EnergyDepKernel
	settings Settings

	density    *models.Grid
	resolution float64
	geometry   models.Geometry

	// stamp changes whenever something every beam depends on changes
	stamp     uint64
	convolver *convolve.SphereConvolve

	beams []*Beam
	dose  *models.Grid
	// sum receives a new accumulation before it replaces dose
	sum *models.Grid

	// accumulated records the beams, versions and weights summed into dose
	accumulated []accumulation

	progressCallback ProgressCallback
}

// stamps are unique across plans so a beam moved between plans is rebuilt.
var stamps atomic.Uint64

type accumulation struct {
	beam    *Beam
	version uint64
	weight  float64
}

// NewPlan creates an empty plan for a density volume. The kernel must have
// its energy set.
func NewPlan(k *kernel.EnergyDepKernel, density *models.Grid, resolution float64, settings Settings) (*Plan, error) {
	if k == nil || !k.Loaded() {
		return nil, errors.New("energy deposition kernel is not loaded")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := settings.Convolve.CheckReach(k); err != nil {
		return nil, err
	}
	p := &Plan{kernel: k, settings: settings}
	if err := p.setGeometry(density, resolution); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) setGeometry(density *models.Grid, resolution float64) error {
	if density == nil {
		return errors.New("density grid is nil")
	}
	if len(density.Data) != density.Len() {
		return fmt.Errorf("density buffer has %d values for %d voxels", len(density.Data), density.Len())
	}
	geometry, err := density.Scaled(resolution)
	if err != nil {
		return err
	}
	p.density = density
	p.resolution = resolution
	p.geometry = geometry
	p.stamp = stamps.Add(1)
	return nil
}

// Kernel returns the plan's energy deposition kernel.
func (p *Plan) Kernel() *kernel.EnergyDepKernel { return p.kernel }

// Settings returns the engine settings.
func (p *Plan) Settings() Settings { return p.settings }

// Density returns the plan's density volume.
func (p *Plan) Density() *models.Grid { return p.density }

// DoseResolution returns the isotropic dose voxel size (mm).
func (p *Plan) DoseResolution() float64 { return p.resolution }

// Geometry returns the plan dose geometry.
func (p *Plan) Geometry() models.Geometry { return p.geometry }

// SetDensity replaces the density volume. Every beam is recomputed on the
// next Dose.
func (p *Plan) SetDensity(density *models.Grid) error {
	return p.setGeometry(density, p.resolution)
}

// SetDoseResolution changes the dose voxel size (mm). Every beam is
// recomputed on the next Dose.
func (p *Plan) SetDoseResolution(resolution float64) error {
	if resolution == p.resolution {
		return nil
	}
	return p.setGeometry(p.density, resolution)
}

// SetEnergy switches the kernel to another beam energy (MV).
func (p *Plan) SetEnergy(e float64) error {
	if e == p.kernel.Energy() && p.kernel.Loaded() {
		return nil
	}
	if err := p.kernel.SetEnergy(e); err != nil {
		return err
	}
	p.stamp = stamps.Add(1)
	return nil
}

// SetSettings replaces the engine settings.
func (p *Plan) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := settings.Convolve.CheckReach(p.kernel); err != nil {
		return err
	}
	if settings != p.settings {
		p.settings = settings
		p.stamp = stamps.Add(1)
	}
	return nil
}

// SetProgressCallback sets a function that receives a call after every
// beamlet computed by Dose.
func (p *Plan) SetProgressCallback(callback ProgressCallback) {
	p.progressCallback = callback
}

// Beams returns the plan's beams.
func (p *Plan) Beams() []*Beam { return p.beams }

// AddBeam appends a beam and returns its index.
func (p *Plan) AddBeam(b *Beam) int {
	p.beams = append(p.beams, b)
	return len(p.beams) - 1
}

// RemoveBeam removes beam i.
func (p *Plan) RemoveBeam(i int) error {
	if i < 0 || i >= len(p.beams) {
		return fmt.Errorf("beam index %d out of range [0, %d)", i, len(p.beams))
	}
	p.beams = append(p.beams[:i], p.beams[i+1:]...)
	return nil
}

// Dose brings every beam up to date and returns the plan dose on the plan
// geometry. Beams are computed in order and ctx is checked before every
// beamlet. When a beam fails the returned error is a *BeamError naming the
// beam and beamlet; beams and beamlets finished before it stay cached. On any
// error the previous plan dose is kept.
//
// The returned grid is owned by the plan and updated by later calls.
func (p *Plan) Dose(ctx context.Context) (*models.Grid, error) {
	if len(p.beams) == 0 {
		return nil, ErrNoBeams
	}

	total, completed := 0, 0
	for _, b := range p.beams {
		total += b.beamletCount
		if b.planStamp == p.stamp && !b.geometryDirty {
			for _, d := range b.beamletDoses {
				if d != nil {
					completed++
				}
			}
		}
	}
	progress := func(message string) {
		completed++
		if p.progressCallback != nil {
			p.progressCallback(completed, total, message)
		}
	}

	for i, b := range p.beams {
		if err := ctx.Err(); err != nil {
			return nil, &BeamError{Beam: i, Beamlet: -1, Err: err}
		}
		if err := b.update(ctx, p, i, progress); err != nil {
			return nil, err
		}
	}

	if !p.accumulationStale() {
		return p.dose, nil
	}

	doses := make([]*models.Grid, len(p.beams))
	weights := make([]float64, len(p.beams))
	for i, b := range p.beams {
		doses[i] = b.dose
		weights[i] = b.weight
	}
	if p.sum == nil {
		var err error
		if p.sum, err = models.NewGrid(p.geometry); err != nil {
			return nil, err
		}
	} else if err := p.sum.Reset(p.geometry); err != nil {
		return nil, err
	}
	if err := AccumulatePlanInto(p.sum, doses, weights); err != nil {
		return nil, err
	}
	if p.dose == nil {
		p.dose = p.sum.Clone()
	} else {
		p.dose.Geometry = p.sum.Geometry.Clone()
		p.dose.Data = append(p.dose.Data[:0], p.sum.Data...)
	}

	p.accumulated = p.accumulated[:0]
	for _, b := range p.beams {
		p.accumulated = append(p.accumulated, accumulation{beam: b, version: b.version, weight: b.weight})
	}
	return p.dose, nil
}

// accumulationStale reports whether the beams, their doses or their weights
// differ from those last summed into the plan dose.
func (p *Plan) accumulationStale() bool {
	if p.dose == nil || !p.dose.Conforms(p.geometry) || len(p.accumulated) != len(p.beams) {
		return true
	}
	for i, b := range p.beams {
		a := p.accumulated[i]
		if a.beam != b || a.version != b.version || a.weight != b.weight {
			return true
		}
	}
	return false
}

// ProfilePoint is one sample of a depth-dose profile.
type ProfilePoint struct {
	// Depth is the distance along the beam axis from where the axis enters
	// the plan grid (mm)
	Depth float64
	Dose  float64
}

// CentralAxisProfile samples the last computed plan dose along the central
// axis of beam i every step mm, over the part of the axis inside the plan
// grid.
func (p *Plan) CentralAxisProfile(i int, step float64) ([]ProfilePoint, error) {
	if i < 0 || i >= len(p.beams) {
		return nil, fmt.Errorf("beam index %d out of range [0, %d)", i, len(p.beams))
	}
	if step <= 0 {
		return nil, fmt.Errorf("profile step must be positive, got %g", step)
	}
	if p.dose == nil {
		return nil, errors.New("plan dose has not been computed")
	}

	b := p.beams[i]
	g := p.dose.Geometry
	dir := b.Direction(g)
	half := float64(g.Size[0])*g.Spacing.X + float64(g.Size[1])*g.Spacing.Y + float64(g.Size[2])*g.Spacing.Z
	start := r3.Sub(b.isocenter, r3.Scale(half, dir))

	var profile []ProfilePoint
	entry := math.NaN()
	for t := 0.0; t <= 2*half; t += step {
		ci, err := g.ContinuousIndex(r3.Add(start, r3.Scale(t, dir)))
		if err != nil {
			return nil, err
		}
		if !inside(g.Size, ci) {
			if !math.IsNaN(entry) {
				break
			}
			continue
		}
		if math.IsNaN(entry) {
			entry = t
		}
		profile = append(profile, ProfilePoint{
			Depth: t - entry,
			Dose:  interpolation.Trilinear(p.dose, ci),
		})
	}
	return profile, nil
}

func inside(size [3]int, ci r3.Vec) bool {
	return ci.X >= 0 && ci.Y >= 0 && ci.Z >= 0 &&
		ci.X <= float64(size[0]-1) && ci.Y <= float64(size[1]-1) && ci.Z <= float64(size[2]-1)
}

// convolveParams returns the convolution settings the plan's beams use.
func (p *Plan) convolveParams() convolve.Params {
	params := p.settings.Convolve
	params.NumWorkers = p.settings.NumWorkers
	return params
}
