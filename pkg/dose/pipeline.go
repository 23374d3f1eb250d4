// Package dose assembles beamlet TERMA and convolution passes into beam and
// plan dose distributions.
//
// A Plan owns a density volume, a dose resolution and a set of Beams. Each
// Beam is computed in its own beam-aligned frame: the plan dose grid's axes
// rotated by the gantry angle about the patient's third axis, with the third
// beam axis pointing from the source through the isocenter. Beamlet doses are
// cached per beam and recombined when beamlet weights change; beam doses are
// resampled back into the patient frame and summed into the plan dose only
// when a beam changed or beams were added or removed.
package dose

import (
	"errors"
	"fmt"

	"photondose/internal/models"
	"photondose/pkg/convolve"
	"photondose/pkg/interpolation"
	"photondose/pkg/kernel"
	"photondose/pkg/terma"
)

// ErrNoBeams is returned when a plan dose is requested from an empty plan.
var ErrNoBeams = errors.New("plan has no beams")

// ProgressCallback receives progress updates during dose calculation.
// completed and total count beamlets; message describes the current step.
type ProgressCallback func(completed, total int, message string)

// BeamError reports which beam, and which beamlet of it, failed. Beamlet is
// -1 when the failure is not specific to one beamlet.
type BeamError struct {
	Beam    int
	Beamlet int
	Err     error
}

func (e *BeamError) Error() string {
	if e.Beamlet < 0 {
		return fmt.Sprintf("beam %d: %v", e.Beam, e.Err)
	}
	return fmt.Sprintf("beam %d, beamlet %d: %v", e.Beam, e.Beamlet, e.Err)
}

func (e *BeamError) Unwrap() error { return e.Err }

// Settings are the engine parameters shared by every beam of a plan.
type Settings struct {
	// RayDensity is the number of TERMA rays per voxel width
	RayDensity int

	// Convolve controls the superposition step
	Convolve convolve.Params

	// NumWorkers bounds the goroutines used by each TERMA and convolution pass
	// (0 means all CPUs)
	NumWorkers int
}

// DefaultSettings returns the standard engine settings.
func DefaultSettings() Settings {
	return Settings{
		RayDensity: 4,
		Convolve:   convolve.DefaultParams(),
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.RayDensity < 1 {
		return fmt.Errorf("ray density must be at least 1, got %d", s.RayDensity)
	}
	if s.Convolve.MaxRadiologicalDistance <= 0 {
		return fmt.Errorf("maximum radiological distance must be positive, got %g", s.Convolve.MaxRadiologicalDistance)
	}
	if s.Convolve.ReferenceDensity <= 0 {
		return fmt.Errorf("kernel reference density must be positive, got %g", s.Convolve.ReferenceDensity)
	}
	if s.Convolve.SkipDensity < 0 || s.Convolve.DoseDensityThreshold < s.Convolve.SkipDensity {
		return fmt.Errorf("density thresholds must satisfy 0 <= skip (%g) <= dose (%g)",
			s.Convolve.SkipDensity, s.Convolve.DoseDensityThreshold)
	}
	if s.NumWorkers < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", s.NumWorkers)
	}
	return nil
}

// ComputeTerma traces one beamlet through density and returns a TERMA grid
// the caller owns.
func ComputeTerma(density *models.Grid, beamlet terma.Params) (*models.Grid, error) {
	out, err := terma.NewCalculator(beamlet).Compute(density)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Convolve superposes the kernel over a TERMA grid and returns a dose grid the
// caller owns.
func Convolve(termaGrid, density *models.Grid, k *kernel.EnergyDepKernel, params convolve.Params) (*models.Grid, error) {
	out, err := convolve.New(k, params).Convolve(termaGrid, density)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// AccumulateBeam returns the weighted sum of beamlet doses on the geometry of
// the first beamlet.
func AccumulateBeam(beamletDoses []*models.Grid, weights []float64) (*models.Grid, error) {
	if len(beamletDoses) == 0 {
		return nil, errors.New("no beamlet doses to accumulate")
	}
	out, err := models.NewGrid(beamletDoses[0].Geometry)
	if err != nil {
		return nil, err
	}
	if err := AccumulateBeamInto(out, beamletDoses, weights); err != nil {
		return nil, err
	}
	return out, nil
}

// AccumulateBeamInto overwrites dst with the weighted sum of beamlet doses.
// Beamlet grids that do not conform to dst are resampled onto it and must
// cover it.
func AccumulateBeamInto(dst *models.Grid, beamletDoses []*models.Grid, weights []float64) error {
	if len(beamletDoses) != len(weights) {
		return fmt.Errorf("%d beamlet doses but %d weights", len(beamletDoses), len(weights))
	}
	if err := weightedSum(dst, beamletDoses, weights); err != nil {
		return fmt.Errorf("accumulating beamlets: %w", err)
	}
	return nil
}

// AccumulatePlan resamples each beam dose into the patient geometry and
// returns their weighted sum.
func AccumulatePlan(geometry models.Geometry, beamDoses []*models.Grid, weights []float64) (*models.Grid, error) {
	out, err := models.NewGrid(geometry)
	if err != nil {
		return nil, err
	}
	if err := AccumulatePlanInto(out, beamDoses, weights); err != nil {
		return nil, err
	}
	return out, nil
}

// AccumulatePlanInto overwrites dst with the weighted sum of beam doses
// resampled into its geometry. Every beam grid must cover dst.
func AccumulatePlanInto(dst *models.Grid, beamDoses []*models.Grid, weights []float64) error {
	if len(beamDoses) == 0 {
		return ErrNoBeams
	}
	if len(beamDoses) != len(weights) {
		return fmt.Errorf("%d beam doses but %d weights", len(beamDoses), len(weights))
	}
	if err := weightedSum(dst, beamDoses, weights); err != nil {
		return fmt.Errorf("accumulating beams: %w", err)
	}
	return nil
}

// weightedSum zeroes dst and adds weights[i]*grids[i], resampling grids that
// do not share dst's lattice. Zero weights are skipped.
func weightedSum(dst *models.Grid, grids []*models.Grid, weights []float64) error {
	if err := dst.Reset(dst.Geometry); err != nil {
		return err
	}
	var scratch *models.Grid
	for i, g := range grids {
		if weights[i] == 0 {
			continue
		}
		if g == nil {
			return fmt.Errorf("grid %d is missing", i)
		}
		src := g
		if !g.Conforms(dst.Geometry) {
			if scratch == nil {
				var err error
				if scratch, err = models.NewGrid(dst.Geometry); err != nil {
					return err
				}
			}
			if err := interpolation.ResampleInto(g, scratch, interpolation.Linear); err != nil {
				return fmt.Errorf("grid %d: %w", i, err)
			}
			src = scratch
		}
		if err := dst.AddScaled(weights[i], src); err != nil {
			return fmt.Errorf("grid %d: %w", i, err)
		}
	}
	return nil
}
