// Package kernel builds the point energy-deposition kernel used by the
// convolution/superposition dose engine, and the spherical walk tables that
// map kernel directions onto a voxel grid.
package kernel

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// NumAzimuth is the number of azimuthal buckets around the beam axis
	NumAzimuth = 12

	// NumZenith is the number of zenith (polar) buckets from the beam direction
	NumZenith = 48

	// NumCumRadial is the number of radial entries of the cumulative-energy table
	NumCumRadial = 64

	// DefaultMaxRadius is the radiological radius (cm) covered by the
	// cumulative-energy table when none is given
	DefaultMaxRadius = 10.0
)

// EnergyDepKernel holds the cumulative energy-deposition table for one beam
// energy and the spherical lookup tables for one voxel spacing. It is
// immutable for a given (energy, spacing) pair and rebuilt when either changes.
type EnergyDepKernel struct {
	library *Library

	energy    float64
	mu        float64
	maxRadius float64

	// radialBounds and incident are the raw kernel: incident[z][n] is the
	// energy deposited in zenith bucket z between radialBounds[n-1] and radialBounds[n]
	radialBounds []float64
	incident     [][]float64

	// cumEnergy[z][b] is the energy deposited within radius b*cumStep
	cumEnergy [NumZenith][NumCumRadial]float64
	cumStep   float64

	lutMu  sync.Mutex
	lut    *SphericalLUT
	loaded bool
}

// New creates a kernel backed by library covering maxRadius radiological cm.
// A nil library selects the built-in kernels.
func New(library *Library, maxRadius float64) (*EnergyDepKernel, error) {
	if library == nil {
		lib, err := DefaultLibrary()
		if err != nil {
			return nil, err
		}
		library = lib
	}
	if maxRadius <= 0 {
		maxRadius = DefaultMaxRadius
	}
	return &EnergyDepKernel{library: library, maxRadius: maxRadius}, nil
}

// SetEnergy selects the beam energy (MV) and loads its kernel. On error the
// previously loaded kernel, if any, is left untouched.
func (k *EnergyDepKernel) SetEnergy(e float64) error {
	if k.loaded && e == k.energy {
		return nil
	}
	return k.load(e)
}

// LoadKernel expands the parametric kernel for the current energy into the raw
// incident-energy table and integrates it into the cumulative table.
func (k *EnergyDepKernel) LoadKernel() error {
	return k.load(k.energy)
}

func (k *EnergyDepKernel) load(e float64) error {
	params, err := k.library.Find(e)
	if err != nil {
		return err
	}

	incident, err := incidentTable(params, k.library.RadialBounds)
	if err != nil {
		return fmt.Errorf("kernel %g MV: %w", e, err)
	}
	cum, step, err := cumulativeTable(incident, k.library.RadialBounds, k.maxRadius)
	if err != nil {
		return fmt.Errorf("kernel %g MV: %w", e, err)
	}

	k.energy = e
	k.mu = params.Mu
	k.radialBounds = k.library.RadialBounds
	k.incident = incident
	k.cumEnergy, k.cumStep = cum, step
	k.loaded = true
	return nil
}

// incidentTable evaluates the parametric kernel on NumZenith uniform zenith
// buckets and the given radial bins.
func incidentTable(p *Params, radialBounds []float64) ([][]float64, error) {
	fit := func(ys []float64) (*interp.PiecewiseLinear, error) {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(p.ControlAngles, ys); err != nil {
			return nil, err
		}
		return &pl, nil
	}
	wp, err := fit(p.PrimaryWeight)
	if err != nil {
		return nil, err
	}
	ap, err := fit(p.PrimaryAttenuation)
	if err != nil {
		return nil, err
	}
	ws, err := fit(p.ScatterWeight)
	if err != nil {
		return nil, err
	}
	as, err := fit(p.ScatterAttenuation)
	if err != nil {
		return nil, err
	}

	type bucket struct{ wp, ap, ws, as float64 }
	buckets := make([]bucket, NumZenith)
	total := 0.0
	for z := range buckets {
		lo, hi := ZenithBounds(z)
		center := (lo + hi) / 2 * 180 / math.Pi
		// weights are per steradian, so scale by the solid angle of the bucket
		solidAngle := 2 * math.Pi * (math.Cos(lo) - math.Cos(hi))
		b := bucket{
			wp: wp.Predict(center) * solidAngle,
			ap: ap.Predict(center),
			ws: ws.Predict(center) * solidAngle,
			as: as.Predict(center),
		}
		buckets[z] = b
		total += b.wp + b.ws
	}
	if total <= 0 {
		return nil, fmt.Errorf("kernel weights sum to zero")
	}
	scale := p.DepositedFraction / total

	incident := make([][]float64, NumZenith)
	for z, b := range buckets {
		cum := func(r float64) float64 {
			return scale * (b.wp*(1-math.Exp(-b.ap*r)) + b.ws*(1-math.Exp(-b.as*r)))
		}
		incident[z] = make([]float64, len(radialBounds))
		prev := 0.0
		for n, r := range radialBounds {
			c := cum(r)
			incident[z][n] = c - prev
			prev = c
		}
	}
	return incident, nil
}

// InterpCumEnergy integrates the raw incident-energy table (one row per zenith
// bucket, one column per radial bin ending at radialBounds) and interpolates
// the running sum onto NumCumRadial uniformly spaced radii covering the
// kernel's maximum radius. The kernel is unchanged when the table is invalid.
func (k *EnergyDepKernel) InterpCumEnergy(incident [][]float64, radialBounds []float64) error {
	cum, step, err := cumulativeTable(incident, radialBounds, k.maxRadius)
	if err != nil {
		return err
	}
	k.cumEnergy, k.cumStep = cum, step
	return nil
}

func cumulativeTable(incident [][]float64, radialBounds []float64, maxRadius float64) (cum [NumZenith][NumCumRadial]float64, step float64, err error) {
	if len(incident) != NumZenith {
		return cum, 0, fmt.Errorf("incident energy table has %d zenith rows, want %d", len(incident), NumZenith)
	}

	xs := make([]float64, len(radialBounds)+1)
	prev := 0.0
	for n, r := range radialBounds {
		if r <= prev {
			return cum, 0, fmt.Errorf("radial bounds must increase, got %g after %g", r, prev)
		}
		xs[n+1] = r
		prev = r
	}

	step = maxRadius / float64(NumCumRadial-1)
	ys := make([]float64, len(xs))
	for z, row := range incident {
		if len(row) != len(radialBounds) {
			return cum, 0, fmt.Errorf("zenith row %d has %d radial bins, want %d", z, len(row), len(radialBounds))
		}
		for n, e := range row {
			if e < 0 {
				return cum, 0, fmt.Errorf("negative incident energy at zenith %d bin %d", z, n)
			}
			ys[n+1] = ys[n] + e
		}

		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return cum, 0, err
		}
		for b := 0; b < NumCumRadial; b++ {
			r := math.Min(float64(b)*step, xs[len(xs)-1])
			cum[z][b] = pl.Predict(r)
		}
	}
	return cum, step, nil
}

// CumEnergy returns the energy deposited in zenith bucket z within radiological
// distance radDist (cm), using the nearest tabulated radius. Distances past the
// table saturate at its last entry.
func (k *EnergyDepKernel) CumEnergy(z int, radDist float64) float64 {
	b := int(radDist/k.cumStep + 0.5)
	if b >= NumCumRadial {
		b = NumCumRadial - 1
	} else if b < 0 {
		b = 0
	}
	return k.cumEnergy[z][b]
}

// TotalEnergy returns the energy zenith bucket z deposits within the table's
// maximum radius.
func (k *EnergyDepKernel) TotalEnergy(z int) float64 {
	return k.cumEnergy[z][NumCumRadial-1]
}

// Energy returns the current beam energy in MV.
func (k *EnergyDepKernel) Energy() float64 { return k.energy }

// Mu returns the attenuation coefficient (1/cm at unit density) for the
// current energy.
func (k *EnergyDepKernel) Mu() float64 { return k.mu }

// MaxRadius returns the radiological radius (cm) covered by the kernel.
func (k *EnergyDepKernel) MaxRadius() float64 { return k.maxRadius }

// Loaded reports whether kernel data has been loaded.
func (k *EnergyDepKernel) Loaded() bool { return k.loaded }

// RadialBounds returns the raw kernel's radial bin bounds (cm).
func (k *EnergyDepKernel) RadialBounds() []float64 { return k.radialBounds }

// IncidentEnergy returns the raw incident-energy table.
func (k *EnergyDepKernel) IncidentEnergy() [][]float64 { return k.incident }

// SetupRadialLUT returns the spherical walk tables for voxel spacing (mm),
// rebuilding them only when the spacing differs from the cached tables. The
// walks cover the kernel's maximum radius geometrically, which is its full
// radiological range in media at least as dense as water.
func (k *EnergyDepKernel) SetupRadialLUT(spacing r3.Vec) (*SphericalLUT, error) {
	k.lutMu.Lock()
	defer k.lutMu.Unlock()

	if k.lut != nil && k.lut.Spacing == spacing {
		return k.lut, nil
	}
	lut, err := NewSphericalLUT(spacing, k.maxRadius)
	if err != nil {
		return nil, err
	}
	k.lut = lut
	return lut, nil
}

// ZenithBounds returns the angular range (radians) of zenith bucket z.
func ZenithBounds(z int) (lo, hi float64) {
	step := math.Pi / NumZenith
	return float64(z) * step, float64(z+1) * step
}

// AzimuthCenter returns the central angle (radians) of azimuth bucket a.
func AzimuthCenter(a int) float64 {
	step := 2 * math.Pi / NumAzimuth
	return (float64(a) + 0.5) * step
}

// Direction returns the unit kernel direction at the center of zenith bucket
// z and azimuth bucket a. The beam travels along +Z.
func Direction(z, a int) r3.Vec {
	lo, hi := ZenithBounds(z)
	theta := (lo + hi) / 2
	phi := AzimuthCenter(a)
	return r3.Vec{
		X: math.Sin(theta) * math.Cos(phi),
		Y: math.Sin(theta) * math.Sin(phi),
		Z: math.Cos(theta),
	}
}
