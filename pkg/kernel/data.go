package kernel

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed kernels.yaml
var builtinKernels []byte

// ErrKernelNotFound is returned when no kernel data exists for a requested energy.
var ErrKernelNotFound = errors.New("no kernel data for energy")

// energyTolerance is how close (MV) a requested energy must be to a tabulated one.
const energyTolerance = 1e-6

// Params holds the parametric description of one beam energy's kernel.
type Params struct {
	// Energy is the nominal beam energy in MV
	Energy float64 `yaml:"energy"`

	// Mu is the linear attenuation coefficient of unit-density material in 1/cm
	Mu float64 `yaml:"mu"`

	// DepositedFraction is the share of released energy the kernel deposits
	DepositedFraction float64 `yaml:"depositedFraction"`

	// ControlAngles are the zenith angles (degrees) at which the other columns are given
	ControlAngles []float64 `yaml:"controlAngles"`

	PrimaryWeight      []float64 `yaml:"primaryWeight"`
	PrimaryAttenuation []float64 `yaml:"primaryAttenuation"`
	ScatterWeight      []float64 `yaml:"scatterWeight"`
	ScatterAttenuation []float64 `yaml:"scatterAttenuation"`
}

// Library is a set of kernels sharing one radial binning.
type Library struct {
	// RadialBounds are the outer radii (radiological cm) of the raw kernel bins
	RadialBounds []float64 `yaml:"radialBounds"`

	Kernels []Params `yaml:"kernels"`
}

// DefaultLibrary returns the built-in kernel library.
func DefaultLibrary() (*Library, error) {
	return ParseLibrary(builtinKernels)
}

// LoadLibrary reads a kernel library from a YAML file.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading kernel file: %w", err)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes and validates a YAML kernel library.
func ParseLibrary(data []byte) (*Library, error) {
	lib := &Library{}
	if err := yaml.Unmarshal(data, lib); err != nil {
		return nil, fmt.Errorf("error parsing kernel library: %w", err)
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Validate checks that the radial bounds increase and each kernel's columns
// are consistent.
func (lib *Library) Validate() error {
	if len(lib.RadialBounds) == 0 {
		return fmt.Errorf("kernel library has no radial bounds")
	}
	prev := 0.0
	for i, r := range lib.RadialBounds {
		if r <= prev {
			return fmt.Errorf("radial bound %d (%g) must exceed %g", i, r, prev)
		}
		prev = r
	}

	for _, p := range lib.Kernels {
		if p.Mu <= 0 {
			return fmt.Errorf("kernel %g MV: mu must be positive, got %g", p.Energy, p.Mu)
		}
		if p.DepositedFraction <= 0 || p.DepositedFraction > 1 {
			return fmt.Errorf("kernel %g MV: depositedFraction must be in (0, 1], got %g", p.Energy, p.DepositedFraction)
		}
		n := len(p.ControlAngles)
		if n < 2 {
			return fmt.Errorf("kernel %g MV: need at least 2 control angles", p.Energy)
		}
		for _, col := range [][]float64{p.PrimaryWeight, p.PrimaryAttenuation, p.ScatterWeight, p.ScatterAttenuation} {
			if len(col) != n {
				return fmt.Errorf("kernel %g MV: parameter columns must have %d entries", p.Energy, n)
			}
		}
		if !sort.Float64sAreSorted(p.ControlAngles) || p.ControlAngles[0] > 0 || p.ControlAngles[n-1] < 180 {
			return fmt.Errorf("kernel %g MV: control angles must increase and span [0, 180]", p.Energy)
		}
		for i := 0; i < n; i++ {
			if p.PrimaryAttenuation[i] <= 0 || p.ScatterAttenuation[i] <= 0 {
				return fmt.Errorf("kernel %g MV: attenuation must be positive", p.Energy)
			}
			if p.PrimaryWeight[i] < 0 || p.ScatterWeight[i] < 0 {
				return fmt.Errorf("kernel %g MV: weights must be non-negative", p.Energy)
			}
		}
	}
	return nil
}

// Find returns the kernel parameters for energy e.
func (lib *Library) Find(e float64) (*Params, error) {
	for i := range lib.Kernels {
		if math.Abs(lib.Kernels[i].Energy-e) < energyTolerance {
			return &lib.Kernels[i], nil
		}
	}
	return nil, fmt.Errorf("%w %g MV (available: %v)", ErrKernelNotFound, e, lib.Energies())
}

// Energies lists the tabulated energies in ascending order.
func (lib *Library) Energies() []float64 {
	out := make([]float64, 0, len(lib.Kernels))
	for _, p := range lib.Kernels {
		out = append(out, p.Energy)
	}
	sort.Float64s(out)
	return out
}
