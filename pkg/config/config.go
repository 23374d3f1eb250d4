// Package config provides configuration loading and management for photondose.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"photondose/pkg/convolve"
	"photondose/pkg/dose"
	"photondose/pkg/kernel"
	"photondose/pkg/phantom"
)

// BeamConfig describes one treatment beam
type BeamConfig struct {
	// GantryDeg is the gantry angle in degrees
	GantryDeg float64 `yaml:"gantryDeg"`

	// CouchDeg and CollimatorDeg are the couch and collimator angles in degrees
	CouchDeg      float64 `yaml:"couchDeg,omitempty"`
	CollimatorDeg float64 `yaml:"collimatorDeg,omitempty"`

	// Isocenter is the physical isocenter position in mm
	Isocenter [3]float64 `yaml:"isocenter"`

	// SAD is the source-to-axis distance in mm
	SAD float64 `yaml:"sad"`

	// BeamletCount is the number of beamlets across the field (odd)
	BeamletCount int `yaml:"beamletCount"`

	// BeamletWidth is the width of one beamlet at the isocenter in mm
	BeamletWidth float64 `yaml:"beamletWidth"`

	// FieldHeight is the field size along the second lateral axis in mm
	FieldHeight float64 `yaml:"fieldHeight"`

	// Weight scales the beam in the plan sum
	Weight float64 `yaml:"weight"`

	// BeamletWeights are optional beamlet intensities; all 1 when empty
	BeamletWeights []float64 `yaml:"beamletWeights,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Engine parameters shared by every beam
	Engine struct {
		// NumWorkers specifies how many goroutines each TERMA and convolution pass uses
		NumWorkers int `yaml:"numWorkers"`

		// RayDensity is the number of TERMA rays per voxel width
		RayDensity int `yaml:"rayDensity"`

		// MaxRadiologicalDistance clips the superposition walk (radiological cm)
		MaxRadiologicalDistance float64 `yaml:"maxRadiologicalDistance"`

		// SkipDensity is the density below which no dose is computed
		SkipDensity float64 `yaml:"skipDensity"`

		// DoseDensityThreshold is the density below which dose is forced to zero
		DoseDensityThreshold float64 `yaml:"doseDensityThreshold"`

		// KernelReferenceDensity is the density the kernel was tabulated in
		KernelReferenceDensity float64 `yaml:"kernelReferenceDensity"`

		// Normalize scales every beamlet dose to a maximum of 1
		Normalize bool `yaml:"normalize"`
	} `yaml:"engine"`

	// Kernel selection
	Kernel struct {
		// Energy is the nominal beam energy in MV
		Energy float64 `yaml:"energy"`

		// KernelFile optionally replaces the built-in kernel library
		KernelFile string `yaml:"kernelFile,omitempty"`

		// MaxRadius is the radius covered by the cumulative-energy table in cm
		MaxRadius float64 `yaml:"maxRadius"`
	} `yaml:"kernel"`

	// Plan parameters
	Plan struct {
		// DoseResolution is the isotropic dose voxel size in mm
		DoseResolution float64 `yaml:"doseResolution"`

		// Beams lists the treatment beams
		Beams []BeamConfig `yaml:"beams"`
	} `yaml:"plan"`

	// Phantom describes the synthetic density volume
	Phantom struct {
		Size     [3]int  `yaml:"size"`
		Spacing  float64 `yaml:"spacing"`
		Density  float64 `yaml:"density"`
		GapAxis  int     `yaml:"gapAxis"`
		GapStart int     `yaml:"gapStart"`
		GapEnd   int     `yaml:"gapEnd"`
	} `yaml:"phantom"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// ProfileStep is the sampling step of the printed depth-dose table in mm
		ProfileStep float64 `yaml:"profileStep"`
	} `yaml:"output"`
}

// DefaultBeam returns a beam with default values
func DefaultBeam() BeamConfig {
	return BeamConfig{
		SAD:          dose.DefaultSAD,
		BeamletCount: 5,
		BeamletWidth: 10,
		FieldHeight:  50,
		Weight:       1,
	}
}

// UnmarshalYAML fills fields missing from a beam entry with DefaultBeam values
func (b *BeamConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BeamConfig
	p := plain(DefaultBeam())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BeamConfig(p)
	return nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default engine parameters
	conv := convolve.DefaultParams()
	cfg.Engine.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Engine.RayDensity = dose.DefaultSettings().RayDensity
	cfg.Engine.MaxRadiologicalDistance = conv.MaxRadiologicalDistance
	cfg.Engine.SkipDensity = conv.SkipDensity
	cfg.Engine.DoseDensityThreshold = conv.DoseDensityThreshold
	cfg.Engine.KernelReferenceDensity = conv.ReferenceDensity
	cfg.Engine.Normalize = conv.Normalize

	// Set default kernel parameters
	cfg.Kernel.Energy = 6
	cfg.Kernel.MaxRadius = kernel.DefaultMaxRadius

	// Set default plan parameters
	cfg.Plan.DoseResolution = 5
	cfg.Plan.Beams = []BeamConfig{DefaultBeam()}

	// Set default phantom parameters: a 20 cm water cube
	cfg.Phantom.Size = [3]int{40, 40, 40}
	cfg.Phantom.Spacing = 5
	cfg.Phantom.Density = 1

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.ProfileStep = 5

	return cfg
}

// Validate checks the beam parameters. name identifies the beam in errors.
func (b *BeamConfig) Validate(name string) error {
	switch {
	case b.SAD <= 0:
		return fmt.Errorf("need a positive sad for beam '%s'", name)
	case b.BeamletCount < 1 || b.BeamletCount%2 == 0:
		return fmt.Errorf("need a positive odd beamletCount for beam '%s', got %d", name, b.BeamletCount)
	case b.BeamletWidth <= 0:
		return fmt.Errorf("need a positive beamletWidth for beam '%s'", name)
	case b.FieldHeight <= 0:
		return fmt.Errorf("need a positive fieldHeight for beam '%s'", name)
	case b.Weight < 0:
		return fmt.Errorf("need a non-negative weight for beam '%s'", name)
	}
	if len(b.BeamletWeights) > 0 && len(b.BeamletWeights) != b.BeamletCount {
		return fmt.Errorf("beam '%s' has %d beamletWeights for %d beamlets", name, len(b.BeamletWeights), b.BeamletCount)
	}
	return nil
}

// Validate checks the whole configuration and returns the first problem found
func (cfg *Config) Validate() error {
	if cfg.Engine.NumWorkers < 0 {
		return fmt.Errorf("engine.numWorkers must not be negative, got %d", cfg.Engine.NumWorkers)
	}
	if err := cfg.Settings().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if cfg.Kernel.Energy <= 0 {
		return errors.New("kernel.energy must be positive")
	}
	if cfg.Kernel.MaxRadius <= 0 {
		return errors.New("kernel.maxRadius must be positive")
	}
	if cfg.Engine.MaxRadiologicalDistance > cfg.Kernel.MaxRadius {
		return fmt.Errorf("engine.maxRadiologicalDistance (%g cm) must not exceed kernel.maxRadius (%g cm): %w",
			cfg.Engine.MaxRadiologicalDistance, cfg.Kernel.MaxRadius, convolve.ErrReachExceedsKernel)
	}
	if cfg.Plan.DoseResolution <= 0 {
		return errors.New("plan.doseResolution must be positive")
	}
	if len(cfg.Plan.Beams) == 0 {
		return dose.ErrNoBeams
	}
	for i := range cfg.Plan.Beams {
		if err := cfg.Plan.Beams[i].Validate(fmt.Sprint(i)); err != nil {
			return err
		}
	}
	if err := cfg.PhantomParams().Validate(); err != nil {
		return fmt.Errorf("phantom: %w", err)
	}
	if cfg.Output.ProfileStep <= 0 {
		return errors.New("output.profileStep must be positive")
	}
	return nil
}

// Settings converts the engine section into dose engine settings
func (cfg *Config) Settings() dose.Settings {
	return dose.Settings{
		RayDensity: cfg.Engine.RayDensity,
		NumWorkers: cfg.Engine.NumWorkers,
		Convolve: convolve.Params{
			MaxRadiologicalDistance: cfg.Engine.MaxRadiologicalDistance,
			SkipDensity:             cfg.Engine.SkipDensity,
			DoseDensityThreshold:    cfg.Engine.DoseDensityThreshold,
			ReferenceDensity:        cfg.Engine.KernelReferenceDensity,
			Normalize:               cfg.Engine.Normalize,
		},
	}
}

// PhantomParams converts the phantom section into phantom parameters
func (cfg *Config) PhantomParams() phantom.Params {
	return phantom.Params{
		Size:     cfg.Phantom.Size,
		Spacing:  cfg.Phantom.Spacing,
		Density:  cfg.Phantom.Density,
		GapAxis:  cfg.Phantom.GapAxis,
		GapStart: cfg.Phantom.GapStart,
		GapEnd:   cfg.Phantom.GapEnd,
	}
}

// LoadKernel builds the energy deposition kernel for the configured energy,
// reading the kernel library from KernelFile when one is set
func (cfg *Config) LoadKernel() (*kernel.EnergyDepKernel, error) {
	var lib *kernel.Library
	if cfg.Kernel.KernelFile != "" {
		var err error
		if lib, err = kernel.LoadLibrary(cfg.Kernel.KernelFile); err != nil {
			return nil, err
		}
	}
	k, err := kernel.New(lib, cfg.Kernel.MaxRadius)
	if err != nil {
		return nil, err
	}
	if err := k.SetEnergy(cfg.Kernel.Energy); err != nil {
		return nil, err
	}
	return k, nil
}

// Build creates a dose beam from the configuration
func (b *BeamConfig) Build() (*dose.Beam, error) {
	iso := r3.Vec{X: b.Isocenter[0], Y: b.Isocenter[1], Z: b.Isocenter[2]}
	beam := dose.NewBeam(b.GantryDeg*math.Pi/180, iso)
	beam.SetCouchAngle(b.CouchDeg * math.Pi / 180)
	beam.SetCollimatorAngle(b.CollimatorDeg * math.Pi / 180)
	if err := beam.SetSAD(b.SAD); err != nil {
		return nil, err
	}
	if err := beam.SetBeamlets(b.BeamletCount, b.BeamletWidth); err != nil {
		return nil, err
	}
	if err := beam.SetFieldHeight(b.FieldHeight); err != nil {
		return nil, err
	}
	if err := beam.SetWeight(b.Weight); err != nil {
		return nil, err
	}
	if len(b.BeamletWeights) > 0 {
		if err := beam.SetBeamletWeights(b.BeamletWeights); err != nil {
			return nil, err
		}
	}
	return beam, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML; beams listed in the file replace the default beam
	cfg.Plan.Beams = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if cfg.Plan.Beams == nil {
		cfg.Plan.Beams = []BeamConfig{DefaultBeam()}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
