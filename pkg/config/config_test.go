package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photondose/pkg/convolve"
	"photondose/pkg/dose"
	"photondose/pkg/kernel"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Plan.Beams, 1)
	assert.Equal(t, 6.0, cfg.Kernel.Energy)
	assert.True(t, cfg.Engine.Normalize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Plan, cfg.Plan)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Kernel.Energy = 15
	cfg.Plan.Beams = append(cfg.Plan.Beams, BeamConfig{
		GantryDeg: 180, SAD: 900, BeamletCount: 3, BeamletWidth: 5, FieldHeight: 20, Weight: 0.5,
		BeamletWeights: []float64{1, 2, 1},
	})
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPartialBeamGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
kernel:
  energy: 10
plan:
  beams:
    - gantryDeg: 90
    - gantryDeg: 270
      beamletCount: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Plan.Beams, 2)

	def := DefaultBeam()
	assert.Equal(t, 90.0, cfg.Plan.Beams[0].GantryDeg)
	assert.Equal(t, def.SAD, cfg.Plan.Beams[0].SAD)
	assert.Equal(t, def.BeamletCount, cfg.Plan.Beams[0].BeamletCount)
	assert.Equal(t, 3, cfg.Plan.Beams[1].BeamletCount)
	assert.Equal(t, 10.0, cfg.Kernel.Energy)
	assert.Equal(t, DefaultConfig().Phantom, cfg.Phantom)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"even beamlets", func(c *Config) { c.Plan.Beams[0].BeamletCount = 4 }},
		{"beamlet weights", func(c *Config) { c.Plan.Beams[0].BeamletWeights = []float64{1} }},
		{"no beams", func(c *Config) { c.Plan.Beams = nil }},
		{"resolution", func(c *Config) { c.Plan.DoseResolution = 0 }},
		{"ray density", func(c *Config) { c.Engine.RayDensity = 0 }},
		{"thresholds", func(c *Config) { c.Engine.SkipDensity = 0.5 }},
		{"phantom spacing", func(c *Config) { c.Phantom.Spacing = 0 }},
		{"energy", func(c *Config) { c.Kernel.Energy = 0 }},
		{"profile step", func(c *Config) { c.Output.ProfileStep = 0 }},
		{"walk past kernel", func(c *Config) { c.Engine.MaxRadiologicalDistance = 15 }},
		{"short kernel", func(c *Config) { c.Kernel.MaxRadius = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Plan.Beams = nil
	assert.True(t, errors.Is(cfg.Validate(), dose.ErrNoBeams))

	cfg = DefaultConfig()
	cfg.Kernel.MaxRadius = 5
	assert.True(t, errors.Is(cfg.Validate(), convolve.ErrReachExceedsKernel))
	cfg.Engine.MaxRadiologicalDistance = 5
	assert.NoError(t, cfg.Validate())
}

func TestBuildBeam(t *testing.T) {
	bc := DefaultBeam()
	bc.GantryDeg = 90
	bc.CollimatorDeg = 180
	bc.Isocenter = [3]float64{1, 2, 3}
	bc.BeamletCount = 3
	bc.BeamletWeights = []float64{0.5, 1, 0.5}

	beam, err := bc.Build()
	require.NoError(t, err)
	assert.InDelta(t, math.Pi/2, beam.GantryAngle(), 1e-15)
	assert.InDelta(t, math.Pi, beam.CollimatorAngle(), 1e-15)
	assert.Equal(t, 0.0, beam.CouchAngle())
	assert.Equal(t, 3.0, beam.Isocenter().Z)
	assert.Equal(t, 3, beam.BeamletCount())
	assert.Equal(t, []float64{0.5, 1, 0.5}, beam.BeamletWeights())

	bc.BeamletCount = 2
	_, err = bc.Build()
	assert.Error(t, err)
}

func TestLoadKernel(t *testing.T) {
	cfg := DefaultConfig()
	k, err := cfg.LoadKernel()
	require.NoError(t, err)
	assert.True(t, k.Loaded())
	assert.Equal(t, 6.0, k.Energy())

	cfg.Kernel.Energy = 7
	_, err = cfg.LoadKernel()
	assert.True(t, errors.Is(err, kernel.ErrKernelNotFound))

	cfg.Kernel.KernelFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.LoadKernel()
	assert.Error(t, err)
}
