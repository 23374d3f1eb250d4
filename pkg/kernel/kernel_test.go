package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

func newKernel(t *testing.T, energy float64) *EnergyDepKernel {
	t.Helper()
	k, err := New(nil, DefaultMaxRadius)
	require.NoError(t, err)
	require.NoError(t, k.SetEnergy(energy))
	return k
}

func TestDefaultLibraryEnergies(t *testing.T) {
	lib, err := DefaultLibrary()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6, 10, 15, 18}, lib.Energies())
}

func TestSetEnergyUnknown(t *testing.T) {
	k, err := New(nil, 0)
	require.NoError(t, err)
	err = k.SetEnergy(7)
	assert.True(t, errors.Is(err, ErrKernelNotFound), "expected ErrKernelNotFound, got %v", err)
	assert.False(t, k.Loaded())

	t.Run("keeps loaded kernel", func(t *testing.T) {
		k := newKernel(t, 6)
		mu, total := k.Mu(), k.TotalEnergy(0)

		err := k.SetEnergy(7)
		assert.True(t, errors.Is(err, ErrKernelNotFound), "expected ErrKernelNotFound, got %v", err)
		assert.True(t, k.Loaded())
		assert.Equal(t, 6.0, k.Energy())
		assert.Equal(t, mu, k.Mu())
		assert.Equal(t, total, k.TotalEnergy(0))

		require.NoError(t, k.SetEnergy(10))
		assert.Equal(t, 10.0, k.Energy())
		assert.NotEqual(t, mu, k.Mu())
	})
}

func TestParseLibraryRejectsBadBounds(t *testing.T) {
	_, err := ParseLibrary([]byte("radialBounds: [1, 0.5]\nkernels: []\n"))
	assert.Error(t, err)
}

func TestCumEnergyMonotonic(t *testing.T) {
	k := newKernel(t, 6)
	assert.InDelta(t, 0.0494, k.Mu(), 1e-12)

	total := 0.0
	for z := 0; z < NumZenith; z++ {
		prev := 0.0
		for b := 0; b < NumCumRadial; b++ {
			r := float64(b) * k.MaxRadius() / float64(NumCumRadial-1)
			c := k.CumEnergy(z, r)
			assert.GreaterOrEqual(t, c, prev, "zenith %d radius %g", z, r)
			prev = c
		}
		// saturates past the table
		assert.Equal(t, k.TotalEnergy(z), k.CumEnergy(z, 1e6))
		assert.Equal(t, 0.0, k.CumEnergy(z, 0))
		total += k.TotalEnergy(z)
	}
	assert.Greater(t, total, 0.8)
	assert.LessOrEqual(t, total, 0.99+1e-9)
}

func TestKernelIsForwardPeaked(t *testing.T) {
	k := newKernel(t, 6)
	forward, backward := 0.0, 0.0
	for z := 0; z < NumZenith/2; z++ {
		forward += k.TotalEnergy(z)
		backward += k.TotalEnergy(NumZenith - 1 - z)
	}
	assert.Greater(t, forward, backward)
}

func TestInterpCumEnergyValidates(t *testing.T) {
	k := newKernel(t, 6)
	total := k.TotalEnergy(NumZenith / 2)
	assert.Error(t, k.InterpCumEnergy(make([][]float64, 3), []float64{1, 2}))

	rows := make([][]float64, NumZenith)
	for z := range rows {
		rows[z] = []float64{0.1, -0.1}
	}
	assert.Error(t, k.InterpCumEnergy(rows, []float64{1, 2}))
	assert.Error(t, k.InterpCumEnergy(rows, []float64{2, 1}))
	assert.Equal(t, total, k.TotalEnergy(NumZenith/2), "failed interpolation leaves the table intact")
}

func TestSphericalLUTMonotonic(t *testing.T) {
	lut, err := NewSphericalLUT(r3.Vec{X: 2.5, Y: 2.5, Z: 3}, 4)
	require.NoError(t, err)

	for z := 0; z < NumZenith; z++ {
		for a := 0; a < NumAzimuth; a++ {
			assert.Equal(t, [3]int{}, lut.Offset(0, z, a), "first step stays in the target voxel")
			prevDist := 0.0
			prevOff := [3]int{}
			for r := 0; r < lut.Steps(); r++ {
				d := lut.Distance(r, z, a)
				require.Greater(t, d, prevDist, "distance must increase (z=%d a=%d r=%d)", z, a, r)
				assert.InDelta(t, d-prevDist, lut.StepLength(r, z, a), 1e-12)
				prevDist = d

				off := lut.Offset(r, z, a)
				for axis := 0; axis < 3; axis++ {
					step := off[axis] - prevOff[axis]
					sign := lut.Sign(axis, z, a)
					assert.True(t, step == 0 || step == sign, "offset must move with direction sign")
				}
				// each step crosses at least one voxel plane
				if r > 0 {
					assert.NotEqual(t, prevOff, off)
				}
				prevOff = off
			}
		}
	}
}

func TestRadiusToIndexInvertsOffsets(t *testing.T) {
	lut, err := NewSphericalLUT(r3.Vec{X: 2, Y: 3, Z: 4}, DefaultMaxRadius)
	require.NoError(t, err)

	z, a := 20, 5
	for axis := 0; axis < 3; axis++ {
		assert.Equal(t, 0, lut.RadiusToIndex(axis, 0, z, a))
		for delta := 1; delta <= 6; delta++ {
			r := lut.RadiusToIndex(axis, delta, z, a)
			if r == lut.Steps() {
				continue
			}
			assert.Equal(t, delta, abs(lut.Offset(r, z, a)[axis]))
			if r > 0 {
				assert.Less(t, abs(lut.Offset(r-1, z, a)[axis]), delta)
			}
		}
	}
	assert.Equal(t, lut.Steps(), lut.RadiusToIndex(0, lut.Steps()+5, z, a))
}

func TestSphericalLUTCoversReach(t *testing.T) {
	for _, tc := range []struct {
		spacing r3.Vec
		reach   float64
	}{
		{r3.Vec{X: 1, Y: 1, Z: 1}, DefaultMaxRadius},
		{r3.Vec{X: 2, Y: 2, Z: 2}, DefaultMaxRadius},
		{r3.Vec{X: 1, Y: 2.5, Z: 3}, 6},
		{r3.Vec{X: 10, Y: 10, Z: 10}, 0.5},
	} {
		lut, err := NewSphericalLUT(tc.spacing, tc.reach)
		require.NoError(t, err)
		last := lut.Steps() - 1
		for z := 0; z < NumZenith; z++ {
			for a := 0; a < NumAzimuth; a++ {
				require.GreaterOrEqual(t, lut.Distance(last, z, a), tc.reach,
					"spacing %v direction (%d,%d)", tc.spacing, z, a)
			}
		}
	}

	_, err := NewSphericalLUT(r3.Vec{X: 1, Y: 1, Z: 1}, 0)
	assert.Error(t, err)
}

func TestSetupRadialLUTCaches(t *testing.T) {
	k := newKernel(t, 6)
	spacing := r3.Vec{X: 4, Y: 4, Z: 4}
	a, err := k.SetupRadialLUT(spacing)
	require.NoError(t, err)
	b, err := k.SetupRadialLUT(spacing)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := k.SetupRadialLUT(r3.Vec{X: 2, Y: 2, Z: 2})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, k.MaxRadius(), c.Reach)
	assert.Equal(t, RadialSteps(r3.Vec{X: 2, Y: 2, Z: 2}, k.MaxRadius()), c.Steps())

	_, err = k.SetupRadialLUT(r3.Vec{X: 0, Y: 2, Z: 2})
	assert.True(t, errors.Is(err, models.ErrInvalidSpacing))
}
