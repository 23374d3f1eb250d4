package interpolation

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

func linearField(x, y, z float64) float64 {
	return 2*x + 3*y + 5*z + 1
}

func newLinearGrid(t *testing.T, n int) *models.Grid {
	t.Helper()
	g, err := models.NewGrid(models.NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{n, n, n}))
	require.NoError(t, err)
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				g.Set(i, j, k, linearField(float64(i), float64(j), float64(k)))
			}
		}
	}
	return g
}

func TestStencilWeightsSumToOne(t *testing.T) {
	for _, f := range []r3.Vec{{}, {X: 0.5, Y: -0.5, Z: 0.1}, {X: -0.3, Y: 0.2, Z: 0.49}} {
		s := NewStencil(f)
		assert.InDelta(t, 1.0, floats.Sum(s[:]), 1e-12, "offset %v", f)
		nonzero := 0
		for _, w := range s {
			assert.GreaterOrEqual(t, w, 0.0)
			if w != 0 {
				nonzero++
			}
		}
		assert.LessOrEqual(t, nonzero, 8)
	}
}

func TestStencilSampleMatchesTrilinear(t *testing.T) {
	grid := newLinearGrid(t, 6)
	offsets := StencilOffsets(grid.Geometry)
	center := grid.Index(2, 3, 2)

	f := r3.Vec{X: 0.25, Y: -0.4, Z: 0.1}
	s := NewStencil(f)
	want := Trilinear(grid, r3.Vec{X: 2.25, Y: 2.6, Z: 2.1})
	assert.InDelta(t, want, s.Sample(grid.Data, center, &offsets), 1e-9)
	assert.InDelta(t, linearField(2.25, 2.6, 2.1), want, 1e-9)
}

func TestSplatConservesValue(t *testing.T) {
	grid, err := models.NewGrid(models.NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{5, 5, 5}))
	require.NoError(t, err)
	offsets := StencilOffsets(grid.Geometry)
	s := NewStencil(r3.Vec{X: 0.3, Y: 0.3, Z: -0.2})
	s.Splat(grid.Data, grid.Index(2, 2, 2), &offsets, 7)
	assert.InDelta(t, 7.0, grid.Sum(), 1e-12)
}

func TestTrilinearClampsOutside(t *testing.T) {
	grid := newLinearGrid(t, 4)
	assert.Equal(t, grid.At(0, 0, 0), Trilinear(grid, r3.Vec{X: -3, Y: -1, Z: -2}))
	assert.Equal(t, grid.At(3, 3, 3), Trilinear(grid, r3.Vec{X: 9, Y: 9, Z: 9}))
	assert.Equal(t, grid.At(1, 2, 3), NearestNeighbor(grid, r3.Vec{X: 1.2, Y: 1.7, Z: 3.4}))
}

func gaussianGrid(t *testing.T, geom models.Geometry, center r3.Vec, sigma float64) *models.Grid {
	t.Helper()
	g, err := models.NewGrid(geom)
	require.NoError(t, err)
	for k := 0; k < geom.Size[2]; k++ {
		for j := 0; j < geom.Size[1]; j++ {
			for i := 0; i < geom.Size[0]; i++ {
				p := geom.Physical(r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)})
				d2 := r3.Norm2(r3.Sub(p, center))
				g.Set(i, j, k, math.Exp(-d2/(2*sigma*sigma)))
			}
		}
	}
	return g
}

func TestResampleRoundTripConservesIntegral(t *testing.T) {
	coarseGeom := models.NewGeometry(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: 2, Y: 2, Z: 2}, [3]int{16, 16, 16})
	coarse := gaussianGrid(t, coarseGeom, r3.Vec{X: 16, Y: 16, Z: 16}, 5)

	fineGeom, err := coarseGeom.Scaled(1)
	require.NoError(t, err)
	require.Equal(t, [3]int{32, 32, 32}, fineGeom.Size)

	for _, mode := range []Mode{Linear, Nearest} {
		t.Run(mode.String(), func(t *testing.T) {
			fine, err := Resample(coarse, fineGeom, mode)
			require.NoError(t, err)
			back, err := Resample(fine, coarseGeom, mode)
			require.NoError(t, err)

			rel := math.Abs(back.Integral()-coarse.Integral()) / coarse.Integral()
			assert.Less(t, rel, 0.02, "integral changed by %.4f", rel)
		})
	}
}

func TestResampleConformingCopies(t *testing.T) {
	grid := newLinearGrid(t, 3)
	out, err := Resample(grid, grid.Geometry, Linear)
	require.NoError(t, err)
	assert.Equal(t, grid.Data, out.Data)
	out.Data[0] = -1
	assert.NotEqual(t, grid.Data[0], out.Data[0], "resample must not alias the source buffer")
}

func TestResampleNotCovered(t *testing.T) {
	grid := newLinearGrid(t, 4)
	shifted := models.NewGeometry(r3.Vec{X: 2}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{4, 4, 4})

	_, err := Resample(grid, shifted, Linear)
	assert.True(t, errors.Is(err, ErrNotCovered), "expected ErrNotCovered, got %v", err)

	filled, err := ResampleFill(grid, shifted, Linear, -1)
	require.NoError(t, err)
	assert.Equal(t, -1.0, filled.At(3, 0, 0))
	assert.Equal(t, grid.At(2, 0, 0), filled.At(0, 0, 0))
}
