package phantom

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
)

func TestBlockIsCentered(t *testing.T) {
	grid, err := Block(5, 4, 1.2)
	require.NoError(t, err)

	center := grid.Physical(r3.Vec{X: 2, Y: 2, Z: 2})
	assert.InDelta(t, 0, r3.Norm(center), 1e-12)
	assert.Equal(t, r3.Vec{X: -8, Y: -8, Z: -8}, grid.Origin)
	assert.InDelta(t, 125*1.2, grid.Sum(), 1e-9)
}

func TestGap(t *testing.T) {
	grid, err := New(Params{Size: [3]int{4, 6, 8}, Spacing: 2, Density: 1, GapAxis: 2, GapStart: 3, GapEnd: 5})
	require.NoError(t, err)

	for k := 0; k < 8; k++ {
		want := 1.0
		if k == 3 || k == 4 {
			want = 0
		}
		assert.Equal(t, want, grid.At(1, 2, k), "k=%d", k)
	}
	assert.Equal(t, float64(4*6*6), grid.Sum())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		target error
	}{
		{"zero spacing", Params{Size: [3]int{2, 2, 2}}, models.ErrInvalidSpacing},
		{"empty axis", Params{Size: [3]int{2, 0, 2}, Spacing: 1}, models.ErrInvalidSize},
		{"gap out of range", Params{Size: [3]int{2, 2, 2}, Spacing: 1, GapAxis: 1, GapStart: 1, GapEnd: 3}, nil},
		{"bad gap axis", Params{Size: [3]int{2, 2, 2}, Spacing: 1, GapAxis: 3, GapStart: 0, GapEnd: 1}, nil},
		{"negative density", Params{Size: [3]int{2, 2, 2}, Spacing: 1, Density: -1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target), "got %v", err)
			}
		})
	}
}
