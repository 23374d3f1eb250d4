package models

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// TestGeometryValidate verifies that invalid spacing and size are rejected
func TestGeometryValidate(t *testing.T) {
	testCases := []struct {
		name    string
		geom    Geometry
		wantErr error
	}{
		{"valid", NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{2, 2, 2}), nil},
		{"zero spacing", NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 0, Z: 1}, [3]int{2, 2, 2}), ErrInvalidSpacing},
		{"negative spacing", NewGeometry(r3.Vec{}, r3.Vec{X: -1, Y: 1, Z: 1}, [3]int{2, 2, 2}), ErrInvalidSpacing},
		{"empty size", NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{2, 0, 2}), ErrInvalidSize},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.geom.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

// TestIndexPhysicalRoundTrip checks that physical and index coordinates invert each other
// for a rotated, anisotropic grid
func TestIndexPhysicalRoundTrip(t *testing.T) {
	c, s := math.Cos(0.3), math.Sin(0.3)
	g := Geometry{
		Origin:    r3.Vec{X: -10, Y: 5, Z: 2},
		Spacing:   r3.Vec{X: 1, Y: 2, Z: 3},
		Direction: mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1}),
		Size:      [3]int{4, 5, 6},
	}

	ci := r3.Vec{X: 1.5, Y: -0.25, Z: 3}
	p := g.Physical(ci)
	back, err := g.ContinuousIndex(p)
	if err != nil {
		t.Fatalf("ContinuousIndex failed: %v", err)
	}
	if d := r3.Norm(r3.Sub(back, ci)); d > 1e-9 {
		t.Errorf("Round trip mismatch: expected %v, got %v", ci, back)
	}

	// the origin maps to index zero
	zero, _ := g.ContinuousIndex(g.Origin)
	if r3.Norm(zero) > 1e-9 {
		t.Errorf("Origin should map to index 0, got %v", zero)
	}
}

// TestScaled verifies dose-resolution scaling keeps the physical box
func TestScaled(t *testing.T) {
	g := NewGeometry(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{8, 8, 4})
	scaled, err := g.Scaled(2)
	if err != nil {
		t.Fatalf("Scaled failed: %v", err)
	}
	if scaled.Size != [3]int{4, 4, 2} {
		t.Errorf("Expected size [4 4 2], got %v", scaled.Size)
	}
	// old first corner is at 0, new first center sits one new half voxel inside
	if r3.Norm(r3.Sub(scaled.Origin, r3.Vec{X: 1, Y: 1, Z: 1})) > 1e-9 {
		t.Errorf("Expected origin (1,1,1), got %v", scaled.Origin)
	}
	if _, err := g.Scaled(0); !errors.Is(err, ErrInvalidSpacing) {
		t.Errorf("Expected ErrInvalidSpacing for zero resolution, got %v", err)
	}
}

// TestGridReset verifies the buffer is reused and zeroed on reset
func TestGridReset(t *testing.T) {
	g := NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{4, 4, 4})
	grid, err := NewGrid(g)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	grid.Fill(3)
	before := &grid.Data[0]

	small := NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{2, 2, 2})
	if err := grid.Reset(small); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(grid.Data) != 8 {
		t.Fatalf("Expected 8 voxels after reset, got %d", len(grid.Data))
	}
	if &grid.Data[0] != before {
		t.Errorf("Reset should reuse the existing buffer")
	}
	if grid.Sum() != 0 {
		t.Errorf("Reset should zero the buffer, sum is %f", grid.Sum())
	}
}

// TestAddScaledMismatch verifies accumulation refuses non-conforming grids
func TestAddScaledMismatch(t *testing.T) {
	a, _ := NewGrid(NewGeometry(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{2, 2, 2}))
	b, _ := NewGrid(NewGeometry(r3.Vec{X: 1}, r3.Vec{X: 1, Y: 1, Z: 1}, [3]int{2, 2, 2}))
	if err := a.AddScaled(1, b); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("Expected ErrGeometryMismatch, got %v", err)
	}

	c := a.Clone()
	c.Fill(2)
	if err := a.AddScaled(0.5, c); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	if a.Sum() != 8 {
		t.Errorf("Expected sum 8, got %f", a.Sum())
	}
}
