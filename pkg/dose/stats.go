package dose

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"photondose/internal/models"
)

// Stats summarises a dose grid.
type Stats struct {
	Mean   float64
	StdDev float64
	Max    float64
	// Integral is the dose summed over voxels and weighted by voxel volume
	Integral float64
	// NonZero counts voxels that received dose
	NonZero int
}

// Statistics computes summary statistics of a dose grid.
func Statistics(grid *models.Grid) Stats {
	if len(grid.Data) == 0 {
		return Stats{}
	}
	s := Stats{
		Mean:     stat.Mean(grid.Data, nil),
		Max:      floats.Max(grid.Data),
		Integral: grid.Integral(),
	}
	if len(grid.Data) > 1 {
		s.StdDev = stat.StdDev(grid.Data, nil)
	}
	for _, v := range grid.Data {
		if v != 0 {
			s.NonZero++
		}
	}
	return s
}

// Comparison holds agreement metrics between two dose grids on one geometry.
type Comparison struct {
	// RMSE is the root mean square voxel difference
	RMSE float64
	// MaxAbsDiff is the largest absolute voxel difference
	MaxAbsDiff float64
	// Correlation is the Pearson correlation of the voxel values
	Correlation float64
}

// Compare computes agreement metrics between a reference and an evaluated
// dose grid. The grids must conform.
func Compare(reference, evaluated *models.Grid) (Comparison, error) {
	if !reference.Conforms(evaluated.Geometry) {
		return Comparison{}, models.ErrGeometryMismatch
	}
	n := len(reference.Data)
	if n == 0 {
		return Comparison{}, nil
	}

	diff := make([]float64, n)
	floats.SubTo(diff, reference.Data, evaluated.Data)
	c := Comparison{
		RMSE: math.Sqrt(floats.Dot(diff, diff) / float64(n)),
	}
	c.MaxAbsDiff = math.Max(floats.Max(diff), -floats.Min(diff))
	if n > 1 {
		c.Correlation = stat.Correlation(reference.Data, evaluated.Data, nil)
	}
	return c, nil
}
