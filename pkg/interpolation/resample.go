package interpolation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
	"photondose/internal/workers"
)

// ErrNotCovered is returned by a strict resample when a destination voxel lies
// outside the region covered by the source grid.
var ErrNotCovered = errors.New("source grid does not cover destination grid")

// coverageTolerance is how far (in source voxels) a destination voxel center
// may sit past the outer source voxel boundary and still count as covered.
const coverageTolerance = 1e-6

// Mode selects the interpolation used when resampling.
type Mode int

const (
	// Linear uses trilinear interpolation between voxel centers
	Linear Mode = iota
	// Nearest takes the value of the closest source voxel
	Nearest
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Resample samples src onto a new grid with geometry dst. Every destination
// voxel center must fall inside src; otherwise ErrNotCovered is returned and
// no grid is produced.
func Resample(src *models.Grid, dst models.Geometry, mode Mode) (*models.Grid, error) {
	out, err := models.NewGrid(dst)
	if err != nil {
		return nil, err
	}
	if err := ResampleInto(src, out, mode); err != nil {
		return nil, err
	}
	return out, nil
}

// ResampleInto is Resample writing into an existing destination grid.
func ResampleInto(src, dst *models.Grid, mode Mode) error {
	return resample(src, dst, mode, true, 0)
}

// ResampleFill samples src onto dst like Resample, but destination voxels
// outside src receive fill instead of failing.
func ResampleFill(src *models.Grid, dst models.Geometry, mode Mode, fill float64) (*models.Grid, error) {
	out, err := models.NewGrid(dst)
	if err != nil {
		return nil, err
	}
	if err := resample(src, out, mode, false, fill); err != nil {
		return nil, err
	}
	return out, nil
}

func resample(src, dst *models.Grid, mode Mode, strict bool, fill float64) error {
	if src.Conforms(dst.Geometry) {
		copy(dst.Data, src.Data)
		return nil
	}

	toPhysical := dst.IndexToPhysical()
	toSource, err := src.PhysicalToIndex()
	if err != nil {
		return err
	}

	sample := Trilinear
	if mode == Nearest {
		sample = NearestNeighbor
	}

	var uncovered atomic.Int64
	nx, ny, nz := dst.Size[0], dst.Size[1], dst.Size[2]
	workers.Split(nz, 0, func(_, kStart, kEnd int) {
		for k := kStart; k < kEnd; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					p := toPhysical.Apply(r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)})
					ci := toSource.Apply(p)
					idx := dst.Index(i, j, k)
					if !covers(src.Size, ci) {
						if strict {
							uncovered.Add(1)
							continue
						}
						dst.Data[idx] = fill
						continue
					}
					dst.Data[idx] = sample(src, ci)
				}
			}
		}
	})

	if n := uncovered.Load(); n > 0 {
		return fmt.Errorf("%w: %d of %d destination voxels outside source", ErrNotCovered, n, dst.Len())
	}
	return nil
}

// covers reports whether continuous index ci lies within the outer voxel
// boundaries of a grid of the given size.
func covers(size [3]int, ci r3.Vec) bool {
	for n, c := range [3]float64{ci.X, ci.Y, ci.Z} {
		if c < -0.5-coverageTolerance || c > float64(size[n])-0.5+coverageTolerance {
			return false
		}
	}
	return true
}
