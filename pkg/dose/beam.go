package dose

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"photondose/internal/models"
	"photondose/pkg/convolve"
	"photondose/pkg/interpolation"
	"photondose/pkg/terma"
)

const (
	// DefaultSAD is the default source-to-axis distance (mm)
	DefaultSAD = 1000.0

	// beamMargin is the number of voxels the beam grid extends past the
	// rotated plan grid on every side
	beamMargin = 2
)

// Beam is one treatment beam: gantry, couch and collimator angles, an
// isocenter and a row of equally wide beamlets laid out across the beam's
// first lateral axis.
//
// Mutators only record what changed. Geometry changes (angles, isocenter)
// discard every cached grid; fluence changes (SAD, beamlet layout,
// field height) discard the beamlet doses; weight changes only require the
// beamlets to be summed again.
type Beam struct {
	// gantry is the rotation about the patient's third axis (radians)
	gantry float64
	// couch rotates the patient about the vertical (second) axis; collimator
	// rotates the field about the beam axis (radians)
	couch      float64
	collimator float64

	isocenter r3.Vec
	sad       float64

	beamletCount   int
	beamletWidth   float64
	fieldHeight    float64
	beamletWeights []float64

	// weight scales the beam in the plan sum
	weight float64

	geometryDirty bool
	doseDirty     bool

	// planStamp is the plan stamp the cached geometry was built for
	planStamp uint64
	// version counts beam dose recomputations
	version uint64

	geometry     models.Geometry
	density      *models.Grid
	beamletDoses []*models.Grid
	dose         *models.Grid
}

// NewBeam creates a single-beamlet beam at the given gantry angle (radians)
// with a 100 mm square field and unit weights.
func NewBeam(gantry float64, isocenter r3.Vec) *Beam {
	return &Beam{
		gantry:         gantry,
		isocenter:      isocenter,
		sad:            DefaultSAD,
		beamletCount:   1,
		beamletWidth:   100,
		fieldHeight:    100,
		beamletWeights: []float64{1},
		weight:         1,
		geometryDirty:  true,
		doseDirty:      true,
	}
}

// GantryAngle returns the gantry angle in radians.
func (b *Beam) GantryAngle() float64 { return b.gantry }

// CouchAngle returns the couch angle in radians.
func (b *Beam) CouchAngle() float64 { return b.couch }

// CollimatorAngle returns the collimator angle in radians.
func (b *Beam) CollimatorAngle() float64 { return b.collimator }

// Isocenter returns the beam isocenter (mm).
func (b *Beam) Isocenter() r3.Vec { return b.isocenter }

// SAD returns the source-to-axis distance (mm).
func (b *Beam) SAD() float64 { return b.sad }

// BeamletCount returns the number of beamlets.
func (b *Beam) BeamletCount() int { return b.beamletCount }

// BeamletWidth returns the lateral width of one beamlet at the isocenter (mm).
func (b *Beam) BeamletWidth() float64 { return b.beamletWidth }

// FieldHeight returns the field size along the second lateral axis at the
// isocenter (mm).
func (b *Beam) FieldHeight() float64 { return b.fieldHeight }

// Weight returns the beam weight used in the plan sum.
func (b *Beam) Weight() float64 { return b.weight }

// BeamletWeights returns a copy of the beamlet intensity weights.
func (b *Beam) BeamletWeights() []float64 {
	return append([]float64(nil), b.beamletWeights...)
}

// Version increases every time the beam dose is recomputed.
func (b *Beam) Version() uint64 { return b.version }

// Geometry returns the beam-aligned dose geometry of the last computation.
func (b *Beam) Geometry() models.Geometry { return b.geometry }

// Dose returns the cached beam dose in the beam frame, or nil if it has not
// been computed. The grid is owned by the beam.
func (b *Beam) Dose() *models.Grid { return b.dose }

// BeamletDose returns the cached dose of beamlet i, or nil.
func (b *Beam) BeamletDose(i int) *models.Grid {
	if i < 0 || i >= len(b.beamletDoses) {
		return nil
	}
	return b.beamletDoses[i]
}

// SetGantryAngle sets the gantry angle (radians).
func (b *Beam) SetGantryAngle(gantry float64) {
	if gantry == b.gantry {
		return
	}
	b.gantry = gantry
	b.geometryDirty = true
}

// SetCouchAngle sets the couch angle (radians).
func (b *Beam) SetCouchAngle(couch float64) {
	if couch == b.couch {
		return
	}
	b.couch = couch
	b.geometryDirty = true
}

// SetCollimatorAngle sets the collimator angle (radians).
func (b *Beam) SetCollimatorAngle(collimator float64) {
	if collimator == b.collimator {
		return
	}
	b.collimator = collimator
	b.geometryDirty = true
}

// SetIsocenter moves the isocenter (mm).
func (b *Beam) SetIsocenter(iso r3.Vec) {
	if iso == b.isocenter {
		return
	}
	b.isocenter = iso
	b.geometryDirty = true
}

// SetSAD sets the source-to-axis distance (mm).
func (b *Beam) SetSAD(sad float64) error {
	if sad <= 0 {
		return fmt.Errorf("source-to-axis distance must be positive, got %g", sad)
	}
	if sad != b.sad {
		b.sad = sad
		b.clearBeamlets()
	}
	return nil
}

// SetBeamlets lays out count beamlets of the given width (mm at the
// isocenter) centered on the beam axis. The count must be odd so a beamlet
// sits on the central axis. All beamlet weights are reset to 1.
func (b *Beam) SetBeamlets(count int, width float64) error {
	if count < 1 || count%2 == 0 {
		return fmt.Errorf("beamlet count must be a positive odd number, got %d", count)
	}
	if width <= 0 {
		return fmt.Errorf("beamlet width must be positive, got %g", width)
	}
	b.beamletCount = count
	b.beamletWidth = width
	b.beamletWeights = make([]float64, count)
	for i := range b.beamletWeights {
		b.beamletWeights[i] = 1
	}
	b.clearBeamlets()
	return nil
}

// SetFieldHeight sets the field size along the second lateral axis (mm).
func (b *Beam) SetFieldHeight(height float64) error {
	if height <= 0 {
		return fmt.Errorf("field height must be positive, got %g", height)
	}
	if height != b.fieldHeight {
		b.fieldHeight = height
		b.clearBeamlets()
	}
	return nil
}

// SetBeamletWeights replaces the beamlet intensity weights. Cached beamlet
// doses are kept; only their sum is recomputed.
func (b *Beam) SetBeamletWeights(weights []float64) error {
	if len(weights) != b.beamletCount {
		return fmt.Errorf("got %d beamlet weights for %d beamlets", len(weights), b.beamletCount)
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("beamlet %d: invalid weight %g", i, w)
		}
	}
	b.beamletWeights = append(b.beamletWeights[:0], weights...)
	b.doseDirty = true
	return nil
}

// SetWeight sets the beam weight used in the plan sum.
func (b *Beam) SetWeight(w float64) error {
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return fmt.Errorf("invalid beam weight %g", w)
	}
	b.weight = w
	return nil
}

// Direction returns the unit vector from the source through the isocenter
// for a patient grid with the given axes.
func (b *Beam) Direction(patient models.Geometry) r3.Vec {
	return b.basis(patient)[2]
}

// Source returns the virtual source position for a patient grid with the
// given axes.
func (b *Beam) Source(patient models.Geometry) r3.Vec {
	return r3.Sub(b.isocenter, r3.Scale(b.sad, b.Direction(patient)))
}

func (b *Beam) clearBeamlets() {
	b.beamletDoses = nil
	b.doseDirty = true
}

// beamletFootprint returns the lateral extent of beamlet i on the isocenter
// plane, relative to the isocenter.
func (b *Beam) beamletFootprint(i int) (minX, maxX, minY, maxY float64) {
	center := (float64(i) - float64(b.beamletCount-1)/2) * b.beamletWidth
	return center - b.beamletWidth/2, center + b.beamletWidth/2, -b.fieldHeight / 2, b.fieldHeight / 2
}

func (b *Beam) basis(patient models.Geometry) [3]r3.Vec {
	return beamBasis(patient, b.gantry, b.couch, b.collimator)
}

// beamBasis returns the beam frame axes. At gantry 0 the beam travels along
// the patient's second axis; the gantry rotates about the patient's third
// axis. The collimator then turns the lateral axes about the beam direction
// and the couch turns the whole frame about the patient's second axis, in
// the opposite sense to the patient. The frame is right-handed with the beam
// direction as its third axis.
func beamBasis(patient models.Geometry, gantry, couch, collimator float64) [3]r3.Vec {
	ux, uy, uz := patient.Axis(0), patient.Axis(1), patient.Axis(2)
	axes := [3]r3.Vec{
		r3.Rotate(ux, gantry, uz),
		r3.Scale(-1, uz),
		r3.Rotate(uy, gantry, uz),
	}
	if collimator != 0 {
		axes[0] = r3.Rotate(axes[0], collimator, axes[2])
		axes[1] = r3.Rotate(axes[1], collimator, axes[2])
	}
	if couch != 0 {
		for n := range axes {
			axes[n] = r3.Rotate(axes[n], -couch, uy)
		}
	}
	return axes
}

// beamGeometry returns the beam-aligned grid with the given axes that covers
// every voxel center of patient. The isocenter sits on a voxel center and the
// spacing is the patient grid's first spacing component.
func beamGeometry(patient models.Geometry, axes [3]r3.Vec, iso r3.Vec) models.Geometry {
	res := patient.Spacing.X

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for c := 0; c < 8; c++ {
		corner := r3.Vec{
			X: float64((c & 1) * (patient.Size[0] - 1)),
			Y: float64(((c >> 1) & 1) * (patient.Size[1] - 1)),
			Z: float64(((c >> 2) & 1) * (patient.Size[2] - 1)),
		}
		rel := r3.Sub(patient.Physical(corner), iso)
		for n, axis := range axes {
			d := r3.Dot(rel, axis)
			lo[n] = math.Min(lo[n], d)
			hi[n] = math.Max(hi[n], d)
		}
	}

	origin := iso
	var size [3]int
	for n, axis := range axes {
		first := int(math.Floor(lo[n]/res+1e-9)) - beamMargin
		last := int(math.Ceil(hi[n]/res-1e-9)) + beamMargin
		size[n] = last - first + 1
		origin = r3.Add(origin, r3.Scale(float64(first)*res, axis))
	}

	dir := mat.NewDense(3, 3, nil)
	for n, axis := range axes {
		dir.SetCol(n, []float64{axis.X, axis.Y, axis.Z})
	}
	return models.Geometry{
		Origin:    origin,
		Spacing:   r3.Vec{X: res, Y: res, Z: res},
		Direction: dir,
		Size:      size,
	}
}

// update brings the beam dose up to date for plan p. Beamlet doses computed
// before a failure or cancellation stay cached.
func (b *Beam) update(ctx context.Context, p *Plan, index int, progress func(message string)) error {
	if b.geometryDirty || b.planStamp != p.stamp || b.density == nil {
		b.geometry = beamGeometry(p.geometry, b.basis(p.geometry), b.isocenter)
		density, err := interpolation.ResampleFill(p.density, b.geometry, interpolation.Linear, 0)
		if err != nil {
			return &BeamError{Beam: index, Beamlet: -1, Err: fmt.Errorf("resampling density: %w", err)}
		}
		b.density = density
		b.planStamp = p.stamp
		b.geometryDirty = false
		b.clearBeamlets()
	}

	if len(b.beamletDoses) != b.beamletCount {
		b.beamletDoses = make([]*models.Grid, b.beamletCount)
	}
	for i := range b.beamletDoses {
		if b.beamletDoses[i] != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return &BeamError{Beam: index, Beamlet: i, Err: err}
		}
		dose, err := b.computeBeamlet(p, i)
		if err != nil {
			return &BeamError{Beam: index, Beamlet: i, Err: err}
		}
		b.beamletDoses[i] = dose
		b.doseDirty = true
		progress(fmt.Sprintf("beam %d beamlet %d", index, i))
	}

	if !b.doseDirty && b.dose != nil {
		return nil
	}
	if b.dose == nil {
		var err error
		if b.dose, err = models.NewGrid(b.geometry); err != nil {
			return &BeamError{Beam: index, Beamlet: -1, Err: err}
		}
	} else if err := b.dose.Reset(b.geometry); err != nil {
		return &BeamError{Beam: index, Beamlet: -1, Err: err}
	}
	if err := AccumulateBeamInto(b.dose, b.beamletDoses, b.beamletWeights); err != nil {
		return &BeamError{Beam: index, Beamlet: -1, Err: err}
	}
	b.doseDirty = false
	b.version++
	return nil
}

// computeBeamlet runs the TERMA and convolution passes for beamlet i and
// returns a dose grid owned by the beam.
func (b *Beam) computeBeamlet(p *Plan, i int) (*models.Grid, error) {
	minX, maxX, minY, maxY := b.beamletFootprint(i)
	params := terma.Params{
		Source:     r3.Sub(b.isocenter, r3.Scale(b.sad, b.geometry.Axis(2))),
		Isocenter:  b.isocenter,
		MinX:       minX,
		MaxX:       maxX,
		MinY:       minY,
		MaxY:       maxY,
		RayDensity: p.settings.RayDensity,
		Mu:         p.kernel.Mu(),
		NumWorkers: p.settings.NumWorkers,
	}
	termaGrid, err := terma.NewCalculator(params).Compute(b.density)
	if err != nil {
		return nil, fmt.Errorf("TERMA: %w", err)
	}

	convParams := p.convolveParams()
	if p.convolver == nil || p.convolver.Params() != convParams {
		p.convolver = convolve.New(p.kernel, convParams)
	}
	dose, err := p.convolver.Convolve(termaGrid, b.density)
	if err != nil {
		return nil, fmt.Errorf("convolution: %w", err)
	}
	return dose.Clone(), nil
}
