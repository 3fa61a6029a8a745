// Package extent describes the spatial domain of one dataset plane: its
// per-zoom-level pixel dimensions, the current slice and the mapping between
// pixel and world (physical) coordinates.
package extent

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

var (
	ErrMissingDataset   = errors.New("extent: dataset id is required")
	ErrInvalidPlane     = errors.New("extent: plane must be one of x, y or z")
	ErrNoZoomLevels     = errors.New("extent: zoom levels are missing")
	ErrInvalidZoomLevel = errors.New("extent: zoom level out of range")
	ErrEmptyExtent      = errors.New("extent: one-to-one dimensions must be positive")
	ErrInvalidTileSize  = errors.New("extent: tile size must be positive")
)

// Plane identifies the orthogonal plane a view is cut along.
type Plane string

const (
	PlaneX Plane = "x"
	PlaneY Plane = "y"
	PlaneZ Plane = "z"
)

// ParsePlane validates a plane name.
func ParsePlane(s string) (Plane, error) {
	p := Plane(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlane, s)
	}
	return p, nil
}

// Valid reports whether p is x, y or z.
func (p Plane) Valid() bool {
	return p == PlaneX || p == PlaneY || p == PlaneZ
}

// Dims are pixel dimensions.
type Dims struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Bounds is an axis-aligned bounding box in world (or pixel) space.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
	MinZ float64 `json:"min_z"`
	MaxZ float64 `json:"max_z"`
}

// Config contains everything needed to open a dataset plane.
type Config struct {
	DatasetID  string
	Plane      Plane
	Tiled      bool
	TileSize   int
	ZoomLevels []float64
	ZoomLevel  int
	// OneToOne are the reference dimensions at the zoom level whose factor is 1.
	OneToOne Dims
	// Orig corrects for anisotropic voxel spacing; zero values fall back to OneToOne.
	Orig         Dims
	MaxSlices    int
	Step         int
	Transform    *Transform
	ResolutionMM float64
}

// ZoomObserver is notified after a successful zoom level change.
type ZoomObserver func(e *Extent)

// Extent is the per-plane descriptor of a dataset's spatial domain.
type Extent struct {
	datasetID    string
	plane        Plane
	tiled        bool
	tileSize     int
	zoomLevels   []float64
	zoomLevel    int
	factor       float64
	oneToOne     Dims
	orig         Dims
	dims         Dims
	slice        int
	maxSlices    int
	step         int
	transform    *Transform
	resolutionMM float64
}

// New validates cfg and creates an extent positioned at the middle slice.
func New(cfg Config) (*Extent, error) {
	if cfg.DatasetID == "" {
		return nil, ErrMissingDataset
	}
	if !cfg.Plane.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlane, cfg.Plane)
	}
	if len(cfg.ZoomLevels) == 0 {
		return nil, ErrNoZoomLevels
	}
	for i, f := range cfg.ZoomLevels {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("extent: zoom level %d has invalid factor %v", i, f)
		}
	}
	if cfg.ZoomLevel < 0 || cfg.ZoomLevel >= len(cfg.ZoomLevels) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidZoomLevel, cfg.ZoomLevel)
	}
	if cfg.OneToOne.X <= 0 || cfg.OneToOne.Y <= 0 {
		return nil, ErrEmptyExtent
	}
	if cfg.TileSize <= 0 {
		return nil, ErrInvalidTileSize
	}

	orig := cfg.Orig
	if orig.X <= 0 {
		orig.X = cfg.OneToOne.X
	}
	if orig.Y <= 0 {
		orig.Y = cfg.OneToOne.Y
	}
	step := cfg.Step
	if step <= 0 {
		step = 1
	}
	maxSlices := cfg.MaxSlices
	if maxSlices < 0 {
		maxSlices = 0
	}

	e := &Extent{
		datasetID:    cfg.DatasetID,
		plane:        cfg.Plane,
		tiled:        cfg.Tiled,
		tileSize:     cfg.TileSize,
		zoomLevels:   append([]float64(nil), cfg.ZoomLevels...),
		oneToOne:     cfg.OneToOne,
		orig:         orig,
		maxSlices:    maxSlices,
		slice:        maxSlices / 2,
		step:         step,
		transform:    cfg.Transform,
		resolutionMM: cfg.ResolutionMM,
	}
	e.applyZoomLevel(cfg.ZoomLevel)
	return e, nil
}

func (e *Extent) applyZoomLevel(level int) {
	e.zoomLevel = level
	e.factor = e.zoomLevels[level]
	e.dims, _ = e.ZoomLevelDimensions(level)
}

func (e *Extent) DatasetID() string     { return e.datasetID }
func (e *Extent) Plane() Plane          { return e.plane }
func (e *Extent) Tiled() bool           { return e.tiled }
func (e *Extent) TileSize() int         { return e.tileSize }
func (e *Extent) ZoomLevel() int        { return e.zoomLevel }
func (e *Extent) NumZoomLevels() int    { return len(e.zoomLevels) }
func (e *Extent) Factor() float64       { return e.factor }
func (e *Extent) Dims() Dims            { return e.dims }
func (e *Extent) OneToOneDims() Dims    { return e.oneToOne }
func (e *Extent) OrigDims() Dims        { return e.orig }
func (e *Extent) Slice() int            { return e.slice }
func (e *Extent) MaxSlices() int        { return e.maxSlices }
func (e *Extent) Step() int             { return e.step }
func (e *Extent) Transform() *Transform { return e.transform }
func (e *Extent) ResolutionMM() float64 { return e.resolutionMM }
func (e *Extent) ZoomLevels() []float64 { return append([]float64(nil), e.zoomLevels...) }

// ZoomLevelFactor returns the scale factor for level.
func (e *Extent) ZoomLevelFactor(level int) (float64, bool) {
	if level < 0 || level >= len(e.zoomLevels) {
		return 0, false
	}
	return e.zoomLevels[level], true
}

// ZoomLevelDimensions returns floor(one-to-one × factor), never less than 1.
func (e *Extent) ZoomLevelDimensions(level int) (Dims, bool) {
	f, ok := e.ZoomLevelFactor(level)
	if !ok {
		return Dims{}, false
	}

	d := Dims{
		X: int(math.Floor(float64(e.oneToOne.X) * f)),
		Y: int(math.Floor(float64(e.oneToOne.Y) * f)),
	}
	if d.X < 1 {
		d.X = 1
	}
	if d.Y < 1 {
		d.Y = 1
	}
	return d, true
}

// ZoomLevelDelta returns the dimension difference between two zoom levels.
func (e *Extent) ZoomLevelDelta(level1, level2 int) (Dims, bool) {
	d1, ok1 := e.ZoomLevelDimensions(level1)
	d2, ok2 := e.ZoomLevelDimensions(level2)
	if !ok1 || !ok2 {
		return Dims{}, false
	}
	return Dims{X: d1.X - d2.X, Y: d1.Y - d2.Y}, true
}

// ChangeZoomLevel switches to level and recomputes the dimensions. Requests
// for an unknown or the current level are ignored and return false.
func (e *Extent) ChangeZoomLevel(level int, notify ZoomObserver) bool {
	if level < 0 || level >= len(e.zoomLevels) || level == e.zoomLevel {
		return false
	}
	e.applyZoomLevel(level)
	if notify != nil {
		notify(e)
	}
	return true
}

// SetSlice sets the slice index. Values outside [0, MaxSlices] are accepted
// and render as nothing visible.
func (e *Extent) SetSlice(slice int) {
	e.slice = slice
}

// SetSliceRelativeToZoom sets the slice from a value expressed at the
// current zoom level's scale.
func (e *Extent) SetSliceRelativeToZoom(v float64) {
	e.slice = int(math.Round(v / e.factor))
}

// InSliceRange reports whether the current slice holds data.
func (e *Extent) InSliceRange() bool {
	return e.slice >= 0 && e.slice <= e.maxSlices
}

// OneToOne scales zoom-level pixel coordinates to the one-to-one level.
func (e *Extent) OneToOne(p Point3) Point3 {
	return Point3{
		X: p.X * (float64(e.oneToOne.X) / float64(e.dims.X)),
		Y: p.Y * (float64(e.oneToOne.Y) / float64(e.dims.Y)),
		Z: p.Z,
	}
}

// PixelToWorld maps a pixel coordinate at the current zoom level (y growing
// downward, z the slice) to world coordinates.
func (e *Extent) PixelToWorld(p Point3) Point3 {
	x := p.X * (float64(e.oneToOne.X) / float64(e.dims.X))
	if e.oneToOne.X != e.orig.X {
		x *= float64(e.orig.X) / float64(e.oneToOne.X)
	}
	y := float64(e.oneToOne.Y) - p.Y*(float64(e.oneToOne.Y)/float64(e.dims.Y))
	if e.oneToOne.Y != e.orig.Y {
		y *= float64(e.orig.Y) / float64(e.oneToOne.Y)
	}

	w := Point3{X: x, Y: y, Z: p.Z}
	if e.transform == nil {
		return w
	}
	return e.transform.Forward(w)
}

// WorldToPixel is the inverse of PixelToWorld.
func (e *Extent) WorldToPixel(w Point3) Point3 {
	p := w
	if e.transform != nil {
		p = e.transform.Inverse(w)
	}

	if e.oneToOne.X != e.orig.X {
		p.X *= float64(e.oneToOne.X) / float64(e.orig.X)
	}
	if e.oneToOne.Y != e.orig.Y {
		p.Y *= float64(e.oneToOne.Y) / float64(e.orig.Y)
	}

	p.X = p.X * (float64(e.dims.X) / float64(e.oneToOne.X))
	p.Y = float64(e.dims.Y) - p.Y*(float64(e.dims.Y)/float64(e.oneToOne.Y))
	return p
}

// PixelToWorldClamped is PixelToWorld clamped to ExtentBounds.
func (e *Extent) PixelToWorldClamped(p Point3) Point3 {
	w := e.PixelToWorld(p)
	b := e.ExtentBounds()
	w.X = clamp(w.X, b.MinX, b.MaxX)
	w.Y = clamp(w.Y, b.MinY, b.MaxY)
	w.Z = clamp(w.Z, b.MinZ, b.MaxZ)
	return w
}

// ExtentBounds returns the world-space bounding box of the plane. Without a
// world transform the raw pixel bounds are returned.
func (e *Extent) ExtentBounds() Bounds {
	if e.transform == nil {
		return Bounds{
			MaxX: float64(e.dims.X - 1),
			MaxY: float64(e.dims.Y - 1),
			MaxZ: float64(e.maxSlices),
		}
	}

	a := e.PixelToWorld(Point3{})
	b := e.PixelToWorld(Point3{X: float64(e.dims.X - 1), Y: float64(e.dims.Y - 1), Z: float64(e.maxSlices)})
	return Bounds{
		MinX: math.Min(a.X, b.X), MaxX: math.Max(a.X, b.X),
		MinY: math.Min(a.Y, b.Y), MaxY: math.Max(a.Y, b.Y),
		MinZ: math.Min(a.Z, b.Z), MaxZ: math.Max(a.Z, b.Z),
	}
}

// ScaleBarLabel formats the physical length covered by lengthPx pixels at
// the current zoom level, e.g. "1.5 mm". Empty without a resolution.
func (e *Extent) ScaleBarLabel(lengthPx int) string {
	if e.resolutionMM <= 0 {
		return ""
	}
	meters := e.resolutionMM * float64(lengthPx) / e.factor / 1000
	return humanize.SIWithDigits(meters, 2, "m")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
