package viewport

import (
	"image"
	"math"

	"github.com/tissuestack/viewer/internal/extent"
)

// DataCoordinates converts a canvas position into a data pixel at the
// current zoom level. Z is the current slice.
func (v *Viewport) DataCoordinates(p image.Point) extent.Point3 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dataLocked(p)
}

func (v *Viewport) dataLocked(p image.Point) extent.Point3 {
	return extent.Point3{
		X: float64(p.X - v.upperLeft.X),
		Y: float64(p.Y - v.upperLeft.Y),
		Z: float64(v.ext.Slice()),
	}
}

// CanvasCoordinates converts a data pixel at the current zoom level into a
// canvas position.
func (v *Viewport) CanvasCoordinates(d extent.Point3) image.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.canvasLocked(d)
}

func (v *Viewport) canvasLocked(d extent.Point3) image.Point {
	return image.Point{
		X: v.upperLeft.X + int(math.Round(d.X)),
		Y: v.upperLeft.Y + int(math.Round(d.Y)),
	}
}

// RelativeCrosshair is the data pixel under the crosshair: the crosshair
// minus the upper-left corner, at the current zoom level.
func (v *Viewport) RelativeCrosshair() extent.Point3 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dataLocked(v.crosshair)
}

// CrosshairWorld is the world coordinate under the crosshair.
func (v *Viewport) CrosshairWorld() extent.Point3 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ext.PixelToWorld(v.dataLocked(v.crosshair))
}

// CanvasToWorld converts a canvas position into world coordinates.
func (v *Viewport) CanvasToWorld(p image.Point) extent.Point3 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ext.PixelToWorld(v.dataLocked(p))
}

// WorldToCanvas converts a world coordinate into a canvas position and the
// slice it falls on.
func (v *Viewport) WorldToCanvas(w extent.Point3) (image.Point, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.ext.WorldToPixel(w)
	return v.canvasLocked(d), int(math.Round(d.Z))
}
