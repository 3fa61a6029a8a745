package viewport

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/tissuestack/viewer/internal/extent"
)

// Camera mutators only change state; call Redraw to render it.

// UpperLeft returns the canvas position of the data origin.
func (v *Viewport) UpperLeft() image.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.upperLeft
}

// SetUpperLeft moves the data origin to canvas position p.
func (v *Viewport) SetUpperLeft(p image.Point) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upperLeft = p
}

// MoveUpperLeft pans by (dx, dy) canvas pixels.
func (v *Viewport) MoveUpperLeft(dx, dy int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upperLeft = v.upperLeft.Add(image.Pt(dx, dy))
}

// CenterUpperLeft centers the extent on the canvas.
func (v *Viewport) CenterUpperLeft() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upperLeft = CenteredUpperLeft(v.sizeLocked(), v.ext.Dims())
}

// Crosshair returns the crosshair canvas position.
func (v *Viewport) Crosshair() image.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.crosshair
}

// SetCrosshair moves the crosshair to canvas position p.
func (v *Viewport) SetCrosshair(p image.Point) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.crosshair = p
}

// ZoomLevel returns the current zoom level.
func (v *Viewport) ZoomLevel() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ext.ZoomLevel()
}

// Dims returns the extent dimensions at the current zoom level.
func (v *Viewport) Dims() extent.Dims {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ext.Dims()
}

// ChangeZoomLevel switches zoom levels keeping the data under the crosshair
// stationary. Unknown or unchanged levels are ignored and return false.
func (v *Viewport) ChangeZoomLevel(level int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changeZoomLevelLocked(level)
}

func (v *Viewport) changeZoomLevelLocked(level int) bool {
	before := v.ext.Dims()
	if !v.ext.ChangeZoomLevel(level, v.onZoom) {
		return false
	}
	v.upperLeft = NewUpperLeftForPointZoom(v.upperLeft, v.crosshair, before, v.ext.Dims())
	return true
}

// Slice returns the current slice.
func (v *Viewport) Slice() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ext.Slice()
}

// SetSlice selects a slice. Slices outside the extent render as nothing.
func (v *Viewport) SetSlice(slice int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ext.SetSlice(slice)
}

// Colormap returns the active color map name.
func (v *Viewport) Colormap() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.colormap
}

// SetColormap selects a color map; "" or "grey" disables coloring.
func (v *Viewport) SetColormap(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.colormap = name
}

// Contrast returns the current contrast window.
func (v *Viewport) Contrast() Contrast {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.contrast
}

// SetContrast sets the contrast window. Both bounds must lie within the
// dataset's native range with min < max.
func (v *Viewport) SetContrast(lo, hi int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if lo >= hi || lo < v.cfg.DatasetMin || hi > v.cfg.DatasetMax {
		return fmt.Errorf("%w: [%d,%d] within [%d,%d]", ErrInvalidContrast, lo, hi, v.cfg.DatasetMin, v.cfg.DatasetMax)
	}
	v.contrast = Contrast{Min: lo, Max: hi, OutMin: v.cfg.DatasetMin, OutMax: v.cfg.DatasetMax}
	v.lut = nil
	if !v.contrast.Identity() {
		v.lut = v.contrast.Table()
	}
	return nil
}

// Resize changes the canvas size keeping the data under the crosshair in
// place relative to the new canvas.
func (v *Viewport) Resize(width, height int) error {
	if err := checkSize(width, height); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.crosshair.Sub(v.upperLeft)
	v.crosshair = image.Pt(
		int(math.Round(float64(v.crosshair.X)*float64(width)/float64(v.cfg.Width))),
		int(math.Round(float64(v.crosshair.Y)*float64(height)/float64(v.cfg.Height))),
	)
	v.upperLeft = v.crosshair.Sub(data)
	v.cfg.Width, v.cfg.Height = width, height
	v.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

// CenterOn puts the data pixel p (Z being the slice) under a crosshair in
// the middle of the canvas and redraws.
func (v *Viewport) CenterOn(ctx context.Context, p extent.Point3) uint64 {
	v.mu.Lock()
	v.crosshair = image.Pt(v.cfg.Width/2, v.cfg.Height/2)
	v.upperLeft = image.Pt(
		v.crosshair.X-int(math.Round(p.X)),
		v.crosshair.Y-int(math.Round(p.Y)),
	)
	v.ext.SetSlice(int(math.Round(p.Z)))
	epoch, done := v.redrawLocked(ctx, false)
	v.mu.Unlock()

	v.deliver(done)
	return epoch
}

// CenterOnWorld is CenterOn for a world coordinate.
func (v *Viewport) CenterOnWorld(ctx context.Context, w extent.Point3) uint64 {
	v.mu.Lock()
	p := v.ext.WorldToPixel(w)
	v.mu.Unlock()
	return v.CenterOn(ctx, p)
}

// ScaleBarLabel returns the physical length of the configured scale bar.
func (v *Viewport) ScaleBarLabel() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scaleLabel
}
