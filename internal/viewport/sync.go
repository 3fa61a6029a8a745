package viewport

import (
	"fmt"
	"image"
	"math"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/syncbus"
)

// Attach joins bus: completed local redraws are published and messages from
// siblings are followed. Viewports without Config.Sync ignore the call.
func (v *Viewport) Attach(bus *syncbus.Bus) {
	if !v.cfg.Sync || bus == nil {
		return
	}

	v.mu.Lock()
	old := v.unsubscribe
	v.bus = bus
	v.unsubscribe = nil
	v.mu.Unlock()
	if old != nil {
		old()
	}

	unsubscribe := bus.Subscribe(v.id, v.Receive)
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()
}

// Link accepts sync messages from datasetID in addition to the viewport's
// own dataset.
func (v *Viewport) Link(datasetID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.peers[datasetID] = true
}

// LinkOverlay stacks over on top of under: over is composited over a copy of
// under's canvas with its configured transparency, and both follow each
// other's sync messages.
func LinkOverlay(under, over *Viewport) error {
	if !over.cfg.OverlayMode {
		return ErrOverlayDisabled
	}
	for p := under; p != nil; p = p.underlyingViewport() {
		if p == over {
			return ErrOverlayCycle
		}
	}

	over.mu.Lock()
	over.underlying = under
	over.peers[under.DatasetID()] = true
	over.mu.Unlock()

	under.Link(over.DatasetID())
	under.OnRendered(func(Frame) { over.recomposite() })
	return nil
}

func (v *Viewport) underlyingViewport() *Viewport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.underlying
}

// Receive follows a sibling's camera and redraws without publishing.
func (v *Viewport) Receive(msg syncbus.Message) {
	if v.closed() {
		return
	}

	v.mu.Lock()
	if !v.acceptLocked(msg) {
		v.mu.Unlock()
		return
	}
	v.followLocked(msg)
	_, done := v.redrawLocked(v.baseCtx, true)
	v.mu.Unlock()

	v.deliver(done)
}

func (v *Viewport) acceptLocked(msg syncbus.Message) bool {
	if msg.ViewportID == v.id {
		return false
	}
	if msg.DatasetID != v.ext.DatasetID() && !v.peers[msg.DatasetID] {
		return false
	}
	if msg.Epoch <= v.lastSeen[msg.ViewportID] {
		return false
	}
	v.lastSeen[msg.ViewportID] = msg.Epoch
	return true
}

// followLocked re-projects the sender's crosshair into this viewport: the
// sender's data pixel and slice become fractions of the volume, which are
// read back along this plane's axes. The data point ends up under this
// viewport's crosshair.
func (v *Viewport) followLocked(msg syncbus.Message) {
	if msg.ZoomLevel != v.ext.ZoomLevel() {
		v.changeZoomLevelLocked(msg.ZoomLevel)
	}
	if msg.Plane == v.ext.Plane() && msg.Crosshair.In(v.canvas.Rect) {
		v.crosshair = msg.Crosshair
	}

	vol := volumeFractions(msg)
	cx, cy, cs := planeAxes(v.ext.Plane())
	dims := v.ext.Dims()

	px := vol[cx] * float64(dims.X)
	py := (1 - vol[cy]) * float64(dims.Y)
	v.upperLeft = image.Pt(
		v.crosshair.X-int(math.Round(px)),
		v.crosshair.Y-int(math.Round(py)),
	)
	v.ext.SetSlice(sliceFromFraction(vol[cs], v.ext.MaxSlices()))
}

// planeAxes returns the volume axes (0=x, 1=y, 2=z) shown along the canvas
// x axis, along the canvas up direction and across slices.
func planeAxes(p extent.Plane) (int, int, int) {
	switch p {
	case extent.PlaneX:
		return 1, 2, 0
	case extent.PlaneY:
		return 0, 2, 1
	default:
		return 0, 1, 2
	}
}

func volumeFractions(msg syncbus.Message) [3]float64 {
	var vol [3]float64
	cx, cy, cs := planeAxes(msg.Plane)
	d := msg.Extent.Dims
	if d.X > 0 {
		vol[cx] = msg.CrosshairPixel.X / float64(d.X)
	}
	if d.Y > 0 {
		vol[cy] = 1 - msg.CrosshairPixel.Y/float64(d.Y)
	}
	vol[cs] = float64(msg.Slice) / float64(msg.Extent.MaxSlices+1)
	return vol
}

func sliceFromFraction(f float64, maxSlices int) int {
	s := int(math.Floor(f*float64(maxSlices+1) + 1e-9))
	if s < 0 {
		return 0
	}
	if s > maxSlices {
		return maxSlices
	}
	return s
}

func (v *Viewport) messageLocked(epoch uint64) syncbus.Message {
	return syncbus.Message{
		DatasetID:      v.ext.DatasetID(),
		ViewportID:     v.id,
		Epoch:          epoch,
		Plane:          v.ext.Plane(),
		ZoomLevel:      v.ext.ZoomLevel(),
		Slice:          v.ext.Slice(),
		CrosshairPixel: v.dataLocked(v.crosshair),
		Extent: syncbus.ExtentSummary{
			Dims:      v.ext.Dims(),
			OneToOne:  v.ext.OneToOneDims(),
			Orig:      v.ext.OrigDims(),
			MaxSlices: v.ext.MaxSlices(),
			Step:      v.ext.Step(),
		},
		UpperLeft:    v.upperLeft,
		Crosshair:    v.crosshair,
		ViewportDims: v.sizeLocked(),
	}
}

func (v *Viewport) String() string {
	return fmt.Sprintf("viewport %s (%s/%s)", v.id[:8], v.ext.DatasetID(), v.ext.Plane())
}
