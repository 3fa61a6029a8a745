// Package viewport renders one plane of a dataset into a fixed-size canvas by
// compositing cached or freshly fetched tiles.
//
// Every redraw is stamped with a new epoch before any fetch is issued. Tile
// results travel through a single channel to one consumption loop, which
// draws a result only if it belongs to the current epoch. Late results are
// still inserted into the cache.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/render"
	"github.com/tissuestack/viewer/internal/syncbus"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/pkg/colormap"
)

// MaxCanvas is the largest accepted canvas width or height.
const MaxCanvas = 8192

var (
	ErrClosed          = errors.New("viewport: closed")
	ErrInvalidSize     = errors.New("viewport: invalid canvas size")
	ErrInvalidContrast = errors.New("viewport: invalid contrast window")
	ErrOverlayDisabled = errors.New("viewport: overlay mode is disabled")
	ErrOverlayCycle    = errors.New("viewport: overlay link would form a cycle")
)

// TileCache is the shared decoded-tile cache. Inserted images are immutable.
type TileCache interface {
	Lookup(key tile.Key) (image.Image, bool)
	Insert(key tile.Key, img image.Image)
	Prefetch(ctx context.Context, keys []tile.Key)
}

// Config holds the per-viewport render settings.
type Config struct {
	Width  int
	Height int
	// Colormap is the initial color map; empty or "grey" disables it.
	Colormap string
	// Sync enables publishing to and receiving from an attached bus.
	Sync bool
	// OverlayMode allows this viewport to be stacked over another one.
	OverlayMode bool
	// Transparency is the alpha of an overlay viewport over its underlying
	// one, in (0, 1]. Defaults to 0.5.
	Transparency float64
	// Palettes are the client-side color tables. Defaults to colormap.Palettes().
	Palettes         map[string]*colormap.Palette
	IncludeCrossHair bool
	// ScaleBarPx draws a scale bar of that length when the extent has a
	// resolution. Zero disables it.
	ScaleBarPx int
	// DatasetMin and DatasetMax are the native sample range, 0..255 by default.
	DatasetMin int
	DatasetMax int
	// Prefetch asks the cache to warm the neighbouring slices.
	Prefetch bool
	// MaxInflight bounds concurrent tile fetches. Defaults to 8.
	MaxInflight int
	// KnownColormaps settles the colormap probe up front: true means
	// colorized tiles exist for the name, false means they do not.
	KnownColormaps map[string]bool
}

func (c *Config) applyDefaults() {
	if c.Transparency <= 0 || c.Transparency > 1 {
		c.Transparency = 0.5
	}
	if c.Palettes == nil {
		c.Palettes = colormap.Palettes()
	}
	if c.DatasetMin == 0 && c.DatasetMax == 0 {
		c.DatasetMax = 255
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 8
	}
}

// Frame describes a completed composite.
type Frame struct {
	ViewportID string
	DatasetID  string
	Plane      extent.Plane
	Epoch      uint64
	Slice      int
	ZoomLevel  int
	UpperLeft  image.Point
	Crosshair  image.Point
	Size       extent.Dims
	// ScaleX and ScaleY map one-to-one pixels to zoom-level pixels.
	ScaleX, ScaleY float64
	// Visible is false when nothing of the extent was on the canvas.
	Visible bool
	Partial bool
}

// Projection maps one-to-one data pixels of the frame onto the canvas.
func (f Frame) Projection() render.Projection {
	return render.Projection{
		OffsetX: float64(f.UpperLeft.X),
		OffsetY: float64(f.UpperLeft.Y),
		ScaleX:  f.ScaleX,
		ScaleY:  f.ScaleY,
	}
}

// Stats are counters for one viewport.
type Stats struct {
	Epoch        uint64 `json:"epoch"`
	Completed    uint64 `json:"completed"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Failed       uint64 `json:"failed"`
	DroppedStale uint64 `json:"dropped_stale"`
	Partial      bool   `json:"partial"`
	Synced       bool   `json:"synced"`
}

type probeState int

const (
	probeUnknown probeState = iota
	probePending
	probeGrey
	probeColorized
)

type pass struct {
	epoch   uint64
	buf     *image.RGBA
	palette *colormap.Palette
	visible bool
	partial bool
	emit    bool
}

type tileResult struct {
	key       tile.Key
	placement Placement
	epoch     uint64
	img       image.Image
	err       error
}

type completion struct {
	frame     Frame
	listeners []func(Frame)
	msg       *syncbus.Message
	bus       *syncbus.Bus
}

// Viewport owns a canvas and the camera (upper-left corner, crosshair, zoom
// level and slice) over an Extent.
type Viewport struct {
	id      string
	cache   TileCache
	fetcher tile.Fetcher
	sem     *semaphore.Weighted

	mu         sync.Mutex
	cfg        Config
	ext        *extent.Extent
	upperLeft  image.Point
	crosshair  image.Point
	colormap   string
	contrast   Contrast
	lut        *[256]uint8
	scaleLabel string

	epoch     uint64
	completed uint64
	counter   cache.Counter
	pass      *pass
	frame     Frame
	canvas    *image.RGBA
	changed   chan struct{}
	synced    bool
	probes    map[string]probeState
	stats     Stats

	listeners   []func(Frame)
	bus         *syncbus.Bus
	unsubscribe func()
	lastSeen    map[string]uint64
	peers       map[string]bool
	underlying  *Viewport

	baseCtx  context.Context
	cancel   context.CancelFunc
	results  chan tileResult
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a viewport over ext, centered on the canvas with the crosshair
// in the middle, and starts its consumption loop.
func New(ext *extent.Extent, tiles TileCache, fetcher tile.Fetcher, cfg Config) (*Viewport, error) {
	if ext == nil {
		return nil, errors.New("viewport: extent is required")
	}
	if tiles == nil || fetcher == nil {
		return nil, errors.New("viewport: cache and fetcher are required")
	}
	if err := checkSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	v := &Viewport{
		id:        uuid.NewString(),
		cache:     tiles,
		fetcher:   fetcher,
		sem:       semaphore.NewWeighted(int64(cfg.MaxInflight)),
		cfg:       cfg,
		ext:       ext,
		colormap:  cfg.Colormap,
		contrast:  Contrast{Min: cfg.DatasetMin, Max: cfg.DatasetMax, OutMin: cfg.DatasetMin, OutMax: cfg.DatasetMax},
		canvas:    image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
		changed:   make(chan struct{}),
		probes:    make(map[string]probeState),
		lastSeen:  make(map[string]uint64),
		peers:     make(map[string]bool),
		baseCtx:   ctx,
		cancel:    cancel,
		results:   make(chan tileResult, 64),
		stopCh:    make(chan struct{}),
		crosshair: image.Pt(cfg.Width/2, cfg.Height/2),
	}
	for name, colorized := range cfg.KnownColormaps {
		v.probes[name] = probeGrey
		if colorized {
			v.probes[name] = probeColorized
		}
	}
	v.upperLeft = CenteredUpperLeft(v.sizeLocked(), ext.Dims())
	v.onZoom(ext)

	v.wg.Add(1)
	go v.loop()
	return v, nil
}

// ID returns the viewport's unique id.
func (v *Viewport) ID() string { return v.id }

// DatasetID returns the id of the dataset shown.
func (v *Viewport) DatasetID() string { return v.ext.DatasetID() }

// Plane returns the plane shown.
func (v *Viewport) Plane() extent.Plane { return v.ext.Plane() }

// Close stops the consumption loop and leaves the bus. Results of in-flight
// fetches are discarded.
func (v *Viewport) Close() {
	v.stopOnce.Do(func() {
		v.mu.Lock()
		unsubscribe := v.unsubscribe
		v.unsubscribe = nil
		v.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}

		close(v.stopCh)
		v.cancel()
		v.wg.Wait()
	})
}

func (v *Viewport) closed() bool {
	select {
	case <-v.stopCh:
		return true
	default:
		return false
	}
}

// OnRendered registers fn to be called after every completed composite.
func (v *Viewport) OnRendered(fn func(Frame)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Redraw starts a new pass for the current camera state and returns its
// epoch. Cached tiles are drawn immediately; missing tiles are fetched in
// the background.
func (v *Viewport) Redraw(ctx context.Context) uint64 {
	v.mu.Lock()
	epoch, done := v.redrawLocked(ctx, false)
	v.mu.Unlock()
	v.deliver(done)
	return epoch
}

func (v *Viewport) redrawLocked(ctx context.Context, fromSync bool) (uint64, *completion) {
	v.epoch++
	epoch := v.epoch
	v.synced = fromSync
	v.stats.Partial = false

	p := &pass{
		epoch: epoch,
		buf:   image.NewRGBA(v.canvas.Rect),
		emit:  !fromSync,
	}
	v.pass = p

	size := v.sizeLocked()
	dims := v.ext.Dims()
	if !v.ext.InSliceRange() || Outside(v.upperLeft, size, dims) {
		v.counter.Begin(epoch, 0)
		return epoch, v.finishLocked(p)
	}
	p.visible = true

	placements := VisibleTiles(v.upperLeft, size, dims, v.ext.TileSize())
	v.counter.Begin(epoch, len(placements))

	cmap, palette := v.tileColormapLocked(ctx, placements[0])
	p.palette = palette

	var misses []tileResult
	for _, pl := range placements {
		key := v.keyLocked(pl, cmap, v.ext.Slice())
		if img, ok := v.cache.Lookup(key); ok {
			v.stats.Hits++
			drawTile(p.buf, img, pl)
			v.counter.Arrive(epoch)
			continue
		}
		v.stats.Misses++
		misses = append(misses, tileResult{key: key, placement: pl, epoch: epoch})
	}
	for _, m := range misses {
		v.dispatch(ctx, m)
	}

	if v.cfg.Prefetch {
		v.cache.Prefetch(v.baseCtx, v.neighbourKeysLocked(placements, cmap))
	}

	if v.counter.Finished() {
		return epoch, v.finishLocked(p)
	}
	return epoch, nil
}

func (v *Viewport) dispatch(ctx context.Context, job tileResult) {
	go func() {
		if err := v.sem.Acquire(ctx, 1); err != nil {
			job.err = err
		} else {
			job.img, job.err = v.fetcher.Fetch(ctx, job.key)
			v.sem.Release(1)
		}

		select {
		case v.results <- job:
		case <-v.stopCh:
		}
	}()
}

func (v *Viewport) loop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stopCh:
			return
		case r := <-v.results:
			v.mu.Lock()
			done := v.consumeLocked(r)
			v.mu.Unlock()
			v.deliver(done)
		}
	}
}

// consumeLocked is the only place where fetched tiles reach a pass.
func (v *Viewport) consumeLocked(r tileResult) *completion {
	if r.err == nil && r.img != nil {
		v.cache.Insert(r.key, r.img)
	}

	p := v.pass
	if p == nil || r.epoch != p.epoch {
		v.stats.DroppedStale++
		return nil
	}

	if r.err != nil || r.img == nil {
		v.stats.Failed++
		p.partial = true
		v.stats.Partial = true
		log.Printf("[Viewport] %s: tile %s failed: %v", v, r.key, r.err)
	} else {
		drawTile(p.buf, r.img, r.placement)
	}

	if v.counter.Arrive(r.epoch) {
		return v.finishLocked(p)
	}
	if p.partial {
		v.blitLocked(p)
	}
	return nil
}

func drawTile(dst *image.RGBA, img image.Image, pl Placement) {
	b := img.Bounds()
	src := pl.Src.Add(b.Min).Intersect(b)
	if src.Empty() {
		return
	}
	r := image.Rectangle{Min: pl.Dst, Max: pl.Dst.Add(src.Size())}
	draw.Draw(dst, r, img, src.Min, draw.Src)
}

func (v *Viewport) finishLocked(p *pass) *completion {
	v.blitLocked(p)
	v.completed = p.epoch
	v.stats.Completed = p.epoch
	close(v.changed)
	v.changed = make(chan struct{})

	v.frame = v.frameLocked(p)
	done := &completion{
		frame:     v.frame,
		listeners: slices.Clone(v.listeners),
	}
	if p.emit && v.cfg.Sync && v.bus != nil {
		msg := v.messageLocked(p.epoch)
		done.msg = &msg
		done.bus = v.bus
	}
	return done
}

func (v *Viewport) deliver(done *completion) {
	if done == nil {
		return
	}
	for _, fn := range done.listeners {
		fn(done.frame)
	}
	if done.msg != nil {
		done.bus.Publish(*done.msg)
	}
}

// blitLocked post-processes a private copy of the pass buffer and replaces
// the visible canvas with it.
func (v *Viewport) blitLocked(p *pass) {
	out := postprocess(p.buf, v.lut, p.palette)
	r := v.canvas.Rect

	if v.underlying != nil {
		draw.Draw(v.canvas, r, v.underlying.Image(), image.Point{}, draw.Src)
		alpha := uint8(math.Round(v.cfg.Transparency * 255))
		draw.DrawMask(v.canvas, r, out, image.Point{}, image.NewUniform(color.Alpha{A: alpha}), image.Point{}, draw.Over)
	} else {
		draw.Draw(v.canvas, r, out, image.Point{}, draw.Src)
	}

	if v.cfg.IncludeCrossHair {
		render.DrawCrosshair(v.canvas, v.crosshair, render.CrosshairColor)
	}
	if v.cfg.ScaleBarPx > 0 && p.visible {
		render.DrawScaleBar(v.canvas, v.cfg.ScaleBarPx, v.scaleLabel)
	}
}

// recomposite re-blits the last completed pass, e.g. after the underlying
// viewport changed.
func (v *Viewport) recomposite() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pass != nil && v.completed == v.pass.epoch {
		v.blitLocked(v.pass)
	}
}

// tileColormapLocked picks the colormap suffix for tile keys and the client
// palette to apply. Colorized tiles are only requested once a probe found
// them; until then grey tiles are colored client-side.
func (v *Viewport) tileColormapLocked(ctx context.Context, first Placement) (string, *colormap.Palette) {
	name := v.colormap
	if colormap.IsGrey(name) {
		return "", nil
	}
	palette := v.cfg.Palettes[name]
	if !v.ext.Tiled() {
		return "", palette
	}

	switch v.probes[name] {
	case probeColorized:
		return name, nil
	case probeUnknown:
		v.probes[name] = probePending
		key := v.keyLocked(first, name, v.ext.Slice())
		go v.probe(ctx, name, key)
	}
	return "", palette
}

func (v *Viewport) probe(ctx context.Context, name string, key tile.Key) {
	ok, err := v.fetcher.Exists(ctx, key)

	state := probeGrey
	switch {
	case err != nil:
		log.Printf("[Viewport] %s: colormap probe for %q failed, using client palette: %v", v, name, err)
	case ok:
		state = probeColorized
	}

	v.mu.Lock()
	v.probes[name] = state
	redraw := state == probeColorized && v.colormap == name
	v.mu.Unlock()

	if redraw && !v.closed() {
		v.Redraw(ctx)
	}
}

func (v *Viewport) keyLocked(pl Placement, cmap string, slice int) tile.Key {
	return tile.Key{
		DatasetID: v.ext.DatasetID(),
		Zoom:      v.ext.ZoomLevel(),
		Plane:     v.ext.Plane(),
		Slice:     slice,
		Row:       pl.Row,
		Col:       pl.Col,
		Colormap:  cmap,
	}
}

func (v *Viewport) neighbourKeysLocked(placements []Placement, cmap string) []tile.Key {
	keys := make([]tile.Key, 0, 2*len(placements))
	for _, slice := range []int{v.ext.Slice() - v.ext.Step(), v.ext.Slice() + v.ext.Step()} {
		if slice < 0 || slice > v.ext.MaxSlices() {
			continue
		}
		for _, pl := range placements {
			keys = append(keys, v.keyLocked(pl, cmap, slice))
		}
	}
	return keys
}

func (v *Viewport) frameLocked(p *pass) Frame {
	dims := v.ext.Dims()
	one := v.ext.OneToOneDims()
	return Frame{
		ViewportID: v.id,
		DatasetID:  v.ext.DatasetID(),
		Plane:      v.ext.Plane(),
		Epoch:      p.epoch,
		Slice:      v.ext.Slice(),
		ZoomLevel:  v.ext.ZoomLevel(),
		UpperLeft:  v.upperLeft,
		Crosshair:  v.crosshair,
		Size:       v.sizeLocked(),
		ScaleX:     float64(dims.X) / float64(one.X),
		ScaleY:     float64(dims.Y) / float64(one.Y),
		Visible:    p.visible,
		Partial:    p.partial,
	}
}

// Wait blocks until the pass for epoch, or a later one, has completed.
func (v *Viewport) Wait(ctx context.Context, epoch uint64) error {
	for {
		v.mu.Lock()
		if v.completed >= epoch {
			v.mu.Unlock()
			return nil
		}
		ch := v.changed
		v.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-v.stopCh:
			return ErrClosed
		}
	}
}

// LastFrame describes the most recently completed pass.
func (v *Viewport) LastFrame() Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame
}

// Image returns a copy of the visible canvas.
func (v *Viewport) Image() *image.RGBA {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := image.NewRGBA(v.canvas.Rect)
	copy(out.Pix, v.canvas.Pix)
	return out
}

// Stats returns a snapshot of the viewport counters.
func (v *Viewport) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.stats
	s.Epoch = v.epoch
	s.Synced = v.synced
	return s
}

func checkSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxCanvas || height > MaxCanvas {
		return fmt.Errorf("%w: %dx%d, want 1..%d per side", ErrInvalidSize, width, height, MaxCanvas)
	}
	return nil
}

func (v *Viewport) sizeLocked() extent.Dims {
	return extent.Dims{X: v.cfg.Width, Y: v.cfg.Height}
}

func (v *Viewport) onZoom(e *extent.Extent) {
	v.scaleLabel = e.ScaleBarLabel(v.cfg.ScaleBarPx)
}
