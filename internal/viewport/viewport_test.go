package viewport

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/syncbus"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/pkg/colormap"
)

var errBroken = errors.New("broken tile")

// fakeFetcher serves uniform grey tiles whose value is the slice index, or
// opaque red tiles for colorized keys.
type fakeFetcher struct {
	tileSize int
	dims     extent.Dims

	mu      sync.Mutex
	fetched []tile.Key
	gates   map[int]chan struct{}
	broken  map[string]bool
	values  map[string]uint8

	colorized   bool
	existsErr   error
	existsCalls atomic.Int32
}

func newFakeFetcher(tileSize int, dims extent.Dims) *fakeFetcher {
	return &fakeFetcher{
		tileSize: tileSize,
		dims:     dims,
		gates:    make(map[int]chan struct{}),
		broken:   make(map[string]bool),
		values:   make(map[string]uint8),
	}
}

func (f *fakeFetcher) gate(slice int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[slice] = ch
	return ch
}

func (f *fakeFetcher) Fetch(ctx context.Context, key tile.Key) (image.Image, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, key)
	gate := f.gates[key.Slice]
	broken := f.broken[key.String()]
	value, ok := f.values[key.DatasetID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if broken {
		return nil, errBroken
	}
	if !ok {
		value = uint8(key.Slice)
	}

	w := min(f.tileSize, f.dims.X-key.Col*f.tileSize)
	h := min(f.tileSize, f.dims.Y-key.Row*f.tileSize)
	if key.Colorized() {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+3] = 255, 255
		}
		return img, nil
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img, nil
}

func (f *fakeFetcher) Exists(ctx context.Context, key tile.Key) (bool, error) {
	f.existsCalls.Add(1)
	return f.colorized, f.existsErr
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func (f *fakeFetcher) fetchedColormap(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.fetched {
		if k.Colormap == name {
			return true
		}
	}
	return false
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(cache.Config{TileCacheSizeMB: 4, ImageCacheSize: 256})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestExtent(t *testing.T, mutate func(*extent.Config)) *extent.Extent {
	t.Helper()
	cfg := extent.Config{
		DatasetID:  "ds",
		Plane:      extent.PlaneZ,
		TileSize:   8,
		ZoomLevels: []float64{1},
		OneToOne:   extent.Dims{X: 16, Y: 16},
		MaxSlices:  300,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := extent.New(cfg)
	if err != nil {
		t.Fatalf("failed to create extent: %v", err)
	}
	return e
}

func newTestViewport(t *testing.T, ext *extent.Extent, tiles TileCache, f tile.Fetcher, cfg Config) *Viewport {
	t.Helper()
	if cfg.Width == 0 {
		cfg.Width, cfg.Height = 16, 16
	}
	v, err := New(ext, tiles, f, cfg)
	if err != nil {
		t.Fatalf("failed to create viewport: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func redrawAndWait(t *testing.T, v *Viewport) uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	epoch := v.Redraw(ctx)
	if err := v.Wait(ctx, epoch); err != nil {
		t.Fatalf("wait for epoch %d: %v", epoch, err)
	}
	return epoch
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_Rejects(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	c := newTestCache(t)

	if _, err := New(ext, c, f, Config{}); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected size error, got %v", err)
	}
	for _, size := range [][2]int{{MaxCanvas + 1, 1}, {1, MaxCanvas + 1}, {1 << 24, 1 << 24}} {
		if _, err := New(ext, c, f, Config{Width: size[0], Height: size[1]}); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("expected size error for %dx%d, got %v", size[0], size[1], err)
		}
	}
	if _, err := New(nil, c, f, Config{Width: 1, Height: 1}); err == nil {
		t.Fatal("expected error without extent")
	}
	if _, err := New(ext, c, nil, Config{Width: 1, Height: 1}); err == nil {
		t.Fatal("expected error without fetcher")
	}
}

func TestRedraw_ColdThenWarm(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	v := newTestViewport(t, ext, newTestCache(t), f, Config{})
	v.SetSlice(7)

	redrawAndWait(t, v)
	if got := v.Image().RGBAAt(3, 12); got != (color.RGBA{7, 7, 7, 255}) {
		t.Fatalf("unexpected pixel after cold redraw: %v", got)
	}
	if s := v.Stats(); s.Misses != 4 || s.Hits != 0 {
		t.Fatalf("expected 4 misses on a cold cache, got %+v", s)
	}

	epoch := v.Redraw(context.Background())
	if s := v.Stats(); s.Completed != epoch || s.Hits != 4 {
		t.Fatalf("expected a synchronous warm pass, got %+v", s)
	}
	if f.fetchCount() != 4 {
		t.Fatalf("warm pass must not fetch, got %d fetches", f.fetchCount())
	}
	if got := v.Image().RGBAAt(12, 3); got != (color.RGBA{7, 7, 7, 255}) {
		t.Fatalf("unexpected pixel after warm redraw: %v", got)
	}
}

func TestRedraw_StaleResultsAreNotDrawn(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	c := newTestCache(t)
	v := newTestViewport(t, ext, c, f, Config{})

	release := f.gate(5)
	v.SetSlice(5)
	first := v.Redraw(context.Background())

	v.SetSlice(6)
	second := redrawAndWait(t, v)
	if second <= first {
		t.Fatalf("epochs must increase: %d then %d", first, second)
	}

	close(release)
	eventually(t, "stale results", func() bool { return v.Stats().DroppedStale == 4 })

	if got := v.Image().RGBAAt(8, 8); got.R != 6 {
		t.Fatalf("stale tile reached the canvas: %v", got)
	}
	if _, ok := c.Lookup(tile.Key{DatasetID: "ds", Plane: extent.PlaneZ, Slice: 5}); !ok {
		t.Fatal("stale tile should still be cached")
	}
}

func TestRedraw_FailedTileLeavesGap(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	v := newTestViewport(t, ext, newTestCache(t), f, Config{})
	v.SetSlice(9)

	f.broken[tile.Key{DatasetID: "ds", Plane: extent.PlaneZ, Slice: 9}.String()] = true
	redrawAndWait(t, v)

	img := v.Image()
	if img.RGBAAt(2, 2).A != 0 {
		t.Fatalf("failed tile must leave a transparent gap, got %v", img.RGBAAt(2, 2))
	}
	if img.RGBAAt(10, 10).R != 9 {
		t.Fatalf("other tiles must still render, got %v", img.RGBAAt(10, 10))
	}
	if s := v.Stats(); !s.Partial || s.Failed != 1 {
		t.Fatalf("expected a partial pass with one failure, got %+v", s)
	}
}

func TestRedraw_NothingVisible(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	v := newTestViewport(t, ext, newTestCache(t), f, Config{})

	v.SetSlice(2)
	redrawAndWait(t, v)

	t.Run("sliceOutOfRange", func(t *testing.T) {
		v.SetSlice(301)
		redrawAndWait(t, v)
		if v.Image().RGBAAt(8, 8).A != 0 {
			t.Fatal("canvas must be erased")
		}
	})
	t.Run("outsideCanvas", func(t *testing.T) {
		v.SetSlice(2)
		v.SetUpperLeft(image.Pt(-16, 0))
		redrawAndWait(t, v)
		if v.Image().RGBAAt(8, 8).A != 0 {
			t.Fatal("canvas must be erased")
		}
	})

	if f.fetchCount() != 4 {
		t.Fatalf("no fetches expected when nothing is visible, got %d", f.fetchCount())
	}
}

func TestRedraw_Contrast(t *testing.T) {
	ext := newTestExtent(t, nil)
	f := newFakeFetcher(8, ext.Dims())
	v := newTestViewport(t, ext, newTestCache(t), f, Config{})

	if err := v.SetContrast(200, 20); !errors.Is(err, ErrInvalidContrast) {
		t.Fatalf("expected invalid contrast, got %v", err)
	}
	if err := v.SetContrast(20, 200); err != nil {
		t.Fatalf("set contrast: %v", err)
	}

	v.SetSlice(10)
	redrawAndWait(t, v)
	if got := v.Image().RGBAAt(1, 1).R; got != 0 {
		t.Errorf("sample 10 must map to 0, got %d", got)
	}

	v.SetSlice(255)
	redrawAndWait(t, v)
	if got := v.Image().RGBAAt(1, 1).R; got != 255 {
		t.Errorf("sample 255 must map to 255, got %d", got)
	}
}

func TestColormapProbe_FallsBackToPalette(t *testing.T) {
	ext := newTestExtent(t, func(c *extent.Config) { c.Tiled = true })
	f := newFakeFetcher(8, ext.Dims())
	f.existsErr = errors.New("probe failed")
	v := newTestViewport(t, ext, newTestCache(t), f, Config{Colormap: "hot"})
	v.SetSlice(100)

	redrawAndWait(t, v)
	eventually(t, "probe", func() bool { return f.existsCalls.Load() == 1 })
	redrawAndWait(t, v)

	if n := f.existsCalls.Load(); n != 1 {
		t.Fatalf("probe must run once per colormap, ran %d times", n)
	}
	if f.fetchedColormap("hot") {
		t.Fatal("colorized tiles must not be requested after a failed probe")
	}
	r, g, b := colormap.Table(colormap.Hot).Lookup(100)
	if got := v.Image().RGBAAt(4, 4); got.R != r || got.G != g || got.B != b {
		t.Fatalf("expected palette color %d,%d,%d, got %v", r, g, b, got)
	}
}

func TestColormapProbe_UsesColorizedTiles(t *testing.T) {
	ext := newTestExtent(t, func(c *extent.Config) { c.Tiled = true })
	f := newFakeFetcher(8, ext.Dims())
	f.colorized = true
	v := newTestViewport(t, ext, newTestCache(t), f, Config{Colormap: "hot"})
	v.SetSlice(100)

	v.Redraw(context.Background())
	eventually(t, "colorized redraw", func() bool {
		return v.Image().RGBAAt(4, 4) == color.RGBA{R: 255, A: 255}
	})
	if !f.fetchedColormap("hot") {
		t.Fatal("expected colorized tile requests")
	}
}

func TestKnownColormaps_SkipProbe(t *testing.T) {
	t.Run("colorized", func(t *testing.T) {
		ext := newTestExtent(t, func(c *extent.Config) { c.Tiled = true })
		f := newFakeFetcher(8, ext.Dims())
		v := newTestViewport(t, ext, newTestCache(t), f, Config{
			Colormap:       "hot",
			KnownColormaps: map[string]bool{"hot": true},
		})

		redrawAndWait(t, v)
		if got := v.Image().RGBAAt(4, 4); got != (color.RGBA{R: 255, A: 255}) {
			t.Fatalf("expected colorized tiles on the first pass, got %v", got)
		}
		if n := f.existsCalls.Load(); n != 0 {
			t.Fatalf("expected no probe, got %d", n)
		}
	})

	t.Run("grey", func(t *testing.T) {
		ext := newTestExtent(t, func(c *extent.Config) { c.Tiled = true })
		f := newFakeFetcher(8, ext.Dims())
		f.colorized = true
		v := newTestViewport(t, ext, newTestCache(t), f, Config{
			Colormap:       "hot",
			KnownColormaps: map[string]bool{"hot": false},
		})
		v.SetSlice(100)

		redrawAndWait(t, v)
		if f.fetchedColormap("hot") || f.existsCalls.Load() != 0 {
			t.Fatal("expected grey tiles without a probe")
		}
		r, g, b := colormap.Table(colormap.Hot).Lookup(100)
		if got := v.Image().RGBAAt(4, 4); got.R != r || got.G != g || got.B != b {
			t.Fatalf("expected palette color %d,%d,%d, got %v", r, g, b, got)
		}
	})
}

func TestChangeZoomLevel_KeepsCrosshairWorldPoint(t *testing.T) {
	tr, err := extent.NewTransform([]float64{
		0.05, 0, 0, -25.6,
		0, 0.05, 0, -30,
		0, 0, 0.1, 4,
		0, 0, 0, 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	ext := newTestExtent(t, func(c *extent.Config) {
		c.TileSize = 256
		c.ZoomLevels = []float64{1.0, 0.5, 0.25}
		c.OneToOne = extent.Dims{X: 1024, Y: 1024}
		c.Transform = tr
	})
	f := newFakeFetcher(256, ext.Dims())
	v := newTestViewport(t, ext, newTestCache(t), f, Config{Width: 800, Height: 800})

	v.SetUpperLeft(image.Pt(0, 0))
	v.SetCrosshair(image.Pt(600, 400))
	before := v.CrosshairWorld()

	if !v.ChangeZoomLevel(1) {
		t.Fatal("expected zoom change")
	}
	if v.Dims() != (extent.Dims{X: 512, Y: 512}) {
		t.Fatalf("expected 512x512, got %+v", v.Dims())
	}
	if v.UpperLeft() != image.Pt(300, 200) {
		t.Fatalf("expected upper left (300,200), got %v", v.UpperLeft())
	}
	after := v.CrosshairWorld()
	if math.Abs(before.X-after.X) > 1e-9 || math.Abs(before.Y-after.Y) > 1e-9 {
		t.Fatalf("crosshair moved from %+v to %+v", before, after)
	}

	if v.ChangeZoomLevel(7) || v.ChangeZoomLevel(1) {
		t.Fatal("invalid or unchanged levels must be ignored")
	}

	v.SetUpperLeft(image.Pt(-37, 55))
	v.SetCrosshair(image.Pt(611, 389))
	for _, level := range []int{2, 0, 1, 2} {
		before := v.CrosshairWorld()
		v.ChangeZoomLevel(level)
		after := v.CrosshairWorld()

		factor, _ := ext.ZoomLevelFactor(level)
		tol := 0.5*0.05/factor + 1e-9
		if math.Abs(before.X-after.X) > tol || math.Abs(before.Y-after.Y) > tol {
			t.Fatalf("level %d: crosshair moved from %+v to %+v", level, before, after)
		}
	}
}

func TestCoordinates(t *testing.T) {
	ext := newTestExtent(t, nil)
	v := newTestViewport(t, ext, newTestCache(t), newFakeFetcher(8, ext.Dims()), Config{})

	v.SetUpperLeft(image.Pt(-4, 2))
	d := v.DataCoordinates(image.Pt(6, 6))
	if d.X != 10 || d.Y != 4 || d.Z != 150 {
		t.Fatalf("unexpected data coordinates %+v", d)
	}
	if p := v.CanvasCoordinates(d); p != image.Pt(6, 6) {
		t.Fatalf("unexpected canvas coordinates %v", p)
	}

	w := v.CanvasToWorld(image.Pt(6, 6))
	p, slice := v.WorldToCanvas(w)
	if p != image.Pt(6, 6) || slice != 150 {
		t.Fatalf("world round trip gave %v slice %d", p, slice)
	}

	v.SetCrosshair(image.Pt(0, 0))
	if rc := v.RelativeCrosshair(); rc.X != 4 || rc.Y != -2 {
		t.Fatalf("unexpected relative crosshair %+v", rc)
	}
}

func TestCenterOnAndResize(t *testing.T) {
	ext := newTestExtent(t, nil)
	v := newTestViewport(t, ext, newTestCache(t), newFakeFetcher(8, ext.Dims()), Config{})

	epoch := v.CenterOn(context.Background(), extent.Point3{X: 3, Y: 5, Z: 12})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.Wait(ctx, epoch); err != nil {
		t.Fatal(err)
	}
	if v.Crosshair() != image.Pt(8, 8) || v.UpperLeft() != image.Pt(5, 3) || v.Slice() != 12 {
		t.Fatalf("unexpected camera crosshair=%v ul=%v slice=%d", v.Crosshair(), v.UpperLeft(), v.Slice())
	}

	if err := v.Resize(32, 32); err != nil {
		t.Fatal(err)
	}
	if rc := v.RelativeCrosshair(); rc.X != 3 || rc.Y != 5 {
		t.Fatalf("resize moved the data under the crosshair: %+v", rc)
	}
	redrawAndWait(t, v)
	if b := v.Image().Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("unexpected canvas size %v", b)
	}
	if err := v.Resize(0, 10); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected size error, got %v", err)
	}
	if err := v.Resize(1<<24, 1<<24); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected size error for an oversized canvas, got %v", err)
	}
	if b := v.Image().Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("rejected resize changed the canvas to %v", b)
	}
}

func TestSync_FollowsOtherPlanes(t *testing.T) {
	bus := syncbus.New(8)
	defer bus.Close()
	c := newTestCache(t)

	open := func(plane extent.Plane) *Viewport {
		ext := newTestExtent(t, func(cfg *extent.Config) {
			cfg.Plane = plane
			cfg.TileSize = 64
			cfg.OneToOne = extent.Dims{X: 100, Y: 100}
			cfg.MaxSlices = 99
		})
		v := newTestViewport(t, ext, c, newFakeFetcher(64, ext.Dims()), Config{Width: 100, Height: 100, Sync: true})
		v.Attach(bus)
		return v
	}
	vz, vy, vx := open(extent.PlaneZ), open(extent.PlaneY), open(extent.PlaneX)

	vz.SetUpperLeft(image.Pt(10, 30))
	vz.SetSlice(30)
	redrawAndWait(t, vz)

	eventually(t, "plane y to follow", func() bool { return vy.Slice() == 80 })
	if rc := vy.RelativeCrosshair(); rc.X != 40 || rc.Y != 70 {
		t.Errorf("plane y: unexpected crosshair data %+v", rc)
	}

	eventually(t, "plane x to follow", func() bool { return vx.Slice() == 40 })
	if rc := vx.RelativeCrosshair(); rc.X != 80 || rc.Y != 70 {
		t.Errorf("plane x: unexpected crosshair data %+v", rc)
	}

	time.Sleep(50 * time.Millisecond)
	if vz.Slice() != 30 || vz.Stats().Synced {
		t.Fatal("followers must not publish back")
	}
	if !vy.Stats().Synced {
		t.Fatal("follower must mark its pass as synced")
	}
}

func TestSync_IgnoresOtherDatasetsAndStaleEpochs(t *testing.T) {
	ext := newTestExtent(t, nil)
	v := newTestViewport(t, ext, newTestCache(t), newFakeFetcher(8, ext.Dims()), Config{Sync: true})
	v.SetSlice(1)

	msg := syncbus.Message{
		DatasetID:  "other",
		ViewportID: "sender",
		Epoch:      2,
		Plane:      extent.PlaneZ,
		Slice:      10,
		Extent:     syncbus.ExtentSummary{Dims: extent.Dims{X: 16, Y: 16}, MaxSlices: 300},
	}
	v.Receive(msg)
	if v.Slice() != 1 {
		t.Fatal("message from an unlinked dataset must be ignored")
	}

	v.Link("other")
	v.Receive(msg)
	if v.Slice() != 10 {
		t.Fatalf("expected slice 10 from linked dataset, got %d", v.Slice())
	}

	msg.Slice = 20
	msg.Epoch = 1
	v.Receive(msg)
	if v.Slice() != 10 {
		t.Fatal("stale epoch from the same sender must be ignored")
	}
}

func TestLinkOverlay(t *testing.T) {
	c := newTestCache(t)
	under := newTestExtent(t, func(cfg *extent.Config) { cfg.DatasetID = "base" })
	over := newTestExtent(t, func(cfg *extent.Config) { cfg.DatasetID = "labels" })

	f := newFakeFetcher(8, under.Dims())
	f.values["base"] = 100
	f.values["labels"] = 200

	bottom := newTestViewport(t, under, c, f, Config{})
	top := newTestViewport(t, over, c, f, Config{OverlayMode: true, Transparency: 0.5})
	plain := newTestViewport(t, over, c, f, Config{})

	if err := LinkOverlay(bottom, plain); !errors.Is(err, ErrOverlayDisabled) {
		t.Fatalf("expected overlay disabled error, got %v", err)
	}
	if err := LinkOverlay(bottom, top); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if err := LinkOverlay(top, top); !errors.Is(err, ErrOverlayCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}

	redrawAndWait(t, bottom)
	redrawAndWait(t, top)

	got := top.Image().RGBAAt(4, 4)
	if got.R < 148 || got.R > 152 || got.A != 255 {
		t.Fatalf("expected a 50%% blend around 150, got %v", got)
	}
}

func TestOnRendered(t *testing.T) {
	ext := newTestExtent(t, func(c *extent.Config) { c.ResolutionMM = 0.5 })
	v := newTestViewport(t, ext, newTestCache(t), newFakeFetcher(8, ext.Dims()), Config{ScaleBarPx: 4})

	frames := make(chan Frame, 4)
	v.OnRendered(func(f Frame) { frames <- f })

	epoch := redrawAndWait(t, v)
	select {
	case f := <-frames:
		if f.Epoch != epoch || !f.Visible || f.DatasetID != "ds" || f.ScaleX != 1 {
			t.Fatalf("unexpected frame %+v", f)
		}
		if p := f.Projection(); p.OffsetX != 0 || p.ScaleY != 1 {
			t.Fatalf("unexpected projection %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	if got := v.ScaleBarLabel(); got != "2 mm" {
		t.Fatalf("expected scale bar label \"2 mm\", got %q", got)
	}
}
