// Package service provides the dataset operations behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/data/tilestore"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/overlay"
	"github.com/tissuestack/viewer/internal/overlaystore"
	"github.com/tissuestack/viewer/internal/render"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/internal/viewport"
	"github.com/tissuestack/viewer/pkg/colormap"
)

// ErrNoOverlays is returned when the dataset has no overlay store.
var ErrNoOverlays = errors.New("dataset has no overlay store")

// RenderOptions are the server-side viewport defaults.
type RenderOptions struct {
	Width       int
	Height      int
	Colormap    string
	MaxInflight int
	ScaleBarPx  int
	Timeout     time.Duration
	// Prefetch warms the neighbouring slices of every rendered view.
	Prefetch bool
}

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	DatasetID string
	Store     *tilestore.Store
	// Overlays is optional.
	Overlays *overlaystore.Store
	Cache    *cache.Manager
	Render   RenderOptions
}

// DatasetService serves tiles, extents and rendered views of one dataset.
type DatasetService struct {
	datasetID string
	store     *tilestore.Store
	overlays  *overlaystore.Store
	cache     *cache.Manager
	encoder   *render.Encoder
	opts      RenderOptions
}

// NewDatasetService creates a new dataset service.
func NewDatasetService(cfg DatasetServiceConfig) *DatasetService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	opts := cfg.Render
	if opts.Width <= 0 {
		opts.Width = 512
	}
	if opts.Height <= 0 {
		opts.Height = 512
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &DatasetService{
		datasetID: datasetID,
		store:     cfg.Store,
		overlays:  cfg.Overlays,
		cache:     cfg.Cache,
		encoder:   render.NewEncoder(),
		opts:      opts,
	}
}

// ID returns the dataset id.
func (s *DatasetService) ID() string { return s.datasetID }

// Metadata returns the dataset metadata.
func (s *DatasetService) Metadata() *tilestore.Metadata { return s.store.Metadata() }

// Planes lists the planes of the dataset.
func (s *DatasetService) Planes() []extent.Plane { return s.store.Planes() }

// Overlays returns the overlay store, or ErrNoOverlays.
func (s *DatasetService) Overlays() (*overlaystore.Store, error) {
	if s.overlays == nil {
		return nil, ErrNoOverlays
	}
	return s.overlays, nil
}

// GetTile returns the encoded tile bytes, served from the byte cache when
// possible.
func (s *DatasetService) GetTile(key tile.Key) ([]byte, error) {
	key.DatasetID = s.datasetID
	if data, ok := s.cache.GetTile(key); ok {
		return data, nil
	}

	data, err := s.store.ReadTile(key)
	if err != nil {
		return nil, err
	}
	s.cache.SetTile(key, data)
	return data, nil
}

// Fetch decodes a tile through the byte cache. Together with Exists it lets
// the service act as the tile fetcher of server-side viewports.
func (s *DatasetService) Fetch(ctx context.Context, key tile.Key) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.GetTile(key)
	if err != nil {
		return nil, err
	}
	return tile.DecodeBytes(data)
}

// Exists reports whether a tile is stored.
func (s *DatasetService) Exists(ctx context.Context, key tile.Key) (bool, error) {
	key.DatasetID = s.datasetID
	if _, ok := s.cache.GetTile(key); ok {
		return true, nil
	}
	return s.store.Exists(ctx, key)
}

// Extent creates a fresh extent for plane.
func (s *DatasetService) Extent(plane extent.Plane) (*extent.Extent, error) {
	cfg, err := s.store.ExtentConfig(s.datasetID, plane)
	if err != nil {
		return nil, err
	}
	return extent.New(cfg)
}

// ExtentInfo summarizes an extent for clients.
type ExtentInfo struct {
	DatasetID    string        `json:"dataset_id"`
	Plane        extent.Plane  `json:"plane"`
	TileSize     int           `json:"tile_size"`
	ZoomLevels   []float64     `json:"zoom_levels"`
	ZoomLevel    int           `json:"zoom_level"`
	Dims         []extent.Dims `json:"dims"`
	OneToOne     extent.Dims   `json:"one_to_one"`
	Slice        int           `json:"slice"`
	MaxSlices    int           `json:"max_slices"`
	Step         int           `json:"step"`
	Bounds       extent.Bounds `json:"bounds"`
	ResolutionMM float64       `json:"resolution_mm,omitempty"`
}

// ExtentInfo describes plane at zoom level, or at the initial level when
// level is negative.
func (s *DatasetService) ExtentInfo(plane extent.Plane, level int) (*ExtentInfo, error) {
	ext, err := s.Extent(plane)
	if err != nil {
		return nil, err
	}
	if err := changeZoom(ext, level); err != nil {
		return nil, err
	}

	info := &ExtentInfo{
		DatasetID:    s.datasetID,
		Plane:        plane,
		TileSize:     ext.TileSize(),
		ZoomLevels:   ext.ZoomLevels(),
		ZoomLevel:    ext.ZoomLevel(),
		OneToOne:     ext.OneToOneDims(),
		Slice:        ext.Slice(),
		MaxSlices:    ext.MaxSlices(),
		Step:         ext.Step(),
		Bounds:       ext.ExtentBounds(),
		ResolutionMM: ext.ResolutionMM(),
	}
	for i := 0; i < ext.NumZoomLevels(); i++ {
		d, _ := ext.ZoomLevelDimensions(i)
		info.Dims = append(info.Dims, d)
	}
	return info, nil
}

func changeZoom(ext *extent.Extent, level int) error {
	if level < 0 || level == ext.ZoomLevel() {
		return nil
	}
	if !ext.ChangeZoomLevel(level, nil) {
		return fmt.Errorf("%w: %d", extent.ErrInvalidZoomLevel, level)
	}
	return nil
}

// PixelToWorld converts a pixel at zoom level (Z being the slice) to world
// coordinates. With clamp the result is limited to the extent bounds.
func (s *DatasetService) PixelToWorld(plane extent.Plane, level int, p extent.Point3, clamp bool) (extent.Point3, error) {
	ext, err := s.Extent(plane)
	if err != nil {
		return extent.Point3{}, err
	}
	if err := changeZoom(ext, level); err != nil {
		return extent.Point3{}, err
	}
	if clamp {
		return ext.PixelToWorldClamped(p), nil
	}
	return ext.PixelToWorld(p), nil
}

// WorldToPixel converts world coordinates to a pixel at zoom level.
func (s *DatasetService) WorldToPixel(plane extent.Plane, level int, w extent.Point3) (extent.Point3, error) {
	ext, err := s.Extent(plane)
	if err != nil {
		return extent.Point3{}, err
	}
	if err := changeZoom(ext, level); err != nil {
		return extent.Point3{}, err
	}
	return ext.WorldToPixel(w), nil
}

// ViewRequest describes a server-side viewport snapshot.
type ViewRequest struct {
	Plane extent.Plane
	// ZoomLevel selects a zoom level; negative keeps the initial one.
	ZoomLevel int
	// Slice is used when neither Center nor World is set; nil keeps the
	// middle slice.
	Slice *int
	// Center is a data pixel at the selected zoom level placed under the
	// crosshair in the middle of the canvas.
	Center *extent.Point3
	// World is Center expressed in world coordinates.
	World     *extent.Point3
	Colormap  string
	Contrast  *[2]int
	Width     int
	Height    int
	Crosshair bool
	Overlays  bool
}

// View is a rendered snapshot.
type View struct {
	Image *image.RGBA
	Frame viewport.Frame
	Stats viewport.Stats
}

// RenderView renders one viewport snapshot. Missing tiles leave transparent
// gaps; the view is marked partial.
func (s *DatasetService) RenderView(ctx context.Context, req ViewRequest) (*View, error) {
	ext, err := s.Extent(req.Plane)
	if err != nil {
		return nil, err
	}
	if err := changeZoom(ext, req.ZoomLevel); err != nil {
		return nil, err
	}
	if req.Slice != nil {
		ext.SetSlice(*req.Slice)
	}

	width, height := req.Width, req.Height
	if width <= 0 {
		width = s.opts.Width
	}
	if height <= 0 {
		height = s.opts.Height
	}
	cmap := req.Colormap
	if cmap == "" {
		cmap = s.opts.Colormap
	}
	valueRange := s.store.Metadata().ValueRange

	// A snapshot renders once, so the colormap probe could never take
	// effect; the metadata lists the colorized tile sets instead.
	var known map[string]bool
	if !colormap.IsGrey(cmap) {
		known = map[string]bool{cmap: s.store.HasColormap(cmap)}
	}

	v, err := viewport.New(ext, s.cache, s, viewport.Config{
		Width:            width,
		Height:           height,
		Colormap:         cmap,
		IncludeCrossHair: req.Crosshair,
		ScaleBarPx:       s.opts.ScaleBarPx,
		DatasetMin:       valueRange[0],
		DatasetMax:       valueRange[1],
		MaxInflight:      s.opts.MaxInflight,
		Prefetch:         s.opts.Prefetch,
		KnownColormaps:   known,
	})
	if err != nil {
		return nil, err
	}
	defer v.Close()

	if req.Contrast != nil {
		if err := v.SetContrast(req.Contrast[0], req.Contrast[1]); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var epoch uint64
	switch {
	case req.World != nil:
		epoch = v.CenterOnWorld(ctx, *req.World)
	case req.Center != nil:
		p := *req.Center
		p.Z = float64(v.Slice())
		epoch = v.CenterOn(ctx, p)
	default:
		epoch = v.Redraw(ctx)
	}
	if err := v.Wait(ctx, epoch); err != nil {
		return nil, fmt.Errorf("failed to render %s/%s: %w", s.datasetID, req.Plane, err)
	}

	f := v.LastFrame()
	img := v.Image()
	if req.Overlays && s.overlays != nil {
		ov := overlay.New(s.datasetID+"/"+string(req.Plane), s.datasetID, req.Plane, s.overlays)
		if err := ov.Draw(ctx, f); err != nil {
			return nil, err
		}
		draw.Draw(img, img.Rect, ov.Image(), image.Point{}, draw.Over)
	}

	return &View{Image: img, Frame: f, Stats: v.Stats()}, nil
}

// RenderViews renders several snapshots concurrently.
func (s *DatasetService) RenderViews(ctx context.Context, reqs []ViewRequest) ([]*View, error) {
	views := make([]*View, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			view, err := s.RenderView(ctx, req)
			if err != nil {
				return err
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// EncodePNG encodes a rendered image.
func (s *DatasetService) EncodePNG(img image.Image) ([]byte, error) {
	return s.encoder.EncodePNG(img)
}

// Mosaic places views side by side, top aligned.
func Mosaic(views []*View) *image.RGBA {
	width, height := 0, 0
	for _, v := range views {
		width += v.Image.Rect.Dx()
		height = max(height, v.Image.Rect.Dy())
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, v := range views {
		r := v.Image.Rect.Add(image.Pt(x, 0))
		draw.Draw(out, r, v.Image, v.Image.Rect.Min, draw.Src)
		x += v.Image.Rect.Dx()
	}
	return out
}

// Close releases the tile store and the overlay store.
func (s *DatasetService) Close() error {
	s.store.Close()
	if s.overlays != nil {
		return s.overlays.Close()
	}
	return nil
}
