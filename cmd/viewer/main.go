// Package main renders synchronized orthogonal views of a tiled dataset.
//
// The leading plane is positioned from the command line; the other planes
// follow it through the sync bus. Every view is written as a PNG.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/data/tilestore"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/overlay"
	"github.com/tissuestack/viewer/internal/overlaystore"
	"github.com/tissuestack/viewer/internal/render"
	"github.com/tissuestack/viewer/internal/syncbus"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/internal/viewport"
)

type options struct {
	server    string
	tiles     string
	overlayDB string
	dataset   string
	leader    string
	colormap  string
	width     int
	height    int
	zoom      int
	slice     int
	crosshair bool
	overlays  bool
	outDir    string
	timeout   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "", "Tile server base URL, e.g. http://localhost:8080")
	flag.StringVar(&opts.tiles, "tiles", "", "Local tiled dataset directory (instead of -server)")
	flag.StringVar(&opts.overlayDB, "overlay-db", "", "Overlay database for -tiles")
	flag.StringVar(&opts.dataset, "dataset", "default", "Dataset id")
	flag.StringVar(&opts.leader, "plane", "z", "Plane positioned by -zoom and -slice")
	flag.StringVar(&opts.colormap, "colormap", "grey", "Color map")
	flag.IntVar(&opts.width, "w", 512, "Canvas width")
	flag.IntVar(&opts.height, "h", 512, "Canvas height")
	flag.IntVar(&opts.zoom, "zoom", -1, "Zoom level (-1 keeps the initial level)")
	flag.IntVar(&opts.slice, "slice", -1, "Slice of the leading plane (-1 keeps the middle slice)")
	flag.BoolVar(&opts.crosshair, "crosshair", true, "Draw the crosshair")
	flag.BoolVar(&opts.overlays, "overlays", false, "Draw vector overlays")
	flag.StringVar(&opts.outDir, "out", ".", "Output directory")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "Render timeout")
	flag.Parse()

	if (opts.server == "") == (opts.tiles == "") {
		log.Fatal("Exactly one of -server and -tiles is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Failed: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	leader, err := extent.ParsePlane(opts.leader)
	if err != nil {
		return err
	}

	fetcher, source, md, closeFn, err := openDataset(ctx, opts)
	if err != nil {
		return err
	}
	defer closeFn()

	tiles, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		Fetcher:         fetcher,
	})
	if err != nil {
		return err
	}
	defer tiles.Close()

	bus := syncbus.New(0)
	defer bus.Close()

	var (
		lead   *viewport.Viewport
		views  = map[extent.Plane]*viewport.Viewport{}
		layers = map[extent.Plane]*overlay.Overlay{}
		drawn  = map[extent.Plane]<-chan uint64{}
		frames = map[extent.Plane]chan viewport.Frame{}
	)
	for _, plane := range md.PlaneList() {
		cfg, err := md.ExtentConfig(opts.dataset, plane)
		if err != nil {
			return err
		}
		ext, err := extent.New(cfg)
		if err != nil {
			return err
		}

		v, err := viewport.New(ext, tiles, fetcher, viewport.Config{
			Width:            opts.width,
			Height:           opts.height,
			Colormap:         opts.colormap,
			Sync:             true,
			IncludeCrossHair: opts.crosshair,
			ScaleBarPx:       100,
			DatasetMin:       md.ValueRange[0],
			DatasetMax:       md.ValueRange[1],
			Prefetch:         true,
		})
		if err != nil {
			return err
		}
		defer v.Close()
		v.Attach(bus)

		ch := make(chan viewport.Frame, 8)
		v.OnRendered(func(f viewport.Frame) {
			select {
			case ch <- f:
			default:
			}
		})
		frames[plane] = ch

		if opts.overlays && source != nil {
			ov := overlay.New(opts.dataset+"/"+string(plane), opts.dataset, plane, source)
			layers[plane] = ov
			drawn[plane] = ov.Attach(ctx, v)
		}

		views[plane] = v
		if plane == leader {
			lead = v
		}
	}
	if lead == nil {
		return fmt.Errorf("dataset %s has no plane %s", opts.dataset, leader)
	}

	if opts.zoom >= 0 && !lead.ChangeZoomLevel(opts.zoom) && lead.ZoomLevel() != opts.zoom {
		return fmt.Errorf("%w: %d", extent.ErrInvalidZoomLevel, opts.zoom)
	}
	if opts.slice >= 0 {
		lead.SetSlice(opts.slice)
	}

	epoch := lead.Redraw(ctx)
	if err := lead.Wait(ctx, epoch); err != nil {
		return err
	}
	log.Printf("[Viewer] %s: slice %d, crosshair %v (world %v)", leader, lead.Slice(), lead.Crosshair(), lead.CrosshairWorld())

	g, gctx := errgroup.WithContext(ctx)
	encoder := render.NewEncoder()
	for plane, v := range views {
		g.Go(func() error {
			f, err := waitFrame(gctx, frames[plane])
			if err != nil {
				return fmt.Errorf("plane %s: %w", plane, err)
			}

			img := v.Image()
			if ov := layers[plane]; ov != nil {
				if err := waitOverlay(gctx, drawn[plane], f.Epoch); err != nil {
					return fmt.Errorf("plane %s overlay: %w", plane, err)
				}
				draw.Draw(img, img.Rect, ov.Image(), image.Point{}, draw.Over)
			}

			data, err := encoder.EncodePNG(img)
			if err != nil {
				return err
			}
			path := filepath.Join(opts.outDir, fmt.Sprintf("%s_%s.png", opts.dataset, plane))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}

			stats := v.Stats()
			log.Printf("[Viewer] %s: slice %d -> %s (%s, %d hits, %d misses, %d failed)",
				plane, f.Slice, path, humanize.Bytes(uint64(len(data))), stats.Hits, stats.Misses, stats.Failed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("[Viewer] cache: %v", tiles.Stats())
	return nil
}

// waitFrame returns the first completed frame. Followers only render once
// the leader's sync message arrives.
func waitFrame(ctx context.Context, frames <-chan viewport.Frame) (viewport.Frame, error) {
	select {
	case f := <-frames:
		return f, nil
	case <-ctx.Done():
		return viewport.Frame{}, ctx.Err()
	}
}

func waitOverlay(ctx context.Context, drawn <-chan uint64, epoch uint64) error {
	for {
		select {
		case e := <-drawn:
			if e >= epoch {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// openDataset returns the tile fetcher, the overlay source (nil when not
// available) and the metadata of the dataset.
func openDataset(ctx context.Context, opts options) (tile.Fetcher, overlay.Source, *tilestore.Metadata, func(), error) {
	if opts.tiles != "" {
		store, err := tilestore.Open(opts.tiles)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closeFn := store.Close

		var source overlay.Source
		if opts.overlayDB != "" {
			overlays, err := overlaystore.NewStore(opts.overlayDB)
			if err != nil {
				store.Close()
				return nil, nil, nil, nil, err
			}
			source = overlays
			closeFn = func() {
				overlays.Close()
				store.Close()
			}
		}
		return store, source, store.Metadata(), closeFn, nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	md, err := fetchMetadata(ctx, client, opts.server, opts.dataset)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return tile.NewHTTPFetcher(opts.server, md.Format, client),
		overlay.NewHTTPSource(opts.server, client),
		md, func() {}, nil
}

func fetchMetadata(ctx context.Context, client *http.Client, server, dataset string) (*tilestore.Metadata, error) {
	u := strings.TrimRight(server, "/") + "/d/" + url.PathEscape(dataset) + "/api/metadata"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: status %d", resp.StatusCode)
	}

	var md tilestore.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &md, nil
}
