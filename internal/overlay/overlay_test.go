package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/internal/viewport"
	"github.com/tissuestack/viewer/pkg/vector"
)

type fakeSource struct {
	mu           sync.Mutex
	failMappings int
	mappingCalls int
	commandCalls int
	mapping      map[int]string
	content      map[string][]vector.Command
}

func (s *fakeSource) SliceMappings(ctx context.Context, datasetID string, plane extent.Plane) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappingCalls++
	if s.failMappings > 0 {
		s.failMappings--
		return nil, errors.New("unavailable")
	}
	return s.mapping, nil
}

func (s *fakeSource) Commands(ctx context.Context, id string) ([]vector.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandCalls++
	cmds, ok := s.content[id]
	if !ok {
		return nil, errors.New("missing")
	}
	return cmds, nil
}

func square() []vector.Command {
	return []vector.Command{{
		Op:     vector.OpRect,
		Points: []vector.Point{{X: 2, Y: 2}, {X: 6, Y: 6}},
		Fill:   "#ff0000",
	}}
}

func newSource() *fakeSource {
	return &fakeSource{
		mapping: map[int]string{5: "ov-5"},
		content: map[string][]vector.Command{"ov-5": square()},
	}
}

func frame(slice int, epoch uint64) viewport.Frame {
	return viewport.Frame{
		DatasetID: "ds",
		Plane:     extent.PlaneZ,
		Epoch:     epoch,
		Slice:     slice,
		Size:      extent.Dims{X: 16, Y: 16},
		ScaleX:    1,
		ScaleY:    1,
		Visible:   true,
	}
}

func TestResource_RetriesAfterError(t *testing.T) {
	src := newSource()
	src.failMappings = 1
	o := New("ov", "ds", extent.PlaneZ, src)
	ctx := context.Background()

	if _, _, err := o.Resource(ctx, 5); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	id, ok, err := o.Resource(ctx, 5)
	if err != nil || !ok || id != "ov-5" {
		t.Fatalf("expected retry to succeed, got %q %v %v", id, ok, err)
	}
	if _, ok, _ := o.Resource(ctx, 6); ok {
		t.Fatal("slice 6 has no overlay")
	}
	if src.mappingCalls != 2 {
		t.Fatalf("mapping must be cached after success, fetched %d times", src.mappingCalls)
	}
}

func TestDraw(t *testing.T) {
	src := newSource()
	o := New("ov", "ds", extent.PlaneZ, src)
	ctx := context.Background()

	if err := o.Draw(ctx, frame(5, 1)); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if got := o.Image().RGBAAt(4, 4); got.R != 255 || got.A != 255 {
		t.Fatalf("expected red square, got %v", got)
	}
	if got := o.Image().RGBAAt(10, 10); got.A != 0 {
		t.Fatalf("expected transparent background, got %v", got)
	}

	t.Run("otherSliceClears", func(t *testing.T) {
		if err := o.Draw(ctx, frame(6, 2)); err != nil {
			t.Fatal(err)
		}
		if o.Image().RGBAAt(4, 4).A != 0 {
			t.Fatal("expected empty layer on a slice without overlay")
		}
	})

	t.Run("unselected", func(t *testing.T) {
		o.Select(false)
		defer o.Select(true)
		if err := o.Draw(ctx, frame(5, 3)); err != nil {
			t.Fatal(err)
		}
		if o.Image().RGBAAt(4, 4).A != 0 {
			t.Fatal("unselected overlay must draw nothing")
		}
	})

	t.Run("olderFrameIgnored", func(t *testing.T) {
		if err := o.Draw(ctx, frame(5, 1)); err != nil {
			t.Fatal(err)
		}
		if o.Image().RGBAAt(4, 4).A != 0 {
			t.Fatal("an older frame must not replace a newer one")
		}
	})

	if src.commandCalls != 1 {
		t.Fatalf("content must be cached, fetched %d times", src.commandCalls)
	}
}

type greyFetcher struct{}

func (greyFetcher) Fetch(ctx context.Context, key tile.Key) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 16, 16)), nil
}

func (greyFetcher) Exists(ctx context.Context, key tile.Key) (bool, error) { return false, nil }

func TestAttach(t *testing.T) {
	ext, err := extent.New(extent.Config{
		DatasetID:  "ds",
		Plane:      extent.PlaneZ,
		TileSize:   16,
		ZoomLevels: []float64{1},
		OneToOne:   extent.Dims{X: 16, Y: 16},
		MaxSlices:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.NewManager(cache.Config{TileCacheSizeMB: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	v, err := viewport.New(ext, c, greyFetcher{}, viewport.Config{Width: 16, Height: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := New("ov", "ds", extent.PlaneZ, newSource())
	drawn := o.Attach(ctx, v)

	v.SetSlice(5)
	epoch := v.Redraw(ctx)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-drawn:
			if e < epoch {
				continue
			}
			if got := o.Image().RGBAAt(4, 4); got.R != 255 {
				t.Fatalf("expected overlay drawn over slice 5, got %v", got)
			}
			return
		case <-deadline:
			t.Fatal("overlay was not drawn")
		}
	}
}

func TestHTTPSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/overlays/ds/z", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MappingResponse{DatasetID: "ds", Plane: extent.PlaneZ, Slices: map[string]string{"5": "ov-5"}})
	})
	mux.HandleFunc("/api/overlays/content/ov-5", func(w http.ResponseWriter, r *http.Request) {
		vector.Encode(w, square())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", nil)
	ctx := context.Background()

	m, err := src.SliceMappings(ctx, "ds", extent.PlaneZ)
	if err != nil || m[5] != "ov-5" {
		t.Fatalf("unexpected mapping %v err=%v", m, err)
	}
	cmds, err := src.Commands(ctx, "ov-5")
	if err != nil || len(cmds) != 1 || cmds[0].Op != vector.OpRect {
		t.Fatalf("unexpected commands %+v err=%v", cmds, err)
	}
	if _, err := src.Commands(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing overlay")
	}
}
