package tilestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/tile"
)

func writeDataset(t *testing.T, meta Metadata) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testMetadata() Metadata {
	return Metadata{
		DatasetName:   "brain",
		FormatVersion: "1",
		TileSize:      4,
		ZoomLevels:    []float64{0.5, 1, 2},
		Format:        "png",
		Colormaps:     []string{"hot"},
		ResolutionMM:  0.1,
		Planes: map[string]PlaneMetadata{
			"z": {X: 8, Y: 6, MaxSlices: 9, Step: 1},
			"x": {X: 6, Y: 4, MaxSlices: 7},
		},
	}
}

func pngBytes(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTile(t *testing.T, dir string, key tile.Key, suffix string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(key.Path("png"))+suffix)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpen(t *testing.T) {
	dir := writeDataset(t, testMetadata())
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.Metadata().ValueRange != [2]int{0, 255} {
		t.Errorf("expected default value range, got %v", s.Metadata().ValueRange)
	}
	if got := s.Planes(); len(got) != 2 || got[0] != extent.PlaneX || got[1] != extent.PlaneZ {
		t.Errorf("unexpected planes %v", got)
	}
	if !s.HasColormap("HOT") || s.HasColormap("viridis") {
		t.Error("colormap lookup is wrong")
	}

	cfg, err := s.ExtentConfig("brain", extent.PlaneZ)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ZoomLevel != 1 || !cfg.Tiled || cfg.OneToOne != (extent.Dims{X: 8, Y: 6}) || cfg.MaxSlices != 9 {
		t.Errorf("unexpected extent config %+v", cfg)
	}
	if _, err := extent.New(cfg); err != nil {
		t.Errorf("extent rejected the config: %v", err)
	}

	if _, err := s.ExtentConfig("brain", extent.PlaneY); !errors.Is(err, extent.ErrInvalidPlane) {
		t.Errorf("expected ErrInvalidPlane, got %v", err)
	}
}

func TestOpen_Invalid(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("expected an error without metadata.json")
	}

	meta := testMetadata()
	meta.TileSize = 0
	if _, err := Open(writeDataset(t, meta)); err == nil {
		t.Error("expected an error for tile_size 0")
	}

	meta = testMetadata()
	meta.Planes = nil
	if _, err := Open(writeDataset(t, meta)); err == nil {
		t.Error("expected an error without planes")
	}
}

func TestReadTile(t *testing.T) {
	dir := writeDataset(t, testMetadata())

	raw := tile.Key{Zoom: 1, Plane: extent.PlaneZ, Slice: 3, Row: 0, Col: 0}
	writeTile(t, dir, raw, "", pngBytes(t, 10))

	zst := tile.Key{Zoom: 1, Plane: extent.PlaneZ, Slice: 3, Row: 0, Col: 1}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	writeTile(t, dir, zst, ".zst", enc.EncodeAll(pngBytes(t, 20), nil))
	enc.Close()

	gz := tile.Key{Zoom: 1, Plane: extent.PlaneZ, Slice: 3, Row: 1, Col: 0, Colormap: "hot"}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(pngBytes(t, 30))
	zw.Close()
	writeTile(t, dir, gz, ".gz", buf.Bytes())

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	tests := []struct {
		name string
		key  tile.Key
		want uint8
	}{
		{"raw", raw, 10},
		{"zstd", zst, 20},
		{"gzip", gz, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.Exists(ctx, tt.key)
			if err != nil || !ok {
				t.Fatalf("expected tile to exist, got %v %v", ok, err)
			}
			img, err := s.Fetch(ctx, tt.key)
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if got := color.GrayModel.Convert(img.At(1, 1)).(color.Gray).Y; got != tt.want {
				t.Fatalf("expected value %d, got %d", tt.want, got)
			}
		})
	}

	missing := tile.Key{Zoom: 0, Plane: extent.PlaneZ, Slice: 3}
	if _, err := s.ReadTile(missing); !errors.Is(err, tile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if ok, err := s.Exists(ctx, missing); err != nil || ok {
		t.Errorf("expected missing tile, got %v %v", ok, err)
	}
}
