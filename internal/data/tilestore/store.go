// Package tilestore reads pre-tiled datasets from disk.
//
// A dataset directory holds metadata.json and one tile per file under
// {zoom}/{plane}/{slice}/{row}_{col}[_{colormap}].{format}. Tiles may be
// stored raw or compressed with zstd (.zst) or gzip (.gz).
package tilestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/tile"
)

// PlaneMetadata are the one-to-one dimensions of one plane.
type PlaneMetadata struct {
	X         int `json:"x"`
	Y         int `json:"y"`
	OrigX     int `json:"orig_x,omitempty"`
	OrigY     int `json:"orig_y,omitempty"`
	MaxSlices int `json:"max_slices"`
	Step      int `json:"step,omitempty"`
}

// Metadata describes a tiled dataset.
type Metadata struct {
	DatasetName   string    `json:"dataset_name"`
	Description   string    `json:"description,omitempty"`
	FormatVersion string    `json:"format_version"`
	TileSize      int       `json:"tile_size"`
	ZoomLevels    []float64 `json:"zoom_levels"`
	// InitialZoomLevel defaults to the level whose factor is closest to 1.
	InitialZoomLevel *int                     `json:"initial_zoom_level,omitempty"`
	Format           string                   `json:"format"`
	Colormaps        []string                 `json:"colormaps,omitempty"`
	ResolutionMM     float64                  `json:"resolution_mm,omitempty"`
	ValueRange       [2]int                   `json:"value_range"`
	Transform        []float64                `json:"transform,omitempty"`
	Planes           map[string]PlaneMetadata `json:"planes"`
}

// PlaneList lists the planes present in the dataset, in x, y, z order.
func (m *Metadata) PlaneList() []extent.Plane {
	var planes []extent.Plane
	for _, p := range []extent.Plane{extent.PlaneX, extent.PlaneY, extent.PlaneZ} {
		if _, ok := m.Planes[string(p)]; ok {
			planes = append(planes, p)
		}
	}
	return planes
}

// ExtentConfig returns the configuration of a fresh extent for plane.
func (m *Metadata) ExtentConfig(datasetID string, plane extent.Plane) (extent.Config, error) {
	pm, ok := m.Planes[string(plane)]
	if !ok {
		return extent.Config{}, fmt.Errorf("%w: %q not in dataset %s", extent.ErrInvalidPlane, plane, datasetID)
	}

	var transform *extent.Transform
	if len(m.Transform) > 0 {
		t, err := extent.NewTransform(m.Transform)
		if err != nil {
			return extent.Config{}, err
		}
		transform = t
	}

	return extent.Config{
		DatasetID:    datasetID,
		Plane:        plane,
		Tiled:        true,
		TileSize:     m.TileSize,
		ZoomLevels:   m.ZoomLevels,
		ZoomLevel:    m.initialZoomLevel(),
		OneToOne:     extent.Dims{X: pm.X, Y: pm.Y},
		Orig:         extent.Dims{X: pm.OrigX, Y: pm.OrigY},
		MaxSlices:    pm.MaxSlices,
		Step:         pm.Step,
		Transform:    transform,
		ResolutionMM: m.ResolutionMM,
	}, nil
}

func (m *Metadata) initialZoomLevel() int {
	if z := m.InitialZoomLevel; z != nil && *z >= 0 && *z < len(m.ZoomLevels) {
		return *z
	}
	best := 0
	for i, f := range m.ZoomLevels {
		if math.Abs(f-1) < math.Abs(m.ZoomLevels[best]-1) {
			best = i
		}
	}
	return best
}

// Store provides access to the tiles of one dataset.
type Store struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
}

// Open loads the dataset at basePath.
func Open(basePath string) (*Store, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{basePath: basePath, decoder: decoder}
	if err := s.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return s, nil
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	if metadata.TileSize <= 0 {
		return fmt.Errorf("invalid tile_size %d", metadata.TileSize)
	}
	if len(metadata.ZoomLevels) == 0 {
		metadata.ZoomLevels = []float64{1}
	}
	if metadata.Format == "" {
		metadata.Format = "png"
	}
	if metadata.ValueRange == [2]int{} {
		metadata.ValueRange = [2]int{0, 255}
	}
	if len(metadata.Planes) == 0 {
		return errors.New("no planes defined")
	}

	if len(metadata.Transform) > 0 {
		if _, err := extent.NewTransform(metadata.Transform); err != nil {
			return err
		}
	}

	s.metadata = &metadata
	return nil
}

// Metadata returns the dataset metadata.
func (s *Store) Metadata() *Metadata {
	return s.metadata
}

// Planes lists the planes present in the dataset.
func (s *Store) Planes() []extent.Plane {
	return s.metadata.PlaneList()
}

// ExtentConfig returns the configuration of a fresh extent for plane.
func (s *Store) ExtentConfig(datasetID string, plane extent.Plane) (extent.Config, error) {
	return s.metadata.ExtentConfig(datasetID, plane)
}

// HasColormap reports whether colorized tiles were generated for name.
func (s *Store) HasColormap(name string) bool {
	for _, c := range s.metadata.Colormaps {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// ReadTile returns the encoded tile bytes, decompressing stored variants.
func (s *Store) ReadTile(key tile.Key) ([]byte, error) {
	path := filepath.Join(s.basePath, filepath.FromSlash(key.Path(s.metadata.Format)))

	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if data, err := os.ReadFile(path + ".zst"); err == nil {
		out, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
		}
		return out, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.Open(path + ".gz")
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Fetch reads and decodes a tile. It implements tile.Fetcher.
func (s *Store) Fetch(ctx context.Context, key tile.Key) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.ReadTile(key)
	if err != nil {
		return nil, err
	}
	return tile.Decode(bytes.NewReader(data))
}

// Exists reports whether a tile is stored in any variant.
func (s *Store) Exists(ctx context.Context, key tile.Key) (bool, error) {
	path := filepath.Join(s.basePath, filepath.FromSlash(key.Path(s.metadata.Format)))
	for _, p := range []string{path, path + ".zst", path + ".gz"} {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

// Close releases the decoder.
func (s *Store) Close() {
	s.decoder.Close()
}
