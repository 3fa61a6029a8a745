// Package tile addresses and decodes pre-rendered raster tiles.
package tile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/pkg/colormap"
)

// ErrNotFound is returned by fetchers when a tile resource does not exist.
var ErrNotFound = errors.New("tile not found")

// Key addresses one tile resource. Row indexes tiles along the canvas y
// axis, Col along x.
type Key struct {
	DatasetID string
	Zoom      int
	Plane     extent.Plane
	Slice     int
	Row       int
	Col       int
	Colormap  string
}

// String returns the cache key.
func (k Key) String() string {
	s := fmt.Sprintf("%s:%d/%s/%d/%d_%d", k.DatasetID, k.Zoom, k.Plane, k.Slice, k.Row, k.Col)
	if !colormap.IsGrey(k.Colormap) {
		s += "_" + k.Colormap
	}
	return s
}

// Path returns the resource path relative to the dataset root:
// {zoom}/{plane}/{slice}/{row}_{col}[_{colormap}].{format}
func (k Key) Path(format string) string {
	name := strconv.Itoa(k.Row) + "_" + strconv.Itoa(k.Col)
	if !colormap.IsGrey(k.Colormap) {
		name += "_" + k.Colormap
	}
	return fmt.Sprintf("%d/%s/%d/%s.%s", k.Zoom, k.Plane, k.Slice, name, format)
}

// Grey returns the key of the uncolored variant.
func (k Key) Grey() Key {
	k.Colormap = ""
	return k
}

// Colorized reports whether the key addresses a server-side colored tile.
func (k Key) Colorized() bool {
	return !colormap.IsGrey(k.Colormap)
}

// ParseName parses a "{row}_{col}[_{colormap}]" tile file name without its
// extension.
func ParseName(name string) (row, col int, cmap string, err error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 {
		return 0, 0, "", fmt.Errorf("invalid tile name %q", name)
	}
	if row, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, "", fmt.Errorf("invalid tile row %q", parts[0])
	}
	if col, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, "", fmt.Errorf("invalid tile col %q", parts[1])
	}
	if row < 0 || col < 0 {
		return 0, 0, "", fmt.Errorf("negative tile index in %q", name)
	}
	if len(parts) == 3 {
		cmap = parts[2]
	}
	return row, col, cmap, nil
}

// Fetcher loads decoded tiles. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (image.Image, error)
	Exists(ctx context.Context, key Key) (bool, error)
}
