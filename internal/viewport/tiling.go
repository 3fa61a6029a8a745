package viewport

import (
	"image"
	"math"

	"github.com/tissuestack/viewer/internal/extent"
)

// Placement is one tile of a redraw pass: which tile, which part of it and
// where that part lands on the canvas.
type Placement struct {
	// Row is the tile index along the canvas y axis, Col along x.
	Row, Col int
	// Src is the visible sub-rectangle in tile-local pixels.
	Src image.Rectangle
	// Dst is the canvas position of Src.Min.
	Dst image.Point
}

type span struct {
	index  int
	offset int
	length int
	dst    int
}

// axisSpans splits the visible part of one axis into tile spans. The data
// origin sits at canvas position ul.
func axisSpans(ul, canvasLen, extentLen, tileSize int) []span {
	lo := max(0, -ul)
	hi := min(extentLen, canvasLen-ul)
	if hi <= lo {
		return nil
	}

	spans := make([]span, 0, (hi-lo)/tileSize+2)
	for i := lo / tileSize; i*tileSize < hi; i++ {
		start := max(i*tileSize, lo)
		end := min((i+1)*tileSize, hi)
		spans = append(spans, span{
			index:  i,
			offset: start - i*tileSize,
			length: end - start,
			dst:    ul + start,
		})
	}
	return spans
}

// VisibleTiles enumerates the tiles covering the intersection of the extent,
// placed at upperLeft, with the canvas. The returned rectangles partition that
// intersection exactly.
func VisibleTiles(upperLeft image.Point, canvas, dims extent.Dims, tileSize int) []Placement {
	if tileSize <= 0 || Outside(upperLeft, canvas, dims) {
		return nil
	}

	cols := axisSpans(upperLeft.X, canvas.X, dims.X, tileSize)
	rows := axisSpans(upperLeft.Y, canvas.Y, dims.Y, tileSize)

	placements := make([]Placement, 0, len(cols)*len(rows))
	for _, c := range cols {
		for _, r := range rows {
			placements = append(placements, Placement{
				Row: r.index,
				Col: c.index,
				Src: image.Rect(c.offset, r.offset, c.offset+c.length, r.offset+r.length),
				Dst: image.Pt(c.dst, r.dst),
			})
		}
	}
	return placements
}

// Outside reports whether an extent placed at upperLeft lies entirely left
// of, right of, above or below the canvas.
func Outside(upperLeft image.Point, canvas, dims extent.Dims) bool {
	return upperLeft.X+dims.X <= 0 ||
		upperLeft.X >= canvas.X ||
		upperLeft.Y+dims.Y <= 0 ||
		upperLeft.Y >= canvas.Y
}

// NewUpperLeftForPointZoom returns the upper-left corner that keeps the data
// under point stationary when the extent changes from oldDims to newDims.
func NewUpperLeftForPointZoom(upperLeft, point image.Point, oldDims, newDims extent.Dims) image.Point {
	rx := float64(newDims.X) / float64(oldDims.X)
	ry := float64(newDims.Y) / float64(oldDims.Y)
	return image.Point{
		X: point.X - int(math.Round(float64(point.X-upperLeft.X)*rx)),
		Y: point.Y - int(math.Round(float64(point.Y-upperLeft.Y)*ry)),
	}
}

// CenteredUpperLeft centers an extent of dims on the canvas.
func CenteredUpperLeft(canvas, dims extent.Dims) image.Point {
	return image.Point{X: (canvas.X - dims.X) / 2, Y: (canvas.Y - dims.Y) / 2}
}
