package render

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"

	"github.com/tissuestack/viewer/pkg/vector"
)

var (
	DefaultStroke    = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	CrosshairColor   = color.RGBA{R: 255, G: 0, B: 0, A: 200}
	ScaleBarColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	scaleBarMarginPx = 10.0
)

// Projection maps one-to-one data pixels onto a canvas.
type Projection struct {
	OffsetX, OffsetY float64
	ScaleX, ScaleY   float64
}

// Apply projects a data point.
func (p Projection) Apply(pt vector.Point) (float64, float64) {
	return p.OffsetX + pt.X*p.ScaleX, p.OffsetY + pt.Y*p.ScaleY
}

// DrawCommands interprets cmds onto dst. Commands are expected to have been
// validated; unparsable colors fall back to defaults.
func DrawCommands(dst *image.RGBA, cmds []vector.Command, proj Projection) {
	dc := gg.NewContextForRGBA(dst)
	scale := math.Sqrt(math.Abs(proj.ScaleX * proj.ScaleY))

	for _, c := range cmds {
		switch c.Op {
		case vector.OpLine:
			tracePolyline(dc, c.Points, proj)
			strokeOnly(dc, c, scale)
		case vector.OpRect:
			if len(c.Points) < 2 {
				continue
			}
			x0, y0 := proj.Apply(c.Points[0])
			x1, y1 := proj.Apply(c.Points[1])
			dc.DrawRectangle(math.Min(x0, x1), math.Min(y0, y1), math.Abs(x1-x0), math.Abs(y1-y0))
			fillAndStroke(dc, c, scale)
		case vector.OpPath:
			tracePolyline(dc, c.Points, proj)
			if c.Closed {
				dc.ClosePath()
			}
			fillAndStroke(dc, c, scale)
		case vector.OpFill:
			tracePolyline(dc, c.Points, proj)
			dc.ClosePath()
			dc.SetColor(parseOr(firstNonEmpty(c.Fill, c.Stroke), DefaultStroke))
			dc.Fill()
		case vector.OpCircle:
			if len(c.Points) == 0 {
				continue
			}
			x, y := proj.Apply(c.Points[0])
			dc.DrawCircle(x, y, c.Radius*scale)
			fillAndStroke(dc, c, scale)
		}
		dc.ClearPath()
	}
}

func tracePolyline(dc *gg.Context, pts []vector.Point, proj Projection) {
	for i, p := range pts {
		x, y := proj.Apply(p)
		if i == 0 {
			dc.MoveTo(x, y)
			continue
		}
		dc.LineTo(x, y)
	}
}

func strokeOnly(dc *gg.Context, c vector.Command, scale float64) {
	dc.SetColor(parseOr(c.Stroke, DefaultStroke))
	dc.SetLineWidth(lineWidth(c.Width, scale))
	dc.Stroke()
}

func fillAndStroke(dc *gg.Context, c vector.Command, scale float64) {
	if c.Fill != "" {
		dc.SetColor(parseOr(c.Fill, DefaultStroke))
		if c.Stroke == "" {
			dc.Fill()
			return
		}
		dc.FillPreserve()
	}
	strokeOnly(dc, c, scale)
}

func lineWidth(w, scale float64) float64 {
	if w <= 0 {
		w = 1
	}
	return math.Max(w*scale, 1)
}

func parseOr(s string, fallback color.RGBA) color.RGBA {
	if s == "" {
		return fallback
	}
	c, err := vector.ParseColor(s)
	if err != nil {
		return fallback
	}
	return c
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// DrawCrosshair draws one-pixel lines through at across dst.
func DrawCrosshair(dst *image.RGBA, at image.Point, c color.Color) {
	b := dst.Bounds()
	if !at.In(b) {
		return
	}
	dc := gg.NewContextForRGBA(dst)
	dc.SetColor(c)
	dc.SetLineWidth(1)
	dc.DrawLine(float64(b.Min.X), float64(at.Y)+0.5, float64(b.Max.X), float64(at.Y)+0.5)
	dc.DrawLine(float64(at.X)+0.5, float64(b.Min.Y), float64(at.X)+0.5, float64(b.Max.Y))
	dc.Stroke()
}

// DrawScaleBar draws a bar of lengthPx in the lower left corner of dst with
// label centered above it.
func DrawScaleBar(dst *image.RGBA, lengthPx int, label string) {
	if lengthPx <= 0 || label == "" {
		return
	}
	b := dst.Bounds()
	dc := gg.NewContextForRGBA(dst)
	x := float64(b.Min.X) + scaleBarMarginPx
	y := float64(b.Max.Y) - scaleBarMarginPx

	dc.SetColor(ScaleBarColor)
	dc.SetLineWidth(2)
	dc.DrawLine(x, y, x+float64(lengthPx), y)
	dc.Stroke()
	dc.DrawStringAnchored(label, x+float64(lengthPx)/2, y-4, 0.5, 0)
}
