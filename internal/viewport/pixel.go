package viewport

import (
	"image"
	"math"

	"github.com/tissuestack/viewer/pkg/colormap"
)

// Contrast stretches the window [Min, Max] onto the output range
// [OutMin, OutMax]. Samples outside the window are clamped first.
type Contrast struct {
	Min, Max       int
	OutMin, OutMax int
}

// Identity reports whether the window leaves samples unchanged.
func (c Contrast) Identity() bool {
	return c.Min == c.OutMin && c.Max == c.OutMax
}

// Apply maps one sample.
func (c Contrast) Apply(v uint8) uint8 {
	s := int(v)
	if c.Max <= c.Min {
		if s <= c.Min {
			return clampByte(c.OutMin)
		}
		return clampByte(c.OutMax)
	}
	if s < c.Min {
		s = c.Min
	}
	if s > c.Max {
		s = c.Max
	}
	scaled := float64(s-c.Min) / float64(c.Max-c.Min) * float64(c.OutMax-c.OutMin)
	return clampByte(c.OutMin + int(math.Round(scaled)))
}

// Table precomputes Apply for every 8-bit sample.
func (c Contrast) Table() *[256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = c.Apply(uint8(i))
	}
	return &t
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// postprocess returns a copy of src with the contrast table applied per
// channel, then grey samples replaced by palette entries. Transparent pixels
// are left alone. Either transform may be nil.
func postprocess(src *image.RGBA, lut *[256]uint8, palette *colormap.Palette) *image.RGBA {
	out := image.NewRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	if lut == nil && palette == nil {
		return out
	}

	pix := out.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		if pix[i+3] == 0 {
			continue
		}
		if lut != nil {
			pix[i] = lut[pix[i]]
			pix[i+1] = lut[pix[i+1]]
			pix[i+2] = lut[pix[i+2]]
		}
		if palette != nil {
			pix[i], pix[i+1], pix[i+2] = palette.Lookup(pix[i])
		}
	}
	return out
}
