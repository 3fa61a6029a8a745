// Package vector defines the typed drawing commands used for slice overlays.
// Overlay content is data, never code: a renderer interprets a bounded list
// of primitive commands.
package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"
)

// Op is a drawing primitive.
type Op string

const (
	OpLine   Op = "line"
	OpRect   Op = "rect"
	OpPath   Op = "path"
	OpFill   Op = "fill"
	OpCircle Op = "circle"
)

// Limits applied by Validate.
const (
	MaxCommands = 10000
	MaxPoints   = 200000
	MaxWidth    = 64
)

var (
	ErrUnknownOp     = errors.New("vector: unknown op")
	ErrTooManyPoints = errors.New("vector: too many points")
	ErrTooLarge      = errors.New("vector: too many commands")
	ErrBadColor      = errors.New("vector: invalid color")
)

// Point is a position in one-to-one data pixels of the slice, y growing down.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is one drawing instruction.
//
//	line   polyline through Points (at least 2)
//	rect   axis-aligned rectangle spanned by Points[0] and Points[1]
//	path   polyline, closed when Closed is set, optionally filled
//	fill   filled polygon (at least 3 points)
//	circle circle around Points[0] with Radius
type Command struct {
	Op     Op      `json:"op"`
	Points []Point `json:"points"`
	Radius float64 `json:"radius,omitempty"`
	Stroke string  `json:"stroke,omitempty"`
	Fill   string  `json:"fill,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Closed bool    `json:"closed,omitempty"`
}

// Document is the serialized form of an overlay.
type Document struct {
	Commands []Command `json:"commands"`
}

// Decode reads and validates a document.
func Decode(r io.Reader) ([]Command, error) {
	var doc Document
	if err := json.NewDecoder(io.LimitReader(r, 32<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("vector: failed to decode document: %w", err)
	}
	if err := Validate(doc.Commands); err != nil {
		return nil, err
	}
	return doc.Commands, nil
}

// DecodeBytes is Decode for an in-memory document.
func DecodeBytes(data []byte) ([]Command, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vector: failed to decode document: %w", err)
	}
	if err := Validate(doc.Commands); err != nil {
		return nil, err
	}
	return doc.Commands, nil
}

// Encode writes cmds as a document.
func Encode(w io.Writer, cmds []Command) error {
	return json.NewEncoder(w).Encode(Document{Commands: cmds})
}

// Validate checks ops, point counts, colors and the overall size.
func Validate(cmds []Command) error {
	if len(cmds) > MaxCommands {
		return fmt.Errorf("%w: %d", ErrTooLarge, len(cmds))
	}

	total := 0
	for i, c := range cmds {
		total += len(c.Points)
		if total > MaxPoints {
			return fmt.Errorf("%w: more than %d", ErrTooManyPoints, MaxPoints)
		}

		need := 0
		switch c.Op {
		case OpLine, OpRect, OpPath:
			need = 2
		case OpFill:
			need = 3
		case OpCircle:
			need = 1
			if c.Radius <= 0 {
				return fmt.Errorf("vector: command %d: circle needs a positive radius", i)
			}
		default:
			return fmt.Errorf("%w %q in command %d", ErrUnknownOp, c.Op, i)
		}
		if len(c.Points) < need {
			return fmt.Errorf("vector: command %d: %s needs at least %d points", i, c.Op, need)
		}
		if c.Width < 0 || c.Width > MaxWidth {
			return fmt.Errorf("vector: command %d: width %v out of range", i, c.Width)
		}
		for _, s := range []string{c.Stroke, c.Fill} {
			if s == "" {
				continue
			}
			if _, err := ParseColor(s); err != nil {
				return fmt.Errorf("vector: command %d: %w", i, err)
			}
		}
	}
	return nil
}

// ParseColor parses #rgb, #rrggbb or #rrggbbaa.
func ParseColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
