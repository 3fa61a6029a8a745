package extent

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularTransform is returned when a world transform has no inverse.
var ErrSingularTransform = errors.New("world transform is not invertible")

// Point3 is a pixel or world coordinate triple.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Transform is a 4x4 affine matrix mapping homogeneous one-to-one pixel
// coordinates [x y z 1] to world coordinates, together with its inverse.
type Transform struct {
	fwd *mat.Dense
	inv *mat.Dense
}

// NewTransform builds a transform from 16 row-major values.
func NewTransform(values []float64) (*Transform, error) {
	if len(values) != 16 {
		return nil, fmt.Errorf("world transform needs 16 values, got %d", len(values))
	}

	fwd := mat.NewDense(4, 4, append([]float64(nil), values...))
	var inv mat.Dense
	if err := inv.Inverse(fwd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularTransform, err)
	}

	return &Transform{fwd: fwd, inv: &inv}, nil
}

// Identity returns the identity transform.
func Identity() *Transform {
	t, _ := NewTransform([]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	return t
}

// Values returns the forward matrix in row-major order.
func (t *Transform) Values() []float64 {
	out := make([]float64, 0, 16)
	for r := 0; r < 4; r++ {
		out = append(out, t.fwd.RawRowView(r)...)
	}
	return out
}

// Forward maps a one-to-one pixel coordinate to world space.
func (t *Transform) Forward(p Point3) Point3 {
	return apply(t.fwd, p)
}

// Inverse maps a world coordinate back to one-to-one pixel space.
func (t *Transform) Inverse(p Point3) Point3 {
	return apply(t.inv, p)
}

func apply(m *mat.Dense, p Point3) Point3 {
	in := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(m, in)

	w := out.AtVec(3)
	if w == 0 || w == 1 {
		return Point3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
	}
	return Point3{X: out.AtVec(0) / w, Y: out.AtVec(1) / w, Z: out.AtVec(2) / w}
}
