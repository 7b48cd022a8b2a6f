// Package transform implements the fixed-size rigid-transform kernel used by
// pairwise registration and pose-graph optimization. Transforms are 4x4
// homogeneous matrices with value semantics; nothing in this package
// allocates on the heap.
package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// smallAngle is the rotation magnitude below which exp/log switch to their
// series expansions.
const smallAngle = 1e-9

// T is a rigid transform: a 4x4 homogeneous matrix whose upper-left 3x3 block
// is an orthonormal rotation. The zero value is not valid; use Identity.
type T mgl64.Mat4

// Identity returns the identity transform.
func Identity() T {
	return T(mgl64.Ident4())
}

// At returns the matrix entry at the given row and column.
func (t T) At(row, col int) float64 {
	return mgl64.Mat4(t).At(row, col)
}

func (t *T) set(row, col int, v float64) {
	(*mgl64.Mat4)(t).Set(row, col, v)
}

// Mat4 returns the underlying 4x4 matrix.
func (t T) Mat4() mgl64.Mat4 {
	return mgl64.Mat4(t)
}

// FromMatrix builds a transform from a row-major 4x4 matrix, re-orthonormalizing
// the rotation block.
func FromMatrix(vals [16]float64) T {
	out := Identity()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out.set(i, j, vals[i*4+j])
		}
	}
	out.reorthonormalize()
	return out
}

// Compose returns a·b, the transform applying b first and then a. The
// rotation block of the product is re-orthonormalized.
func Compose(a, b T) T {
	p := T(mgl64.Mat4(a).Mul4(mgl64.Mat4(b)))
	p.reorthonormalize()
	return p
}

// Inverse inverts t using its rigid structure: the inverse rotation is the
// transpose and the inverse translation is -R^T·t.
func (t T) Inverse() T {
	r := t.rotation()
	rt := transpose3(r)
	tr := t.Translation()
	ti := apply3(rt, r3.Vector{X: -tr.X, Y: -tr.Y, Z: -tr.Z})
	return fromRotationTranslation(rt, ti)
}

// Apply transforms the point p.
func (t T) Apply(p r3.Vector) r3.Vector {
	rp := apply3(t.rotation(), p)
	return rp.Add(t.Translation())
}

// ApplyToNormal rotates the direction n without translating it.
func (t T) ApplyToNormal(n r3.Vector) r3.Vector {
	return apply3(t.rotation(), n)
}

// Translation returns the translation column of t.
func (t T) Translation() r3.Vector {
	return r3.Vector{X: t.At(0, 3), Y: t.At(1, 3), Z: t.At(2, 3)}
}

// RotationDeterminant returns the determinant of the rotation block. It is
// +1 within floating-point tolerance for every transform this package
// produces.
func (t T) RotationDeterminant() float64 {
	r := t.rotation()
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// Exp maps a twist delta = (wx, wy, wz, tx, ty, tz), rotation first, to a
// rigid transform via the SE(3) exponential.
func Exp(delta [6]float64) T {
	w := r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}
	u := r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}
	theta := w.Norm()

	var a, b, c float64
	if theta < smallAngle {
		t2 := theta * theta
		a = 1 - t2/6
		b = 0.5 - t2/24
		c = 1.0/6 - t2/120
	} else {
		t2 := theta * theta
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / t2
		c = (1 - a) / t2
	}

	wx := skew(w)
	wx2 := mul3(wx, wx)
	r := add3(add3(ident3(), scale3(wx, a)), scale3(wx2, b))
	v := add3(add3(ident3(), scale3(wx, b)), scale3(wx2, c))

	out := fromRotationTranslation(r, apply3(v, u))
	out.reorthonormalize()
	return out
}

// Log maps t to its twist (wx, wy, wz, tx, ty, tz), the inverse of Exp.
func (t T) Log() [6]float64 {
	r := t.rotation()
	tr := r[0][0] + r[1][1] + r[2][2]
	cosTheta := (tr - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)

	var w r3.Vector
	switch {
	case theta < smallAngle:
		// first-order: the skew part is already the rotation vector
		w = r3.Vector{
			X: 0.5 * (r[2][1] - r[1][2]),
			Y: 0.5 * (r[0][2] - r[2][0]),
			Z: 0.5 * (r[1][0] - r[0][1]),
		}
	case math.Pi-theta < 1e-6:
		// Near pi the antisymmetric part vanishes; recover the axis from the
		// symmetric part instead.
		axis := r3.Vector{
			X: math.Sqrt(math.Max(0, (r[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (r[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (r[2][2]+1)/2)),
		}
		// fix relative signs using the off-diagonal sums
		if r[0][1]+r[1][0] < 0 {
			axis.Y = -axis.Y
		}
		if r[0][2]+r[2][0] < 0 {
			axis.Z = -axis.Z
		}
		w = axis.Normalize().Mul(theta)
	default:
		s := theta / (2 * math.Sin(theta))
		w = r3.Vector{
			X: s * (r[2][1] - r[1][2]),
			Y: s * (r[0][2] - r[2][0]),
			Z: s * (r[1][0] - r[0][1]),
		}
	}

	wx := skew(w)
	wx2 := mul3(wx, wx)
	var vinv [3][3]float64
	if theta < smallAngle {
		vinv = add3(ident3(), scale3(wx, -0.5))
	} else {
		coeff := 1/(theta*theta) - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
		if math.Pi-theta < 1e-6 {
			// sin(theta) -> 0; the limit of the coefficient at pi
			coeff = 1 / (theta * theta)
		}
		vinv = add3(add3(ident3(), scale3(wx, -0.5)), scale3(wx2, coeff))
	}
	u := apply3(vinv, t.Translation())

	return [6]float64{w.X, w.Y, w.Z, u.X, u.Y, u.Z}
}

func (t T) rotation() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t.At(i, j)
		}
	}
	return r
}

// reorthonormalize restores orthonormality of the rotation block by
// Gram-Schmidt on its columns, keeping the determinant at +1.
func (t *T) reorthonormalize() {
	c0 := r3.Vector{X: t.At(0, 0), Y: t.At(1, 0), Z: t.At(2, 0)}.Normalize()
	c1 := r3.Vector{X: t.At(0, 1), Y: t.At(1, 1), Z: t.At(2, 1)}
	c1 = c1.Sub(c0.Mul(c1.Dot(c0))).Normalize()
	c2 := c0.Cross(c1)

	cols := [3]r3.Vector{c0, c1, c2}
	for j, c := range cols {
		t.set(0, j, c.X)
		t.set(1, j, c.Y)
		t.set(2, j, c.Z)
	}
	t.set(3, 0, 0)
	t.set(3, 1, 0)
	t.set(3, 2, 0)
	t.set(3, 3, 1)
}

func fromRotationTranslation(r [3][3]float64, tr r3.Vector) T {
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.set(i, j, r[i][j])
		}
	}
	out.set(0, 3, tr.X)
	out.set(1, 3, tr.Y)
	out.set(2, 3, tr.Z)
	return out
}

func ident3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func skew(v r3.Vector) [3][3]float64 {
	return [3][3]float64{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

func transpose3(m [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

func mul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func add3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func scale3(m [3][3]float64, s float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][j] * s
		}
	}
	return out
}

func apply3(m [3][3]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
