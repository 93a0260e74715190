package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation matrix in row-major order.
type RotationMatrix [9]float64

// RotIdentity returns the identity rotation matrix.
func RotIdentity() RotationMatrix {
	return RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row r, column c.
func (rm RotationMatrix) At(r, c int) float64 {
	return rm[3*r+c]
}

// Row returns the r'th row.
func (rm RotationMatrix) Row(r int) r3.Vector {
	return r3.Vector{X: rm[3*r], Y: rm[3*r+1], Z: rm[3*r+2]}
}

// Col returns the c'th column.
func (rm RotationMatrix) Col(c int) r3.Vector {
	return r3.Vector{X: rm[c], Y: rm[3+c], Z: rm[6+c]}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = rm.Row(r).Dot(other.Col(c))
		}
	}
	return out
}

// Transpose returns the inverse rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	return RotationMatrix{
		rm[0], rm[3], rm[6],
		rm[1], rm[4], rm[7],
		rm[2], rm[5], rm[8],
	}
}

// MulVec applies the rotation to v.
func (rm RotationMatrix) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm[0]*v.X + rm[1]*v.Y + rm[2]*v.Z,
		Y: rm[3]*v.X + rm[4]*v.Y + rm[5]*v.Z,
		Z: rm[6]*v.X + rm[7]*v.Y + rm[8]*v.Z,
	}
}

// Det returns the determinant.
func (rm RotationMatrix) Det() float64 {
	return rm[0]*(rm[4]*rm[8]-rm[5]*rm[7]) -
		rm[1]*(rm[3]*rm[8]-rm[5]*rm[6]) +
		rm[2]*(rm[3]*rm[7]-rm[4]*rm[6])
}

// Dense copies the matrix into a gonum dense matrix.
func (rm RotationMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		rm[0], rm[1], rm[2],
		rm[3], rm[4], rm[5],
		rm[6], rm[7], rm[8],
	})
}

// Quaternion converts the rotation matrix to a unit quaternion with
// non-negative scalar part.
func (rm RotationMatrix) Quaternion() quat.Number {
	var q quat.Number
	tr := rm[0] + rm[4] + rm[8]
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1)
		q.Real = 0.25 / s
		q.Imag = (rm.At(2, 1) - rm.At(1, 2)) * s
		q.Jmag = (rm.At(0, 2) - rm.At(2, 0)) * s
		q.Kmag = (rm.At(1, 0) - rm.At(0, 1)) * s
	case rm.At(0, 0) > rm.At(1, 1) && rm.At(0, 0) > rm.At(2, 2):
		s := 2 * math.Sqrt(1+rm.At(0, 0)-rm.At(1, 1)-rm.At(2, 2))
		q.Real = (rm.At(2, 1) - rm.At(1, 2)) / s
		q.Imag = 0.25 * s
		q.Jmag = (rm.At(0, 1) + rm.At(1, 0)) / s
		q.Kmag = (rm.At(0, 2) + rm.At(2, 0)) / s
	case rm.At(1, 1) > rm.At(2, 2):
		s := 2 * math.Sqrt(1+rm.At(1, 1)-rm.At(0, 0)-rm.At(2, 2))
		q.Real = (rm.At(0, 2) - rm.At(2, 0)) / s
		q.Imag = (rm.At(0, 1) + rm.At(1, 0)) / s
		q.Jmag = 0.25 * s
		q.Kmag = (rm.At(1, 2) + rm.At(2, 1)) / s
	default:
		s := 2 * math.Sqrt(1+rm.At(2, 2)-rm.At(0, 0)-rm.At(1, 1))
		q.Real = (rm.At(1, 0) - rm.At(0, 1)) / s
		q.Imag = (rm.At(0, 2) + rm.At(2, 0)) / s
		q.Jmag = (rm.At(1, 2) + rm.At(2, 1)) / s
		q.Kmag = 0.25 * s
	}
	return Positify(Normalize(q))
}

// NewRotationMatrixFromQuaternion builds the rotation matrix of a unit
// quaternion.
func NewRotationMatrixFromQuaternion(q quat.Number) RotationMatrix {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}
