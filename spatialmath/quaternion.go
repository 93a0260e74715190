// Package spatialmath provides the rotation and orientation primitives used by
// the estimator: quaternions, rotation matrices and Euler conversions.
//
// Quaternions are gonum quat.Number values (Real first, then IJK) and are kept
// unit length by construction; small-angle updates use DeltaQ.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// QuatIdentity returns the identity rotation.
func QuatIdentity() quat.Number {
	return quat.Number{Real: 1}
}

// Normalize scales q to unit length. A zero quaternion maps to identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return QuatIdentity()
	}
	return quat.Number{Real: q.Real / n, Imag: q.Imag / n, Jmag: q.Jmag / n, Kmag: q.Kmag / n}
}

// DeltaQ converts a small rotation vector theta (radians) into the first-order
// quaternion {1, theta/2}, normalized.
func DeltaQ(theta r3.Vector) quat.Number {
	return Normalize(quat.Number{
		Real: 1,
		Imag: theta.X / 2,
		Jmag: theta.Y / 2,
		Kmag: theta.Z / 2,
	})
}

// RotateVec rotates v by the unit quaternion q.
func RotateVec(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatBetweenVectors returns the shortest-arc rotation taking a onto b.
func QuatBetweenVectors(a, b r3.Vector) quat.Number {
	an, bn := a.Normalize(), b.Normalize()
	c := an.Cross(bn)
	d := an.Dot(bn)
	if d < -1+1e-12 {
		// antipodal; pick any axis orthogonal to a
		axis := an.Cross(r3.Vector{X: 1})
		if axis.Norm() < 1e-9 {
			axis = an.Cross(r3.Vector{Y: 1})
		}
		axis = axis.Normalize()
		return quat.Number{Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z}
	}
	q := quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z}
	return Normalize(q)
}

// Positify returns q with a non-negative scalar part, flipping the sign of all
// components if needed. Both signs describe the same rotation.
func Positify(q quat.Number) quat.Number {
	if q.Real >= 0 {
		return q
	}
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// Vec returns the imaginary part of q.
func Vec(q quat.Number) r3.Vector {
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

// Skew returns the 3x3 skew-symmetric cross-product matrix of v.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// QLeft returns the 4x4 left-multiplication matrix of q in [w x y z] ordering,
// satisfying QLeft(p)*q == p⊗q.
func QLeft(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, -z, y,
		y, z, w, -x,
		z, -y, x, w,
	})
}

// QRight returns the 4x4 right-multiplication matrix of q in [w x y z]
// ordering, satisfying QRight(q)*p == p⊗q.
func QRight(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, z, -y,
		y, -z, w, x,
		z, y, -x, w,
	})
}

// BottomRight3x3 copies the lower-right 3x3 block of a 4x4 matrix.
func BottomRight3x3(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(m.Slice(1, 4, 1, 4))
	return out
}
