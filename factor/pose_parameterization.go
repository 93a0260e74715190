package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// Parameter block sizes.
const (
	SizePose      = 7
	SizeSpeedBias = 9
	SizeFeature   = 1
)

// PoseParameterization is the 7-dim ambient / 6-dim tangent manifold of a
// pose block. The quaternion update is a right multiplication by the
// small-angle quaternion of half the tangent rotation.
type PoseParameterization struct{}

// GlobalSize implements nlls.LocalParameterization.
func (PoseParameterization) GlobalSize() int { return SizePose }

// LocalSize implements nlls.LocalParameterization.
func (PoseParameterization) LocalSize() int { return 6 }

// Plus implements nlls.LocalParameterization.
func (PoseParameterization) Plus(x, delta, xPlusDelta []float64) {
	xPlusDelta[0] = x[0] + delta[0]
	xPlusDelta[1] = x[1] + delta[1]
	xPlusDelta[2] = x[2] + delta[2]

	q := QuatOf(x)
	dq := sm.DeltaQ(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]})
	out := sm.Normalize(quat.Mul(q, dq))
	SetQuat(xPlusDelta, out)
}

// ComputeJacobian implements nlls.LocalParameterization: identity over the
// first six rows, zero in the seventh, matching the convention that cost
// functions leave the seventh pose column zero.
func (PoseParameterization) ComputeJacobian(x []float64, jacobian *mat.Dense) {
	jacobian.Zero()
	for i := 0; i < 6; i++ {
		jacobian.Set(i, i, 1)
	}
}

// PosOf reads the position of a pose block.
func PosOf(pose []float64) r3.Vector {
	return r3.Vector{X: pose[0], Y: pose[1], Z: pose[2]}
}

// QuatOf reads the orientation of a pose block ([x y z w] storage).
func QuatOf(pose []float64) quat.Number {
	return quat.Number{Real: pose[6], Imag: pose[3], Jmag: pose[4], Kmag: pose[5]}
}

// SetPos writes the position of a pose block.
func SetPos(pose []float64, p r3.Vector) {
	pose[0], pose[1], pose[2] = p.X, p.Y, p.Z
}

// SetQuat writes the orientation of a pose block ([x y z w] storage).
func SetQuat(pose []float64, q quat.Number) {
	pose[3], pose[4], pose[5], pose[6] = q.Imag, q.Jmag, q.Kmag, q.Real
}

// Vec3Of reads three consecutive doubles as a vector.
func Vec3Of(block []float64, offset int) r3.Vector {
	return r3.Vector{X: block[offset], Y: block[offset+1], Z: block[offset+2]}
}

// SetVec3 writes a vector into three consecutive doubles.
func SetVec3(block []float64, offset int, v r3.Vector) {
	block[offset], block[offset+1], block[offset+2] = v.X, v.Y, v.Z
}
