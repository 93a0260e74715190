package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestQuaternionRoundTrip(t *testing.T) {
	qs := []quat.Number{
		QuatIdentity(),
		Normalize(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.2, Kmag: 0.3}),
		Normalize(quat.Number{Real: 0.1, Imag: 0.9, Jmag: 0.3, Kmag: -0.2}),
		Normalize(quat.Number{Real: -0.4, Imag: 0.2, Jmag: 0.8, Kmag: 0.4}),
	}
	for _, q := range qs {
		back := NewRotationMatrixFromQuaternion(q).Quaternion()
		want := Positify(q)
		test.That(t, back.Real, test.ShouldAlmostEqual, want.Real, 1e-12)
		test.That(t, back.Imag, test.ShouldAlmostEqual, want.Imag, 1e-12)
		test.That(t, back.Jmag, test.ShouldAlmostEqual, want.Jmag, 1e-12)
		test.That(t, back.Kmag, test.ShouldAlmostEqual, want.Kmag, 1e-12)
	}
}

func TestRotationMatrixOrthonormal(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.7, Imag: -0.3, Jmag: 0.55, Kmag: 0.1})
	rm := NewRotationMatrixFromQuaternion(q)
	test.That(t, rm.Det(), test.ShouldAlmostEqual, 1, 1e-12)
	rrt := rm.Mul(rm.Transpose())
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			test.That(t, rrt.At(r, c), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
}

func TestRotateVecMatchesMatrix(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.8, Imag: 0.4, Jmag: -0.2, Kmag: 0.35})
	rm := NewRotationMatrixFromQuaternion(q)
	v := r3.Vector{X: 0.3, Y: -1.2, Z: 2.5}
	byQuat := RotateVec(q, v)
	byMat := rm.MulVec(v)
	test.That(t, byQuat.X, test.ShouldAlmostEqual, byMat.X, 1e-12)
	test.That(t, byQuat.Y, test.ShouldAlmostEqual, byMat.Y, 1e-12)
	test.That(t, byQuat.Z, test.ShouldAlmostEqual, byMat.Z, 1e-12)
}

func TestYPRRoundTrip(t *testing.T) {
	ypr := r3.Vector{X: 31, Y: -12, Z: 77}
	back := RotToYPR(YPRToRot(ypr))
	test.That(t, back.X, test.ShouldAlmostEqual, ypr.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, ypr.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, ypr.Z, 1e-9)
}

func TestGravityToRot(t *testing.T) {
	g := r3.Vector{X: 0.4, Y: -0.8, Z: 9.7}
	r0 := GravityToRot(g)
	aligned := r0.MulVec(g.Normalize())
	test.That(t, aligned.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, aligned.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, aligned.Z, test.ShouldAlmostEqual, 1, 1e-9)
	// yaw must stay zero
	test.That(t, RotToYPR(r0).X, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestDeltaQSmallAngle(t *testing.T) {
	theta := r3.Vector{X: 1e-4, Y: -2e-4, Z: 3e-4}
	dq := DeltaQ(theta)
	// matches the exact exponential map to first order
	angle := theta.Norm()
	axis := theta.Normalize()
	exact := quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * math.Sin(angle/2),
		Jmag: axis.Y * math.Sin(angle/2),
		Kmag: axis.Z * math.Sin(angle/2),
	}
	test.That(t, dq.Real, test.ShouldAlmostEqual, exact.Real, 1e-9)
	test.That(t, dq.Imag, test.ShouldAlmostEqual, exact.Imag, 1e-9)
}

func TestQLeftQRight(t *testing.T) {
	p := Normalize(quat.Number{Real: 0.9, Imag: 0.2, Jmag: -0.1, Kmag: 0.3})
	q := Normalize(quat.Number{Real: 0.5, Imag: -0.4, Jmag: 0.6, Kmag: 0.2})
	prod := quat.Mul(p, q)

	qv := []float64{q.Real, q.Imag, q.Jmag, q.Kmag}
	left := QLeft(p)
	got := make([]float64, 4)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			got[r] += left.At(r, c) * qv[c]
		}
	}
	test.That(t, got[0], test.ShouldAlmostEqual, prod.Real, 1e-12)
	test.That(t, got[1], test.ShouldAlmostEqual, prod.Imag, 1e-12)
	test.That(t, got[2], test.ShouldAlmostEqual, prod.Jmag, 1e-12)
	test.That(t, got[3], test.ShouldAlmostEqual, prod.Kmag, 1e-12)

	pv := []float64{p.Real, p.Imag, p.Jmag, p.Kmag}
	right := QRight(q)
	got2 := make([]float64, 4)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			got2[r] += right.At(r, c) * pv[c]
		}
	}
	test.That(t, got2[0], test.ShouldAlmostEqual, prod.Real, 1e-12)
	test.That(t, got2[1], test.ShouldAlmostEqual, prod.Imag, 1e-12)
	test.That(t, got2[2], test.ShouldAlmostEqual, prod.Jmag, 1e-12)
	test.That(t, got2[3], test.ShouldAlmostEqual, prod.Kmag, 1e-12)
}

func TestWrapToPi(t *testing.T) {
	test.That(t, WrapToPi(3*math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-12)
	test.That(t, WrapToPi(-math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-12)
	test.That(t, WrapToPi(0.5), test.ShouldAlmostEqual, 0.5, 1e-12)
}
