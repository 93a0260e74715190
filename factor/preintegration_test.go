package factor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

func testNoise() NoiseConfig {
	return NoiseConfig{
		AccN: 0.1, AccW: 0.001,
		GyrN: 0.01, GyrW: 0.0001,
		EncN:    0.1,
		Gravity: r3.Vector{Z: 9.81},
	}
}

func TestPreintegrationStaticIdentity(t *testing.T) {
	logger := logging.NewTestLogger(t)
	acc := r3.Vector{Z: 9.81}
	gyr := r3.Vector{}
	pre := NewPreintegration(acc, gyr, r3.Vector{}, r3.Vector{}, testNoise(), logger)

	const dt = 1.0 / 200
	for i := 0; i < 1000; i++ {
		pre.PushBack(dt, acc, gyr)
	}
	test.That(t, pre.SumDt, test.ShouldAlmostEqual, 5, 1e-9)

	// a static body: the residual against two identical resting states
	// vanishes
	res := pre.Evaluate(
		r3.Vector{}, sm.QuatIdentity(), r3.Vector{}, r3.Vector{}, r3.Vector{},
		r3.Vector{}, sm.QuatIdentity(), r3.Vector{}, r3.Vector{}, r3.Vector{},
	)
	for i := 0; i < 15; i++ {
		test.That(t, res.AtVec(i), test.ShouldAlmostEqual, 0, 1e-6)
	}
	test.That(t, pre.DeltaQ.Real, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, sm.Vec(pre.DeltaQ).Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func samplePath(pre *Preintegration, n int) {
	const dt = 1.0 / 200
	for i := 0; i < n; i++ {
		ti := float64(i) * dt
		acc := r3.Vector{
			X: 0.4 * math.Sin(2*ti),
			Y: -0.3 * math.Cos(ti),
			Z: 9.81 + 0.2*math.Sin(0.5*ti),
		}
		gyr := r3.Vector{
			X: 0.1 * math.Cos(ti),
			Y: 0.05 * math.Sin(3*ti),
			Z: -0.08,
		}
		if pre.HasEncoder() {
			enc := r3.Vector{Z: 1 + 0.1*math.Sin(ti)}
			pre.PushBackEncoder(dt, acc, gyr, enc, enc.Mul(1.02))
		} else {
			pre.PushBack(dt, acc, gyr)
		}
	}
}

func TestRepropagateReproducesDeltas(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegration(r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{X: 0.01}, r3.Vector{Y: 0.002}, testNoise(), logger)
	samplePath(pre, 400)

	dp, dq, dv := pre.DeltaP, pre.DeltaQ, pre.DeltaV

	pre.Repropagate(pre.LinearizedBa, pre.LinearizedBg)

	test.That(t, pre.DeltaP.Sub(dp).Norm(), test.ShouldAlmostEqual, 0, 1e-8)
	test.That(t, pre.DeltaV.Sub(dv).Norm(), test.ShouldAlmostEqual, 0, 1e-8)
	test.That(t, pre.DeltaQ.Real, test.ShouldAlmostEqual, dq.Real, 1e-8)
	test.That(t, sm.Vec(pre.DeltaQ).Sub(sm.Vec(dq)).Norm(), test.ShouldAlmostEqual, 0, 1e-8)
}

func TestBiasJacobianFirstOrder(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegration(r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{}, r3.Vector{}, testNoise(), logger)
	samplePath(pre, 400)

	dba := r3.Vector{X: 1e-3, Y: -2e-3, Z: 1e-3}
	dbg := r3.Vector{X: -1e-4, Y: 1e-4, Z: 2e-4}

	corrP, corrQ, corrV := pre.CorrectedDeltas(dba, dbg)

	pre.Repropagate(dba, dbg)

	// first-order correction tracks the exact re-propagation
	test.That(t, corrP.Sub(pre.DeltaP).Norm(), test.ShouldBeLessThan, 1e-4)
	test.That(t, corrV.Sub(pre.DeltaV).Norm(), test.ShouldBeLessThan, 1e-4)
	test.That(t, sm.Vec(corrQ).Sub(sm.Vec(pre.DeltaQ)).Norm(), test.ShouldBeLessThan, 1e-5)
}

func TestEncoderPreintegrationStraightLine(t *testing.T) {
	logger := logging.NewTestLogger(t)
	enc := r3.Vector{Z: 2} // wheel convention: forward speed on the z axis
	pre := NewPreintegrationWithEncoder(
		r3.Vector{Z: 9.81}, r3.Vector{}, enc, enc,
		r3.Vector{}, r3.Vector{}, testNoise(), logger)

	const dt = 1.0 / 100
	for i := 0; i < 100; i++ {
		pre.PushBackEncoder(dt, r3.Vector{Z: 9.81}, r3.Vector{}, enc, enc)
	}

	// no rotation: the wheel displacement integrates to v * t
	test.That(t, pre.DeltaOL.Z, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, pre.DeltaOR.Z, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, pre.DeltaOL.X, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestCovarianceGrowsWithTime(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegration(r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{}, r3.Vector{}, testNoise(), logger)

	const dt = 1.0 / 200
	pre.PushBack(dt, r3.Vector{Z: 9.81}, r3.Vector{})
	early := pre.Covariance.At(0, 0)
	for i := 0; i < 400; i++ {
		pre.PushBack(dt, r3.Vector{Z: 9.81}, r3.Vector{})
	}
	late := pre.Covariance.At(0, 0)
	test.That(t, late, test.ShouldBeGreaterThan, early)
	test.That(t, late, test.ShouldBeGreaterThan, 0)
}
