package vio

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Leap-Photonoics/VINS-Fusion/config"
	"github.com/Leap-Photonoics/VINS-Fusion/factor"
	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MultipleThread = false
	return cfg
}

func newTestEstimator(t *testing.T, cfg config.Config) *Estimator {
	t.Helper()
	e, err := NewEstimator(cfg, NopPublisher{}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(e.Close)
	return e
}

func TestNewEstimatorRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UseIMU = false
	cfg.Stereo = false
	_, err := NewEstimator(cfg, NopPublisher{}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSingleThreadProcessesInline(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	// IMU coverage past the first feature frame
	for i := 0; i <= 60; i++ {
		ts := float64(i) * 0.005
		e.InputIMU(ts, r3.Vector{Z: 9.81}, r3.Vector{})
	}
	test.That(t, e.frameCount, test.ShouldEqual, 0)

	e.InputFeature(0.1, frameOf(30, r3.Vector{}))

	// with MULTIPLE_THREAD off, the call returns only after the frame is
	// fully processed
	test.That(t, e.frameCount, test.ShouldEqual, 1)
	test.That(t, e.headers[0], test.ShouldAlmostEqual, 0.1)
	test.That(t, e.initFirstPoseFlag, test.ShouldBeTrue)
}

func TestWindowHeadersStayOrdered(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	for frame := 0; frame < 14; frame++ {
		featT := 0.1 + float64(frame)*0.1
		for i := 0; i <= 25; i++ {
			ts := float64(frame)*0.1 + float64(i)*0.005
			e.InputIMU(ts, r3.Vector{Z: 9.81}, r3.Vector{})
		}
		// a small per-frame shift so tracks persist
		e.InputFeature(featT, frameOf(30, r3.Vector{X: 0.001 * float64(frame)}))

		for i := 1; i <= e.frameCount; i++ {
			test.That(t, e.headers[i-1], test.ShouldBeLessThanOrEqualTo, e.headers[i])
		}
	}
}

func TestPreintegrationDurationMatchesHeaders(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	for frame := 0; frame < 5; frame++ {
		featT := 0.1 + float64(frame)*0.1
		for i := 0; i <= 25; i++ {
			ts := float64(frame)*0.1 + float64(i)*0.005
			e.InputIMU(ts, r3.Vector{Z: 9.81}, r3.Vector{})
		}
		e.InputFeature(featT, frameOf(30, r3.Vector{}))
	}

	for i := 1; i <= e.frameCount; i++ {
		if e.preintegrations[i] == nil {
			continue
		}
		want := e.headers[i] - e.headers[i-1]
		test.That(t, e.preintegrations[i].SumDt, test.ShouldAlmostEqual, want, 1e-6)
	}
}

func TestVectorDoubleRoundTrip(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	// seed a non-trivial window state
	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.ps[i] = r3.Vector{X: float64(i), Y: 0.5 * float64(i), Z: 0.1}
		e.vs[i] = r3.Vector{X: 0.2, Y: -0.1, Z: 0.05}
		e.rs[i] = sm.YPRToRot(r3.Vector{X: 3 * float64(i), Y: 1, Z: -2})
		e.bas[i] = r3.Vector{X: 0.01}
		e.bgs[i] = r3.Vector{Y: 0.002}
	}

	before := make([]r3.Vector, e.cfg.WindowSize+1)
	copy(before, e.ps)
	beforeYpr := make([]r3.Vector, e.cfg.WindowSize+1)
	for i := range beforeYpr {
		beforeYpr[i] = sm.RotToYPR(e.rs[i])
	}

	// with no solve in between, origin_R0 == origin_R00 and the
	// pack/unpack pair is the identity
	e.vector2double()
	e.double2vector()

	for i := 0; i <= e.cfg.WindowSize; i++ {
		test.That(t, e.ps[i].Sub(before[i]).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
		ypr := sm.RotToYPR(e.rs[i])
		test.That(t, ypr.Sub(beforeYpr[i]).Norm(), test.ShouldAlmostEqual, 0, 1e-7)
	}
}

func TestSlideWindowOldShiftsState(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	w := e.cfg.WindowSize
	e.frameCount = w
	e.margFlag = MarginOld
	for i := 0; i <= w; i++ {
		e.headers[i] = float64(i)
		e.ps[i] = r3.Vector{X: float64(i)}
	}
	prevH1 := e.headers[1]

	e.slideWindow()

	// after MARGIN_OLD the old H[1] becomes H[0]; slot W briefly duplicates
	// slot W-1 until the next push
	test.That(t, e.headers[0], test.ShouldAlmostEqual, prevH1)
	test.That(t, e.headers[w], test.ShouldAlmostEqual, e.headers[w-1])
	test.That(t, e.ps[0].X, test.ShouldAlmostEqual, 1)
	test.That(t, e.preintegrations[w], test.ShouldNotBeNil)
}

func TestSlideWindowSecondNewFoldsSamples(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	w := e.cfg.WindowSize
	e.frameCount = w
	e.margFlag = MarginSecondNew
	for i := 0; i <= w; i++ {
		e.headers[i] = float64(i)
	}
	e.preintegrations[w-1] = e.newSlotPreintegration()
	e.preintegrations[w] = e.newSlotPreintegration()
	// raw samples buffered in the newest slot fold into W-1
	e.dtBufW[w] = []float64{0.01, 0.01}
	e.accBufW[w] = []r3.Vector{{Z: 9.81}, {Z: 9.81}}
	e.gyrBufW[w] = []r3.Vector{{}, {}}

	e.slideWindow()

	test.That(t, e.headers[w-1], test.ShouldAlmostEqual, float64(w))
	test.That(t, e.preintegrations[w-1].SumDt, test.ShouldAlmostEqual, 0.02, 1e-12)
	test.That(t, e.preintegrations[w].SumDt, test.ShouldAlmostEqual, 0)
	test.That(t, len(e.dtBufW[w]), test.ShouldEqual, 0)
}

func TestFailureDetectionAndRecovery(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	w := e.cfg.WindowSize

	e.bas[w] = r3.Vector{X: 3.0}
	test.That(t, e.failureDetection(), test.ShouldBeTrue)

	e.bas[w] = r3.Vector{}
	e.bgs[w] = r3.Vector{Z: 1.5}
	test.That(t, e.failureDetection(), test.ShouldBeTrue)

	e.solverFlag = SolverNonLinear
	e.InputIMU(1, r3.Vector{Z: 9.81}, r3.Vector{})
	e.Restart()
	test.That(t, e.solverFlag, test.ShouldEqual, SolverInitial)
	e.mBuf.Lock()
	test.That(t, e.imuBuf.empty(), test.ShouldBeTrue)
	test.That(t, e.featureBuf.empty(), test.ShouldBeTrue)
	e.mBuf.Unlock()
	test.That(t, e.frameCount, test.ShouldEqual, 0)
}

func TestFailureDetectionHealthyState(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	test.That(t, e.failureDetection(), test.ShouldBeFalse)
}

func TestChangeSensorTypeValidation(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	test.That(t, e.ChangeSensorType(false, false), test.ShouldNotBeNil)
	test.That(t, e.ChangeSensorType(true, false), test.ShouldBeNil)
}

func TestGNSSVIAlignNeedsObservations(t *testing.T) {
	cfg := testConfig()
	cfg.GNSSEnable = true
	e := newTestEstimator(t, cfg)
	e.solverFlag = SolverNonLinear

	// nine observations per frame: below the gate
	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.gnssMeasBuf[i] = make([]gnss.SatMeas, 9)
		e.vs[i] = r3.Vector{X: 0.5}
	}
	test.That(t, e.gnssVIAlign(), test.ShouldBeFalse)
}

func TestGNSSVIAlignNeedsMotion(t *testing.T) {
	cfg := testConfig()
	cfg.GNSSEnable = true
	e := newTestEstimator(t, cfg)
	e.solverFlag = SolverNonLinear

	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.gnssMeasBuf[i] = make([]gnss.SatMeas, 10)
		e.vs[i] = r3.Vector{X: 0.01}
	}
	test.That(t, e.gnssVIAlign(), test.ShouldBeFalse)
}

func TestProcessGNSSGating(t *testing.T) {
	cfg := testConfig()
	cfg.GNSSEnable = true
	cfg.GNSSTrackNumThres = 3
	e := newTestEstimator(t, cfg)

	eph := &gnss.KeplerEphem{
		Sat:   gnss.SatID(5),
		Toe:   100,
		Toc:   100,
		SqrtA: math.Sqrt(26560e3),
	}
	e.InputEphemeris(eph)
	// duplicate reference times are deduplicated
	e.InputEphemeris(&gnss.KeplerEphem{Sat: gnss.SatID(5), Toe: 100, Toc: 100, SqrtA: eph.SqrtA})
	test.That(t, len(e.sat2Ephem[gnss.SatID(5)]), test.ShouldEqual, 1)

	obs := func(psrStd float64) []*gnss.Obs {
		return []*gnss.Obs{{
			Time:    110,
			Sat:     gnss.SatID(5),
			Freqs:   []float64{gnss.FreqGPSL1},
			Psr:     []float64{2.2e7},
			PsrStd:  []float64{psrStd},
			Dopp:    []float64{100},
			DoppStd: []float64{1},
		}}
	}

	// tracked for fewer epochs than the threshold: gated out
	e.processGNSS(obs(1))
	e.processGNSS(obs(1))
	test.That(t, len(e.gnssMeasBuf[0]), test.ShouldEqual, 0)

	// third consecutive good epoch passes
	e.processGNSS(obs(1))
	test.That(t, len(e.gnssMeasBuf[0]), test.ShouldEqual, 1)

	// a bad stddev resets the tracking counter
	e.processGNSS(obs(99))
	test.That(t, len(e.gnssMeasBuf[0]), test.ShouldEqual, 0)
	e.processGNSS(obs(1))
	test.That(t, len(e.gnssMeasBuf[0]), test.ShouldEqual, 0)
}

func TestFastPredictorTracksConstantVelocity(t *testing.T) {
	e := newTestEstimator(t, testConfig())
	e.solverFlag = SolverNonLinear
	e.latestTime = 0
	e.latestQ = sm.QuatIdentity()
	e.latestV = r3.Vector{X: 1}
	e.latestAcc0 = r3.Vector{Z: 9.81}

	for i := 1; i <= 100; i++ {
		e.fastPredictIMU(float64(i)*0.01, r3.Vector{Z: 9.81}, r3.Vector{})
	}
	// one second at 1 m/s with gravity-balanced accelerometer readings
	test.That(t, e.latestP.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, e.latestP.Z, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, e.latestV.X, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestYawAnchoringAfterSolve(t *testing.T) {
	e := newTestEstimator(t, testConfig())

	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.ps[i] = r3.Vector{X: float64(i) * 0.1}
		e.rs[i] = sm.YPRToRot(r3.Vector{X: 30})
		e.vs[i] = r3.Vector{X: 1}
	}
	e.vector2double()

	// simulate the solver rotating the whole window by an extra 10 degrees
	// of yaw (the unobservable direction)
	rot := sm.YPRToRot(r3.Vector{X: 10})
	for i := 0; i <= e.cfg.WindowSize; i++ {
		p := rot.MulVec(r3.Vector{
			X: e.paraPose[i][0], Y: e.paraPose[i][1], Z: e.paraPose[i][2],
		})
		e.paraPose[i][0], e.paraPose[i][1], e.paraPose[i][2] = p.X, p.Y, p.Z
		q := rot.Mul(sm.NewRotationMatrixFromQuaternion(factor.QuatOf(e.paraPose[i]))).Quaternion()
		e.paraPose[i][3], e.paraPose[i][4], e.paraPose[i][5], e.paraPose[i][6] = q.Imag, q.Jmag, q.Kmag, q.Real
	}

	e.double2vector()

	// yaw and position of frame 0 are anchored back to their pre-solve
	// values
	test.That(t, e.ps[0].Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, sm.RotToYPR(e.rs[0]).X, test.ShouldAlmostEqual, 30, 1e-6)
	// relative geometry is untouched
	test.That(t, e.ps[1].Sub(e.ps[0]).Norm(), test.ShouldAlmostEqual, 0.1, 1e-9)
}
