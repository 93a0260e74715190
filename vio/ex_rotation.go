package vio

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// exRotationCalibrator estimates the camera-to-body rotation online from the
// agreement between frame-to-frame camera rotations and gyro pre-integration
// rotations, used when no extrinsic calibration is supplied.
type exRotationCalibrator struct {
	logger     logging.Logger
	windowSize int

	frameCount int
	camRots    []quat.Number // camera rotation between consecutive frames
	imuRots    []quat.Number // body rotation between consecutive frames
	ric        sm.RotationMatrix
}

func newExRotationCalibrator(windowSize int, logger logging.Logger) *exRotationCalibrator {
	return &exRotationCalibrator{
		logger:     logger,
		windowSize: windowSize,
		ric:        sm.RotIdentity(),
	}
}

// calibrate folds one frame pair in; it returns the calibrated rotation and
// true once the estimate is well conditioned.
func (c *exRotationCalibrator) calibrate(corres [][2]r3.Vector, imuDeltaQ quat.Number) (sm.RotationMatrix, bool) {
	c.frameCount++

	camR := c.solveRelativeR(corres)
	c.camRots = append(c.camRots, camR)
	c.imuRots = append(c.imuRots, imuDeltaQ)

	a := mat.NewDense(c.frameCount*4, 4, nil)
	ricQ := c.ric.Quaternion()
	for i := 0; i < c.frameCount; i++ {
		// angular distance between the rotations under the current estimate
		// downweights disagreeing pairs
		qc := c.camRots[i]
		qi := c.imuRots[i]
		hyp := quat.Mul(quat.Conj(ricQ), quat.Mul(quat.Conj(qi), quat.Mul(ricQ, qc)))
		angle := math.Abs(2 * math.Atan2(sm.Vec(hyp).Norm(), math.Abs(hyp.Real)))
		huber := 1.0
		if deg := angle * 180 / math.Pi; deg > 5 {
			huber = 5 / deg
		}

		l := sm.QLeft(qi)
		r := sm.QRight(qc)
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				a.Set(i*4+row, col, huber*(l.At(row, col)-r.At(row, col)))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThinV) {
		return c.ric, false
	}
	var v mat.Dense
	svd.VTo(&v)
	est := quat.Number{Real: v.At(0, 3), Imag: v.At(1, 3), Jmag: v.At(2, 3), Kmag: v.At(3, 3)}
	c.ric = sm.NewRotationMatrixFromQuaternion(sm.Normalize(est)).Transpose()

	sv := svd.Values(nil)
	if c.frameCount >= c.windowSize && len(sv) == 4 && sv[2] > 0.25 {
		if c.logger != nil {
			c.logger.Infow("extrinsic rotation calibration converged",
				"singular_value", sv[2])
		}
		return c.ric, true
	}
	return c.ric, false
}

// solveRelativeR recovers the frame-to-frame camera rotation from tracked
// correspondences, falling back to identity with too little texture.
func (c *exRotationCalibrator) solveRelativeR(corres [][2]r3.Vector) quat.Number {
	if len(corres) < 9 {
		return sm.QuatIdentity()
	}
	e := eightPoint(corres)
	if e == nil {
		return sm.QuatIdentity()
	}
	r, _, good := recoverPose(e, corres)
	if good*2 < len(corres) {
		return sm.QuatIdentity()
	}
	return r.Quaternion()
}
