package vio

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	"github.com/Leap-Photonoics/VINS-Fusion/nlls"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// sfmObservation is a feature seen in one window frame during initialization.
type sfmObservation struct {
	frame int
	point r3.Vector // normalized, z == 1
}

// sfmFeature is one track fed to the global structure-from-motion pass.
type sfmFeature struct {
	id       int
	obs      []sfmObservation
	resolved bool
	position r3.Vector
}

// quatParameterization is the 4-dim ambient / 3-dim tangent manifold of the
// structure-from-motion rotation blocks ([x y z w] storage, right-multiplied
// update).
type quatParameterization struct{}

func (quatParameterization) GlobalSize() int { return 4 }
func (quatParameterization) LocalSize() int  { return 3 }

func (quatParameterization) Plus(x, delta, xPlusDelta []float64) {
	q := quat.Number{Real: x[3], Imag: x[0], Jmag: x[1], Kmag: x[2]}
	dq := sm.DeltaQ(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	out := sm.Normalize(quat.Mul(q, dq))
	xPlusDelta[0], xPlusDelta[1], xPlusDelta[2], xPlusDelta[3] = out.Imag, out.Jmag, out.Kmag, out.Real
}

func (quatParameterization) ComputeJacobian(x []float64, jacobian *mat.Dense) {
	q := quat.Number{Real: x[3], Imag: x[0], Jmag: x[1], Kmag: x[2]}
	left := sm.QLeft(q) // wxyz ordering
	// d(q ⊗ [1, delta/2]) / d delta, rows reordered to xyzw storage
	jacobian.Zero()
	for c := 0; c < 3; c++ {
		jacobian.Set(0, c, 0.5*left.At(1, 1+c))
		jacobian.Set(1, c, 0.5*left.At(2, 1+c))
		jacobian.Set(2, c, 0.5*left.At(3, 1+c))
		jacobian.Set(3, c, 0.5*left.At(0, 1+c))
	}
}

// globalSFM reconstructs the window's camera poses and a sparse point set
// from feature tracks, anchored on the (l, newest) relative pose.
type globalSFM struct {
	logger logging.Logger
}

// construct runs the full pass. relR/relT is the pose of the newest frame in
// frame l's camera frame. It returns world-from-camera poses per frame and
// the triangulated points by feature id.
func (s *globalSFM) construct(
	frameNum, l int,
	relR sm.RotationMatrix, relT r3.Vector,
	features []*sfmFeature,
) ([]quat.Number, []r3.Vector, map[int]r3.Vector, bool) {
	// camera-from-world throughout the reconstruction
	rcw := make([]sm.RotationMatrix, frameNum)
	tcw := make([]r3.Vector, frameNum)
	for i := range rcw {
		rcw[i] = sm.RotIdentity()
	}
	last := frameNum - 1
	rcw[last] = relR.Transpose()
	tcw[last] = relR.Transpose().MulVec(relT).Mul(-1)

	s.triangulateTwoFrames(l, last, rcw, tcw, features)

	// chain forward: PnP each frame between l and the newest against the
	// growing cloud, then triangulate it with the newest
	for i := l + 1; i < last; i++ {
		if !s.solveFramePnP(i, i-1, rcw, tcw, features) {
			return nil, nil, nil, false
		}
		s.triangulateTwoFrames(i, last, rcw, tcw, features)
	}
	for i := l + 1; i < last; i++ {
		s.triangulateTwoFrames(l, i, rcw, tcw, features)
	}
	// chain backward from l to the window head
	for i := l - 1; i >= 0; i-- {
		if !s.solveFramePnP(i, i+1, rcw, tcw, features) {
			return nil, nil, nil, false
		}
		s.triangulateTwoFrames(i, l, rcw, tcw, features)
	}
	// mop up every remaining track with two or more views
	for _, f := range features {
		if f.resolved || len(f.obs) < 2 {
			continue
		}
		first, lastObs := f.obs[0], f.obs[len(f.obs)-1]
		p0 := projMat(rcw[first.frame], tcw[first.frame])
		p1 := projMat(rcw[lastObs.frame], tcw[lastObs.frame])
		f.position = triangulatePoint(p0, p1, first.point, lastObs.point)
		f.resolved = true
	}

	if !s.bundleAdjust(frameNum, l, rcw, tcw, features) {
		return nil, nil, nil, false
	}

	qs := make([]quat.Number, frameNum)
	ts := make([]r3.Vector, frameNum)
	for i := 0; i < frameNum; i++ {
		wfc := rcw[i].Transpose()
		qs[i] = wfc.Quaternion()
		ts[i] = wfc.MulVec(tcw[i]).Mul(-1)
	}
	tracked := make(map[int]r3.Vector)
	for _, f := range features {
		if f.resolved {
			tracked[f.id] = f.position
		}
	}
	return qs, ts, tracked, true
}

func projMat(r sm.RotationMatrix, t r3.Vector) *mat.Dense {
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r.At(i, j))
		}
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out
}

func (s *globalSFM) triangulateTwoFrames(i, j int, rcw []sm.RotationMatrix, tcw []r3.Vector, features []*sfmFeature) {
	if i == j {
		return
	}
	p0 := projMat(rcw[i], tcw[i])
	p1 := projMat(rcw[j], tcw[j])
	for _, f := range features {
		if f.resolved {
			continue
		}
		var pi, pj *r3.Vector
		for k := range f.obs {
			if f.obs[k].frame == i {
				pi = &f.obs[k].point
			}
			if f.obs[k].frame == j {
				pj = &f.obs[k].point
			}
		}
		if pi == nil || pj == nil {
			continue
		}
		f.position = triangulatePoint(p0, p1, *pi, *pj)
		f.resolved = true
	}
}

// solveFramePnP poses frame i from the resolved cloud, seeded by frame seed.
func (s *globalSFM) solveFramePnP(i, seed int, rcw []sm.RotationMatrix, tcw []r3.Vector, features []*sfmFeature) bool {
	var pts2, pts3 []r3.Vector
	for _, f := range features {
		if !f.resolved {
			continue
		}
		for k := range f.obs {
			if f.obs[k].frame == i {
				pts2 = append(pts2, f.obs[k].point)
				pts3 = append(pts3, f.position)
			}
		}
	}
	if len(pts2) < 6 {
		if s.logger != nil {
			s.logger.Debugf("structure-from-motion: frame %d has only %d resolved points", i, len(pts2))
		}
		return false
	}
	camR := rcw[seed].Transpose()
	camT := camR.MulVec(tcw[seed]).Mul(-1)
	r, t, ok := solvePoseByPnP(camR, camT, pts2, pts3)
	if !ok {
		return false
	}
	rcw[i] = r.Transpose()
	tcw[i] = rcw[i].MulVec(t).Mul(-1)
	return true
}

// bundleAdjust refines all poses and points in the pure-visual domain.
func (s *globalSFM) bundleAdjust(frameNum, l int, rcw []sm.RotationMatrix, tcw []r3.Vector, features []*sfmFeature) bool {
	problem := nlls.NewProblem()

	rotBlocks := make([][]float64, frameNum)
	transBlocks := make([][]float64, frameNum)
	for i := 0; i < frameNum; i++ {
		q := rcw[i].Quaternion()
		rotBlocks[i] = []float64{q.Imag, q.Jmag, q.Kmag, q.Real}
		transBlocks[i] = []float64{tcw[i].X, tcw[i].Y, tcw[i].Z}
		problem.AddParameterBlock(rotBlocks[i], quatParameterization{})
		problem.AddParameterBlock(transBlocks[i], nil)
	}
	problem.SetParameterBlockConstant(rotBlocks[l])
	problem.SetParameterBlockConstant(transBlocks[l])
	problem.SetParameterBlockConstant(transBlocks[frameNum-1])

	pointBlocks := make(map[int][]float64)
	for _, f := range features {
		if !f.resolved {
			continue
		}
		pb := []float64{f.position.X, f.position.Y, f.position.Z}
		pointBlocks[f.id] = pb
		problem.AddParameterBlock(pb, nil)
		problem.MarkSchurBlock(pb)
		for _, ob := range f.obs {
			uv := ob.point
			cost := &nlls.NumericDiffCostFunction{
				Residuals:  2,
				BlockSizes: []int{4, 3, 3},
				Func: func(parameters [][]float64, residuals []float64) bool {
					q := quat.Number{
						Real: parameters[0][3],
						Imag: parameters[0][0],
						Jmag: parameters[0][1],
						Kmag: parameters[0][2],
					}
					t := r3.Vector{X: parameters[1][0], Y: parameters[1][1], Z: parameters[1][2]}
					pw := r3.Vector{X: parameters[2][0], Y: parameters[2][1], Z: parameters[2][2]}
					pc := sm.RotateVec(q, pw).Add(t)
					if pc.Z < 1e-6 {
						return false
					}
					residuals[0] = pc.X/pc.Z - uv.X
					residuals[1] = pc.Y/pc.Z - uv.Y
					return true
				},
			}
			if err := problem.AddResidualBlock(cost, nlls.HuberLoss{Delta: 2.0 / 460}, rotBlocks[ob.frame], transBlocks[ob.frame], pb); err != nil {
				return false
			}
		}
	}

	summary, err := nlls.Solve(problem, nlls.Options{
		MaxIterations:     25,
		InitialRadius:     1e4,
		GradientTolerance: 1e-12,
		StepTolerance:     1e-12,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Debugw("structure-from-motion bundle adjustment failed", "error", err)
		}
		return false
	}
	if summary.FinalCost > float64(len(features)) {
		if s.logger != nil {
			s.logger.Debugf("structure-from-motion did not converge, cost %f", summary.FinalCost)
		}
		return false
	}

	for i := 0; i < frameNum; i++ {
		q := quat.Number{
			Real: rotBlocks[i][3],
			Imag: rotBlocks[i][0],
			Jmag: rotBlocks[i][1],
			Kmag: rotBlocks[i][2],
		}
		rcw[i] = sm.NewRotationMatrixFromQuaternion(q)
		tcw[i] = r3.Vector{X: transBlocks[i][0], Y: transBlocks[i][1], Z: transBlocks[i][2]}
	}
	for _, f := range features {
		if pb, ok := pointBlocks[f.id]; ok {
			f.position = r3.Vector{X: pb[0], Y: pb[1], Z: pb[2]}
		}
	}
	return true
}
