package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// ProjectionFactorConfig carries the shared projection weighting. The
// information matrix of every reprojection residual is (focal/1.5) * I.
type ProjectionFactorConfig struct {
	SqrtInfo float64
}

// NewProjectionFactorConfig builds the weighting from the focal length.
func NewProjectionFactorConfig(focalLength float64) ProjectionFactorConfig {
	return ProjectionFactorConfig{SqrtInfo: focalLength / 1.5}
}

// reduceAt is the Jacobian of perspective division at a camera point.
func reduceAt(p r3.Vector) *mat.Dense {
	z := p.Z
	return mat.NewDense(2, 3, []float64{
		1 / z, 0, -p.X / (z * z),
		0, 1 / z, -p.Y / (z * z),
	})
}

func tdCompensate(pt, vel r3.Vector, td, tdObserved float64) r3.Vector {
	return pt.Sub(vel.Mul(td - tdObserved))
}

// ProjectionTwoFrameOneCamFactor reprojects a landmark anchored in frame i
// into frame j, both seen by the same camera. Parameter blocks: pose_i,
// pose_j, extrinsic, inverse depth, td.
type ProjectionTwoFrameOneCamFactor struct {
	Cfg        ProjectionFactorConfig
	PtsI, PtsJ r3.Vector // normalized observations, z == 1
	VelI, VelJ r3.Vector // normalized-plane feature velocities
	TdI, TdJ   float64   // time offsets the observations were taken at
}

// NumResiduals implements nlls.CostFunction.
func (f *ProjectionTwoFrameOneCamFactor) NumResiduals() int { return 2 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *ProjectionTwoFrameOneCamFactor) ParameterBlockSizes() []int {
	return []int{SizePose, SizePose, SizePose, SizeFeature, 1}
}

// Evaluate implements nlls.CostFunction.
func (f *ProjectionTwoFrameOneCamFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	pi, qi := PosOf(parameters[0]), QuatOf(parameters[0])
	pj, qj := PosOf(parameters[1]), QuatOf(parameters[1])
	tic, qic := PosOf(parameters[2]), QuatOf(parameters[2])
	invDep := parameters[3][0]
	td := parameters[4][0]

	ptsITd := tdCompensate(f.PtsI, f.VelI, td, f.TdI)
	ptsJTd := tdCompensate(f.PtsJ, f.VelJ, td, f.TdJ)

	ptsCameraI := ptsITd.Mul(1 / invDep)
	ptsImuI := sm.RotateVec(qic, ptsCameraI).Add(tic)
	ptsW := sm.RotateVec(qi, ptsImuI).Add(pi)
	ptsImuJ := sm.RotateVec(quat.Conj(qj), ptsW.Sub(pj))
	ptsCameraJ := sm.RotateVec(quat.Conj(qic), ptsImuJ.Sub(tic))

	s := f.Cfg.SqrtInfo
	residuals[0] = s * (ptsCameraJ.X/ptsCameraJ.Z - ptsJTd.X)
	residuals[1] = s * (ptsCameraJ.Y/ptsCameraJ.Z - ptsJTd.Y)

	if jacobians == nil {
		return true
	}

	reduce := reduceAt(ptsCameraJ)
	reduce.Scale(s, reduce)

	ricT := sm.NewRotationMatrixFromQuaternion(quat.Conj(qic)).Dense()
	rjT := sm.NewRotationMatrixFromQuaternion(quat.Conj(qj)).Dense()
	ri := sm.NewRotationMatrixFromQuaternion(qi).Dense()
	ric := sm.NewRotationMatrixFromQuaternion(qic).Dense()

	if jacobians[0] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, mul(ricT, rjT))
		setBlock(jaco, 0, 3, scaled(mul(mul(mul(ricT, rjT), ri), sm.Skew(ptsImuI)), -1))
		jacobians[0].Zero()
		full := mul(reduce, jaco)
		setBlock(jacobians[0], 0, 0, full)
	}
	if jacobians[1] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, scaled(mul(ricT, rjT), -1))
		setBlock(jaco, 0, 3, mul(ricT, sm.Skew(ptsImuJ)))
		jacobians[1].Zero()
		setBlock(jacobians[1], 0, 0, mul(reduce, jaco))
	}
	if jacobians[2] != nil {
		jaco := mat.NewDense(3, 6, nil)
		rjTri := mul(rjT, ri)
		setBlock(jaco, 0, 0, mul(ricT, addM(rjTri, scaledIdentity(3, -1))))
		tmpR := mul(mul(ricT, rjTri), ric)
		inner := sm.RotateVec(quat.Conj(qic),
			sm.RotateVec(quat.Conj(qj), sm.RotateVec(qi, tic).Add(pi).Sub(pj)).Sub(tic))
		rot := addM(addM(
			scaled(mul(tmpR, sm.Skew(ptsCameraI)), -1),
			sm.Skew(mulVec(tmpR, ptsCameraI))),
			sm.Skew(inner))
		setBlock(jaco, 0, 3, rot)
		jacobians[2].Zero()
		setBlock(jacobians[2], 0, 0, mul(reduce, jaco))
	}
	if jacobians[3] != nil {
		chain := mul(mul(mul(ricT, rjT), ri), ric)
		d := mulVec(chain, ptsITd).Mul(-1 / (invDep * invDep))
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		jacobians[3].Mul(reduce, col)
	}
	if jacobians[4] != nil {
		chain := mul(mul(mul(ricT, rjT), ri), ric)
		d := mulVec(chain, f.VelI).Mul(-1 / invDep)
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		var dr mat.Dense
		dr.Mul(reduce, col)
		jacobians[4].Set(0, 0, dr.At(0, 0)+s*f.VelJ.X)
		jacobians[4].Set(1, 0, dr.At(1, 0)+s*f.VelJ.Y)
	}
	return true
}

// ProjectionTwoFrameTwoCamFactor reprojects a landmark anchored in the left
// camera of frame i into the right camera of frame j. Parameter blocks:
// pose_i, pose_j, left extrinsic, right extrinsic, inverse depth, td.
type ProjectionTwoFrameTwoCamFactor struct {
	Cfg        ProjectionFactorConfig
	PtsI, PtsJ r3.Vector
	VelI, VelJ r3.Vector
	TdI, TdJ   float64
}

// NumResiduals implements nlls.CostFunction.
func (f *ProjectionTwoFrameTwoCamFactor) NumResiduals() int { return 2 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *ProjectionTwoFrameTwoCamFactor) ParameterBlockSizes() []int {
	return []int{SizePose, SizePose, SizePose, SizePose, SizeFeature, 1}
}

// Evaluate implements nlls.CostFunction.
func (f *ProjectionTwoFrameTwoCamFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	pi, qi := PosOf(parameters[0]), QuatOf(parameters[0])
	pj, qj := PosOf(parameters[1]), QuatOf(parameters[1])
	tic0, qic0 := PosOf(parameters[2]), QuatOf(parameters[2])
	tic1, qic1 := PosOf(parameters[3]), QuatOf(parameters[3])
	invDep := parameters[4][0]
	td := parameters[5][0]

	ptsITd := tdCompensate(f.PtsI, f.VelI, td, f.TdI)
	ptsJTd := tdCompensate(f.PtsJ, f.VelJ, td, f.TdJ)

	ptsCameraI := ptsITd.Mul(1 / invDep)
	ptsImuI := sm.RotateVec(qic0, ptsCameraI).Add(tic0)
	ptsW := sm.RotateVec(qi, ptsImuI).Add(pi)
	ptsImuJ := sm.RotateVec(quat.Conj(qj), ptsW.Sub(pj))
	ptsCameraJ := sm.RotateVec(quat.Conj(qic1), ptsImuJ.Sub(tic1))

	s := f.Cfg.SqrtInfo
	residuals[0] = s * (ptsCameraJ.X/ptsCameraJ.Z - ptsJTd.X)
	residuals[1] = s * (ptsCameraJ.Y/ptsCameraJ.Z - ptsJTd.Y)

	if jacobians == nil {
		return true
	}

	reduce := reduceAt(ptsCameraJ)
	reduce.Scale(s, reduce)

	ric1T := sm.NewRotationMatrixFromQuaternion(quat.Conj(qic1)).Dense()
	rjT := sm.NewRotationMatrixFromQuaternion(quat.Conj(qj)).Dense()
	ri := sm.NewRotationMatrixFromQuaternion(qi).Dense()
	ric0 := sm.NewRotationMatrixFromQuaternion(qic0).Dense()

	if jacobians[0] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, mul(ric1T, rjT))
		setBlock(jaco, 0, 3, scaled(mul(mul(mul(ric1T, rjT), ri), sm.Skew(ptsImuI)), -1))
		jacobians[0].Zero()
		setBlock(jacobians[0], 0, 0, mul(reduce, jaco))
	}
	if jacobians[1] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, scaled(mul(ric1T, rjT), -1))
		setBlock(jaco, 0, 3, mul(ric1T, sm.Skew(ptsImuJ)))
		jacobians[1].Zero()
		setBlock(jacobians[1], 0, 0, mul(reduce, jaco))
	}
	if jacobians[2] != nil {
		jaco := mat.NewDense(3, 6, nil)
		chain := mul(mul(ric1T, rjT), ri)
		setBlock(jaco, 0, 0, chain)
		setBlock(jaco, 0, 3, scaled(mul(mul(chain, ric0), sm.Skew(ptsCameraI)), -1))
		jacobians[2].Zero()
		setBlock(jacobians[2], 0, 0, mul(reduce, jaco))
	}
	if jacobians[3] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, scaled(ric1T, -1))
		setBlock(jaco, 0, 3, sm.Skew(ptsCameraJ))
		jacobians[3].Zero()
		setBlock(jacobians[3], 0, 0, mul(reduce, jaco))
	}
	if jacobians[4] != nil {
		chain := mul(mul(mul(ric1T, rjT), ri), ric0)
		d := mulVec(chain, ptsITd).Mul(-1 / (invDep * invDep))
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		jacobians[4].Mul(reduce, col)
	}
	if jacobians[5] != nil {
		chain := mul(mul(mul(ric1T, rjT), ri), ric0)
		d := mulVec(chain, f.VelI).Mul(-1 / invDep)
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		var dr mat.Dense
		dr.Mul(reduce, col)
		jacobians[5].Set(0, 0, dr.At(0, 0)+s*f.VelJ.X)
		jacobians[5].Set(1, 0, dr.At(1, 0)+s*f.VelJ.Y)
	}
	return true
}

// ProjectionOneFrameTwoCamFactor ties the two cameras of a single frame
// through a landmark anchored in the left camera; the body pose drops out.
// Parameter blocks: left extrinsic, right extrinsic, inverse depth, td.
type ProjectionOneFrameTwoCamFactor struct {
	Cfg        ProjectionFactorConfig
	PtsI, PtsJ r3.Vector
	VelI, VelJ r3.Vector
	TdI, TdJ   float64
}

// NumResiduals implements nlls.CostFunction.
func (f *ProjectionOneFrameTwoCamFactor) NumResiduals() int { return 2 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *ProjectionOneFrameTwoCamFactor) ParameterBlockSizes() []int {
	return []int{SizePose, SizePose, SizeFeature, 1}
}

// Evaluate implements nlls.CostFunction.
func (f *ProjectionOneFrameTwoCamFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	tic0, qic0 := PosOf(parameters[0]), QuatOf(parameters[0])
	tic1, qic1 := PosOf(parameters[1]), QuatOf(parameters[1])
	invDep := parameters[2][0]
	td := parameters[3][0]

	ptsITd := tdCompensate(f.PtsI, f.VelI, td, f.TdI)
	ptsJTd := tdCompensate(f.PtsJ, f.VelJ, td, f.TdJ)

	ptsCameraI := ptsITd.Mul(1 / invDep)
	ptsImu := sm.RotateVec(qic0, ptsCameraI).Add(tic0)
	ptsCameraJ := sm.RotateVec(quat.Conj(qic1), ptsImu.Sub(tic1))

	s := f.Cfg.SqrtInfo
	residuals[0] = s * (ptsCameraJ.X/ptsCameraJ.Z - ptsJTd.X)
	residuals[1] = s * (ptsCameraJ.Y/ptsCameraJ.Z - ptsJTd.Y)

	if jacobians == nil {
		return true
	}

	reduce := reduceAt(ptsCameraJ)
	reduce.Scale(s, reduce)

	ric1T := sm.NewRotationMatrixFromQuaternion(quat.Conj(qic1)).Dense()
	ric0 := sm.NewRotationMatrixFromQuaternion(qic0).Dense()

	if jacobians[0] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, ric1T)
		setBlock(jaco, 0, 3, scaled(mul(mul(ric1T, ric0), sm.Skew(ptsCameraI)), -1))
		jacobians[0].Zero()
		setBlock(jacobians[0], 0, 0, mul(reduce, jaco))
	}
	if jacobians[1] != nil {
		jaco := mat.NewDense(3, 6, nil)
		setBlock(jaco, 0, 0, scaled(ric1T, -1))
		setBlock(jaco, 0, 3, sm.Skew(ptsCameraJ))
		jacobians[1].Zero()
		setBlock(jacobians[1], 0, 0, mul(reduce, jaco))
	}
	if jacobians[2] != nil {
		chain := mul(ric1T, ric0)
		d := mulVec(chain, ptsITd).Mul(-1 / (invDep * invDep))
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		jacobians[2].Mul(reduce, col)
	}
	if jacobians[3] != nil {
		chain := mul(ric1T, ric0)
		d := mulVec(chain, f.VelI).Mul(-1 / invDep)
		col := mat.NewDense(3, 1, []float64{d.X, d.Y, d.Z})
		var dr mat.Dense
		dr.Mul(reduce, col)
		jacobians[3].Set(0, 0, dr.At(0, 0)+s*f.VelJ.X)
		jacobians[3].Set(1, 0, dr.At(1, 0)+s*f.VelJ.Y)
	}
	return true
}
