package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// IMUEncoderFactor is the 21-dim variant of IMUFactor, adding two residual
// rows for the pre-integrated displacements of the left and right
// wheel-contact points.
type IMUEncoderFactor struct {
	Pre        *Preintegration
	TioL, TioR r3.Vector
}

// NumResiduals implements nlls.CostFunction.
func (f *IMUEncoderFactor) NumResiduals() int { return 21 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *IMUEncoderFactor) ParameterBlockSizes() []int {
	return []int{SizePose, SizeSpeedBias, SizePose, SizeSpeedBias}
}

// Evaluate implements nlls.CostFunction.
func (f *IMUEncoderFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	pi, qi := PosOf(parameters[0]), QuatOf(parameters[0])
	vi, bai, bgi := Vec3Of(parameters[1], 0), Vec3Of(parameters[1], 3), Vec3Of(parameters[1], 6)
	pj, qj := PosOf(parameters[2]), QuatOf(parameters[2])
	vj, baj, bgj := Vec3Of(parameters[3], 0), Vec3Of(parameters[3], 3), Vec3Of(parameters[3], 6)

	res := f.Pre.EvaluateEncoder(pi, qi, vi, bai, bgi, pj, qj, vj, baj, bgj, f.TioL, f.TioR)
	sqrtInfo := f.Pre.SqrtInfo()

	var weighted mat.VecDense
	weighted.MulVec(sqrtInfo, res)
	for i := 0; i < 21; i++ {
		residuals[i] = weighted.AtVec(i)
	}

	if jacobians == nil {
		return true
	}

	g := f.Pre.cfg.Gravity
	dt := f.Pre.SumDt
	iba, ibg := f.Pre.biasCols()
	dpDba, dpDbg, dqDbg, dvDba, dvDbg := f.Pre.BiasJacobians()
	dolDbg, dorDbg := f.Pre.WheelBiasJacobians()

	qiInv := quat.Conj(qi)
	riInvT := sm.NewRotationMatrixFromQuaternion(qiInv).Dense()
	rj := sm.NewRotationMatrixFromQuaternion(qj)

	dbg := bgi.Sub(f.Pre.LinearizedBg)
	correctedDq := sm.Normalize(quat.Mul(f.Pre.DeltaQ, sm.DeltaQ(mulVec(dqDbg, dbg))))

	if jacobians[0] != nil {
		j := mat.NewDense(21, SizePose, nil)
		setBlock(j, idxP, 0, scaled(riInvT, -1))
		setBlock(j, idxP, 3, sm.Skew(sm.RotateVec(qiInv,
			g.Mul(0.5*dt*dt).Add(pj).Sub(pi).Sub(vi.Mul(dt)))))
		qjiqi := quat.Mul(quat.Conj(qj), qi)
		setBlock(j, idxQ, 3, scaled(sm.BottomRight3x3(mul(sm.QLeft(qjiqi), sm.QRight(correctedDq))), -1))
		setBlock(j, idxV, 3, sm.Skew(sm.RotateVec(qiInv, g.Mul(dt).Add(vj).Sub(vi))))

		setBlock(j, idxOL, 0, scaled(riInvT, -1))
		setBlock(j, idxOL, 3, sm.Skew(sm.RotateVec(qiInv, pj.Add(sm.RotateVec(qj, f.TioL)).Sub(pi))))
		setBlock(j, idxOR, 0, scaled(riInvT, -1))
		setBlock(j, idxOR, 3, sm.Skew(sm.RotateVec(qiInv, pj.Add(sm.RotateVec(qj, f.TioR)).Sub(pi))))
		jacobians[0].Mul(sqrtInfo, j)
	}
	if jacobians[1] != nil {
		j := mat.NewDense(21, SizeSpeedBias, nil)
		setBlock(j, idxP, 0, scaled(riInvT, -dt))
		setBlock(j, idxP, 3, scaled(dpDba, -1))
		setBlock(j, idxP, 6, scaled(dpDbg, -1))
		qjiqidq := quat.Mul(quat.Mul(quat.Conj(qj), qi), f.Pre.DeltaQ)
		setBlock(j, idxQ, 6, scaled(mul(sm.BottomRight3x3(sm.QLeft(qjiqidq)), dqDbg), -1))
		setBlock(j, idxV, 0, scaled(riInvT, -1))
		setBlock(j, idxV, 3, scaled(dvDba, -1))
		setBlock(j, idxV, 6, scaled(dvDbg, -1))
		setBlock(j, idxOL, 6, scaled(dolDbg, -1))
		setBlock(j, idxOR, 6, scaled(dorDbg, -1))
		setBlock(j, iba, 3, scaledIdentity(3, -1))
		setBlock(j, ibg, 6, scaledIdentity(3, -1))
		jacobians[1].Mul(sqrtInfo, j)
	}
	if jacobians[2] != nil {
		j := mat.NewDense(21, SizePose, nil)
		setBlock(j, idxP, 0, riInvT)
		dqiqj := quat.Mul(quat.Conj(correctedDq), quat.Mul(qiInv, qj))
		setBlock(j, idxQ, 3, sm.BottomRight3x3(sm.QLeft(dqiqj)))
		setBlock(j, idxOL, 0, riInvT)
		setBlock(j, idxOL, 3, scaled(mul(mul(riInvT, rj.Dense()), sm.Skew(f.TioL)), -1))
		setBlock(j, idxOR, 0, riInvT)
		setBlock(j, idxOR, 3, scaled(mul(mul(riInvT, rj.Dense()), sm.Skew(f.TioR)), -1))
		jacobians[2].Mul(sqrtInfo, j)
	}
	if jacobians[3] != nil {
		j := mat.NewDense(21, SizeSpeedBias, nil)
		setBlock(j, idxV, 0, riInvT)
		setBlock(j, iba, 3, identity(3))
		setBlock(j, ibg, 6, identity(3))
		jacobians[3].Mul(sqrtInfo, j)
	}
	return true
}
