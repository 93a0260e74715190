package factor

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// GnssPsrDoppFactor ties the pose/velocity pair bracketing a GNSS observation
// epoch to one satellite's pseudorange and Doppler. Parameter blocks: pose_i,
// speedbias_i, pose_j, speedbias_j, rcv_dt (of the satellite's system),
// rcv_ddt, yaw_enu_local, anc_ecef. The body state at the observation epoch
// is interpolated with TsRatio (the weight of the lower frame).
type GnssPsrDoppFactor struct {
	Obs        *gnss.Obs
	Eph        gnss.Ephemeris
	IonoParams [8]float64
	TsRatio    float64

	// satellite-side values precomputed at construction
	satPos, satVel r3.Vector
	satDt, satDdt  float64
	wavelength     float64
	freqIdx        int
	psrWeight      float64
	doppWeight     float64
	valid          bool
}

// NewGnssPsrDoppFactor precomputes the satellite state of the observation;
// it returns nil when the epoch carries no usable L1 measurement.
func NewGnssPsrDoppFactor(obs *gnss.Obs, eph gnss.Ephemeris, ionoParams [8]float64, tsRatio float64) *GnssPsrDoppFactor {
	f := &GnssPsrDoppFactor{Obs: obs, Eph: eph, IonoParams: ionoParams, TsRatio: tsRatio}
	f.freqIdx = obs.L1Index()
	if f.freqIdx < 0 {
		return nil
	}
	tx := obs.Time - gnss.Time(obs.Psr[f.freqIdx]/gnss.CLight)
	f.satPos, f.satVel, f.satDt, f.satDdt = eph.SatState(tx)
	if ke, ok := eph.(*gnss.KeplerEphem); ok {
		f.satDt -= ke.Tgd
	}
	f.wavelength = gnss.CLight / gnss.L1Frequency(obs.Sat, eph.FreqChannel())

	psrStd := obs.PsrStd[f.freqIdx]
	if psrStd <= 0 {
		psrStd = 10
	}
	doppStd := obs.DoppStd[f.freqIdx]
	if doppStd <= 0 {
		doppStd = 10
	}
	f.psrWeight = 1 / psrStd
	f.doppWeight = 1 / (doppStd * f.wavelength)
	f.valid = true
	return f
}

// NumResiduals implements nlls.CostFunction.
func (f *GnssPsrDoppFactor) NumResiduals() int { return 2 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *GnssPsrDoppFactor) ParameterBlockSizes() []int {
	return []int{SizePose, SizeSpeedBias, SizePose, SizeSpeedBias, 1, 1, 1, 3}
}

// Evaluate implements nlls.CostFunction.
func (f *GnssPsrDoppFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !f.valid {
		return false
	}
	pi := PosOf(parameters[0])
	vi := Vec3Of(parameters[1], 0)
	pj := PosOf(parameters[2])
	vj := Vec3Of(parameters[3], 0)
	rcvDt := parameters[4][0]
	rcvDdt := parameters[5][0]
	yaw := parameters[6][0]
	anchor := Vec3Of(parameters[7], 0)

	ratio := f.TsRatio
	localPos := pi.Mul(ratio).Add(pj.Mul(1 - ratio))
	localVel := vi.Mul(ratio).Add(vj.Mul(1 - ratio))

	rEcefEnu := gnss.EnuRotation(anchor)
	rEnuLocal := sm.RotZ(yaw)
	rEcefLocal := rEcefEnu.Mul(rEnuLocal)

	ecefPos := anchor.Add(rEcefLocal.MulVec(localPos))
	ecefVel := rEcefLocal.MulVec(localVel)

	rng := f.satPos.Sub(ecefPos).Norm()
	unit := f.satPos.Sub(ecefPos).Mul(1 / rng)
	sagnac := gnss.EarthOmg / gnss.CLight * (f.satPos.X*ecefPos.Y - f.satPos.Y*ecefPos.X)

	az, el := gnss.SatAzEl(ecefPos, f.satPos)
	iono := gnss.KlobucharIono(f.Obs.Time, f.IonoParams, ecefPos, az, el)
	if f.Obs.Sat.System() == gnss.SysGLO {
		scale := gnss.FreqGPSL1 * f.wavelength / gnss.CLight
		iono *= scale * scale
	}
	tropo := gnss.SaastamoinenTropo(ecefPos, el)

	psrModel := rng + sagnac + rcvDt - gnss.CLight*f.satDt + iono + tropo
	residuals[0] = f.psrWeight * (psrModel - f.Obs.Psr[f.freqIdx])

	rate := f.satVel.Sub(ecefVel).Dot(unit)
	rate += gnss.EarthOmg / gnss.CLight * (f.satVel.X*ecefPos.Y + f.satPos.X*ecefVel.Y -
		f.satVel.Y*ecefPos.X - f.satPos.Y*ecefVel.X)
	doppModel := rate + rcvDdt - gnss.CLight*f.satDdt
	doppMeasured := -f.Obs.Dopp[f.freqIdx] * f.wavelength
	residuals[1] = f.doppWeight * (doppModel - doppMeasured)

	if jacobians == nil {
		return true
	}

	// d ecef_pos / d local_pos
	rel := rEcefLocal.Dense()
	// position row: d psr / d ecef_pos = -unit (far-field; sagnac and
	// atmosphere derivatives are negligible)
	psrDp := mulVec(transposed(rel), unit.Mul(-1))
	doppDv := mulVec(transposed(rel), unit.Mul(-1))

	fillPose := func(j *mat.Dense, w float64) {
		j.Zero()
		j.Set(0, 0, f.psrWeight*w*psrDp.X)
		j.Set(0, 1, f.psrWeight*w*psrDp.Y)
		j.Set(0, 2, f.psrWeight*w*psrDp.Z)
	}
	if jacobians[0] != nil {
		fillPose(jacobians[0], ratio)
	}
	if jacobians[2] != nil {
		fillPose(jacobians[2], 1-ratio)
	}
	fillSpeed := func(j *mat.Dense, w float64) {
		j.Zero()
		j.Set(1, 0, f.doppWeight*w*doppDv.X)
		j.Set(1, 1, f.doppWeight*w*doppDv.Y)
		j.Set(1, 2, f.doppWeight*w*doppDv.Z)
	}
	if jacobians[1] != nil {
		fillSpeed(jacobians[1], ratio)
	}
	if jacobians[3] != nil {
		fillSpeed(jacobians[3], 1-ratio)
	}
	if jacobians[4] != nil {
		jacobians[4].Zero()
		jacobians[4].Set(0, 0, f.psrWeight)
	}
	if jacobians[5] != nil {
		jacobians[5].Zero()
		jacobians[5].Set(1, 0, f.doppWeight)
	}
	if jacobians[6] != nil {
		// derivative of Rz(yaw)
		dRz := sm.RotationMatrix{
			-math.Sin(yaw), -math.Cos(yaw), 0,
			math.Cos(yaw), -math.Sin(yaw), 0,
			0, 0, 0,
		}
		dEcefDyaw := rEcefEnu.Mul(dRz)
		dPos := dEcefDyaw.MulVec(localPos)
		dVel := dEcefDyaw.MulVec(localVel)
		jacobians[6].Set(0, 0, f.psrWeight*-unit.Dot(dPos))
		jacobians[6].Set(1, 0, f.doppWeight*-unit.Dot(dVel))
	}
	if jacobians[7] != nil {
		// anchor shifts the receiver one-for-one; the rotation change of the
		// ENU frame is negligible over solver steps
		jacobians[7].Zero()
		jacobians[7].Set(0, 0, f.psrWeight*-unit.X)
		jacobians[7].Set(0, 1, f.psrWeight*-unit.Y)
		jacobians[7].Set(0, 2, f.psrWeight*-unit.Z)
	}
	return true
}

func transposed(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

// DtDdtFactor couples consecutive receiver clock biases of one system with
// the clock drift: dt_j - dt_i - (ddt_i+ddt_j)/2 * delta_t = 0. Parameter
// blocks: dt_i, dt_j, ddt_i, ddt_j.
type DtDdtFactor struct {
	DeltaT float64
}

// NumResiduals implements nlls.CostFunction.
func (f *DtDdtFactor) NumResiduals() int { return 1 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *DtDdtFactor) ParameterBlockSizes() []int { return []int{1, 1, 1, 1} }

// Evaluate implements nlls.CostFunction.
func (f *DtDdtFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	dtI, dtJ := parameters[0][0], parameters[1][0]
	ddtI, ddtJ := parameters[2][0], parameters[3][0]
	residuals[0] = dtJ - dtI - 0.5*(ddtI+ddtJ)*f.DeltaT
	if jacobians != nil {
		if jacobians[0] != nil {
			jacobians[0].Set(0, 0, -1)
		}
		if jacobians[1] != nil {
			jacobians[1].Set(0, 0, 1)
		}
		if jacobians[2] != nil {
			jacobians[2].Set(0, 0, -0.5*f.DeltaT)
		}
		if jacobians[3] != nil {
			jacobians[3].Set(0, 0, -0.5*f.DeltaT)
		}
	}
	return true
}

// DdtSmoothFactor penalizes clock-drift changes between consecutive frames:
// w * (ddt_j - ddt_i) = 0.
type DdtSmoothFactor struct {
	Weight float64
}

// NumResiduals implements nlls.CostFunction.
func (f *DdtSmoothFactor) NumResiduals() int { return 1 }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *DdtSmoothFactor) ParameterBlockSizes() []int { return []int{1, 1} }

// Evaluate implements nlls.CostFunction.
func (f *DdtSmoothFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	residuals[0] = f.Weight * (parameters[1][0] - parameters[0][0])
	if jacobians != nil {
		if jacobians[0] != nil {
			jacobians[0].Set(0, 0, -f.Weight)
		}
		if jacobians[1] != nil {
			jacobians[1].Set(0, 0, f.Weight)
		}
	}
	return true
}
