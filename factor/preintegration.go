// Package factor contains the measurement residuals of the sliding-window
// estimator, each with analytic Jacobians, together with the IMU
// pre-integration they are built on and the Schur-complement marginalization
// machinery.
//
// Parameter block conventions follow the solver: a pose block is 7 doubles
// [x y z qx qy qz qw] with a 6-dim tangent, a speed/bias block is 9 doubles
// [v ba bg].
package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// State layout offsets inside the pre-integration error state.
const (
	idxP  = 0
	idxQ  = 3
	idxV  = 6
	idxOL = 9
	idxOR = 12
)

// NoiseConfig carries the IMU (and optional encoder) noise densities and the
// gravity vector used when a pre-integration is evaluated against two window
// frames.
type NoiseConfig struct {
	AccN, AccW float64
	GyrN, GyrW float64
	EncN       float64
	Gravity    r3.Vector
}

// Preintegration accumulates IMU (and optional wheel-encoder) samples between
// two window frames into one relative-motion constraint with propagated
// covariance and bias Jacobians. Raw samples are buffered so the constraint
// can be re-propagated exactly against a new bias linearization point.
type Preintegration struct {
	cfg     NoiseConfig
	encoder bool
	logger  logging.Logger

	acc0, gyr0   r3.Vector
	encL0, encR0 r3.Vector
	firstAcc     r3.Vector
	firstGyr     r3.Vector
	firstEncL    r3.Vector
	firstEncR    r3.Vector

	LinearizedBa r3.Vector
	LinearizedBg r3.Vector

	SumDt   float64
	DeltaP  r3.Vector
	DeltaQ  quat.Number
	DeltaV  r3.Vector
	DeltaOL r3.Vector
	DeltaOR r3.Vector

	// Jacobian and Covariance are 15x15 without encoder, 21x21 with.
	Jacobian   *mat.Dense
	Covariance *mat.Dense
	noise      *mat.Dense

	dtBuf          []float64
	accBuf, gyrBuf []r3.Vector
	encLBuf        []r3.Vector
	encRBuf        []r3.Vector

	warnedUnstable bool
}

// NewPreintegration starts an IMU-only pre-integration from the latest sample
// and the reference biases.
func NewPreintegration(acc0, gyr0, ba, bg r3.Vector, cfg NoiseConfig, logger logging.Logger) *Preintegration {
	p := &Preintegration{
		cfg:          cfg,
		logger:       logger,
		acc0:         acc0,
		gyr0:         gyr0,
		firstAcc:     acc0,
		firstGyr:     gyr0,
		LinearizedBa: ba,
		LinearizedBg: bg,
	}
	p.reset()
	return p
}

// NewPreintegrationWithEncoder starts an IMU+encoder pre-integration.
func NewPreintegrationWithEncoder(acc0, gyr0, encL0, encR0, ba, bg r3.Vector, cfg NoiseConfig, logger logging.Logger) *Preintegration {
	p := &Preintegration{
		cfg:          cfg,
		encoder:      true,
		logger:       logger,
		acc0:         acc0,
		gyr0:         gyr0,
		encL0:        encL0,
		encR0:        encR0,
		firstAcc:     acc0,
		firstGyr:     gyr0,
		firstEncL:    encL0,
		firstEncR:    encR0,
		LinearizedBa: ba,
		LinearizedBg: bg,
	}
	p.reset()
	return p
}

// HasEncoder reports whether wheel states are integrated.
func (p *Preintegration) HasEncoder() bool { return p.encoder }

// Dim is the residual dimension of the constraint.
func (p *Preintegration) Dim() int {
	if p.encoder {
		return 21
	}
	return 15
}

func (p *Preintegration) biasCols() (ba, bg int) {
	if p.encoder {
		return 15, 18
	}
	return 9, 12
}

func (p *Preintegration) reset() {
	n := p.Dim()
	p.SumDt = 0
	p.DeltaP = r3.Vector{}
	p.DeltaQ = sm.QuatIdentity()
	p.DeltaV = r3.Vector{}
	p.DeltaOL = r3.Vector{}
	p.DeltaOR = r3.Vector{}
	p.Jacobian = identity(n)
	p.Covariance = mat.NewDense(n, n, nil)

	// continuous noise blocks: acc0, gyr0, acc1, gyr1, [encL, encR,] ba walk, bg walk
	groups := []float64{p.cfg.AccN, p.cfg.GyrN, p.cfg.AccN, p.cfg.GyrN}
	if p.encoder {
		groups = append(groups, p.cfg.EncN, p.cfg.EncN)
	}
	groups = append(groups, p.cfg.AccW, p.cfg.GyrW)
	nn := 3 * len(groups)
	p.noise = mat.NewDense(nn, nn, nil)
	for gi, sigma := range groups {
		for k := 0; k < 3; k++ {
			p.noise.Set(gi*3+k, gi*3+k, sigma*sigma)
		}
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// PushBack advances the constraint by one IMU sample.
func (p *Preintegration) PushBack(dt float64, acc, gyr r3.Vector) {
	p.dtBuf = append(p.dtBuf, dt)
	p.accBuf = append(p.accBuf, acc)
	p.gyrBuf = append(p.gyrBuf, gyr)
	p.propagate(dt, acc, gyr, r3.Vector{}, r3.Vector{})
}

// PushBackEncoder advances the constraint by one IMU sample with interpolated
// wheel velocities.
func (p *Preintegration) PushBackEncoder(dt float64, acc, gyr, encL, encR r3.Vector) {
	p.dtBuf = append(p.dtBuf, dt)
	p.accBuf = append(p.accBuf, acc)
	p.gyrBuf = append(p.gyrBuf, gyr)
	p.encLBuf = append(p.encLBuf, encL)
	p.encRBuf = append(p.encRBuf, encR)
	p.propagate(dt, acc, gyr, encL, encR)
}

// Repropagate resets the constraint and replays all buffered samples against
// a new bias linearization point.
func (p *Preintegration) Repropagate(ba, bg r3.Vector) {
	p.acc0 = p.firstAcc
	p.gyr0 = p.firstGyr
	p.encL0 = p.firstEncL
	p.encR0 = p.firstEncR
	p.LinearizedBa = ba
	p.LinearizedBg = bg
	p.reset()
	for i, dt := range p.dtBuf {
		if p.encoder {
			p.propagate(dt, p.accBuf[i], p.gyrBuf[i], p.encLBuf[i], p.encRBuf[i])
		} else {
			p.propagate(dt, p.accBuf[i], p.gyrBuf[i], r3.Vector{}, r3.Vector{})
		}
	}
}

// propagate performs one midpoint integration step and jointly advances the
// covariance and bias Jacobian.
func (p *Preintegration) propagate(dt float64, acc1, gyr1, encL1, encR1 r3.Vector) {
	ba, bg := p.LinearizedBa, p.LinearizedBg

	unAcc0 := sm.RotateVec(p.DeltaQ, p.acc0.Sub(ba))
	unGyr := p.gyr0.Add(gyr1).Mul(0.5).Sub(bg)
	deltaQ1 := sm.Normalize(quat.Mul(p.DeltaQ, sm.DeltaQ(unGyr.Mul(dt))))
	unAcc1 := sm.RotateVec(deltaQ1, acc1.Sub(ba))
	unAcc := unAcc0.Add(unAcc1).Mul(0.5)

	deltaP1 := p.DeltaP.Add(p.DeltaV.Mul(dt)).Add(unAcc.Mul(0.5 * dt * dt))
	deltaV1 := p.DeltaV.Add(unAcc.Mul(dt))

	var deltaOL1, deltaOR1 r3.Vector
	r0 := sm.NewRotationMatrixFromQuaternion(p.DeltaQ)
	r1 := sm.NewRotationMatrixFromQuaternion(deltaQ1)
	if p.encoder {
		deltaOL1 = p.DeltaOL.Add(r0.MulVec(p.encL0).Add(r1.MulVec(encL1)).Mul(0.5 * dt))
		deltaOR1 = p.DeltaOR.Add(r0.MulVec(p.encR0).Add(r1.MulVec(encR1)).Mul(0.5 * dt))
	}

	p.propagateCovariance(dt, acc1, encL1, encR1, unGyr, r0, r1)

	p.DeltaP = deltaP1
	p.DeltaQ = deltaQ1
	p.DeltaV = deltaV1
	p.DeltaOL = deltaOL1
	p.DeltaOR = deltaOR1
	p.SumDt += dt

	p.acc0 = acc1
	p.gyr0 = gyr1
	p.encL0 = encL1
	p.encR0 = encR1
}

func (p *Preintegration) propagateCovariance(dt float64, acc1, encL1, encR1, unGyr r3.Vector, r0, r1 sm.RotationMatrix) {
	n := p.Dim()
	iba, ibg := p.biasCols()

	rwx := sm.Skew(unGyr)
	ra0x := sm.Skew(p.acc0.Sub(p.LinearizedBa))
	ra1x := sm.Skew(acc1.Sub(p.LinearizedBa))
	r0d := r0.Dense()
	r1d := r1.Dense()

	// I - [w]x dt
	iwx := identity(3)
	iwx.Sub(iwx, scaled(rwx, dt))

	f := mat.NewDense(n, n, nil)
	setBlock(f, idxP, idxP, identity(3))

	t1 := mul(r0d, ra0x)           // R0 [a0]x
	t2 := mul(mul(r1d, ra1x), iwx) // R1 [a1]x (I - [w]x dt)
	setBlock(f, idxP, idxQ, addM(scaled(t1, -0.25*dt*dt), scaled(t2, -0.25*dt*dt)))
	setBlock(f, idxP, idxV, scaledIdentity(3, dt))
	setBlock(f, idxP, iba, scaled(addM(r0d, r1d), -0.25*dt*dt))
	setBlock(f, idxP, ibg, scaled(mul(r1d, ra1x), 0.25*dt*dt*dt))

	setBlock(f, idxQ, idxQ, iwx)
	setBlock(f, idxQ, ibg, scaledIdentity(3, -dt))

	setBlock(f, idxV, idxQ, addM(scaled(t1, -0.5*dt), scaled(t2, -0.5*dt)))
	setBlock(f, idxV, idxV, identity(3))
	setBlock(f, idxV, iba, scaled(addM(r0d, r1d), -0.5*dt))
	setBlock(f, idxV, ibg, scaled(mul(r1d, ra1x), 0.5*dt*dt))

	setBlock(f, iba, iba, identity(3))
	setBlock(f, ibg, ibg, identity(3))

	if p.encoder {
		vl0x := sm.Skew(p.encL0)
		vl1x := sm.Skew(encL1)
		vr0x := sm.Skew(p.encR0)
		vr1x := sm.Skew(encR1)

		setBlock(f, idxOL, idxQ, addM(
			scaled(mul(r0d, vl0x), -0.5*dt),
			scaled(mul(mul(r1d, vl1x), iwx), -0.5*dt)))
		setBlock(f, idxOL, idxOL, identity(3))
		setBlock(f, idxOL, ibg, scaled(mul(r1d, vl1x), 0.5*dt*dt))

		setBlock(f, idxOR, idxQ, addM(
			scaled(mul(r0d, vr0x), -0.5*dt),
			scaled(mul(mul(r1d, vr1x), iwx), -0.5*dt)))
		setBlock(f, idxOR, idxOR, identity(3))
		setBlock(f, idxOR, ibg, scaled(mul(r1d, vr1x), 0.5*dt*dt))
	}

	// noise mapping
	nr, _ := p.noise.Dims()
	v := mat.NewDense(n, nr, nil)
	colA0, colG0, colA1, colG1 := 0, 3, 6, 9
	colEL, colER := -1, -1
	colBa, colBg := 12, 15
	if p.encoder {
		colEL, colER = 12, 15
		colBa, colBg = 18, 21
	}

	setBlock(v, idxP, colA0, scaled(r0d, 0.25*dt*dt))
	setBlock(v, idxP, colG1, scaled(mul(r1d, ra1x), -0.125*dt*dt*dt))
	setBlock(v, idxP, colA1, scaled(r1d, 0.25*dt*dt))
	setBlock(v, idxP, colG0, scaled(mul(r1d, ra1x), -0.125*dt*dt*dt))

	setBlock(v, idxQ, colG0, scaledIdentity(3, 0.5*dt))
	setBlock(v, idxQ, colG1, scaledIdentity(3, 0.5*dt))

	setBlock(v, idxV, colA0, scaled(r0d, 0.5*dt))
	setBlock(v, idxV, colG1, scaled(mul(r1d, ra1x), -0.25*dt*dt))
	setBlock(v, idxV, colA1, scaled(r1d, 0.5*dt))
	setBlock(v, idxV, colG0, scaled(mul(r1d, ra1x), -0.25*dt*dt))

	if p.encoder {
		vl1x := sm.Skew(encL1)
		vr1x := sm.Skew(encR1)
		setBlock(v, idxOL, colEL, scaled(addM(r0d, r1d), 0.5*dt))
		setBlock(v, idxOL, colG0, scaled(mul(r1d, vl1x), -0.25*dt*dt))
		setBlock(v, idxOL, colG1, scaled(mul(r1d, vl1x), -0.25*dt*dt))
		setBlock(v, idxOR, colER, scaled(addM(r0d, r1d), 0.5*dt))
		setBlock(v, idxOR, colG0, scaled(mul(r1d, vr1x), -0.25*dt*dt))
		setBlock(v, idxOR, colG1, scaled(mul(r1d, vr1x), -0.25*dt*dt))
	}

	setBlock(v, iba, colBa, scaledIdentity(3, dt))
	setBlock(v, ibg, colBg, scaledIdentity(3, dt))

	// jacobian <- F * jacobian; covariance <- F cov F^T + V noise V^T
	var newJac mat.Dense
	newJac.Mul(f, p.Jacobian)
	p.Jacobian.Copy(&newJac)

	var fc, fcf, vn, vnv mat.Dense
	fc.Mul(f, p.Covariance)
	fcf.Mul(&fc, f.T())
	vn.Mul(v, p.noise)
	vnv.Mul(&vn, v.T())
	p.Covariance.Add(&fcf, &vnv)

	p.checkStability()
}

func (p *Preintegration) checkStability() {
	if p.warnedUnstable || p.logger == nil {
		return
	}
	n, _ := p.Jacobian.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if v := p.Jacobian.At(i, j); v > 1e8 || v < -1e8 {
				p.logger.Warnw("numerically unstable pre-integration Jacobian",
					"row", i, "col", j, "value", v)
				p.warnedUnstable = true
				return
			}
		}
	}
}

// BiasJacobians returns the derivative blocks of the integrated deltas with
// respect to the linearized biases.
func (p *Preintegration) BiasJacobians() (dpDba, dpDbg, dqDbg, dvDba, dvDbg *mat.Dense) {
	iba, ibg := p.biasCols()
	return block3(p.Jacobian, idxP, iba),
		block3(p.Jacobian, idxP, ibg),
		block3(p.Jacobian, idxQ, ibg),
		block3(p.Jacobian, idxV, iba),
		block3(p.Jacobian, idxV, ibg)
}

// WheelBiasJacobians returns the derivative of the wheel displacement deltas
// with respect to the gyro bias; only valid with encoder.
func (p *Preintegration) WheelBiasJacobians() (dolDbg, dorDbg *mat.Dense) {
	_, ibg := p.biasCols()
	return block3(p.Jacobian, idxOL, ibg), block3(p.Jacobian, idxOR, ibg)
}

// CorrectedDeltas applies the first-order bias correction for the given
// biases.
func (p *Preintegration) CorrectedDeltas(ba, bg r3.Vector) (dp r3.Vector, dq quat.Number, dv r3.Vector) {
	dba := ba.Sub(p.LinearizedBa)
	dbg := bg.Sub(p.LinearizedBg)

	dpDba, dpDbg, dqDbg, dvDba, dvDbg := p.BiasJacobians()

	dp = p.DeltaP.Add(mulVec(dpDba, dba)).Add(mulVec(dpDbg, dbg))
	dv = p.DeltaV.Add(mulVec(dvDba, dba)).Add(mulVec(dvDbg, dbg))
	dq = sm.Normalize(quat.Mul(p.DeltaQ, sm.DeltaQ(mulVec(dqDbg, dbg))))
	return dp, dq, dv
}

// Evaluate returns the 15-dim residual of the constraint between states i and
// j after first-order bias correction.
func (p *Preintegration) Evaluate(
	pi r3.Vector, qi quat.Number, vi, bai, bgi r3.Vector,
	pj r3.Vector, qj quat.Number, vj, baj, bgj r3.Vector,
) *mat.VecDense {
	g := p.cfg.Gravity
	dtSum := p.SumDt

	dp, dq, dv := p.CorrectedDeltas(bai, bgi)

	qiInv := quat.Conj(qi)
	rp := sm.RotateVec(qiInv,
		pj.Sub(pi).Sub(vi.Mul(dtSum)).Add(g.Mul(0.5*dtSum*dtSum))).Sub(dp)
	rq := sm.Vec(quat.Mul(quat.Conj(dq), quat.Mul(qiInv, qj))).Mul(2)
	rv := sm.RotateVec(qiInv, vj.Sub(vi).Add(g.Mul(dtSum))).Sub(dv)
	rba := baj.Sub(bai)
	rbg := bgj.Sub(bgi)

	out := mat.NewVecDense(15, nil)
	setVec3(out, 0, rp)
	setVec3(out, 3, rq)
	setVec3(out, 6, rv)
	setVec3(out, 9, rba)
	setVec3(out, 12, rbg)
	return out
}

// EvaluateEncoder returns the 21-dim residual including the two wheel-contact
// displacement rows; tioL and tioR are the wheel-contact offsets in the body
// frame.
func (p *Preintegration) EvaluateEncoder(
	pi r3.Vector, qi quat.Number, vi, bai, bgi r3.Vector,
	pj r3.Vector, qj quat.Number, vj, baj, bgj r3.Vector,
	tioL, tioR r3.Vector,
) *mat.VecDense {
	base := p.Evaluate(pi, qi, vi, bai, bgi, pj, qj, vj, baj, bgj)

	dbg := bgi.Sub(p.LinearizedBg)
	dolDbg, dorDbg := p.WheelBiasJacobians()
	correctedOL := p.DeltaOL.Add(mulVec(dolDbg, dbg))
	correctedOR := p.DeltaOR.Add(mulVec(dorDbg, dbg))

	qiInv := quat.Conj(qi)
	rol := sm.RotateVec(qiInv, pj.Add(sm.RotateVec(qj, tioL)).Sub(pi)).Sub(tioL).Sub(correctedOL)
	ror := sm.RotateVec(qiInv, pj.Add(sm.RotateVec(qj, tioR)).Sub(pi)).Sub(tioR).Sub(correctedOR)

	out := mat.NewVecDense(21, nil)
	for i := 0; i < 9; i++ {
		out.SetVec(i, base.AtVec(i))
	}
	setVec3(out, idxOL, rol)
	setVec3(out, idxOR, ror)
	for i := 0; i < 6; i++ {
		out.SetVec(15+i, base.AtVec(9+i))
	}
	return out
}

// SqrtInfo returns the upper-triangular S with S^T S equal to the inverse of
// the propagated covariance.
func (p *Preintegration) SqrtInfo() *mat.Dense {
	n := p.Dim()
	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(p.Covariance); err != nil {
		if p.logger != nil {
			p.logger.Warnw("pre-integration covariance is singular, using identity information", "error", err)
		}
		return identity(n)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		if p.logger != nil {
			p.logger.Warn("pre-integration information is not positive definite, using identity")
		}
		return identity(n)
	}
	var l mat.TriDense
	chol.LTo(&l)
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, l.At(j, i))
		}
	}
	return out
}

// helpers over gonum dense blocks

func setBlock(dst *mat.Dense, r, c int, src *mat.Dense) {
	rr, cc := src.Dims()
	for i := 0; i < rr; i++ {
		for j := 0; j < cc; j++ {
			dst.Set(r+i, c+j, src.At(i, j))
		}
	}
}

func block3(src *mat.Dense, r, c int) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, src.At(r+i, c+j))
		}
	}
	return out
}

func scaled(m *mat.Dense, s float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(s, m)
	return out
}

func scaledIdentity(n int, s float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, s)
	}
	return m
}

func mul(a, b *mat.Dense) *mat.Dense {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	out := mat.NewDense(ar, bc, nil)
	out.Mul(a, b)
	return out
}

func addM(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(a, b)
	return out
}

func mulVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func setVec3(dst *mat.VecDense, offset int, v r3.Vector) {
	dst.SetVec(offset, v.X)
	dst.SetVec(offset+1, v.Y)
	dst.SetVec(offset+2, v.Z)
}
