package vio

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/factor"
	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// imageFrame is a pre-initialization frame: raw feature observations, the
// pose recovered by SfM/PnP, and the temporary pre-integration reaching it.
type imageFrame struct {
	t          float64
	points     FeatureFrame
	r          sm.RotationMatrix // body-to-world
	p          r3.Vector
	isKeyFrame bool
	pre        *factor.Preintegration
}

// solveGyroscopeBias estimates a shared gyroscope bias increment from the
// rotation mismatch between vision and pre-integration over consecutive
// frames, and re-propagates every frame's pre-integration under it.
func solveGyroscopeBias(frames []*imageFrame, logger logging.Logger) r3.Vector {
	a := mat.NewSymDense(3, nil)
	b := mat.NewVecDense(3, nil)

	for k := 0; k+1 < len(frames); k++ {
		fi, fj := frames[k], frames[k+1]
		if fj.pre == nil {
			continue
		}
		qi := fi.r.Quaternion()
		qj := fj.r.Quaternion()
		qij := quat.Mul(quat.Conj(qi), qj)

		_, _, dqDbg, _, _ := fj.pre.BiasJacobians()
		resid := sm.Vec(quat.Mul(quat.Conj(fj.pre.DeltaQ), qij)).Mul(2)

		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				acc := 0.0
				for m := 0; m < 3; m++ {
					acc += dqDbg.At(m, r) * dqDbg.At(m, c)
				}
				a.SetSym(r, c, a.At(r, c)+acc)
			}
			acc := 0.0
			for m := 0; m < 3; m++ {
				acc += dqDbg.At(m, r) * [3]float64{resid.X, resid.Y, resid.Z}[m]
			}
			b.SetVec(r, b.AtVec(r)+acc)
		}
	}

	var chol mat.Cholesky
	damped := mat.NewSymDense(3, nil)
	damped.CopySym(a)
	for i := 0; i < 3; i++ {
		damped.SetSym(i, i, damped.At(i, i)+1e-10)
	}
	if !chol.Factorize(damped) {
		if logger != nil {
			logger.Warn("gyroscope bias solve is singular")
		}
		return r3.Vector{}
	}
	dbg := mat.NewVecDense(3, nil)
	if err := chol.SolveVecTo(dbg, b); err != nil {
		return r3.Vector{}
	}
	out := r3.Vector{X: dbg.AtVec(0), Y: dbg.AtVec(1), Z: dbg.AtVec(2)}

	for _, f := range frames {
		if f.pre != nil {
			f.pre.Repropagate(r3.Vector{}, out)
		}
	}
	return out
}

func tangentBasis(g0 r3.Vector) (r3.Vector, r3.Vector) {
	a := g0.Normalize()
	tmp := r3.Vector{Z: 1}
	if math.Abs(a.Dot(tmp)) > 0.99 {
		tmp = r3.Vector{X: 1}
	}
	b1 := tmp.Sub(a.Mul(a.Dot(tmp))).Normalize()
	b2 := a.Cross(b1)
	return b1, b2
}

// linearAlignment solves per-frame velocities, gravity and metric scale from
// the pre-integration constraints; tic is the primary camera translation
// extrinsic and gNorm the expected gravity magnitude. It returns the
// refined gravity, per-frame body velocities and scale.
func linearAlignment(frames []*imageFrame, tic r3.Vector, gNorm float64, logger logging.Logger) (r3.Vector, []r3.Vector, float64, bool) {
	n := len(frames)
	if n < 2 {
		return r3.Vector{}, nil, 0, false
	}
	nState := n*3 + 3 + 1

	a := mat.NewDense(nState, nState, nil)
	b := mat.NewVecDense(nState, nil)

	addPair := func(k int, rows *mat.Dense, rhs *mat.VecDense, cols []int) {
		// rows is 6 x len(cols); accumulate rowsᵀrows into a and rowsᵀrhs into b
		for ci := 0; ci < len(cols); ci++ {
			for cj := 0; cj < len(cols); cj++ {
				acc := 0.0
				for r := 0; r < 6; r++ {
					acc += rows.At(r, ci) * rows.At(r, cj)
				}
				a.Set(cols[ci], cols[cj], a.At(cols[ci], cols[cj])+acc)
			}
			acc := 0.0
			for r := 0; r < 6; r++ {
				acc += rows.At(r, ci) * rhs.AtVec(r)
			}
			b.SetVec(cols[ci], b.AtVec(cols[ci])+acc)
		}
		_ = k
	}

	for k := 0; k+1 < n; k++ {
		fi, fj := frames[k], frames[k+1]
		if fj.pre == nil {
			continue
		}
		dt := fj.pre.SumDt
		riT := fi.r.Transpose()
		rij := riT.Mul(fj.r)

		cols := make([]int, 10)
		for c := 0; c < 3; c++ {
			cols[c] = k*3 + c       // v_k
			cols[3+c] = k*3 + 3 + c // v_k+1
			cols[6+c] = n*3 + c     // g
		}
		cols[9] = n*3 + 3 // s

		rows := mat.NewDense(6, 10, nil)
		rhs := mat.NewVecDense(6, nil)

		// position rows
		for c := 0; c < 3; c++ {
			rows.Set(c, c, -dt)
			for cc := 0; cc < 3; cc++ {
				rows.Set(c, 6+cc, riT.At(c, cc)*dt*dt/2)
			}
		}
		dtp := riT.MulVec(fj.p.Sub(fi.p)).Mul(1.0 / 100)
		rows.Set(0, 9, dtp.X)
		rows.Set(1, 9, dtp.Y)
		rows.Set(2, 9, dtp.Z)
		bp := fj.pre.DeltaP.Add(rij.MulVec(tic)).Sub(tic)
		rhs.SetVec(0, bp.X)
		rhs.SetVec(1, bp.Y)
		rhs.SetVec(2, bp.Z)

		// velocity rows
		for c := 0; c < 3; c++ {
			rows.Set(3+c, c, -1)
			for cc := 0; cc < 3; cc++ {
				rows.Set(3+c, 3+cc, rij.At(c, cc))
				rows.Set(3+c, 6+cc, riT.At(c, cc)*dt)
			}
		}
		rhs.SetVec(3, fj.pre.DeltaV.X)
		rhs.SetVec(4, fj.pre.DeltaV.Y)
		rhs.SetVec(5, fj.pre.DeltaV.Z)

		addPair(k, rows, rhs, cols)
	}

	a.Scale(1000, a)
	b.ScaleVec(1000, b)

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		if logger != nil {
			logger.Debugw("visual-inertial linear alignment failed", "error", err)
		}
		return r3.Vector{}, nil, 0, false
	}

	s := x.AtVec(nState-1) / 100
	g := r3.Vector{X: x.AtVec(n * 3), Y: x.AtVec(n*3 + 1), Z: x.AtVec(n*3 + 2)}
	if logger != nil {
		logger.Debugf("estimated scale %f, gravity norm %f", s, g.Norm())
	}
	if s < 0 || math.Abs(g.Norm()-gNorm) > 1 {
		return r3.Vector{}, nil, 0, false
	}

	g, vs, s, ok := refineGravity(frames, tic, gNorm, g)
	if !ok || s < 0 {
		return r3.Vector{}, nil, 0, false
	}
	return g, vs, s, true
}

// refineGravity re-solves the alignment with gravity constrained to the
// 2-DoF sphere of the expected magnitude.
func refineGravity(frames []*imageFrame, tic r3.Vector, gNorm float64, g r3.Vector) (r3.Vector, []r3.Vector, float64, bool) {
	n := len(frames)
	nState := n*3 + 2 + 1
	g0 := g.Normalize().Mul(gNorm)

	var x mat.VecDense
	for iter := 0; iter < 4; iter++ {
		b1, b2 := tangentBasis(g0)

		a := mat.NewDense(nState, nState, nil)
		bb := mat.NewVecDense(nState, nil)

		for k := 0; k+1 < n; k++ {
			fi, fj := frames[k], frames[k+1]
			if fj.pre == nil {
				continue
			}
			dt := fj.pre.SumDt
			riT := fi.r.Transpose()
			rij := riT.Mul(fj.r)

			cols := make([]int, 9)
			for c := 0; c < 3; c++ {
				cols[c] = k*3 + c
				cols[3+c] = k*3 + 3 + c
			}
			cols[6] = n * 3
			cols[7] = n*3 + 1
			cols[8] = n*3 + 2

			rows := mat.NewDense(6, 9, nil)
			rhs := mat.NewVecDense(6, nil)

			lb1 := riT.MulVec(b1)
			lb2 := riT.MulVec(b2)
			for c := 0; c < 3; c++ {
				rows.Set(c, c, -dt)
				rows.Set(c, 6, [3]float64{lb1.X, lb1.Y, lb1.Z}[c]*dt*dt/2)
				rows.Set(c, 7, [3]float64{lb2.X, lb2.Y, lb2.Z}[c]*dt*dt/2)
			}
			dtp := riT.MulVec(fj.p.Sub(fi.p)).Mul(1.0 / 100)
			rows.Set(0, 8, dtp.X)
			rows.Set(1, 8, dtp.Y)
			rows.Set(2, 8, dtp.Z)
			bp := fj.pre.DeltaP.Add(rij.MulVec(tic)).Sub(tic).
				Sub(riT.MulVec(g0).Mul(dt * dt / 2))
			rhs.SetVec(0, bp.X)
			rhs.SetVec(1, bp.Y)
			rhs.SetVec(2, bp.Z)

			for c := 0; c < 3; c++ {
				rows.Set(3+c, c, -1)
				for cc := 0; cc < 3; cc++ {
					rows.Set(3+c, 3+cc, rij.At(c, cc))
				}
				rows.Set(3+c, 6, [3]float64{lb1.X, lb1.Y, lb1.Z}[c]*dt)
				rows.Set(3+c, 7, [3]float64{lb2.X, lb2.Y, lb2.Z}[c]*dt)
			}
			bv := fj.pre.DeltaV.Sub(riT.MulVec(g0).Mul(dt))
			rhs.SetVec(3, bv.X)
			rhs.SetVec(4, bv.Y)
			rhs.SetVec(5, bv.Z)

			for ci := 0; ci < 9; ci++ {
				for cj := 0; cj < 9; cj++ {
					acc := 0.0
					for r := 0; r < 6; r++ {
						acc += rows.At(r, ci) * rows.At(r, cj)
					}
					a.Set(cols[ci], cols[cj], a.At(cols[ci], cols[cj])+acc)
				}
				acc := 0.0
				for r := 0; r < 6; r++ {
					acc += rows.At(r, ci) * rhs.AtVec(r)
				}
				bb.SetVec(cols[ci], bb.AtVec(cols[ci])+acc)
			}
		}

		a.Scale(1000, a)
		bb.ScaleVec(1000, bb)
		if err := x.SolveVec(a, bb); err != nil {
			return r3.Vector{}, nil, 0, false
		}
		dg := b1.Mul(x.AtVec(n * 3)).Add(b2.Mul(x.AtVec(n*3 + 1)))
		g0 = g0.Add(dg).Normalize().Mul(gNorm)
	}

	vs := make([]r3.Vector, n)
	for k := 0; k < n; k++ {
		vs[k] = r3.Vector{X: x.AtVec(k * 3), Y: x.AtVec(k*3 + 1), Z: x.AtVec(k*3 + 2)}
	}
	s := x.AtVec(nState-1) / 100
	return g0, vs, s, true
}
