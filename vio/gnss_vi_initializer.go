package vio

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// gnssVIInitializer aligns the gravity-aligned local world frame with the
// ECEF frame: coarse anchor, yaw between local and ENU, per-system receiver
// clock biases and the shared clock drift.
type gnssVIInitializer struct {
	logger logging.Logger

	meas [][]gnss.SatMeas // per window frame
	iono [8]float64
}

func newGNSSVIInitializer(meas [][]gnss.SatMeas, iono [8]float64, logger logging.Logger) *gnssVIInitializer {
	return &gnssVIInitializer{logger: logger, meas: meas, iono: iono}
}

// coarseLocalization produces a rough ECEF anchor and per-system clock
// biases from all window observations at once.
func (gi *gnssVIInitializer) coarseLocalization() ([3 + gnss.NumSystems]float64, error) {
	return gnss.CoarsePosition(gi.meas, gi.iono)
}

// yawAlignment fits the single yaw rotation between the local world frame
// and ENU at the rough anchor, together with the receiver clock drift, by
// matching projected local velocities against Doppler range rates.
func (gi *gnssVIInitializer) yawAlignment(localVs []r3.Vector, roughAnchor r3.Vector) (float64, float64, error) {
	rEcefEnu := gnss.EnuRotation(roughAnchor)

	yaw, ddt := 0.0, 0.0
	for iter := 0; iter < 10; iter++ {
		h := mat.NewSymDense(2, nil)
		g := mat.NewVecDense(2, nil)
		rows := 0

		rEnuLocal := sm.RotZ(yaw)
		dRz := sm.RotationMatrix{
			-math.Sin(yaw), -math.Cos(yaw), 0,
			math.Cos(yaw), -math.Sin(yaw), 0,
			0, 0, 0,
		}

		for i, epoch := range gi.meas {
			if i >= len(localVs) {
				break
			}
			vEcef := rEcefEnu.Mul(rEnuLocal).MulVec(localVs[i])
			dvDyaw := rEcefEnu.Mul(dRz).MulVec(localVs[i])
			for _, m := range epoch {
				ev, ok := gnss.EvalMeas(m, gi.iono, roughAnchor)
				if !ok {
					continue
				}
				// Gauss-Newton in model-derivative form: res = meas - model,
				// x += (J^T J)^-1 J^T res with J = d model/dx
				res := ev.DoppMeasured(m.Obs) - ev.DoppModel(roughAnchor, vEcef, ddt)
				jYaw := -ev.Unit.Dot(dvDyaw)
				jDdt := 1.0

				h.SetSym(0, 0, h.At(0, 0)+jYaw*jYaw)
				h.SetSym(0, 1, h.At(0, 1)+jYaw*jDdt)
				h.SetSym(1, 1, h.At(1, 1)+jDdt*jDdt)
				g.SetVec(0, g.AtVec(0)+jYaw*res)
				g.SetVec(1, g.AtVec(1)+jDdt*res)
				rows++
			}
		}
		if rows < 4 {
			return 0, 0, errors.Errorf("yaw alignment needs more Doppler rows, got %d", rows)
		}

		var chol mat.Cholesky
		damped := mat.NewSymDense(2, nil)
		damped.CopySym(h)
		damped.SetSym(0, 0, damped.At(0, 0)+1e-9)
		damped.SetSym(1, 1, damped.At(1, 1)+1e-9)
		if !chol.Factorize(damped) {
			return 0, 0, errors.New("yaw alignment normal equations are singular")
		}
		dx := mat.NewVecDense(2, nil)
		if err := chol.SolveVecTo(dx, g); err != nil {
			return 0, 0, errors.Wrap(err, "yaw alignment solve failed")
		}
		yaw = sm.WrapToPi(yaw + dx.AtVec(0))
		ddt += dx.AtVec(1)
		if math.Abs(dx.AtVec(0)) < 1e-7 && math.Abs(dx.AtVec(1)) < 1e-5 {
			break
		}
	}
	return yaw, ddt, nil
}

// anchorRefinement jointly refines the anchor ECEF position and the
// per-system receiver clock biases with the aligned yaw held fixed. Clock
// biases evolve as dt_i = dt_0 + ddt * i across window frames.
func (gi *gnssVIInitializer) anchorRefinement(
	localPs []r3.Vector, yaw, ddt float64,
	rough [3 + gnss.NumSystems]float64,
) ([3 + gnss.NumSystems]float64, error) {
	x := rough
	rEnuLocal := sm.RotZ(yaw)

	for iter := 0; iter < 10; iter++ {
		anchor := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
		rEcefLocal := gnss.EnuRotation(anchor).Mul(rEnuLocal)

		h := mat.NewSymDense(3+gnss.NumSystems, nil)
		g := mat.NewVecDense(3+gnss.NumSystems, nil)
		rows := 0

		for i, epoch := range gi.meas {
			if i >= len(localPs) {
				break
			}
			rcv := anchor.Add(rEcefLocal.MulVec(localPs[i]))
			for _, m := range epoch {
				ev, ok := gnss.EvalMeas(m, gi.iono, rcv)
				if !ok {
					continue
				}
				sys := m.Obs.Sat.System().Index()
				if sys < 0 {
					continue
				}
				dt := x[3+sys] + ddt*float64(i)
				res := m.Obs.Psr[ev.FreqIdx] - ev.PsrModel(dt)

				var j [3 + gnss.NumSystems]float64
				j[0], j[1], j[2] = -ev.Unit.X, -ev.Unit.Y, -ev.Unit.Z
				j[3+sys] = 1

				for a := 0; a < len(j); a++ {
					if j[a] == 0 {
						continue
					}
					for b := a; b < len(j); b++ {
						if j[b] != 0 {
							h.SetSym(a, b, h.At(a, b)+j[a]*j[b])
						}
					}
					g.SetVec(a, g.AtVec(a)+j[a]*res)
				}
				rows++
			}
		}
		if rows < 4 {
			return x, errors.Errorf("anchor refinement needs more pseudorange rows, got %d", rows)
		}

		var chol mat.Cholesky
		damped := mat.NewSymDense(3+gnss.NumSystems, nil)
		damped.CopySym(h)
		for i := 0; i < 3+gnss.NumSystems; i++ {
			damped.SetSym(i, i, damped.At(i, i)+1e-9)
		}
		if !chol.Factorize(damped) {
			return x, errors.New("anchor refinement normal equations are singular")
		}
		dx := mat.NewVecDense(3+gnss.NumSystems, nil)
		if err := chol.SolveVecTo(dx, g); err != nil {
			return x, errors.Wrap(err, "anchor refinement solve failed")
		}
		step := 0.0
		for i := 0; i < 3+gnss.NumSystems; i++ {
			x[i] += dx.AtVec(i)
			step += dx.AtVec(i) * dx.AtVec(i)
		}
		if math.Sqrt(step) < 1e-4 {
			break
		}
	}
	return x, nil
}
