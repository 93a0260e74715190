package gnss

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SatMeas pairs an observation with its best-matching ephemeris.
type SatMeas struct {
	Obs *Obs
	Eph Ephemeris
}

// MeasEval is the satellite-side evaluation of a single L1 measurement.
type MeasEval struct {
	SatPos     r3.Vector
	SatVel     r3.Vector
	SatDt      float64
	SatDdt     float64
	Azimuth    float64
	Elevation  float64
	Iono       float64
	Tropo      float64
	Range      float64
	Sagnac     float64
	Unit       r3.Vector // receiver-to-satellite unit vector, ECEF
	Wavelength float64
	FreqIdx    int
}

// EvalMeas computes the satellite state at transmit time and the atmospheric
// delays for a receiver at rcv (ECEF). It returns false when the observation
// carries no L1 signal.
func EvalMeas(m SatMeas, iono [8]float64, rcv r3.Vector) (MeasEval, bool) {
	var ev MeasEval
	ev.FreqIdx = m.Obs.L1Index()
	if ev.FreqIdx < 0 {
		return ev, false
	}

	tx := m.Obs.Time - Time(m.Obs.Psr[ev.FreqIdx]/CLight)
	ev.SatPos, ev.SatVel, ev.SatDt, ev.SatDdt = m.Eph.SatState(tx)
	if ke, ok := m.Eph.(*KeplerEphem); ok {
		ev.SatDt -= ke.Tgd
	}

	ev.Range = ev.SatPos.Sub(rcv).Norm()
	ev.Unit = ev.SatPos.Sub(rcv).Mul(1 / ev.Range)
	ev.Sagnac = EarthOmg / CLight * (ev.SatPos.X*rcv.Y - ev.SatPos.Y*rcv.X)
	ev.Azimuth, ev.Elevation = SatAzEl(rcv, ev.SatPos)
	ev.Iono = KlobucharIono(m.Obs.Time, iono, rcv, ev.Azimuth, ev.Elevation)
	if m.Obs.Sat.System() == SysGLO {
		// scale from L1 GPS to the FDMA carrier
		f := L1Frequency(m.Obs.Sat, m.Eph.FreqChannel())
		ev.Iono *= (FreqGPSL1 / f) * (FreqGPSL1 / f)
	}
	ev.Tropo = SaastamoinenTropo(rcv, ev.Elevation)
	ev.Wavelength = CLight / L1Frequency(m.Obs.Sat, m.Eph.FreqChannel())
	return ev, true
}

// PsrModel is the modeled pseudorange for a receiver clock bias dtRcv
// (meters) of the observation's system.
func (ev MeasEval) PsrModel(dtRcv float64) float64 {
	return ev.Range + ev.Sagnac + dtRcv - CLight*ev.SatDt + ev.Iono + ev.Tropo
}

// DoppModel is the modeled range rate for receiver velocity rcvVel and clock
// drift ddtRcv (m/s); rcv is the receiver ECEF position.
func (ev MeasEval) DoppModel(rcv, rcvVel r3.Vector, ddtRcv float64) float64 {
	rate := ev.SatVel.Sub(rcvVel).Dot(ev.Unit)
	rate += EarthOmg / CLight * (ev.SatVel.X*rcv.Y + ev.SatPos.X*rcvVel.Y -
		ev.SatVel.Y*rcv.X - ev.SatPos.Y*rcvVel.X)
	return rate + ddtRcv - CLight*ev.SatDdt
}

// DoppMeasured converts the observed Doppler shift to a range rate, m/s.
func (ev MeasEval) DoppMeasured(o *Obs) float64 {
	return -o.Dopp[ev.FreqIdx] * ev.Wavelength
}

// CoarsePosition runs a weighted least-squares single point solve over the
// union of the given epochs, treating the receiver as static. It returns the
// ECEF position followed by the per-system receiver clock biases in meters
// (zero for unobserved systems).
func CoarsePosition(epochs [][]SatMeas, iono [8]float64) ([3 + NumSystems]float64, error) {
	var x [3 + NumSystems]float64

	var all []SatMeas
	sysSeen := map[int]bool{}
	for _, epoch := range epochs {
		for _, m := range epoch {
			if m.Obs.L1Index() < 0 {
				continue
			}
			idx := m.Obs.Sat.System().Index()
			if idx < 0 {
				continue
			}
			sysSeen[idx] = true
			all = append(all, m)
		}
	}
	if len(all) < 4 {
		return x, errors.Errorf("coarse localization needs at least 4 usable observations, got %d", len(all))
	}

	// column layout: x, y, z, then one clock column per observed system
	sysCol := map[int]int{}
	for idx := 0; idx < NumSystems; idx++ {
		if sysSeen[idx] {
			sysCol[idx] = 3 + len(sysCol)
		}
	}
	ncol := 3 + len(sysCol)

	for iter := 0; iter < 10; iter++ {
		rcv := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
		useAtmos := iter > 1 && rcv.Norm() > 1e6

		h := mat.NewDense(len(all), ncol, nil)
		b := mat.NewVecDense(len(all), nil)
		w := mat.NewVecDense(len(all), nil)
		for i, m := range all {
			ev, ok := EvalMeas(m, iono, rcv)
			if !ok {
				continue
			}
			if !useAtmos {
				ev.Iono, ev.Tropo = 0, 0
			}
			sys := m.Obs.Sat.System().Index()
			dt := x[3+sys]
			res := m.Obs.Psr[ev.FreqIdx] - ev.PsrModel(dt)

			h.Set(i, 0, -ev.Unit.X)
			h.Set(i, 1, -ev.Unit.Y)
			h.Set(i, 2, -ev.Unit.Z)
			h.Set(i, sysCol[sys], 1)
			b.SetVec(i, res)

			sigma := m.Obs.PsrStd[ev.FreqIdx]
			if sigma <= 0 {
				sigma = 10
			}
			w.SetVec(i, 1/sigma)
		}

		// scale rows by their weights and solve the normal equations
		for i := 0; i < len(all); i++ {
			for c := 0; c < ncol; c++ {
				h.Set(i, c, h.At(i, c)*w.AtVec(i))
			}
			b.SetVec(i, b.AtVec(i)*w.AtVec(i))
		}
		var dx mat.VecDense
		if err := dx.SolveVec(h, b); err != nil {
			return x, errors.Wrap(err, "coarse localization solve failed")
		}

		x[0] += dx.AtVec(0)
		x[1] += dx.AtVec(1)
		x[2] += dx.AtVec(2)
		for idx, col := range sysCol {
			x[3+idx] += dx.AtVec(col)
		}

		step := math.Sqrt(dx.AtVec(0)*dx.AtVec(0) + dx.AtVec(1)*dx.AtVec(1) + dx.AtVec(2)*dx.AtVec(2))
		if step < 1e-4 {
			break
		}
	}

	if math.IsNaN(x[0]) || math.IsNaN(x[1]) || math.IsNaN(x[2]) {
		return x, errors.New("coarse localization diverged")
	}
	return x, nil
}
