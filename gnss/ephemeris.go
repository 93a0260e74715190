package gnss

import (
	"math"

	"github.com/golang/geo/r3"
)

// Ephemeris evaluates a broadcast ephemeris at a transmit time.
type Ephemeris interface {
	// SatID returns the satellite the ephemeris belongs to.
	SatID() SatID
	// ReferenceTime is the time of ephemeris.
	ReferenceTime() Time
	// SatState returns ECEF position (m), velocity (m/s), clock bias (s) and
	// clock drift (s/s) at transmit time t.
	SatState(t Time) (pos, vel r3.Vector, dt, ddt float64)
	// FreqChannel is the GLONASS FDMA channel, zero elsewhere.
	FreqChannel() int
}

// KeplerEphem is the Keplerian broadcast ephemeris of GPS, Galileo and
// BeiDou satellites.
type KeplerEphem struct {
	Sat SatID
	Toe Time // time of ephemeris
	Toc Time // time of clock

	SqrtA    float64 // sqrt of semi-major axis, m^0.5
	Ecc      float64 // eccentricity
	I0       float64 // inclination at toe, rad
	Omg0     float64 // right ascension at week epoch, rad
	Omg      float64 // argument of perigee, rad
	M0       float64 // mean anomaly at toe, rad
	DeltaN   float64 // mean motion correction, rad/s
	IDot     float64 // inclination rate, rad/s
	OmgDot   float64 // right ascension rate, rad/s
	Cuc, Cus float64 // latitude argument harmonics, rad
	Crc, Crs float64 // radius harmonics, m
	Cic, Cis float64 // inclination harmonics, rad

	Af0, Af1, Af2 float64 // clock polynomial
	Tgd           float64 // group delay, s
}

// SatID implements Ephemeris.
func (e *KeplerEphem) SatID() SatID { return e.Sat }

// ReferenceTime implements Ephemeris.
func (e *KeplerEphem) ReferenceTime() Time { return e.Toe }

// FreqChannel implements Ephemeris.
func (e *KeplerEphem) FreqChannel() int { return 0 }

// SatState implements Ephemeris by the ICD closed-form algorithm with a
// numerically differentiated velocity.
func (e *KeplerEphem) SatState(t Time) (r3.Vector, r3.Vector, float64, float64) {
	const tt = 1e-3
	p0 := e.position(t)
	p1 := e.position(t + Time(tt))
	vel := p1.Sub(p0).Mul(1 / tt)

	dt := e.clockBias(t)
	ddt := (e.clockBias(t+Time(tt)) - dt) / tt
	// relativistic correction folded into position-dependent bias
	return p0, vel, dt + e.relativistic(t), ddt
}

func (e *KeplerEphem) clockBias(t Time) float64 {
	dtc := t.Sub(e.Toc)
	return e.Af0 + e.Af1*dtc + e.Af2*dtc*dtc
}

func (e *KeplerEphem) relativistic(t Time) float64 {
	a := e.SqrtA * e.SqrtA
	n := math.Sqrt(MuGPS/(a*a*a)) + e.DeltaN
	mk := e.M0 + n*t.Sub(e.Toe)
	ek := solveKepler(mk, e.Ecc)
	const fRel = -4.442807633e-10
	return fRel * e.Ecc * e.SqrtA * math.Sin(ek)
}

func (e *KeplerEphem) position(t Time) r3.Vector {
	tk := t.Sub(e.Toe)

	a := e.SqrtA * e.SqrtA
	n := math.Sqrt(MuGPS/(a*a*a)) + e.DeltaN
	mk := e.M0 + n*tk
	ek := solveKepler(mk, e.Ecc)

	sinE, cosE := math.Sin(ek), math.Cos(ek)
	vk := math.Atan2(math.Sqrt(1-e.Ecc*e.Ecc)*sinE, cosE-e.Ecc)
	phi := vk + e.Omg

	sin2p, cos2p := math.Sin(2*phi), math.Cos(2*phi)
	du := e.Cus*sin2p + e.Cuc*cos2p
	dr := e.Crs*sin2p + e.Crc*cos2p
	di := e.Cis*sin2p + e.Cic*cos2p

	u := phi + du
	r := a*(1-e.Ecc*cosE) + dr
	i := e.I0 + di + e.IDot*tk

	x := r * math.Cos(u)
	y := r * math.Sin(u)

	omg := e.Omg0 + (e.OmgDot-EarthOmg)*tk - EarthOmg*e.Toe.tow()
	sinO, cosO := math.Sin(omg), math.Cos(omg)
	sinI, cosI := math.Sin(i), math.Cos(i)

	return r3.Vector{
		X: x*cosO - y*cosI*sinO,
		Y: x*sinO + y*cosI*cosO,
		Z: y * sinI,
	}
}

// tow folds a continuous GPS time into seconds of week.
func (t Time) tow() float64 {
	const week = 604800.0
	tow := math.Mod(float64(t), week)
	if tow < 0 {
		tow += week
	}
	return tow
}

func solveKepler(m, ecc float64) float64 {
	e := m
	for iter := 0; iter < 30; iter++ {
		de := (m - e + ecc*math.Sin(e)) / (1 - ecc*math.Cos(e))
		e += de
		if math.Abs(de) < 1e-13 {
			break
		}
	}
	return e
}

// GloEphem is the GLONASS broadcast state vector ephemeris.
type GloEphem struct {
	Sat     SatID
	Toe     Time
	Pos     r3.Vector // ECEF at toe, m
	Vel     r3.Vector // ECEF at toe, m/s
	Acc     r3.Vector // lunisolar acceleration, m/s^2
	TauN    float64   // clock bias, s
	GammaN  float64   // relative frequency bias
	FreqNum int       // FDMA channel number
}

// SatID implements Ephemeris.
func (e *GloEphem) SatID() SatID { return e.Sat }

// ReferenceTime implements Ephemeris.
func (e *GloEphem) ReferenceTime() Time { return e.Toe }

// FreqChannel implements Ephemeris.
func (e *GloEphem) FreqChannel() int { return e.FreqNum }

// SatState implements Ephemeris by RK4 integration of the ICD force model
// from the reference epoch.
func (e *GloEphem) SatState(t Time) (r3.Vector, r3.Vector, float64, float64) {
	const step = 60.0
	tk := t.Sub(e.Toe)

	x := [6]float64{e.Pos.X, e.Pos.Y, e.Pos.Z, e.Vel.X, e.Vel.Y, e.Vel.Z}
	remaining := tk
	for math.Abs(remaining) > 1e-9 {
		h := step
		if math.Abs(remaining) < step {
			h = math.Abs(remaining)
		}
		if remaining < 0 {
			h = -h
		}
		x = gloRK4(x, e.Acc, h)
		remaining -= h
	}

	pos := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	vel := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
	dt := -e.TauN + e.GammaN*tk
	return pos, vel, dt, e.GammaN
}

func gloDeriv(x [6]float64, acc r3.Vector) [6]float64 {
	r2 := x[0]*x[0] + x[1]*x[1] + x[2]*x[2]
	r := math.Sqrt(r2)
	if r <= 0 {
		return [6]float64{}
	}
	a := ReGLO * ReGLO / r2
	b := -MuGLO / (r2 * r)
	c := -1.5 * J2GLO * MuGLO * a / (r2 * r)
	omg2 := OmgEGLO * OmgEGLO
	z2 := x[2] * x[2] / r2

	var dx [6]float64
	dx[0] = x[3]
	dx[1] = x[4]
	dx[2] = x[5]
	dx[3] = (b+c*(1-5*z2)+omg2)*x[0] + 2*OmgEGLO*x[4] + acc.X
	dx[4] = (b+c*(1-5*z2)+omg2)*x[1] - 2*OmgEGLO*x[3] + acc.Y
	dx[5] = (b+c*(3-5*z2))*x[2] + acc.Z
	return dx
}

func gloRK4(x [6]float64, acc r3.Vector, h float64) [6]float64 {
	k1 := gloDeriv(x, acc)
	k2 := gloDeriv(addScaled(x, k1, h/2), acc)
	k3 := gloDeriv(addScaled(x, k2, h/2), acc)
	k4 := gloDeriv(addScaled(x, k3, h), acc)
	var out [6]float64
	for i := 0; i < 6; i++ {
		out[i] = x[i] + h*(k1[i]+2*k2[i]+2*k3[i]+k4[i])/6
	}
	return out
}

func addScaled(x, k [6]float64, h float64) [6]float64 {
	var out [6]float64
	for i := 0; i < 6; i++ {
		out[i] = x[i] + h*k[i]
	}
	return out
}
