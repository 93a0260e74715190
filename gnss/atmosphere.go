package gnss

import (
	"math"

	"github.com/golang/geo/r3"
)

// KlobucharIono returns the L1 ionospheric group delay in meters from the
// broadcast Klobuchar parameters (alpha0..3, beta0..3).
func KlobucharIono(t Time, params [8]float64, rcv r3.Vector, az, el float64) float64 {
	g := EcefToGeodetic(rcv)
	if g.Height < -1e3 || el <= 0 {
		return 0
	}

	// earth-centered angle, semi-circles
	psi := 0.0137/(el/math.Pi+0.11) - 0.022

	phi := g.Lat/math.Pi + psi*math.Cos(az)
	if phi > 0.416 {
		phi = 0.416
	} else if phi < -0.416 {
		phi = -0.416
	}
	lam := g.Lon/math.Pi + psi*math.Sin(az)/math.Cos(phi*math.Pi)

	// geomagnetic latitude, semi-circles
	phi += 0.064 * math.Cos((lam-1.617)*math.Pi)

	// local time of the ionospheric pierce point
	tt := 43200*lam + t.tow()
	tt -= math.Floor(tt/86400) * 86400

	// slant factor
	f := 1 + 16*math.Pow(0.53-el/math.Pi, 3)

	amp := params[0] + phi*(params[1]+phi*(params[2]+phi*params[3]))
	per := params[4] + phi*(params[5]+phi*(params[6]+phi*params[7]))
	if amp < 0 {
		amp = 0
	}
	if per < 72000 {
		per = 72000
	}
	x := 2 * math.Pi * (tt - 50400) / per

	var delay float64
	if math.Abs(x) < 1.57 {
		delay = 5e-9 + amp*(1+x*x*(-0.5+x*x/24))
	} else {
		delay = 5e-9
	}
	return CLight * f * delay
}

// SaastamoinenTropo returns the tropospheric delay in meters under a standard
// atmosphere at the receiver height.
func SaastamoinenTropo(rcv r3.Vector, el float64) float64 {
	g := EcefToGeodetic(rcv)
	if g.Height < -100 || g.Height > 1e4 || el <= 0 {
		return 0
	}

	h := g.Height
	if h < 0 {
		h = 0
	}
	const humi = 0.7
	pres := 1013.25 * math.Pow(1-2.2557e-5*h, 5.2568)
	temp := 15 - 6.5e-3*h + 273.16
	e := 6.108 * humi * math.Exp((17.15*temp-4684)/(temp-38.45))

	z := math.Pi/2 - el
	trph := 0.0022768 * pres / (1 - 0.00266*math.Cos(2*g.Lat) - 0.00028*h/1e3) / math.Cos(z)
	trpw := 0.002277 * (1255/temp + 0.05) * e / math.Cos(z)
	return trph + trpw
}
