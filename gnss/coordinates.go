package gnss

import (
	"math"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"

	"github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// Geodetic is a WGS84 latitude/longitude/height triple, radians and meters.
type Geodetic struct {
	Lat, Lon, Height float64
}

// EcefToGeodetic converts an ECEF position to WGS84 geodetic coordinates by
// fixed-point iteration on the latitude.
func EcefToGeodetic(p r3.Vector) Geodetic {
	e2 := WGS84F * (2 - WGS84F)
	r2 := p.X*p.X + p.Y*p.Y
	z := p.Z
	zk := 0.0
	var v, sinp float64
	v = WGS84A
	for math.Abs(z-zk) >= 1e-4 {
		zk = z
		sinp = z / math.Sqrt(r2+z*z)
		v = WGS84A / math.Sqrt(1-e2*sinp*sinp)
		z = p.Z + v*e2*sinp
	}
	g := Geodetic{}
	if r2 > 1e-12 {
		g.Lat = math.Atan(z / math.Sqrt(r2))
		g.Lon = math.Atan2(p.Y, p.X)
	} else {
		if p.Z > 0 {
			g.Lat = math.Pi / 2
		} else {
			g.Lat = -math.Pi / 2
		}
	}
	g.Height = math.Sqrt(r2+z*z) - v
	return g
}

// GeodeticToEcef converts WGS84 geodetic coordinates to ECEF.
func GeodeticToEcef(g Geodetic) r3.Vector {
	e2 := WGS84F * (2 - WGS84F)
	sinp, cosp := math.Sin(g.Lat), math.Cos(g.Lat)
	sinl, cosl := math.Sin(g.Lon), math.Cos(g.Lon)
	v := WGS84A / math.Sqrt(1-e2*sinp*sinp)
	return r3.Vector{
		X: (v + g.Height) * cosp * cosl,
		Y: (v + g.Height) * cosp * sinl,
		Z: (v*(1-e2) + g.Height) * sinp,
	}
}

// EnuRotation returns the ECEF-from-ENU rotation at the given anchor.
func EnuRotation(anchorEcef r3.Vector) spatialmath.RotationMatrix {
	g := EcefToGeodetic(anchorEcef)
	sinp, cosp := math.Sin(g.Lat), math.Cos(g.Lat)
	sinl, cosl := math.Sin(g.Lon), math.Cos(g.Lon)
	// columns are the E, N, U axes expressed in ECEF
	return spatialmath.RotationMatrix{
		-sinl, -sinp * cosl, cosp * cosl,
		cosl, -sinp * sinl, cosp * sinl,
		0, cosp, sinp,
	}
}

// EcefToEnu expresses p in the local ENU tangent frame at anchor.
func EcefToEnu(anchor, p r3.Vector) r3.Vector {
	return EnuRotation(anchor).Transpose().MulVec(p.Sub(anchor))
}

// SatAzEl computes azimuth and elevation (radians) of a satellite as seen
// from a receiver, both in ECEF. A receiver at the origin sees zenith.
func SatAzEl(rcv, sat r3.Vector) (az, el float64) {
	if rcv.Norm() < 1 {
		return 0, math.Pi / 2
	}
	enu := EcefToEnu(rcv, sat)
	rng := enu.Norm()
	if rng < 1e-9 {
		return 0, math.Pi / 2
	}
	az = math.Atan2(enu.X, enu.Y)
	if az < 0 {
		az += 2 * math.Pi
	}
	el = math.Asin(enu.Z / rng)
	return az, el
}

// GeoPoint converts an ECEF position to a geodetic point in degrees for
// reporting.
func GeoPoint(p r3.Vector) *geo.Point {
	g := EcefToGeodetic(p)
	return geo.NewPoint(g.Lat*180/math.Pi, g.Lon*180/math.Pi)
}
