package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// RotToYPR decomposes R into yaw-pitch-roll (ZYX order), in degrees.
func RotToYPR(rm RotationMatrix) r3.Vector {
	n := rm.Col(0)
	o := rm.Col(1)
	a := rm.Col(2)

	y := math.Atan2(n.Y, n.X)
	p := math.Atan2(-n.Z, n.X*math.Cos(y)+n.Y*math.Sin(y))
	r := math.Atan2(a.X*math.Sin(y)-a.Y*math.Cos(y), -o.X*math.Sin(y)+o.Y*math.Cos(y))

	const radToDeg = 180.0 / math.Pi
	return r3.Vector{X: y * radToDeg, Y: p * radToDeg, Z: r * radToDeg}
}

// YPRToRot builds a rotation matrix from yaw-pitch-roll (ZYX order), in
// degrees.
func YPRToRot(ypr r3.Vector) RotationMatrix {
	const degToRad = math.Pi / 180.0
	y := ypr.X * degToRad
	p := ypr.Y * degToRad
	r := ypr.Z * degToRad

	rz := RotationMatrix{
		math.Cos(y), -math.Sin(y), 0,
		math.Sin(y), math.Cos(y), 0,
		0, 0, 1,
	}
	ry := RotationMatrix{
		math.Cos(p), 0, math.Sin(p),
		0, 1, 0,
		-math.Sin(p), 0, math.Cos(p),
	}
	rx := RotationMatrix{
		1, 0, 0,
		0, math.Cos(r), -math.Sin(r),
		0, math.Sin(r), math.Cos(r),
	}
	return rz.Mul(ry).Mul(rx)
}

// GravityToRot returns the zero-yaw rotation taking the measured gravity
// direction g onto +z.
func GravityToRot(g r3.Vector) RotationMatrix {
	q := QuatBetweenVectors(g.Normalize(), r3.Vector{Z: 1})
	r0 := NewRotationMatrixFromQuaternion(q)
	yaw := RotToYPR(r0).X
	return YPRToRot(r3.Vector{X: -yaw}).Mul(r0)
}

// RotZ returns the rotation of angle radians around +z.
func RotZ(angle float64) RotationMatrix {
	return RotationMatrix{
		math.Cos(angle), -math.Sin(angle), 0,
		math.Sin(angle), math.Cos(angle), 0,
		0, 0, 1,
	}
}

// WrapToPi folds an angle in radians into (-pi, pi].
func WrapToPi(angle float64) float64 {
	for angle > math.Pi {
		angle -= 2 * math.Pi
	}
	for angle <= -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}
