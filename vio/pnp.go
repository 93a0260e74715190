package vio

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// solvePoseByPnP refines a camera pose from 3D-2D correspondences by
// Gauss-Newton on the normalized-plane reprojection error. camR/camT are the
// world-from-camera rotation and the camera center in world coordinates; the
// refined pose is returned in the same convention.
func solvePoseByPnP(camR sm.RotationMatrix, camT r3.Vector, pts2 []r3.Vector, pts3 []r3.Vector) (sm.RotationMatrix, r3.Vector, bool) {
	if len(pts2) < 4 || len(pts2) != len(pts3) {
		return camR, camT, false
	}

	// work in camera-from-world
	rcw := camR.Transpose()
	tcw := rcw.MulVec(camT).Mul(-1)

	for iter := 0; iter < 10; iter++ {
		h := mat.NewSymDense(6, nil)
		g := mat.NewVecDense(6, nil)
		valid := 0
		for k := range pts3 {
			pc := rcw.MulVec(pts3[k]).Add(tcw)
			if pc.Z < 1e-3 {
				continue
			}
			valid++
			invZ := 1 / pc.Z
			rx := pc.X*invZ - pts2[k].X
			ry := pc.Y*invZ - pts2[k].Y

			// rows of the 2x6 Jacobian: [d/d theta | d/d t]
			rp := rcw.MulVec(pts3[k])
			// d pc / d theta = -skew(rcw * pw), d pc / d t = I
			var j [2][6]float64
			skew := [3][3]float64{
				{0, rp.Z, -rp.Y},
				{-rp.Z, 0, rp.X},
				{rp.Y, -rp.X, 0},
			}
			red := [2][3]float64{
				{invZ, 0, -pc.X * invZ * invZ},
				{0, invZ, -pc.Y * invZ * invZ},
			}
			for r := 0; r < 2; r++ {
				for c := 0; c < 3; c++ {
					acc := 0.0
					for m := 0; m < 3; m++ {
						acc += red[r][m] * skew[m][c]
					}
					j[r][c] = acc
					j[r][3+c] = red[r][c]
				}
			}
			res := [2]float64{rx, ry}
			for r := 0; r < 2; r++ {
				for a := 0; a < 6; a++ {
					g.SetVec(a, g.AtVec(a)+j[r][a]*res[r])
					for b := a; b < 6; b++ {
						h.SetSym(a, b, h.At(a, b)+j[r][a]*j[r][b])
					}
				}
			}
		}
		if valid < 4 {
			return camR, camT, false
		}

		var chol mat.Cholesky
		damped := mat.NewSymDense(6, nil)
		damped.CopySym(h)
		for i := 0; i < 6; i++ {
			damped.SetSym(i, i, damped.At(i, i)+1e-9)
		}
		if !chol.Factorize(damped) {
			return camR, camT, false
		}
		dx := mat.NewVecDense(6, nil)
		ng := mat.NewVecDense(6, nil)
		for i := 0; i < 6; i++ {
			ng.SetVec(i, -g.AtVec(i))
		}
		if err := chol.SolveVecTo(dx, ng); err != nil {
			return camR, camT, false
		}

		theta := r3.Vector{X: dx.AtVec(0), Y: dx.AtVec(1), Z: dx.AtVec(2)}
		dq := sm.DeltaQ(theta)
		rcw = sm.NewRotationMatrixFromQuaternion(dq).Mul(rcw)
		tcw = tcw.Add(r3.Vector{X: dx.AtVec(3), Y: dx.AtVec(4), Z: dx.AtVec(5)})

		if theta.Norm()+dx.AtVec(3)*dx.AtVec(3)+dx.AtVec(4)*dx.AtVec(4)+dx.AtVec(5)*dx.AtVec(5) < 1e-10 {
			break
		}
	}

	outR := rcw.Transpose()
	outT := outR.MulVec(tcw).Mul(-1)
	return outR, outT, true
}
