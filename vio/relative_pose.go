package vio

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// solveRelativeRT estimates the pose of the second view in the first view's
// camera frame from normalized-plane correspondences, by eight-point RANSAC
// on the essential matrix followed by cheirality disambiguation. It reports
// false when fewer than 13 correspondences triangulate in front of both
// cameras.
func solveRelativeRT(corres [][2]r3.Vector) (sm.RotationMatrix, r3.Vector, bool) {
	if len(corres) < 15 {
		return sm.RotIdentity(), r3.Vector{}, false
	}

	const (
		iterations = 200
		threshold  = 0.3 / 460.0
	)
	rng := rand.New(rand.NewSource(42))

	bestInliers := 0
	var bestE *mat.Dense
	for iter := 0; iter < iterations; iter++ {
		idx := rng.Perm(len(corres))[:8]
		var sample [][2]r3.Vector
		for _, i := range idx {
			sample = append(sample, corres[i])
		}
		e := eightPoint(sample)
		if e == nil {
			continue
		}
		inliers := 0
		for _, c := range corres {
			if sampsonError(e, c[0], c[1]) < threshold {
				inliers++
			}
		}
		if inliers > bestInliers {
			bestInliers = inliers
			bestE = e
		}
	}
	if bestE == nil || bestInliers < 13 {
		return sm.RotIdentity(), r3.Vector{}, false
	}

	// refit on all inliers
	var inlierSet [][2]r3.Vector
	for _, c := range corres {
		if sampsonError(bestE, c[0], c[1]) < threshold {
			inlierSet = append(inlierSet, c)
		}
	}
	if e := eightPoint(inlierSet); e != nil {
		bestE = e
	}

	r21, t21, good := recoverPose(bestE, inlierSet)
	if good < 13 {
		return sm.RotIdentity(), r3.Vector{}, false
	}
	// x2 = r21 x1 + t21; return the second camera's pose in the first frame
	r12 := r21.Transpose()
	t12 := r12.MulVec(t21).Mul(-1)
	return r12, t12, true
}

// eightPoint fits an essential matrix to at least eight correspondences.
func eightPoint(corres [][2]r3.Vector) *mat.Dense {
	if len(corres) < 8 {
		return nil
	}
	a := mat.NewDense(len(corres), 9, nil)
	for i, c := range corres {
		x1, y1 := c[0].X, c[0].Y
		x2, y2 := c[1].X, c[1].Y
		a.SetRow(i, []float64{
			x2 * x1, x2 * y1, x2,
			y2 * x1, y2 * y1, y2,
			x1, y1, 1,
		})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)
	e := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			e.Set(i, j, v.At(3*i+j, 8))
		}
	}

	// project onto the essential manifold: singular values (1, 1, 0)
	var esvd mat.SVD
	if !esvd.Factorize(e, mat.SVDFull) {
		return nil
	}
	var u, vt mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&vt)
	d := mat.NewDense(3, 3, nil)
	d.Set(0, 0, 1)
	d.Set(1, 1, 1)
	var tmp, out mat.Dense
	tmp.Mul(&u, d)
	out.Mul(&tmp, vt.T())
	return &out
}

func sampsonError(e *mat.Dense, p1, p2 r3.Vector) float64 {
	x1 := []float64{p1.X, p1.Y, 1}
	x2 := []float64{p2.X, p2.Y, 1}
	var ex1 [3]float64
	var etx2 [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ex1[i] += e.At(i, j) * x1[j]
			etx2[i] += e.At(j, i) * x2[j]
		}
	}
	x2ex1 := x2[0]*ex1[0] + x2[1]*ex1[1] + x2[2]*ex1[2]
	denom := ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	if denom < 1e-18 {
		return math.Inf(1)
	}
	return math.Abs(x2ex1) / math.Sqrt(denom)
}

// recoverPose picks the (R, t) decomposition of E with the most points in
// front of both cameras; returned as the transform taking view-1 points into
// view 2.
func recoverPose(e *mat.Dense, corres [][2]r3.Vector) (sm.RotationMatrix, r3.Vector, int) {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return sm.RotIdentity(), r3.Vector{}, 0
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// enforce proper rotations
	fixDet := func(m *mat.Dense) {
		if mat.Det(m) < 0 {
			for i := 0; i < 3; i++ {
				m.Set(i, 2, -m.At(i, 2))
			}
		}
	}
	fixDet(&u)
	fixDet(&v)

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})

	toRot := func(m *mat.Dense) sm.RotationMatrix {
		var out sm.RotationMatrix
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[3*i+j] = m.At(i, j)
			}
		}
		return out
	}

	var r1d, r2d mat.Dense
	var tmp mat.Dense
	tmp.Mul(&u, w)
	r1d.Mul(&tmp, v.T())
	tmp.Reset()
	tmp.Mul(&u, w.T())
	r2d.Mul(&tmp, v.T())

	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}

	bestGood := 0
	bestR := sm.RotIdentity()
	bestT := r3.Vector{}
	for _, cand := range []struct {
		r sm.RotationMatrix
		t r3.Vector
	}{
		{toRot(&r1d), t},
		{toRot(&r1d), t.Mul(-1)},
		{toRot(&r2d), t},
		{toRot(&r2d), t.Mul(-1)},
	} {
		good := countCheirality(cand.r, cand.t, corres)
		if good > bestGood {
			bestGood = good
			bestR = cand.r
			bestT = cand.t
		}
	}
	return bestR, bestT, bestGood
}

// countCheirality triangulates each correspondence under (r, t) and counts
// points with positive depth in both views.
func countCheirality(r sm.RotationMatrix, t r3.Vector, corres [][2]r3.Vector) int {
	pose0 := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		pose0.Set(i, i, 1)
	}
	pose1 := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose1.Set(i, j, r.At(i, j))
		}
	}
	pose1.Set(0, 3, t.X)
	pose1.Set(1, 3, t.Y)
	pose1.Set(2, 3, t.Z)

	good := 0
	for _, c := range corres {
		pw := triangulatePoint(pose0, pose1, c[0], c[1])
		if pw.Z <= 0 {
			continue
		}
		p2 := r.MulVec(pw).Add(t)
		if p2.Z > 0 {
			good++
		}
	}
	return good
}
