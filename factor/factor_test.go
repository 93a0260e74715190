package factor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	"github.com/Leap-Photonoics/VINS-Fusion/nlls"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// checkLocalJacobians compares the analytic Jacobians of a cost, projected
// through the local parameterizations, against central differences taken in
// the tangent space.
func checkLocalJacobians(t *testing.T, cost nlls.CostFunction, params [][]float64, lps []nlls.LocalParameterization, tol float64) {
	t.Helper()
	nres := cost.NumResiduals()
	sizes := cost.ParameterBlockSizes()

	analytic := make([]*mat.Dense, len(params))
	for i := range params {
		analytic[i] = mat.NewDense(nres, sizes[i], nil)
	}
	res := make([]float64, nres)
	test.That(t, cost.Evaluate(params, res, analytic), test.ShouldBeTrue)

	const eps = 1e-6
	for bi := range params {
		localSz := sizes[bi]
		if lps[bi] != nil {
			localSz = lps[bi].LocalSize()
		}
		for c := 0; c < localSz; c++ {
			perturb := func(sign float64) []float64 {
				saved := make([]float64, len(params[bi]))
				copy(saved, params[bi])
				delta := make([]float64, localSz)
				delta[c] = sign * eps
				if lps[bi] != nil {
					out := make([]float64, len(params[bi]))
					lps[bi].Plus(saved, delta, out)
					copy(params[bi], out)
				} else {
					params[bi][c] += sign * eps
				}
				r := make([]float64, nres)
				test.That(t, cost.Evaluate(params, r, nil), test.ShouldBeTrue)
				copy(params[bi], saved)
				return r
			}
			plus := perturb(1)
			minus := perturb(-1)
			for r := 0; r < nres; r++ {
				numeric := (plus[r] - minus[r]) / (2 * eps)
				test.That(t, analytic[bi].At(r, c), test.ShouldAlmostEqual, numeric, tol)
			}
		}
	}
}

func consistentStates(pre *Preintegration) (poseI, sbI, poseJ, sbJ []float64) {
	g := pre.cfg.Gravity
	dt := pre.SumDt

	pi := r3.Vector{X: 1, Y: 2, Z: 0.5}
	qi := sm.Normalize(quat.Number{Real: 0.95, Imag: 0.1, Jmag: -0.15, Kmag: 0.05})
	vi := r3.Vector{X: 0.4, Y: -0.2, Z: 0.1}

	dp, dq, dv := pre.CorrectedDeltas(pre.LinearizedBa, pre.LinearizedBg)

	pj := pi.Add(vi.Mul(dt)).Sub(g.Mul(0.5 * dt * dt)).Add(sm.RotateVec(qi, dp))
	qj := sm.Normalize(quat.Mul(qi, dq))
	vj := vi.Sub(g.Mul(dt)).Add(sm.RotateVec(qi, dv))

	poseI = make([]float64, SizePose)
	SetPos(poseI, pi)
	SetQuat(poseI, qi)
	poseJ = make([]float64, SizePose)
	SetPos(poseJ, pj)
	SetQuat(poseJ, qj)

	sbI = make([]float64, SizeSpeedBias)
	SetVec3(sbI, 0, vi)
	SetVec3(sbI, 3, pre.LinearizedBa)
	SetVec3(sbI, 6, pre.LinearizedBg)
	sbJ = make([]float64, SizeSpeedBias)
	SetVec3(sbJ, 0, vj)
	SetVec3(sbJ, 3, pre.LinearizedBa)
	SetVec3(sbJ, 6, pre.LinearizedBg)
	return poseI, sbI, poseJ, sbJ
}

func TestIMUFactorResidualVanishesOnConsistentStates(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegration(r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{}, r3.Vector{}, testNoise(), logger)
	samplePath(pre, 200)

	poseI, sbI, poseJ, sbJ := consistentStates(pre)
	f := &IMUFactor{Pre: pre}
	res := make([]float64, 15)
	test.That(t, f.Evaluate([][]float64{poseI, sbI, poseJ, sbJ}, res, nil), test.ShouldBeTrue)
	for i := range res {
		test.That(t, res[i], test.ShouldAlmostEqual, 0, 1e-6)
	}
}

func TestIMUFactorJacobians(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegration(r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{}, r3.Vector{}, testNoise(), logger)
	samplePath(pre, 200)

	poseI, sbI, poseJ, sbJ := consistentStates(pre)
	// perturb slightly off the manifold so the residual is non-zero
	poseJ[0] += 0.01
	sbJ[1] -= 0.005

	f := &IMUFactor{Pre: pre}
	pp := PoseParameterization{}
	checkLocalJacobians(t, f, [][]float64{poseI, sbI, poseJ, sbJ},
		[]nlls.LocalParameterization{pp, nil, pp, nil}, 2e-3)
}

func TestIMUEncoderFactorJacobians(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pre := NewPreintegrationWithEncoder(
		r3.Vector{Z: 9.81}, r3.Vector{}, r3.Vector{Z: 1}, r3.Vector{Z: 1},
		r3.Vector{}, r3.Vector{}, testNoise(), logger)
	samplePath(pre, 200)

	poseI, sbI, poseJ, sbJ := consistentStates(pre)
	poseJ[2] += 0.01

	f := &IMUEncoderFactor{
		Pre:  pre,
		TioL: r3.Vector{X: -0.1, Y: 0.3, Z: -0.5},
		TioR: r3.Vector{X: -0.1, Y: -0.3, Z: -0.5},
	}
	pp := PoseParameterization{}
	checkLocalJacobians(t, f, [][]float64{poseI, sbI, poseJ, sbJ},
		[]nlls.LocalParameterization{pp, nil, pp, nil}, 2e-3)
}

func projectionSetup() (poseI, poseJ, ex, depth, td []float64, f *ProjectionTwoFrameOneCamFactor) {
	qi := sm.Normalize(quat.Number{Real: 0.99, Imag: 0.02, Jmag: -0.03, Kmag: 0.01})
	qj := sm.Normalize(quat.Number{Real: 0.98, Imag: -0.04, Jmag: 0.05, Kmag: 0.02})

	poseI = make([]float64, SizePose)
	SetPos(poseI, r3.Vector{X: 0, Y: 0, Z: 0})
	SetQuat(poseI, qi)
	poseJ = make([]float64, SizePose)
	SetPos(poseJ, r3.Vector{X: 0.5, Y: 0.1, Z: -0.05})
	SetQuat(poseJ, qj)
	ex = make([]float64, SizePose)
	SetPos(ex, r3.Vector{X: 0.02, Y: 0.03, Z: 0.01})
	SetQuat(ex, sm.QuatIdentity())
	depth = []float64{1.0 / 5.0}
	td = []float64{0.003}

	f = &ProjectionTwoFrameOneCamFactor{
		Cfg:  NewProjectionFactorConfig(460),
		PtsI: r3.Vector{X: 0.12, Y: -0.04, Z: 1},
		PtsJ: r3.Vector{X: 0.03, Y: -0.02, Z: 1},
		VelI: r3.Vector{X: 0.5, Y: 0.1},
		VelJ: r3.Vector{X: 0.4, Y: 0.15},
		TdI:  0.001,
		TdJ:  0.002,
	}
	return poseI, poseJ, ex, depth, td, f
}

func TestProjectionTwoFrameOneCamJacobians(t *testing.T) {
	poseI, poseJ, ex, depth, td, f := projectionSetup()
	pp := PoseParameterization{}
	checkLocalJacobians(t, f, [][]float64{poseI, poseJ, ex, depth, td},
		[]nlls.LocalParameterization{pp, pp, pp, nil, nil}, 1e-3)
}

func TestProjectionTwoFrameTwoCamJacobians(t *testing.T) {
	poseI, poseJ, ex, depth, td, base := projectionSetup()
	ex1 := make([]float64, SizePose)
	SetPos(ex1, r3.Vector{X: 0.1, Y: 0.0, Z: 0.0})
	SetQuat(ex1, sm.QuatIdentity())

	f := &ProjectionTwoFrameTwoCamFactor{
		Cfg:  base.Cfg,
		PtsI: base.PtsI, PtsJ: base.PtsJ,
		VelI: base.VelI, VelJ: base.VelJ,
		TdI: base.TdI, TdJ: base.TdJ,
	}
	pp := PoseParameterization{}
	checkLocalJacobians(t, f, [][]float64{poseI, poseJ, ex, ex1, depth, td},
		[]nlls.LocalParameterization{pp, pp, pp, pp, nil, nil}, 1e-3)
}

func TestProjectionOneFrameTwoCamJacobians(t *testing.T) {
	_, _, ex, depth, td, base := projectionSetup()
	ex1 := make([]float64, SizePose)
	SetPos(ex1, r3.Vector{X: 0.1, Y: 0.0, Z: 0.0})
	SetQuat(ex1, sm.QuatIdentity())

	f := &ProjectionOneFrameTwoCamFactor{
		Cfg:  base.Cfg,
		PtsI: base.PtsI, PtsJ: base.PtsJ,
		VelI: base.VelI, VelJ: base.VelJ,
		TdI: base.TdI, TdJ: base.TdJ,
	}
	pp := PoseParameterization{}
	checkLocalJacobians(t, f, [][]float64{ex, ex1, depth, td},
		[]nlls.LocalParameterization{pp, pp, nil, nil}, 1e-3)
}

func TestDtDdtFactor(t *testing.T) {
	f := &DtDdtFactor{DeltaT: 0.5}
	dtI := []float64{10}
	dtJ := []float64{10.4}
	ddtI := []float64{0.8}
	ddtJ := []float64{0.8}
	res := make([]float64, 1)
	test.That(t, f.Evaluate([][]float64{dtI, dtJ, ddtI, ddtJ}, res, nil), test.ShouldBeTrue)
	test.That(t, res[0], test.ShouldAlmostEqual, 0, 1e-12)

	checkLocalJacobians(t, f, [][]float64{dtI, dtJ, ddtI, ddtJ},
		[]nlls.LocalParameterization{nil, nil, nil, nil}, 1e-6)
}

func TestDdtSmoothFactor(t *testing.T) {
	f := &DdtSmoothFactor{Weight: 3}
	res := make([]float64, 1)
	test.That(t, f.Evaluate([][]float64{{0.2}, {0.5}}, res, nil), test.ShouldBeTrue)
	test.That(t, res[0], test.ShouldAlmostEqual, 0.9, 1e-12)
	checkLocalJacobians(t, f, [][]float64{{0.2}, {0.5}},
		[]nlls.LocalParameterization{nil, nil}, 1e-6)
}

// scalarCost pins block[0] to a target: r = block[0] - target.
type scalarCost struct {
	target float64
}

func (c *scalarCost) NumResiduals() int          { return 1 }
func (c *scalarCost) ParameterBlockSizes() []int { return []int{1} }
func (c *scalarCost) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	residuals[0] = parameters[0][0] - c.target
	if jacobians != nil && jacobians[0] != nil {
		jacobians[0].Set(0, 0, 1)
	}
	return true
}

// diffCost ties two scalar blocks: r = block1[0] - block0[0].
type diffCost struct{}

func (c *diffCost) NumResiduals() int          { return 1 }
func (c *diffCost) ParameterBlockSizes() []int { return []int{1, 1} }
func (c *diffCost) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	residuals[0] = parameters[1][0] - parameters[0][0]
	if jacobians != nil {
		if jacobians[0] != nil {
			jacobians[0].Set(0, 0, -1)
		}
		if jacobians[1] != nil {
			jacobians[1].Set(0, 0, 1)
		}
	}
	return true
}

func TestMarginalizationProducesEquivalentPrior(t *testing.T) {
	logger := logging.NewTestLogger(t)
	x := []float64{0}
	y := []float64{0}

	mi := NewMarginalizationInfo(logger)
	mi.AddResidualBlockInfo(&ResidualBlockInfo{
		Cost: &scalarCost{target: 3}, Blocks: [][]float64{x}, DropSet: []int{0},
	})
	mi.AddResidualBlockInfo(&ResidualBlockInfo{
		Cost: &diffCost{}, Blocks: [][]float64{x, y}, DropSet: []int{0},
	})
	test.That(t, mi.PreMarginalize(), test.ShouldBeNil)
	test.That(t, mi.Marginalize(), test.ShouldBeNil)
	test.That(t, mi.Valid, test.ShouldBeTrue)

	// shift y onto a fresh slot, as the window slide does
	yNew := []float64{0}
	shift := map[nlls.BlockKey][]float64{nlls.Key(y): yNew}
	blocks := mi.GetParameterBlocks(shift)
	test.That(t, len(blocks), test.ShouldEqual, 1)

	prior := &MarginalizationFactor{Info: mi}
	res := make([]float64, prior.NumResiduals())

	// marginalizing x from (x-3)^2 + (y-x)^2 leaves a prior centered on y=3
	yNew[0] = 3
	test.That(t, prior.Evaluate([][]float64{yNew}, res, nil), test.ShouldBeTrue)
	norm := 0.0
	for _, r := range res {
		norm += r * r
	}
	test.That(t, norm, test.ShouldAlmostEqual, 0, 1e-10)

	// moving away from the marginal mean costs half the direct information
	yNew[0] = 5
	test.That(t, prior.Evaluate([][]float64{yNew}, res, nil), test.ShouldBeTrue)
	norm = 0
	for _, r := range res {
		norm += r * r
	}
	test.That(t, norm, test.ShouldAlmostEqual, 0.5*(5-3)*(5-3), 1e-9)
}

func TestMarginalizationFactorJacobians(t *testing.T) {
	logger := logging.NewTestLogger(t)
	x := []float64{1.5}
	y := []float64{0.7}
	mi := NewMarginalizationInfo(logger)
	mi.AddResidualBlockInfo(&ResidualBlockInfo{
		Cost: &scalarCost{target: 3}, Blocks: [][]float64{x}, DropSet: []int{0},
	})
	mi.AddResidualBlockInfo(&ResidualBlockInfo{
		Cost: &diffCost{}, Blocks: [][]float64{x, y}, DropSet: []int{0},
	})
	test.That(t, mi.PreMarginalize(), test.ShouldBeNil)
	test.That(t, mi.Marginalize(), test.ShouldBeNil)

	shift := map[nlls.BlockKey][]float64{nlls.Key(y): y}
	mi.GetParameterBlocks(shift)

	prior := &MarginalizationFactor{Info: mi}
	checkLocalJacobians(t, prior, [][]float64{y},
		[]nlls.LocalParameterization{nil}, 1e-6)
}

func TestHuberdResidualScale(t *testing.T) {
	// a gross outlier is down-weighted by the Huber loss used on projection
	// factors
	loss := nlls.HuberLoss{Delta: 1}
	_, rho1, _ := loss.Evaluate(100)
	test.That(t, rho1, test.ShouldAlmostEqual, 0.1, 1e-12)
	test.That(t, math.Sqrt(rho1), test.ShouldBeLessThan, 1)
}
