package nlls

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// expFitCost fits y = exp(m*x + b) to one sample.
type expFitCost struct {
	x, y float64
}

func (c *expFitCost) NumResiduals() int          { return 1 }
func (c *expFitCost) ParameterBlockSizes() []int { return []int{2} }

func (c *expFitCost) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	m, b := parameters[0][0], parameters[0][1]
	pred := math.Exp(m*c.x + b)
	residuals[0] = pred - c.y
	if jacobians != nil && jacobians[0] != nil {
		jacobians[0].Set(0, 0, pred*c.x)
		jacobians[0].Set(0, 1, pred)
	}
	return true
}

func TestSolveExponentialFit(t *testing.T) {
	trueM, trueB := 0.3, 0.1
	param := []float64{0, 0}
	p := NewProblem()
	for i := 0; i < 50; i++ {
		x := float64(i) / 10
		y := math.Exp(trueM*x + trueB)
		test.That(t, p.AddResidualBlock(&expFitCost{x: x, y: y}, nil, param), test.ShouldBeNil)
	}
	summary, err := Solve(p, Options{MaxIterations: 50, InitialRadius: 1e4, GradientTolerance: 1e-12, StepTolerance: 1e-14})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, 1e-12)
	test.That(t, param[0], test.ShouldAlmostEqual, trueM, 1e-5)
	test.That(t, param[1], test.ShouldAlmostEqual, trueB, 1e-5)
}

func TestSolveRespectsConstantBlocks(t *testing.T) {
	param := []float64{0, 0}
	p := NewProblem()
	for i := 0; i < 20; i++ {
		x := float64(i) / 10
		y := math.Exp(0.3*x + 0.1)
		test.That(t, p.AddResidualBlock(&expFitCost{x: x, y: y}, nil, param), test.ShouldBeNil)
	}
	p.SetParameterBlockConstant(param)
	_, err := Solve(p, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, param[0], test.ShouldEqual, 0)
	test.That(t, param[1], test.ShouldEqual, 0)
}

// pairCost ties a shared block and a per-point scalar block: r = a0 + s - target.
type pairCost struct {
	target float64
}

func (c *pairCost) NumResiduals() int          { return 1 }
func (c *pairCost) ParameterBlockSizes() []int { return []int{1, 1} }

func (c *pairCost) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	residuals[0] = parameters[0][0] + parameters[1][0] - c.target
	if jacobians != nil {
		if jacobians[0] != nil {
			jacobians[0].Set(0, 0, 1)
		}
		if jacobians[1] != nil {
			jacobians[1].Set(0, 0, 1)
		}
	}
	return true
}

// anchorCost pins a scalar block to a value.
type anchorCost struct {
	value  float64
	weight float64
}

func (c *anchorCost) NumResiduals() int          { return 1 }
func (c *anchorCost) ParameterBlockSizes() []int { return []int{1} }

func (c *anchorCost) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	residuals[0] = c.weight * (parameters[0][0] - c.value)
	if jacobians != nil && jacobians[0] != nil {
		jacobians[0].Set(0, 0, c.weight)
	}
	return true
}

func TestSolveWithSchurElimination(t *testing.T) {
	shared := []float64{0}
	points := [][]float64{{0}, {0}, {0}}
	targets := []float64{3, 4, 5}

	p := NewProblem()
	test.That(t, p.AddResidualBlock(&anchorCost{value: 1, weight: 10}, nil, shared), test.ShouldBeNil)
	for i, pt := range points {
		test.That(t, p.AddResidualBlock(&pairCost{target: targets[i]}, nil, shared, pt), test.ShouldBeNil)
		test.That(t, p.AddResidualBlock(&anchorCost{value: targets[i] - 1, weight: 0.1}, nil, pt), test.ShouldBeNil)
		p.MarkSchurBlock(pt)
	}

	summary, err := Solve(p, Options{MaxIterations: 50, InitialRadius: 1e4, GradientTolerance: 1e-14, StepTolerance: 1e-14})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, 1e-10)
	test.That(t, shared[0], test.ShouldAlmostEqual, 1, 1e-4)
	for i, pt := range points {
		test.That(t, pt[0], test.ShouldAlmostEqual, targets[i]-1, 1e-4)
	}
}

func TestHuberLoss(t *testing.T) {
	loss := HuberLoss{Delta: 1}
	rho0, rho1, _ := loss.Evaluate(0.25)
	test.That(t, rho0, test.ShouldEqual, 0.25)
	test.That(t, rho1, test.ShouldEqual, 1)

	rho0, rho1, _ = loss.Evaluate(4)
	test.That(t, rho0, test.ShouldAlmostEqual, 2*2-1)
	test.That(t, rho1, test.ShouldAlmostEqual, 0.5)
}

func TestNumericDiffMatchesAnalytic(t *testing.T) {
	analytic := &expFitCost{x: 0.7, y: 2}
	numeric := &NumericDiffCostFunction{
		Residuals:  1,
		BlockSizes: []int{2},
		Func: func(parameters [][]float64, residuals []float64) bool {
			m, b := parameters[0][0], parameters[0][1]
			residuals[0] = math.Exp(m*0.7+b) - 2
			return true
		},
	}

	params := [][]float64{{0.4, -0.2}}
	resA := make([]float64, 1)
	resN := make([]float64, 1)
	jacA := []*mat.Dense{mat.NewDense(1, 2, nil)}
	jacN := []*mat.Dense{mat.NewDense(1, 2, nil)}
	test.That(t, analytic.Evaluate(params, resA, jacA), test.ShouldBeTrue)
	test.That(t, numeric.Evaluate(params, resN, jacN), test.ShouldBeTrue)
	test.That(t, resN[0], test.ShouldAlmostEqual, resA[0], 1e-10)
	test.That(t, jacN[0].At(0, 0), test.ShouldAlmostEqual, jacA[0].At(0, 0), 1e-5)
	test.That(t, jacN[0].At(0, 1), test.ShouldAlmostEqual, jacA[0].At(0, 1), 1e-5)
}
