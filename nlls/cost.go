// Package nlls is the nonlinear least-squares collaborator of the estimator.
// It exposes a cost-function/parameter-block interface, robust losses and
// local parameterizations, and solves the assembled problem with a Powell
// dogleg trust region over dense normal equations, optionally eliminating
// marked blocks by Schur complement first.
package nlls

import "gonum.org/v1/gonum/mat"

// CostFunction is a residual block with analytic Jacobians. Implementations
// fill jacobians[i] (NumResiduals x ParameterBlockSizes[i], preallocated by
// the caller) when it is non-nil.
type CostFunction interface {
	NumResiduals() int
	ParameterBlockSizes() []int
	Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool
}

// LossFunction rescales a squared residual norm s, returning the value and
// its first two derivatives.
type LossFunction interface {
	Evaluate(s float64) (rho0, rho1, rho2 float64)
}

// HuberLoss is the Huber robust loss with the given threshold.
type HuberLoss struct {
	Delta float64
}

// Evaluate implements LossFunction.
func (l HuberLoss) Evaluate(s float64) (float64, float64, float64) {
	d2 := l.Delta * l.Delta
	if s <= d2 {
		return s, 1, 0
	}
	r := sqrt(s)
	return 2*l.Delta*r - d2, l.Delta / r, -l.Delta / (2 * s * r)
}

// LocalParameterization maps a possibly over-parameterized block to its
// tangent space.
type LocalParameterization interface {
	GlobalSize() int
	LocalSize() int
	// Plus computes xPlusDelta = x [+] delta.
	Plus(x, delta, xPlusDelta []float64)
	// ComputeJacobian fills the GlobalSize x LocalSize Jacobian of Plus at
	// delta = 0.
	ComputeJacobian(x []float64, jacobian *mat.Dense)
}

// NumericDiffCostFunction wraps a residual-only function with central-difference
// Jacobians. Used where an analytic Jacobian buys nothing (the visual-only
// bundle adjustment of the initializer).
type NumericDiffCostFunction struct {
	Residuals  int
	BlockSizes []int
	Func       func(parameters [][]float64, residuals []float64) bool
	Step       float64
}

// NumResiduals implements CostFunction.
func (n *NumericDiffCostFunction) NumResiduals() int { return n.Residuals }

// ParameterBlockSizes implements CostFunction.
func (n *NumericDiffCostFunction) ParameterBlockSizes() []int { return n.BlockSizes }

// Evaluate implements CostFunction.
func (n *NumericDiffCostFunction) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !n.Func(parameters, residuals) {
		return false
	}
	if jacobians == nil {
		return true
	}
	step := n.Step
	if step <= 0 {
		step = 1e-7
	}
	plus := make([]float64, n.Residuals)
	minus := make([]float64, n.Residuals)
	for bi, jac := range jacobians {
		if jac == nil {
			continue
		}
		block := parameters[bi]
		for c := 0; c < n.BlockSizes[bi]; c++ {
			orig := block[c]
			block[c] = orig + step
			okp := n.Func(parameters, plus)
			block[c] = orig - step
			okm := n.Func(parameters, minus)
			block[c] = orig
			if !okp || !okm {
				return false
			}
			for r := 0; r < n.Residuals; r++ {
				jac.Set(r, c, (plus[r]-minus[r])/(2*step))
			}
		}
	}
	return true
}
