package nlls

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Options controls a Solve call.
type Options struct {
	// MaxIterations caps the number of trust-region iterations, accepted or
	// rejected.
	MaxIterations int
	// MaxTime caps wall-clock time; zero means no cap.
	MaxTime time.Duration
	// InitialRadius is the starting trust-region radius.
	InitialRadius float64
	// GradientTolerance stops when the max-norm of the gradient drops below it.
	GradientTolerance float64
	// StepTolerance stops when the step norm drops below it.
	StepTolerance float64
}

// DefaultOptions mirrors the estimator's solver defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     8,
		InitialRadius:     1e4,
		GradientTolerance: 1e-10,
		StepTolerance:     1e-9,
	}
}

// Summary reports the outcome of a Solve call.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
}

// Solve minimizes the problem with a Powell dogleg trust region. Blocks
// marked with MarkSchurBlock are eliminated first in every linear solve.
func Solve(p *Problem, opts Options) (Summary, error) {
	var summary Summary
	start := time.Now()

	total, schurStart := p.layout()
	if total == 0 {
		cost, err := p.evaluateCost()
		if err != nil {
			return summary, err
		}
		summary.InitialCost, summary.FinalCost = cost, cost
		summary.Converged = true
		return summary, nil
	}

	radius := opts.InitialRadius
	if radius <= 0 {
		radius = 1e4
	}

	h, g, cost, err := p.linearize(total)
	if err != nil {
		return summary, err
	}
	summary.InitialCost = cost
	summary.FinalCost = cost

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if opts.MaxTime > 0 && time.Since(start) > opts.MaxTime {
			break
		}

		gInf := 0.0
		for i := 0; i < total; i++ {
			gInf = math.Max(gInf, math.Abs(g.AtVec(i)))
		}
		if gInf < opts.GradientTolerance {
			summary.Converged = true
			break
		}

		gn, err := solveNormal(h, g, schurStart)
		if err != nil {
			return summary, err
		}

		step, err := doglegStep(h, g, gn, radius)
		if err != nil {
			return summary, err
		}
		stepNorm := mat.Norm(step, 2)
		if stepNorm < opts.StepTolerance {
			summary.Converged = true
			break
		}

		// predicted reduction of the quadratic model
		var hs mat.VecDense
		hs.MulVec(h, step)
		pred := -(mat.Dot(g, step) + 0.5*mat.Dot(step, &hs))

		backup := make(map[*paramBlock][]float64)
		p.applyStep(step, backup)
		newCost, err := p.evaluateCost()
		if err != nil {
			// an invalid trial point rejects the step, it does not abort
			p.restore(backup)
			radius /= 2
			if radius < 1e-12 {
				break
			}
			continue
		}

		rho := 0.0
		if pred > 0 {
			rho = (cost - newCost) / pred
		}
		if rho > 1e-4 && newCost < cost {
			cost = newCost
			summary.FinalCost = cost
			summary.Iterations++
			if rho > 0.75 {
				radius = math.Max(radius, 3*stepNorm)
			} else if rho < 0.25 {
				radius /= 2
			}
			h, g, _, err = p.linearize(total)
			if err != nil {
				return summary, err
			}
		} else {
			p.restore(backup)
			radius /= 2
			if radius < 1e-12 {
				break
			}
		}
	}
	return summary, nil
}

// solveNormal solves H dx = -g, eliminating the trailing Schur region first
// when present.
func solveNormal(h *mat.SymDense, g *mat.VecDense, schurStart int) (*mat.VecDense, error) {
	total := g.Len()
	nE := total - schurStart
	if nE == 0 {
		return choleskySolve(h, negate(g))
	}

	// partition
	hrr := mat.NewSymDense(schurStart, nil)
	for i := 0; i < schurStart; i++ {
		for j := i; j < schurStart; j++ {
			hrr.SetSym(i, j, h.At(i, j))
		}
	}
	hre := mat.NewDense(schurStart, nE, nil)
	for i := 0; i < schurStart; i++ {
		for j := 0; j < nE; j++ {
			hre.Set(i, j, h.At(i, schurStart+j))
		}
	}
	// only the diagonal of the eliminated region is used: the elimination is
	// exact for scalar marked blocks; the couplings between the entries of a
	// multi-dimensional marked block are dropped
	dInv := make([]float64, nE)
	for j := 0; j < nE; j++ {
		d := h.At(schurStart+j, schurStart+j)
		if d < 1e-12 {
			d = 1e-12
		}
		dInv[j] = 1 / d
	}

	// reduced system: (Hrr - Hre D^-1 Her) xr = -(gr - Hre D^-1 ge)
	red := mat.NewSymDense(schurStart, nil)
	for i := 0; i < schurStart; i++ {
		for j := i; j < schurStart; j++ {
			acc := hrr.At(i, j)
			for k := 0; k < nE; k++ {
				acc -= hre.At(i, k) * dInv[k] * hre.At(j, k)
			}
			red.SetSym(i, j, acc)
		}
	}
	rhs := mat.NewVecDense(schurStart, nil)
	for i := 0; i < schurStart; i++ {
		acc := -g.AtVec(i)
		for k := 0; k < nE; k++ {
			acc += hre.At(i, k) * dInv[k] * g.AtVec(schurStart+k)
		}
		rhs.SetVec(i, acc)
	}

	xr, err := choleskySolve(red, rhs)
	if err != nil {
		return nil, err
	}

	out := mat.NewVecDense(total, nil)
	for i := 0; i < schurStart; i++ {
		out.SetVec(i, xr.AtVec(i))
	}
	for k := 0; k < nE; k++ {
		acc := -g.AtVec(schurStart + k)
		for i := 0; i < schurStart; i++ {
			acc -= hre.At(i, k) * xr.AtVec(i)
		}
		out.SetVec(schurStart+k, dInv[k]*acc)
	}
	return out, nil
}

func negate(g *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(g.Len(), nil)
	for i := 0; i < g.Len(); i++ {
		out.SetVec(i, -g.AtVec(i))
	}
	return out
}

func choleskySolve(h *mat.SymDense, rhs *mat.VecDense) (*mat.VecDense, error) {
	n := rhs.Len()
	var chol mat.Cholesky
	work := mat.NewSymDense(n, nil)
	work.CopySym(h)
	mu := 0.0
	for attempt := 0; attempt < 8; attempt++ {
		if mu > 0 {
			for i := 0; i < n; i++ {
				work.SetSym(i, i, h.At(i, i)+mu)
			}
		}
		if chol.Factorize(work) {
			out := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(out, rhs); err != nil {
				return nil, errors.Wrap(err, "cholesky solve failed")
			}
			return out, nil
		}
		if mu == 0 {
			mu = 1e-10
		} else {
			mu *= 100
		}
	}
	return nil, errors.New("normal equations are not positive definite")
}

// doglegStep combines the Gauss-Newton and steepest-descent steps within the
// trust radius.
func doglegStep(h *mat.SymDense, g *mat.VecDense, gn *mat.VecDense, radius float64) (*mat.VecDense, error) {
	if mat.Norm(gn, 2) <= radius {
		return gn, nil
	}

	var hg mat.VecDense
	hg.MulVec(h, g)
	gtg := mat.Dot(g, g)
	gthg := mat.Dot(g, &hg)
	if gthg <= 0 {
		// fall back to a scaled gradient step at the boundary
		out := mat.NewVecDense(g.Len(), nil)
		scale := -radius / math.Sqrt(gtg)
		for i := 0; i < g.Len(); i++ {
			out.SetVec(i, scale*g.AtVec(i))
		}
		return out, nil
	}

	alpha := gtg / gthg
	sd := mat.NewVecDense(g.Len(), nil)
	for i := 0; i < g.Len(); i++ {
		sd.SetVec(i, -alpha*g.AtVec(i))
	}
	sdNorm := mat.Norm(sd, 2)
	if sdNorm >= radius {
		out := mat.NewVecDense(g.Len(), nil)
		for i := 0; i < g.Len(); i++ {
			out.SetVec(i, sd.AtVec(i)*radius/sdNorm)
		}
		return out, nil
	}

	// walk from the Cauchy point toward the Gauss-Newton point until the
	// trust boundary
	var diff mat.VecDense
	diff.SubVec(gn, sd)
	a := mat.Dot(&diff, &diff)
	b := 2 * mat.Dot(sd, &diff)
	c := mat.Dot(sd, sd) - radius*radius
	disc := b*b - 4*a*c
	if disc < 0 {
		disc = 0
	}
	beta := (-b + math.Sqrt(disc)) / (2 * a)
	out := mat.NewVecDense(g.Len(), nil)
	for i := 0; i < g.Len(); i++ {
		out.SetVec(i, sd.AtVec(i)+beta*diff.AtVec(i))
	}
	return out, nil
}
