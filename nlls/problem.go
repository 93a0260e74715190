package nlls

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func sqrt(x float64) float64 { return math.Sqrt(x) }

// BlockKey identifies a parameter block by its backing storage.
type BlockKey *float64

// Key returns the identity of a parameter block.
func Key(block []float64) BlockKey {
	return &block[0]
}

type paramBlock struct {
	data     []float64
	size     int
	lp       LocalParameterization
	constant bool
	schur    bool

	localSize   int
	localOffset int // -1 while constant or unassigned
}

type residualBlock struct {
	cost   CostFunction
	loss   LossFunction
	blocks []*paramBlock
}

// Problem is a set of parameter blocks and residual blocks to be solved
// jointly.
type Problem struct {
	blocks    map[BlockKey]*paramBlock
	order     []*paramBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{blocks: make(map[BlockKey]*paramBlock)}
}

// AddParameterBlock registers a block with an optional local
// parameterization. Re-adding an existing block is a no-op aside from
// updating the parameterization.
func (p *Problem) AddParameterBlock(block []float64, lp LocalParameterization) {
	key := Key(block)
	if pb, ok := p.blocks[key]; ok {
		if lp != nil {
			pb.lp = lp
		}
		return
	}
	pb := &paramBlock{data: block, size: len(block), lp: lp, localOffset: -1}
	if lp != nil {
		pb.localSize = lp.LocalSize()
	} else {
		pb.localSize = len(block)
	}
	p.blocks[key] = pb
	p.order = append(p.order, pb)
}

// SetParameterBlockConstant freezes a block at its current values.
func (p *Problem) SetParameterBlockConstant(block []float64) {
	if pb, ok := p.blocks[Key(block)]; ok {
		pb.constant = true
	}
}

// SetParameterBlockVariable unfreezes a block.
func (p *Problem) SetParameterBlockVariable(block []float64) {
	if pb, ok := p.blocks[Key(block)]; ok {
		pb.constant = false
	}
}

// MarkSchurBlock flags a block for first elimination in the linear solve.
// Residual blocks must couple at most one marked block each.
func (p *Problem) MarkSchurBlock(block []float64) {
	if pb, ok := p.blocks[Key(block)]; ok {
		pb.schur = true
	}
}

// AddResidualBlock attaches a cost function over the given parameter blocks,
// registering any block not seen before.
func (p *Problem) AddResidualBlock(cost CostFunction, loss LossFunction, blocks ...[]float64) error {
	sizes := cost.ParameterBlockSizes()
	if len(sizes) != len(blocks) {
		return errors.Errorf("cost expects %d parameter blocks, got %d", len(sizes), len(blocks))
	}
	rb := &residualBlock{cost: cost, loss: loss}
	for i, b := range blocks {
		if len(b) != sizes[i] {
			return errors.Errorf("parameter block %d has size %d, cost expects %d", i, len(b), sizes[i])
		}
		p.AddParameterBlock(b, nil)
		rb.blocks = append(rb.blocks, p.blocks[Key(b)])
	}
	p.residuals = append(p.residuals, rb)
	return nil
}

// layout assigns local tangent offsets: plain variable blocks first, then the
// Schur-eliminated set. Returns the total local size and where the
// eliminated region starts.
func (p *Problem) layout() (total, schurStart int) {
	offset := 0
	for _, pb := range p.order {
		if pb.constant || pb.schur {
			pb.localOffset = -1
			continue
		}
		pb.localOffset = offset
		offset += pb.localSize
	}
	schurStart = offset
	for _, pb := range p.order {
		if pb.constant || !pb.schur {
			continue
		}
		pb.localOffset = offset
		offset += pb.localSize
	}
	return offset, schurStart
}

// evaluateCost returns the robustified total cost at the current state.
func (p *Problem) evaluateCost() (float64, error) {
	total := 0.0
	for _, rb := range p.residuals {
		nres := rb.cost.NumResiduals()
		res := make([]float64, nres)
		params := make([][]float64, len(rb.blocks))
		for i, pb := range rb.blocks {
			params[i] = pb.data
		}
		if !rb.cost.Evaluate(params, res, nil) {
			return 0, errors.New("cost evaluation failed")
		}
		s := 0.0
		for _, r := range res {
			s += r * r
		}
		if rb.loss != nil {
			rho0, _, _ := rb.loss.Evaluate(s)
			total += 0.5 * rho0
		} else {
			total += 0.5 * s
		}
	}
	return total, nil
}

// linearize assembles the normal equations H dx = -g in the local tangent
// layout, applying loss rescaling.
func (p *Problem) linearize(total int) (*mat.SymDense, *mat.VecDense, float64, error) {
	h := mat.NewSymDense(total, nil)
	g := mat.NewVecDense(total, nil)
	cost := 0.0

	for _, rb := range p.residuals {
		nres := rb.cost.NumResiduals()
		res := make([]float64, nres)
		params := make([][]float64, len(rb.blocks))
		jacs := make([]*mat.Dense, len(rb.blocks))
		for i, pb := range rb.blocks {
			params[i] = pb.data
			jacs[i] = mat.NewDense(nres, pb.size, nil)
		}
		if !rb.cost.Evaluate(params, res, jacs) {
			return nil, nil, 0, errors.New("cost evaluation failed")
		}

		s := 0.0
		for _, r := range res {
			s += r * r
		}
		scale := 1.0
		if rb.loss != nil {
			rho0, rho1, _ := rb.loss.Evaluate(s)
			cost += 0.5 * rho0
			// first-order robustification: scale residual and Jacobian
			scale = sqrt(math.Max(rho1, 0))
		} else {
			cost += 0.5 * s
		}

		// local Jacobians
		locals := make([]*mat.Dense, len(rb.blocks))
		for i, pb := range rb.blocks {
			if pb.constant || pb.localOffset < 0 {
				continue
			}
			jl := jacs[i]
			if pb.lp != nil {
				lpJac := mat.NewDense(pb.size, pb.localSize, nil)
				pb.lp.ComputeJacobian(pb.data, lpJac)
				out := mat.NewDense(nres, pb.localSize, nil)
				out.Mul(jl, lpJac)
				jl = out
			}
			if scale != 1 {
				jl.Scale(scale, jl)
			}
			locals[i] = jl
		}
		if scale != 1 {
			for k := range res {
				res[k] *= scale
			}
		}

		for i, ji := range locals {
			if ji == nil {
				continue
			}
			oi := rb.blocks[i].localOffset
			si := rb.blocks[i].localSize
			// g += Ji^T r
			for c := 0; c < si; c++ {
				acc := 0.0
				for r := 0; r < nres; r++ {
					acc += ji.At(r, c) * res[r]
				}
				g.SetVec(oi+c, g.AtVec(oi+c)+acc)
			}
			for j := i; j < len(locals); j++ {
				jj := locals[j]
				if jj == nil {
					continue
				}
				oj := rb.blocks[j].localOffset
				sj := rb.blocks[j].localSize
				for a := 0; a < si; a++ {
					for b := 0; b < sj; b++ {
						acc := 0.0
						for r := 0; r < nres; r++ {
							acc += ji.At(r, a) * jj.At(r, b)
						}
						ra, cb := oi+a, oj+b
						if ra <= cb {
							h.SetSym(ra, cb, h.At(ra, cb)+acc)
						} else if i != j {
							h.SetSym(cb, ra, h.At(cb, ra)+acc)
						}
					}
				}
			}
		}
	}
	return h, g, cost, nil
}

// applyStep moves every variable block along the local step dx.
func (p *Problem) applyStep(dx *mat.VecDense, backup map[*paramBlock][]float64) {
	for _, pb := range p.order {
		if pb.constant || pb.localOffset < 0 {
			continue
		}
		if backup != nil {
			saved := make([]float64, pb.size)
			copy(saved, pb.data)
			backup[pb] = saved
		}
		delta := make([]float64, pb.localSize)
		for i := range delta {
			delta[i] = dx.AtVec(pb.localOffset + i)
		}
		if pb.lp != nil {
			out := make([]float64, pb.size)
			pb.lp.Plus(pb.data, delta, out)
			copy(pb.data, out)
		} else {
			for i := range delta {
				pb.data[i] += delta[i]
			}
		}
	}
}

func (p *Problem) restore(backup map[*paramBlock][]float64) {
	for pb, saved := range backup {
		copy(pb.data, saved)
	}
}
