package factor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	"github.com/Leap-Photonoics/VINS-Fusion/nlls"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

func localSize(size int) int {
	if size == SizePose {
		return 6
	}
	return size
}

// ResidualBlockInfo is one factor scheduled for marginalization, together
// with the indices of its parameter blocks to drop.
type ResidualBlockInfo struct {
	Cost    nlls.CostFunction
	Loss    nlls.LossFunction
	Blocks  [][]float64
	DropSet []int

	residuals []float64
	jacobians []*mat.Dense
}

// MarginalizationInfo collects the factors touching the state being dropped,
// linearizes them, and Schur-eliminates the drop set into a dense prior on
// the surviving blocks.
type MarginalizationInfo struct {
	logger  logging.Logger
	factors []*ResidualBlockInfo

	blockSize map[nlls.BlockKey]int
	blockIdx  map[nlls.BlockKey]int
	blockData map[nlls.BlockKey][]float64

	m, n int // local sizes of the dropped and kept regions

	keepKeys  []nlls.BlockKey
	keepSizes []int
	keepData  [][]float64

	linJacobian *mat.Dense
	linResidual *mat.VecDense

	// Valid is cleared when the prior carries no information.
	Valid bool
}

// NewMarginalizationInfo returns an empty marginalization batch.
func NewMarginalizationInfo(logger logging.Logger) *MarginalizationInfo {
	return &MarginalizationInfo{
		logger:    logger,
		blockSize: make(map[nlls.BlockKey]int),
		blockIdx:  make(map[nlls.BlockKey]int),
		blockData: make(map[nlls.BlockKey][]float64),
	}
}

// AddResidualBlockInfo schedules a factor.
func (mi *MarginalizationInfo) AddResidualBlockInfo(info *ResidualBlockInfo) {
	mi.factors = append(mi.factors, info)
	for _, b := range info.Blocks {
		mi.blockSize[nlls.Key(b)] = len(b)
	}
	for _, di := range info.DropSet {
		mi.blockIdx[nlls.Key(info.Blocks[di])] = 0
	}
}

// PreMarginalize evaluates every scheduled factor at the current state,
// applying robust-loss rescaling, and snapshots the parameter values.
func (mi *MarginalizationInfo) PreMarginalize() error {
	for _, info := range mi.factors {
		nres := info.Cost.NumResiduals()
		info.residuals = make([]float64, nres)
		info.jacobians = make([]*mat.Dense, len(info.Blocks))
		params := make([][]float64, len(info.Blocks))
		for i, b := range info.Blocks {
			params[i] = b
			info.jacobians[i] = mat.NewDense(nres, len(b), nil)
		}
		if !info.Cost.Evaluate(params, info.residuals, info.jacobians) {
			return errors.New("marginalization factor evaluation failed")
		}

		if info.Loss != nil {
			s := 0.0
			for _, r := range info.residuals {
				s += r * r
			}
			_, rho1, _ := info.Loss.Evaluate(s)
			scale := math.Sqrt(math.Max(rho1, 0))
			for i := range info.residuals {
				info.residuals[i] *= scale
			}
			for _, j := range info.jacobians {
				j.Scale(scale, j)
			}
		}

		for _, b := range info.Blocks {
			key := nlls.Key(b)
			if _, ok := mi.blockData[key]; !ok {
				saved := make([]float64, len(b))
				copy(saved, b)
				mi.blockData[key] = saved
			}
		}
	}
	return nil
}

// Marginalize performs the Schur complement over the drop set, producing the
// linearized prior on the surviving blocks.
func (mi *MarginalizationInfo) Marginalize() error {
	// assign local offsets, dropped region first
	pos := 0
	for key := range mi.blockIdx {
		mi.blockIdx[key] = pos
		pos += localSize(mi.blockSize[key])
	}
	mi.m = pos
	for key, size := range mi.blockSize {
		if _, dropped := mi.blockIdx[key]; !dropped {
			mi.blockIdx[key] = pos
			pos += localSize(size)
		}
	}
	mi.n = pos - mi.m

	if mi.n == 0 {
		mi.Valid = false
		if mi.logger != nil {
			mi.logger.Warn("marginalization keeps no parameter blocks; dropping prior")
		}
		return nil
	}

	total := mi.m + mi.n
	a := mat.NewDense(total, total, nil)
	b := mat.NewVecDense(total, nil)

	for _, info := range mi.factors {
		nres := len(info.residuals)
		for i, bi := range info.Blocks {
			keyI := nlls.Key(bi)
			idxI := mi.blockIdx[keyI]
			sizeI := localSize(len(bi))
			ji := info.jacobians[i]
			// b += Ji^T r
			for c := 0; c < sizeI; c++ {
				acc := 0.0
				for r := 0; r < nres; r++ {
					acc += ji.At(r, c) * info.residuals[r]
				}
				b.SetVec(idxI+c, b.AtVec(idxI+c)+acc)
			}
			for j, bj := range info.Blocks {
				keyJ := nlls.Key(bj)
				idxJ := mi.blockIdx[keyJ]
				sizeJ := localSize(len(bj))
				jj := info.jacobians[j]
				for ci := 0; ci < sizeI; ci++ {
					for cj := 0; cj < sizeJ; cj++ {
						acc := 0.0
						for r := 0; r < nres; r++ {
							acc += ji.At(r, ci) * jj.At(r, cj)
						}
						a.Set(idxI+ci, idxJ+cj, a.At(idxI+ci, idxJ+cj)+acc)
					}
				}
			}
		}
	}

	m, n := mi.m, mi.n
	var reduced mat.Dense
	rhs := mat.NewVecDense(n, nil)
	if m > 0 {
		// symmetrized dropped block and its pseudo-inverse
		amm := mat.NewSymDense(m, nil)
		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				amm.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
			}
		}
		ammInv, err := pseudoInverseSym(amm)
		if err != nil {
			return errors.Wrap(err, "cannot invert the marginalized block")
		}

		arm := denseSlice(a, m, total, 0, m) // n x m
		amr := denseSlice(a, 0, m, m, total) // m x n
		arr := denseSlice(a, m, total, m, total)

		bmm := vecSlice(b, 0, m)
		brr := vecSlice(b, m, total)

		var armAmmInv mat.Dense
		armAmmInv.Mul(arm, ammInv)

		reduced.Mul(&armAmmInv, amr)
		reduced.Sub(arr, &reduced)

		var rhsCorr mat.VecDense
		rhsCorr.MulVec(&armAmmInv, bmm)
		rhs.SubVec(brr, &rhsCorr)
	} else {
		reduced.CloneFrom(denseSlice(a, 0, total, 0, total))
		rhs.CloneFromVec(b)
	}

	// eigendecompose the reduced information into sqrt form
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(reduced.At(i, j)+reduced.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return errors.New("eigendecomposition of the reduced information failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	const eps = 1e-8
	sqrtS := mat.NewDense(n, n, nil)
	invSqrtS := mat.NewDense(n, n, nil)
	for i, v := range vals {
		if v > eps {
			sqrtS.Set(i, i, math.Sqrt(v))
			invSqrtS.Set(i, i, 1/math.Sqrt(v))
		}
	}

	mi.linJacobian = mat.NewDense(n, n, nil)
	mi.linJacobian.Mul(sqrtS, vecs.T())
	var vtb mat.VecDense
	vtb.MulVec(vecs.T(), rhs)
	mi.linResidual = mat.NewVecDense(n, nil)
	mi.linResidual.MulVec(invSqrtS, &vtb)

	mi.Valid = true
	return nil
}

// GetParameterBlocks records and returns the surviving parameter blocks after
// applying the window-slide address shift.
func (mi *MarginalizationInfo) GetParameterBlocks(shift map[nlls.BlockKey][]float64) [][]float64 {
	mi.keepKeys = mi.keepKeys[:0]
	mi.keepSizes = mi.keepSizes[:0]
	mi.keepData = mi.keepData[:0]
	var out [][]float64

	// kept blocks ordered by their local offset
	type kept struct {
		key  nlls.BlockKey
		idx  int
		size int
	}
	var keptBlocks []kept
	for key, idx := range mi.blockIdx {
		if idx >= mi.m {
			keptBlocks = append(keptBlocks, kept{key: key, idx: idx, size: mi.blockSize[key]})
		}
	}
	for i := 0; i < len(keptBlocks); i++ {
		for j := i + 1; j < len(keptBlocks); j++ {
			if keptBlocks[j].idx < keptBlocks[i].idx {
				keptBlocks[i], keptBlocks[j] = keptBlocks[j], keptBlocks[i]
			}
		}
	}

	for _, kb := range keptBlocks {
		shifted, ok := shift[kb.key]
		if !ok {
			continue
		}
		mi.keepKeys = append(mi.keepKeys, kb.key)
		mi.keepSizes = append(mi.keepSizes, kb.size)
		mi.keepData = append(mi.keepData, mi.blockData[kb.key])
		out = append(out, shifted)
	}
	return out
}

// MarginalizationFactor is the linearized prior produced by a previous
// marginalization, evaluated against the shifted surviving blocks.
type MarginalizationFactor struct {
	Info *MarginalizationInfo
}

// NumResiduals implements nlls.CostFunction.
func (f *MarginalizationFactor) NumResiduals() int { return f.Info.n }

// ParameterBlockSizes implements nlls.CostFunction.
func (f *MarginalizationFactor) ParameterBlockSizes() []int { return f.Info.keepSizes }

// Evaluate implements nlls.CostFunction.
func (f *MarginalizationFactor) Evaluate(parameters [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	mi := f.Info
	n := mi.n
	dx := mat.NewVecDense(n, nil)
	offset := 0
	for i, size := range mi.keepSizes {
		cur := parameters[i]
		stored := mi.keepData[i]
		ls := localSize(size)
		if size == SizePose {
			dx.SetVec(offset, cur[0]-stored[0])
			dx.SetVec(offset+1, cur[1]-stored[1])
			dx.SetVec(offset+2, cur[2]-stored[2])
			qStored := QuatOf(stored)
			qCur := QuatOf(cur)
			dq := quat.Mul(quat.Conj(qStored), qCur)
			if dq.Real < 0 {
				dq = quat.Number{Real: -dq.Real, Imag: -dq.Imag, Jmag: -dq.Jmag, Kmag: -dq.Kmag}
			}
			v := sm.Vec(dq).Mul(2)
			dx.SetVec(offset+3, v.X)
			dx.SetVec(offset+4, v.Y)
			dx.SetVec(offset+5, v.Z)
		} else {
			for k := 0; k < size; k++ {
				dx.SetVec(offset+k, cur[k]-stored[k])
			}
		}
		offset += ls
	}

	var jdx mat.VecDense
	jdx.MulVec(mi.linJacobian, dx)
	for i := 0; i < n; i++ {
		residuals[i] = mi.linResidual.AtVec(i) + jdx.AtVec(i)
	}

	if jacobians == nil {
		return true
	}
	offset = 0
	for i, size := range mi.keepSizes {
		if jacobians[i] != nil {
			jacobians[i].Zero()
			ls := localSize(size)
			for r := 0; r < n; r++ {
				for c := 0; c < ls; c++ {
					jacobians[i].Set(r, c, mi.linJacobian.At(r, offset+c))
				}
			}
		}
		offset += localSize(size)
	}
	return true
}

func pseudoInverseSym(s *mat.SymDense) (*mat.Dense, error) {
	n := s.SymmetricDim()
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, errors.New("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	const eps = 1e-8
	d := mat.NewDense(n, n, nil)
	for i, v := range vals {
		if v > eps {
			d.Set(i, i, 1/v)
		}
	}
	var tmp, out mat.Dense
	tmp.Mul(&vecs, d)
	out.Mul(&tmp, vecs.T())
	return &out, nil
}

func denseSlice(a *mat.Dense, r0, r1, c0, c1 int) *mat.Dense {
	out := mat.NewDense(r1-r0, c1-c0, nil)
	for i := r0; i < r1; i++ {
		for j := c0; j < c1; j++ {
			out.Set(i-r0, j-c0, a.At(i, j))
		}
	}
	return out
}

func vecSlice(v *mat.VecDense, i0, i1 int) *mat.VecDense {
	out := mat.NewVecDense(i1-i0, nil)
	for i := i0; i < i1; i++ {
		out.SetVec(i-i0, v.AtVec(i))
	}
	return out
}
