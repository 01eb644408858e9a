package bbmm

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// blockEval evaluates one kernel block between two point ranges.
type blockEval func(x1, x2 *mat.Dense) *mat.Dense

// matvecK returns K·v for an nOut×s column block v, counting one
// kernel sweep.
func (b *BBMM) matvecK(v *mat.Dense) (*mat.Dense, error) {
	b.sweeps++
	if b.batch == 0 {
		start := time.Now()
		var out mat.Dense
		out.Mul(b.kFull, v)
		b.timeKx += time.Since(start)
		return &out, nil
	}
	return b.matvecBlocked(b.kernel.K, v)
}

// matvecKnoise returns (K + σ²I)·v.
func (b *BBMM) matvecKnoise(v *mat.Dense) (*mat.Dense, error) {
	out, err := b.matvecK(v)
	if err != nil {
		return nil, err
	}
	n, s := v.Dims()
	oraw := out.RawMatrix()
	vraw := v.RawMatrix()
	for i := 0; i < n; i++ {
		orow := oraw.Data[i*oraw.Stride : i*oraw.Stride+s]
		vrow := vraw.Data[i*vraw.Stride : i*vraw.Stride+s]
		for j := range orow {
			orow[j] += b.noise * vrow[j]
		}
	}
	return out, nil
}

// matvecGrad returns (∂K/∂θᵢ)·v for hyperparameter i. Parameter
// derivatives inherit the kernel's symmetry, so the same half-grid
// mirroring applies.
func (b *BBMM) matvecGrad(i int, v *mat.Dense) (*mat.Dense, error) {
	b.sweeps++
	if b.batch == 0 {
		start := time.Now()
		var out mat.Dense
		out.Mul(b.dkFull[i], v)
		b.timeKx += time.Since(start)
		return &out, nil
	}
	return b.matvecBlocked(func(x1, x2 *mat.Dense) *mat.Dense {
		return b.kernel.DKDp(i, x1, x2)
	}, v)
}

// matvecBlocked computes the product of the symmetric blocked operator
// with v without materializing the full matrix. Only block pairs
// (i, j) with i ≤ j are evaluated; the strictly-lower result is
// mirrored through the transpose, which halves kernel construction.
//
// Block pairs are numbered in grid order and assigned round-robin to
// workers by task index. Each worker accumulates into a private
// nOut×s buffer and the buffers are reduced in worker order after the
// group joins, so the floating-point summation order depends only on
// the partition and the worker count.
func (b *BBMM) matvecBlocked(eval blockEval, v *mat.Dense) (*mat.Dense, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	vn, s := v.Dims()
	if vn != b.nOut {
		return nil, fmt.Errorf("bbmm: vector has dimension %d, operator has %d", vn, b.nOut)
	}

	start := time.Now()
	workers := b.workers
	if workers > len(b.blocks) {
		workers = len(b.blocks)
	}
	partial := make([]*mat.Dense, workers)
	for w := range partial {
		partial[w] = mat.NewDense(b.nOut, s, nil)
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			acc := partial[w]
			task := 0
			for i := 0; i < len(b.blocks); i++ {
				for j := i; j < len(b.blocks); j++ {
					if task%workers != w {
						task++
						continue
					}
					task++
					if err := b.applyBlockPair(eval, v, acc, i, j); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := partial[0]
	for w := 1; w < workers; w++ {
		out.Add(out, partial[w])
	}
	b.timeKx += time.Since(start)
	return out, nil
}

// applyBlockPair evaluates the kernel block for partition entries
// (i, j), i ≤ j, and accumulates its action on v into acc, mirroring
// the transposed product when i < j.
func (b *BBMM) applyBlockPair(eval blockEval, v, acc *mat.Dense, i, j int) error {
	_, f := b.x.Dims()
	bi, bj := b.blocks[i], b.blocks[j]
	xi := b.x.Slice(bi.lo, bi.hi, 0, f).(*mat.Dense)
	xj := b.x.Slice(bj.lo, bj.hi, 0, f).(*mat.Dense)

	kb := eval(xi, xj)
	kr, kc := kb.Dims()
	if kr != (bi.hi-bi.lo)*b.nout || kc != (bj.hi-bj.lo)*b.nout {
		return fmt.Errorf("bbmm: kernel block (%d,%d) is %dx%d, want %dx%d",
			i, j, kr, kc, (bi.hi-bi.lo)*b.nout, (bj.hi-bj.lo)*b.nout)
	}

	vj := gatherRows(v, bj)
	var prod mat.Dense
	prod.Mul(kb, vj)
	scatterAddRows(acc, bi, &prod)

	if i < j {
		vi := gatherRows(v, bi)
		var mirror mat.Dense
		mirror.Mul(kb.T(), vi)
		scatterAddRows(acc, bj, &mirror)
	}
	return nil
}

// gatherRows collects the output rows of blk from v. Single-output
// blocks are contiguous and return a view; multi-output blocks copy
// their strided row set.
func gatherRows(v *mat.Dense, blk block) *mat.Dense {
	if blk.out == nil {
		_, s := v.Dims()
		return v.Slice(blk.lo, blk.hi, 0, s).(*mat.Dense)
	}
	_, s := v.Dims()
	out := mat.NewDense(len(blk.out), s, nil)
	for k, row := range blk.out {
		out.SetRow(k, mat.Row(nil, row, v))
	}
	return out
}

// scatterAddRows adds src into the output rows of blk in dst.
func scatterAddRows(dst *mat.Dense, blk block, src *mat.Dense) {
	if blk.out == nil {
		_, s := dst.Dims()
		view := dst.Slice(blk.lo, blk.hi, 0, s).(*mat.Dense)
		view.Add(view, src)
		return
	}
	_, s := dst.Dims()
	for k, row := range blk.out {
		for c := 0; c < s; c++ {
			dst.Set(row, c, dst.At(row, c)+src.At(k, c))
		}
	}
}
