// Package bbmm fits Gaussian-process regression weights through
// black-box matrix multiplication: the shifted covariance K + σ²I is
// represented only by its action on column blocks, evaluated block by
// block over the training set, and the linear system (K+σ²I)w = y is
// solved by preconditioned block conjugate gradients instead of a
// Cholesky factorization of the full matrix.
package bbmm

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gpiter/bbmm/kern"
	"github.com/gpiter/bbmm/nystroem"
)

var (
	// ErrNotInitialized is returned when a session is used before
	// Initialize.
	ErrNotInitialized = errors.New("bbmm: session not initialized")

	// ErrNoPreconditioner is returned by Solve when SetPreconditioner
	// has not been called.
	ErrNoPreconditioner = errors.New("bbmm: no preconditioner set")
)

// block is one contiguous range of training points together with the
// output rows it owns. out is nil for single-output kernels, where the
// output rows are exactly [lo·1, hi·1) and the contiguous fast path
// applies.
type block struct {
	lo, hi int
	out    []int
}

// BBMM is a regression session over one training set. It owns the
// partition, the preconditioner, the solved weight vector and the
// timing accumulators; the kernel is supplied at construction and
// shared read-only with the matvec workers.
//
// A session is driven from a single goroutine. Parallelism lives
// inside each blocked matvec sweep, where block pairs fan out across
// the configured workers.
type BBMM struct {
	kernel  kern.Kernel
	workers int
	log     *Logger

	initialized bool
	x           *mat.Dense
	n           int // training points
	nout        int // output channels per point
	nOut        int // n·nout, the system dimension
	noise       float64
	batch       int
	blocks      []block

	// Dense fallback (batch == 0): the full kernel and its parameter
	// derivatives, materialized once.
	kFull  *mat.Dense
	dkFull []*mat.Dense

	pre       *nystroem.Preconditioner
	landmarks []int

	y *mat.VecDense
	w *mat.VecDense

	sweeps    int // kernel sweeps across all matvec calls
	cgIters   int
	converged bool
	timeKx    time.Duration
	timePre   time.Duration
	timeCG    time.Duration
}

// Option configures a session at construction.
type Option func(*BBMM)

// WithWorkers sets the number of goroutines a blocked matvec sweep
// fans out across. The block grid is assigned round-robin by task
// index, so results are reproducible for a fixed worker count.
func WithWorkers(n int) Option {
	return func(b *BBMM) {
		b.workers = n
	}
}

// WithLogger attaches a diagnostic logger. The default discards all
// output.
func WithLogger(log *Logger) Option {
	return func(b *BBMM) {
		b.log = log
	}
}

// New creates a session around a kernel. Initialize must be called
// before any other method.
func New(k kern.Kernel, opts ...Option) *BBMM {
	b := &BBMM{
		kernel:  k,
		workers: 1,
		log:     NoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.workers < 1 {
		b.workers = 1
	}
	return b
}

// Initialize fixes the training points, the noise variance and the
// partition. batch bounds the output rows per block; it is divided by
// the kernel's output multiplicity to get the points per block and
// clamped to the training size.
// batch == 0 selects the dense fallback: the full kernel and its
// derivatives are materialized once and every matvec becomes a single
// dense multiply, valid only when n·nout fits in memory.
//
// Calling Initialize again resets the session, dropping any
// preconditioner and solution.
func (b *BBMM) Initialize(x *mat.Dense, noise float64, batch int) error {
	if x == nil {
		return errors.New("bbmm: nil training points")
	}
	n, f := x.Dims()
	if n == 0 || f == 0 {
		return fmt.Errorf("bbmm: empty training set %dx%d", n, f)
	}
	if noise <= 0 {
		return fmt.Errorf("bbmm: noise must be positive, got %g", noise)
	}
	if batch < 0 {
		return fmt.Errorf("bbmm: batch must be nonnegative, got %d", batch)
	}
	nout := b.kernel.NumOutputs()
	split := b.kernel.LikelihoodSplit(n * nout)
	if len(split) != 1 || split[0].Lo != 0 || split[0].Hi != n*nout {
		return fmt.Errorf("bbmm: kernel splits %d outputs into %d likelihood groups, want one contiguous group", n*nout, len(split))
	}

	b.x = mat.DenseCopyOf(x)
	b.n = n
	b.nout = nout
	b.nOut = n * nout
	b.noise = noise
	b.batch = batch
	b.pre = nil
	b.landmarks = nil
	b.y = nil
	b.w = nil
	b.converged = false
	b.sweeps = 0
	b.cgIters = 0
	b.timeKx = 0
	b.timePre = 0
	b.timeCG = 0
	b.kFull = nil
	b.dkFull = nil
	b.blocks = nil

	if batch == 0 {
		// Dense fallback: one shared distance matrix serves the kernel
		// and all of its derivatives, so the memo pays for itself here.
		b.kernel.SetCaching(true)
		start := time.Now()
		b.kFull = b.kernel.K(b.x, nil)
		b.dkFull = make([]*mat.Dense, b.kernel.NumParams())
		for i := range b.dkFull {
			b.dkFull[i] = b.kernel.DKDp(i, b.x, nil)
		}
		b.kernel.SetCaching(false)
		b.timeKx += time.Since(start)
		b.log.Info("initialized dense fallback", "n", n, "nout", nout, "build", time.Since(start))
		b.initialized = true
		return nil
	}

	// Blocked mode: blocks never repeat their arguments, so the memo
	// would only leak memory, and the workers need a cache-free kernel.
	b.kernel.SetCaching(false)
	size := batch / nout
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		blk := block{lo: lo, hi: hi}
		if nout > 1 {
			blk.out = make([]int, 0, (hi-lo)*nout)
			for o := 0; o < nout; o++ {
				for i := lo; i < hi; i++ {
					blk.out = append(blk.out, i+o*n)
				}
			}
		}
		b.blocks = append(b.blocks, blk)
	}
	b.log.Info("initialized", "n", n, "nout", nout, "batch", size, "blocks", len(b.blocks), "workers", b.workers)
	b.initialized = true
	return nil
}

// SetPreconditioner builds the partial-rank preconditioner from rank
// landmark points. A nil landmarks slice samples rank indices without
// replacement with the given seed; explicit indices are copied. The
// landmark set is sorted either way so block locality and results are
// reproducible. Calling SetPreconditioner again replaces the previous
// preconditioner.
func (b *BBMM) SetPreconditioner(rank int, landmarks []int, seed int64) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	if rank < 1 || rank > b.n {
		return fmt.Errorf("bbmm: preconditioner rank %d out of range [1, %d]", rank, b.n)
	}
	if landmarks != nil && len(landmarks) != rank {
		return fmt.Errorf("bbmm: got %d landmark indices, want %d", len(landmarks), rank)
	}

	idx := make([]int, rank)
	if landmarks == nil {
		rng := rand.New(rand.NewSource(seed))
		copy(idx, rng.Perm(b.n)[:rank])
	} else {
		copy(idx, landmarks)
		for _, i := range idx {
			if i < 0 || i >= b.n {
				return fmt.Errorf("bbmm: landmark index %d out of range [0, %d)", i, b.n)
			}
		}
	}
	sort.Ints(idx)

	b.log.Info("building preconditioner", "n", b.n, "rank", rank)
	start := time.Now()

	_, f := b.x.Dims()
	xl := mat.NewDense(rank, f, nil)
	for i, j := range idx {
		xl.SetRow(i, mat.Row(nil, j, b.x))
	}
	k11 := b.kernel.K(xl, nil)
	k21 := b.kernel.K(b.x, xl)

	pre, err := nystroem.New(k11, k21, b.noise)
	if err != nil {
		return fmt.Errorf("bbmm: preconditioner build: %w", err)
	}
	b.pre = pre
	b.landmarks = idx
	b.log.Info("preconditioner done", "rank", pre.Rank(), "build", time.Since(start))
	return nil
}

// Weights returns the solved weight vector, nil before the first
// solve.
func (b *BBMM) Weights() *mat.VecDense {
	return b.w
}

// Noise returns the noise variance fixed at initialization.
func (b *BBMM) Noise() float64 {
	return b.noise
}

// Kernel returns the session's kernel.
func (b *BBMM) Kernel() kern.Kernel {
	return b.kernel
}

// Landmarks returns the sorted landmark indices of the current
// preconditioner, nil when none is set.
func (b *BBMM) Landmarks() []int {
	if b.landmarks == nil {
		return nil
	}
	return append([]int(nil), b.landmarks...)
}

// Stats reports session counters and timing accumulators.
func (b *BBMM) Stats() map[string]any {
	return map[string]any{
		"n":                   b.n,
		"nout":                b.nout,
		"batch":               b.batch,
		"blocks":              len(b.blocks),
		"workers":             b.workers,
		"kernel_sweeps":       b.sweeps,
		"cg_iterations":       b.cgIters,
		"converged":           b.converged,
		"time_kernel":         b.timeKx,
		"time_preconditioner": b.timePre,
		"time_cg":             b.timeCG,
	}
}
