package bbmm

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gpiter/bbmm/krylov"
)

// Result carries the outcome of one Solve call. Gradients is nil
// unless gradients were requested; LogDet and LogLikelihood are NaN
// unless the log likelihood was requested. Non-convergence within the
// iteration budget is reported through Converged, never as an error.
type Result struct {
	W          *mat.VecDense
	Converged  bool
	Iterations int

	// Gradients of the log marginal likelihood, kernel
	// hyperparameters in Params order followed by the noise variance.
	Gradients []float64

	LogDet        float64
	LogLikelihood float64
}

type solveOptions struct {
	x0           *mat.VecDense
	blockSize    int
	thres        float64
	maxIter      int
	gradients    bool
	loglik       bool
	lanczosIters int
	seed         int64
	cb           krylov.Callback
}

// SolveOption configures one Solve call.
type SolveOption func(*solveOptions)

// WithInitialGuess warm-starts the solve from x0. The shifted residual
// system is solved and x0 added back, an exact linear identity rather
// than an approximation.
func WithInitialGuess(x0 *mat.VecDense) SolveOption {
	return func(o *solveOptions) {
		o.x0 = x0
	}
}

// WithBlockSize sets the number of random probe columns solved
// alongside the target (default 50). More probes sharpen the trace and
// log-determinant estimates and widen the search space per iteration.
func WithBlockSize(s int) SolveOption {
	return func(o *solveOptions) {
		o.blockSize = s
	}
}

// WithThreshold sets the per-column relative residual target
// (default 1e-6).
func WithThreshold(thres float64) SolveOption {
	return func(o *solveOptions) {
		o.thres = thres
	}
}

// WithMaxIterations bounds the solver's sweep budget. Zero falls back
// to the system dimension.
func WithMaxIterations(n int) SolveOption {
	return func(o *solveOptions) {
		o.maxIter = n
	}
}

// WithGradients requests the marginal-likelihood gradients.
func WithGradients() SolveOption {
	return func(o *solveOptions) {
		o.gradients = true
	}
}

// WithLogLikelihood requests the log marginal likelihood, estimated by
// stochastic Lanczos quadrature over the probe vectors.
func WithLogLikelihood() SolveOption {
	return func(o *solveOptions) {
		o.loglik = true
	}
}

// WithLanczosIterations sets the Lanczos recurrence depth for the
// log-determinant estimate (default 20).
func WithLanczosIterations(n int) SolveOption {
	return func(o *solveOptions) {
		o.lanczosIters = n
	}
}

// WithSeed seeds the probe-vector generator (default 0). Identical
// seeds reproduce identical probes and therefore identical results.
func WithSeed(seed int64) SolveOption {
	return func(o *solveOptions) {
		o.seed = seed
	}
}

// WithCallback registers a per-iteration progress callback.
func WithCallback(cb krylov.Callback) SolveOption {
	return func(o *solveOptions) {
		o.cb = cb
	}
}

// Solve computes the weight vector w of (K + σ²I)w = y by
// preconditioned block conjugate gradients. The right-hand side block
// carries y in its first column and seeded Gaussian probe columns
// beside it; when gradients are requested each hyperparameter
// contributes a further probe block (∂K/∂θᵢ)·probes, so the traces
// Hutchinson's estimator needs fall out of the same solve. The whole
// block is whitened by M^{-1/2} on the way in and out.
//
// The solution and y are retained on the session for Predict and
// Residual.
func (b *BBMM) Solve(y *mat.VecDense, opts ...SolveOption) (*Result, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	if b.pre == nil {
		return nil, ErrNoPreconditioner
	}
	if y == nil {
		return nil, errors.New("bbmm: nil targets")
	}
	if y.Len() != b.nOut {
		return nil, fmt.Errorf("bbmm: targets have dimension %d, system has %d", y.Len(), b.nOut)
	}

	o := solveOptions{
		blockSize:    50,
		thres:        1e-6,
		lanczosIters: 20,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.blockSize < 1 {
		return nil, fmt.Errorf("bbmm: block size must be positive, got %d", o.blockSize)
	}
	if o.x0 != nil && o.x0.Len() != b.nOut {
		return nil, fmt.Errorf("bbmm: initial guess has dimension %d, system has %d", o.x0.Len(), b.nOut)
	}

	// Warm start: solve the residual system and shift back afterwards.
	// Derived quantities below use the corrected solution, so they
	// always describe the full system.
	effY := y
	if o.x0 != nil {
		shift, err := b.matvecKnoise(denseFromVec(o.x0))
		if err != nil {
			return nil, err
		}
		effY = mat.NewVecDense(b.nOut, nil)
		effY.SubVec(y, shift.ColView(0))
	}

	nps := b.kernel.NumParams()
	cols := 1 + o.blockSize
	if o.gradients {
		cols += nps * o.blockSize
	}

	// Probe columns are drawn column by column so the block size of a
	// later solve extends, rather than reshuffles, an earlier draw.
	rng := rand.New(rand.NewSource(o.seed))
	probes := mat.NewDense(b.nOut, o.blockSize, nil)
	for j := 0; j < o.blockSize; j++ {
		for i := 0; i < b.nOut; i++ {
			probes.Set(i, j, rng.NormFloat64())
		}
	}

	rhs := mat.NewDense(b.nOut, cols, nil)
	for i := 0; i < b.nOut; i++ {
		rhs.Set(i, 0, effY.AtVec(i))
	}
	rhs.Slice(0, b.nOut, 1, 1+o.blockSize).(*mat.Dense).Copy(probes)
	if o.gradients {
		for p := 0; p < nps; p++ {
			dkp, err := b.matvecGrad(p, probes)
			if err != nil {
				return nil, err
			}
			lo := 1 + (1+p)*o.blockSize
			rhs.Slice(0, b.nOut, lo, lo+o.blockSize).(*mat.Dense).Copy(dkp)
		}
	}

	startPre := time.Now()
	rhsT := b.pre.ApplyInvSqrt(rhs)
	b.timePre += time.Since(startPre)

	var lanczosProbes *mat.Dense
	if o.loglik {
		lanczosProbes = mat.DenseCopyOf(probes)
	}

	b.log.Info("starting solve", "columns", cols, "block_size", o.blockSize, "threshold", o.thres)
	start := time.Now()

	solverOpts := []krylov.Option{
		krylov.WithThreshold(o.thres),
		krylov.WithMaxIterations(o.maxIter),
		krylov.WithCallback(func(iter int, residual float64, elapsed time.Duration) {
			b.timeCG += elapsed
			b.log.Debug("iteration", "iter", iter, "residual", residual)
			if o.cb != nil {
				o.cb(iter, residual, elapsed)
			}
		}),
	}
	if o.loglik {
		solverOpts = append(solverOpts, krylov.WithLanczos(lanczosProbes, o.lanczosIters))
	}
	solver, err := krylov.New(b.preconditionedApply, rhsT, solverOpts...)
	if err != nil {
		return nil, err
	}
	sol, err := solver.Run()
	if err != nil {
		return nil, err
	}
	b.cgIters += solver.Iterations()
	b.converged = solver.Converged()
	b.log.Info("solve done", "iterations", solver.Iterations(), "converged", solver.Converged(),
		"elapsed", time.Since(start), "time_kernel", b.timeKx, "time_preconditioner", b.timePre, "time_cg", b.timeCG)

	startPre = time.Now()
	realSol := b.pre.ApplyInvSqrt(sol)
	b.timePre += time.Since(startPre)

	w := mat.NewVecDense(b.nOut, nil)
	w.CopyVec(realSol.ColView(0))
	if o.x0 != nil {
		w.AddVec(w, o.x0)
	}

	res := &Result{
		W:             w,
		Converged:     solver.Converged(),
		Iterations:    solver.Iterations(),
		LogDet:        math.NaN(),
		LogLikelihood: math.NaN(),
	}

	if o.gradients {
		// Hutchinson traces: the probe solutions are A⁻¹v (and
		// A⁻¹(∂K/∂θᵢ)v), so mean(vᵀ·column) estimates tr(A⁻¹) and
		// tr(A⁻¹∂K/∂θᵢ).
		trI := blockTrace(realSol, probes, 1, o.blockSize)
		wd := denseFromVec(w)
		res.Gradients = make([]float64, nps+1)
		for p := 0; p < nps; p++ {
			lo := 1 + (1+p)*o.blockSize
			trP := blockTrace(realSol, probes, lo, o.blockSize)
			dkw, err := b.matvecGrad(p, wd)
			if err != nil {
				return nil, err
			}
			res.Gradients[p] = (mat.Dot(w, dkw.ColView(0)) - trP) / 2
		}
		res.Gradients[nps] = (mat.Dot(w, w) - trI) / 2
	}

	if o.loglik {
		d, e := solver.Lanczos()
		res.LogDet = krylov.LogDetFromLanczos(d, e, b.nOut)
		res.LogLikelihood = -res.LogDet/2 - mat.Dot(w, y)/2 - float64(b.nOut)*math.Log(2*math.Pi)/2
	}

	b.w = w
	b.y = mat.VecDenseCopyOf(y)
	return res, nil
}

// preconditionedApply is the fused operator handed to the block-CG
// solver: search directions ride the whitened system
// M^{-1/2}(K+σ²I)M^{-1/2} while Lanczos probes ride the raw K+σ²I,
// both through a single blocked kernel sweep.
func (b *BBMM) preconditionedApply(v, probes *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	var tv *mat.Dense
	width := 0
	if v != nil {
		startPre := time.Now()
		tv = b.pre.ApplyInvSqrt(v)
		b.timePre += time.Since(startPre)
		_, width = v.Dims()
	}

	var in *mat.Dense
	switch {
	case tv != nil && probes != nil:
		_, pw := probes.Dims()
		in = mat.NewDense(b.nOut, width+pw, nil)
		in.Slice(0, b.nOut, 0, width).(*mat.Dense).Copy(tv)
		in.Slice(0, b.nOut, width, width+pw).(*mat.Dense).Copy(probes)
	case tv != nil:
		in = tv
	case probes != nil:
		in = probes
	default:
		return nil, nil, errors.New("bbmm: fused apply called with nothing in flight")
	}

	out, err := b.matvecKnoise(in)
	if err != nil {
		return nil, nil, err
	}

	var av, aprobes *mat.Dense
	if v != nil {
		kv := out
		if probes != nil {
			kv = mat.DenseCopyOf(out.Slice(0, b.nOut, 0, width))
		}
		startPre := time.Now()
		av = b.pre.ApplyInvSqrt(kv)
		b.timePre += time.Since(startPre)
	}
	if probes != nil {
		if v != nil {
			_, tot := out.Dims()
			aprobes = mat.DenseCopyOf(out.Slice(0, b.nOut, width, tot))
		} else {
			aprobes = out
		}
	}
	return av, aprobes, nil
}

// Predict evaluates the posterior mean at new points: K(x2, X)·w.
// When predicting on the training points themselves, training undoes
// the implicit regularization by adding back σ²·w.
func (b *BBMM) Predict(x2 *mat.Dense, training bool) (*mat.VecDense, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	if b.w == nil {
		return nil, errors.New("bbmm: no solution, call Solve first")
	}
	if x2 == nil {
		return nil, errors.New("bbmm: nil prediction points")
	}
	n2, f2 := x2.Dims()
	_, f := b.x.Dims()
	if f2 != f {
		return nil, fmt.Errorf("bbmm: prediction points have %d features, training set has %d", f2, f)
	}

	start := time.Now()
	kb := b.kernel.K(x2, b.x)
	out := mat.NewVecDense(n2*b.nout, nil)
	out.MulVec(kb, b.w)
	if training {
		out.AddScaledVec(out, b.noise, b.w)
	}
	b.timeKx += time.Since(start)
	return out, nil
}

// Residual returns (K + σ²I)w − y for the stored solution, one blocked
// sweep.
func (b *BBMM) Residual() (*mat.VecDense, error) {
	if b.w == nil || b.y == nil {
		return nil, errors.New("bbmm: no solution, call Solve first")
	}
	aw, err := b.matvecKnoise(denseFromVec(b.w))
	if err != nil {
		return nil, err
	}
	r := mat.NewVecDense(b.nOut, nil)
	r.SubVec(aw.ColView(0), b.y)
	return r, nil
}

// blockTrace is Hutchinson's estimator over one probe block: the mean
// over columns of probeᵀ·solution.
func blockTrace(sol, probes *mat.Dense, lo, width int) float64 {
	total := 0.0
	for j := 0; j < width; j++ {
		total += mat.Dot(sol.ColView(lo+j), probes.ColView(j))
	}
	return total / float64(width)
}

func denseFromVec(v *mat.VecDense) *mat.Dense {
	n := v.Len()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, v.AtVec(i))
	}
	return out
}
