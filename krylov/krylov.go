package krylov

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Status describes where a Solver is in its lifecycle.
type Status int

const (
	StatusInitialized Status = iota
	StatusIterating
	StatusConverged
	StatusMaxIter
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusIterating:
		return "iterating"
	case StatusConverged:
		return "converged"
	case StatusMaxIter:
		return "max iterations reached"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Apply is the fused operator the solver iterates with. The first
// block rides the (preconditioned) system, the second rides the raw
// system for the Lanczos recurrence; either may be nil when that side
// has nothing in flight. Implementations are expected to evaluate both
// blocks in a single pass, which is what makes probe columns nearly
// free, and must return matrices the solver may modify.
type Apply func(v, probes *mat.Dense) (av, aprobes *mat.Dense, err error)

// Callback receives per-iteration progress: the iteration index, the
// largest relative residual across columns and the time spent on the
// update step, operator time excluded.
type Callback func(iter int, residual float64, elapsed time.Duration)

// Option configures a Solver.
type Option func(*Solver)

// WithThreshold sets the per-column relative residual target.
func WithThreshold(thres float64) Option {
	return func(s *Solver) {
		s.thres = thres
	}
}

// WithMaxIterations bounds the number of operator sweeps. Zero or
// negative falls back to the system dimension.
func WithMaxIterations(n int) Option {
	return func(s *Solver) {
		s.maxIter = n
	}
}

// WithCallback registers a per-iteration progress callback.
func WithCallback(cb Callback) Option {
	return func(s *Solver) {
		s.cb = cb
	}
}

// WithLanczos attaches probe vectors for stochastic Lanczos
// quadrature. The recurrence runs against the raw operator side of
// Apply for iters steps, sharing the solver's sweeps; probes are
// normalized internally and not modified.
func WithLanczos(probes *mat.Dense, iters int) Option {
	return func(s *Solver) {
		s.lanczos = probes
		s.lanczosIters = iters
	}
}

// Solver runs block conjugate gradients on A·X = B for a block of
// right-hand sides at once, with per-column convergence masking: a
// column that reaches the threshold is frozen where it stands and
// drops out of the search-direction Gram systems while the others
// keep iterating.
type Solver struct {
	apply   Apply
	b       *mat.Dense
	thres   float64
	maxIter int
	cb      Callback

	lanczos      *mat.Dense
	lanczosIters int

	status     Status
	iterations int
	resid      []float64

	alphas [][]float64 // tridiagonal diagonal, one row per step
	betas  [][]float64 // tridiagonal off-diagonal, one row per step
}

// New validates the system and prepares a solver. B is not modified.
func New(apply Apply, b *mat.Dense, opts ...Option) (*Solver, error) {
	if apply == nil {
		return nil, errors.New("krylov: nil operator")
	}
	if b == nil {
		return nil, errors.New("krylov: nil right-hand side")
	}
	n, m := b.Dims()
	if n == 0 || m == 0 {
		return nil, fmt.Errorf("krylov: empty right-hand side %dx%d", n, m)
	}
	s := &Solver{
		apply:  apply,
		b:      b,
		thres:  1e-6,
		status: StatusInitialized,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.thres <= 0 {
		return nil, fmt.Errorf("krylov: threshold must be positive, got %g", s.thres)
	}
	if s.maxIter <= 0 {
		s.maxIter = n
	}
	if s.lanczos != nil {
		ln, lm := s.lanczos.Dims()
		if ln != n {
			return nil, fmt.Errorf("krylov: probes have dimension %d, system has %d", ln, n)
		}
		if lm == 0 {
			return nil, errors.New("krylov: empty probe block")
		}
		if s.lanczosIters <= 0 {
			s.lanczosIters = 20
		}
	}
	return s, nil
}

// Run iterates until every column converges or the sweep budget is
// spent. Exhausting the budget is a reported state, not an error;
// errors are reserved for operator failures and irrecoverably broken
// Gram systems.
func (s *Solver) Run() (*mat.Dense, error) {
	n, m := s.b.Dims()
	s.status = StatusIterating
	s.iterations = 0
	s.alphas, s.betas = nil, nil

	x := mat.NewDense(n, m, nil)
	r := mat.DenseCopyOf(s.b)
	p := mat.DenseCopyOf(r)

	// Zero right-hand sides are converged at X = 0; their norms are
	// forced to one so relative residuals stay defined.
	bnorm := make([]float64, m)
	s.resid = make([]float64, m)
	active := make([]int, 0, m)
	for j := 0; j < m; j++ {
		bnorm[j] = mat.Norm(s.b.ColView(j), 2)
		if bnorm[j] == 0 {
			bnorm[j] = 1
		}
		s.resid[j] = mat.Norm(r.ColView(j), 2) / bnorm[j]
		if s.resid[j] >= s.thres {
			active = append(active, j)
		}
	}

	// Lanczos side channel against the raw operator.
	var vcur, vprev *mat.Dense
	var betaPrev []float64
	lanczosLeft := 0
	if s.lanczos != nil {
		vcur = mat.DenseCopyOf(s.lanczos)
		normalizeColumns(vcur)
		_, lm := vcur.Dims()
		vprev = mat.NewDense(n, lm, nil)
		betaPrev = make([]float64, lm)
		lanczosLeft = s.lanczosIters
	}

	for s.iterations < s.maxIter && (len(active) > 0 || lanczosLeft > 0) {
		var pin, vin *mat.Dense
		if len(active) > 0 {
			pin = p
		}
		if lanczosLeft > 0 {
			vin = vcur
		}
		q, w, err := s.apply(pin, vin)
		if err != nil {
			return nil, fmt.Errorf("krylov: operator: %w", err)
		}

		start := time.Now()
		if len(active) > 0 {
			active, err = s.cgStep(x, r, p, q, bnorm, active)
			if err != nil {
				return nil, err
			}
		}
		if lanczosLeft > 0 {
			betaPrev = s.lanczosStep(vcur, vprev, w, betaPrev)
			lanczosLeft--
		}
		s.iterations++
		if s.cb != nil {
			s.cb(s.iterations, maxFloat(s.resid), time.Since(start))
		}
	}

	if len(active) > 0 {
		s.status = StatusMaxIter
	} else {
		s.status = StatusConverged
	}
	return x, nil
}

// cgStep advances the active columns by one block update and returns
// the still-unconverged subset.
func (s *Solver) cgStep(x, r, p, q *mat.Dense, bnorm []float64, active []int) ([]int, error) {
	pa := takeCols(p, active)
	qa := takeCols(q, active)
	ra := takeCols(r, active)

	// Gram system PᵀAP, factorized with a jitter retry.
	var gram mat.Dense
	gram.Mul(pa.T(), qa)
	chol, err := factorGram(&gram)
	if err != nil {
		return nil, err
	}

	var proj mat.Dense
	proj.Mul(pa.T(), ra)
	var alpha mat.Dense
	if err := solveGram(chol, &alpha, &proj); err != nil {
		return nil, fmt.Errorf("krylov: step solve: %w", err)
	}

	var xupd mat.Dense
	xupd.Mul(pa, &alpha)
	addCols(x, active, &xupd)

	var rupd mat.Dense
	rupd.Mul(qa, &alpha)
	subCols(r, active, &rupd)

	next := make([]int, 0, len(active))
	for _, j := range active {
		s.resid[j] = mat.Norm(r.ColView(j), 2) / bnorm[j]
		if s.resid[j] >= s.thres {
			next = append(next, j)
		}
	}
	if len(next) == 0 {
		return next, nil
	}

	// New directions for the surviving columns, kept A-orthogonal to
	// the whole current block including columns that just converged.
	rn := takeCols(r, next)
	var qtr mat.Dense
	qtr.Mul(qa.T(), rn)
	var beta mat.Dense
	if err := solveGram(chol, &beta, &qtr); err != nil {
		return nil, fmt.Errorf("krylov: direction solve: %w", err)
	}
	beta.Scale(-1, &beta)
	var pn mat.Dense
	pn.Mul(pa, &beta)
	pn.Add(&pn, rn)
	setCols(p, next, &pn)

	return next, nil
}

// lanczosStep advances the three-term recurrence one step for every
// probe column and records the tridiagonal coefficients. w arrives as
// A·v and leaves as the unnormalized next basis vector.
func (s *Solver) lanczosStep(vcur, vprev, w *mat.Dense, betaPrev []float64) []float64 {
	n, m := vcur.Dims()
	alpha := make([]float64, m)
	beta := make([]float64, m)
	for j := 0; j < m; j++ {
		alpha[j] = mat.Dot(w.ColView(j), vcur.ColView(j))
		for i := 0; i < n; i++ {
			w.Set(i, j, w.At(i, j)-alpha[j]*vcur.At(i, j)-betaPrev[j]*vprev.At(i, j))
		}
		beta[j] = mat.Norm(w.ColView(j), 2)
	}
	s.alphas = append(s.alphas, alpha)
	s.betas = append(s.betas, beta)

	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			vprev.Set(i, j, vcur.At(i, j))
			if beta[j] > 0 {
				vcur.Set(i, j, w.At(i, j)/beta[j])
			} else {
				vcur.Set(i, j, 0)
			}
		}
	}
	return beta
}

// Status returns the lifecycle state.
func (s *Solver) Status() Status {
	return s.status
}

// Converged reports whether every column met the threshold.
func (s *Solver) Converged() bool {
	return s.status == StatusConverged
}

// Iterations returns the number of operator sweeps performed.
func (s *Solver) Iterations() int {
	return s.iterations
}

// Residuals returns the final relative residual per column.
func (s *Solver) Residuals() []float64 {
	return append([]float64(nil), s.resid...)
}

// Lanczos returns the collected tridiagonal coefficients: d holds one
// diagonal row per step, e the off-diagonals between consecutive
// steps. e is nil until two steps exist.
func (s *Solver) Lanczos() (d, e *mat.Dense) {
	steps := len(s.alphas)
	if steps == 0 {
		return nil, nil
	}
	m := len(s.alphas[0])
	d = mat.NewDense(steps, m, nil)
	for i, row := range s.alphas {
		d.SetRow(i, row)
	}
	if steps < 2 {
		return d, nil
	}
	e = mat.NewDense(steps-1, m, nil)
	for i := 0; i < steps-1; i++ {
		e.SetRow(i, s.betas[i])
	}
	return d, e
}

// LogDetFromLanczos turns tridiagonal Lanczos coefficients into a
// stochastic estimate of log det A for an n-dimensional system. Each
// probe's tridiagonal T contributes the Gauss-quadrature value
// e₀ᵀ·log(T)·e₀ through its eigendecomposition; the estimate is n
// times the probe average. Ritz values are floored at a relative
// epsilon before the logarithm.
func LogDetFromLanczos(d, e *mat.Dense, n int) float64 {
	if d == nil {
		return math.NaN()
	}
	steps, m := d.Dims()
	total := 0.0
	for j := 0; j < m; j++ {
		t := mat.NewSymDense(steps, nil)
		for i := 0; i < steps; i++ {
			t.SetSym(i, i, d.At(i, j))
			if i+1 < steps && e != nil {
				t.SetSym(i, i+1, e.At(i, j))
			}
		}
		var eig mat.EigenSym
		if ok := eig.Factorize(t, true); !ok {
			return math.NaN()
		}
		vals := eig.Values(nil)
		vmax := vals[len(vals)-1]
		if vmax <= 0 {
			return math.NaN()
		}
		floor := vmax * 1e-15
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		for i, v := range vals {
			if v < floor {
				v = floor
			}
			w0 := vecs.At(0, i)
			total += math.Log(v) * w0 * w0
		}
	}
	return float64(n) * total / float64(m)
}

// solveGram solves a factorized Gram system. An ill-conditioned Gram
// matrix is reported by gonum as a mat.Condition error alongside a
// usable solution; the iteration self-corrects from the inexact step,
// so conditioning warnings are swallowed and only genuine solve
// failures propagate.
func solveGram(chol *mat.Cholesky, dst, rhs *mat.Dense) error {
	err := chol.SolveTo(dst, rhs)
	var cond mat.Condition
	if err != nil && errors.As(err, &cond) {
		return nil
	}
	return err
}

// factorGram factorizes a symmetrized Gram matrix, retrying once with
// trace-scaled diagonal jitter.
func factorGram(g *mat.Dense) (*mat.Cholesky, error) {
	n, _ := g.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, (g.At(i, j)+g.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); ok {
		return &chol, nil
	}

	trace := 0.0
	for i := 0; i < n; i++ {
		trace += sym.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	if eps <= 0 {
		eps = 1e-12
	}
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, sym.At(i, i)+eps)
	}
	if ok := chol.Factorize(sym); ok {
		return &chol, nil
	}
	return nil, errors.New("krylov: gram factorization failed even with jitter")
}

func normalizeColumns(m *mat.Dense) {
	r, c := m.Dims()
	for j := 0; j < c; j++ {
		norm := mat.Norm(m.ColView(j), 2)
		if norm == 0 {
			continue
		}
		for i := 0; i < r; i++ {
			m.Set(i, j, m.At(i, j)/norm)
		}
	}
}

func takeCols(m *mat.Dense, cols []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(cols), nil)
	for k, j := range cols {
		for i := 0; i < r; i++ {
			out.Set(i, k, m.At(i, j))
		}
	}
	return out
}

func addCols(dst *mat.Dense, cols []int, src *mat.Dense) {
	r, _ := dst.Dims()
	for k, j := range cols {
		for i := 0; i < r; i++ {
			dst.Set(i, j, dst.At(i, j)+src.At(i, k))
		}
	}
}

func subCols(dst *mat.Dense, cols []int, src *mat.Dense) {
	r, _ := dst.Dims()
	for k, j := range cols {
		for i := 0; i < r; i++ {
			dst.Set(i, j, dst.At(i, j)-src.At(i, k))
		}
	}
}

func setCols(dst *mat.Dense, cols []int, src *mat.Dense) {
	r, _ := dst.Dims()
	for k, j := range cols {
		for i := 0; i < r; i++ {
			dst.Set(i, j, src.At(i, k))
		}
	}
}

func maxFloat(vals []float64) float64 {
	out := 0.0
	for _, v := range vals {
		if v > out {
			out = v
		}
	}
	return out
}
