package kern

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// distJitter keeps the squared distance strictly positive so the
// radial derivative chain stays finite at coincident points.
const distJitter = 1e-12

const (
	sqrt3 = 1.7320508075688772
	sqrt5 = 2.23606797749979
)

// profile is the unit-variance radial shape of a stationary kernel:
// the covariance value and its first three derivatives in the scaled
// distance r. Every shape scales linearly in the variance, so the
// variance factor lives in Stationary, not here.
type profile interface {
	f(r float64) float64
	df(r float64) float64
	d2f(r float64) float64
	d3f(r float64) float64
}

// Stationary is a distance-based kernel k(x1, x2) = variance·f(r) with
// r = |x1 − x2|/lengthscale. The radial shape is fixed at construction
// and the hyperparameters are [variance, lengthscale].
type Stationary struct {
	name        string
	prof        profile
	variance    float64
	lengthscale float64
	memo        *memo
}

var _ Kernel = (*Stationary)(nil)

func newStationary(name string, prof profile, variance, lengthscale float64) (*Stationary, error) {
	if variance <= 0 {
		return nil, fmt.Errorf("kern: variance must be positive, got %g", variance)
	}
	if lengthscale <= 0 {
		return nil, fmt.Errorf("kern: lengthscale must be positive, got %g", lengthscale)
	}
	return &Stationary{
		name:        name,
		prof:        prof,
		variance:    variance,
		lengthscale: lengthscale,
		memo:        newMemo(),
	}, nil
}

// NewRBF creates a squared-exponential kernel.
func NewRBF(variance, lengthscale float64) (*Stationary, error) {
	return newStationary("rbf", rbf{}, variance, lengthscale)
}

// NewMatern32 creates a Matérn kernel with smoothness 3/2.
func NewMatern32(variance, lengthscale float64) (*Stationary, error) {
	return newStationary("matern32", matern32{}, variance, lengthscale)
}

// NewMatern52 creates a Matérn kernel with smoothness 5/2.
func NewMatern52(variance, lengthscale float64) (*Stationary, error) {
	return newStationary("matern52", matern52{}, variance, lengthscale)
}

// Name returns the kernel's registered name.
func (s *Stationary) Name() string {
	return s.name
}

// K evaluates the covariance block between x1 and x2; nil x2 means
// x2 == x1.
func (s *Stationary) K(x1, x2 *mat.Dense) *mat.Dense {
	if x2 == nil {
		x2 = x1
	}
	r := s.scaledDist(x1, x2)
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return s.variance * s.prof.f(v)
	}, r)
	return &out
}

// DKDp evaluates the elementwise derivative of K with respect to
// hyperparameter p: 0 is the variance, 1 the lengthscale.
func (s *Stationary) DKDp(p int, x1, x2 *mat.Dense) *mat.Dense {
	if x2 == nil {
		x2 = x1
	}
	r := s.scaledDist(x1, x2)
	var out mat.Dense
	switch p {
	case 0:
		out.Apply(func(_, _ int, v float64) float64 {
			return s.prof.f(v)
		}, r)
	case 1:
		// dK/dr · dr/dlengthscale with dr/dlengthscale = −r/lengthscale.
		out.Apply(func(_, _ int, v float64) float64 {
			return s.variance * s.prof.df(v) * (-v / s.lengthscale)
		}, r)
	default:
		panic("kern: hyperparameter index out of range")
	}
	return &out
}

// NumParams returns the number of trainable hyperparameters.
func (s *Stationary) NumParams() int {
	return 2
}

// Params returns [variance, lengthscale].
func (s *Stationary) Params() []float64 {
	return []float64{s.variance, s.lengthscale}
}

// SetParams replaces [variance, lengthscale] and clears the memo.
func (s *Stationary) SetParams(ps []float64) error {
	if len(ps) != 2 {
		return fmt.Errorf("kern: got %d parameters, want 2", len(ps))
	}
	if ps[0] <= 0 || ps[1] <= 0 {
		return fmt.Errorf("kern: parameters must be positive, got %v", ps)
	}
	s.variance = ps[0]
	s.lengthscale = ps[1]
	s.memo.clear()
	return nil
}

// NumOutputs returns 1: stationary kernels model plain observations.
func (s *Stationary) NumOutputs() int {
	return 1
}

// LikelihoodSplit returns a single contiguous output group.
func (s *Stationary) LikelihoodSplit(n int) []Range {
	return []Range{{Lo: 0, Hi: n}}
}

// SetCaching toggles memoization of the scaled-distance matrix.
func (s *Stationary) SetCaching(enabled bool) {
	s.memo.setEnabled(enabled)
}

// ClearCache drops memoized distance matrices.
func (s *Stationary) ClearCache() {
	s.memo.clear()
}

// CacheStats returns memo hit and miss counts since the last clear.
func (s *Stationary) CacheStats() (hits, misses uint64) {
	return s.memo.hits, s.memo.misses
}

// Descriptor returns the serializable kernel identity.
func (s *Stationary) Descriptor() Descriptor {
	return Descriptor{Name: s.name, Params: s.Params()}
}

// scaledDist returns r = sqrt(|x1 − x2|² + 1e-12)/lengthscale for
// every row pair, memoized per argument pair while caching is on.
func (s *Stationary) scaledDist(x1, x2 *mat.Dense) *mat.Dense {
	if r, ok := s.memo.lookup(opDist, x1, x2); ok {
		return r
	}
	n1, f1 := x1.Dims()
	n2, f2 := x2.Dims()
	if f1 != f2 {
		panic("kern: feature dimension mismatch")
	}

	sq1 := rowSquares(x1)
	sq2 := sq1
	if x1 != x2 {
		sq2 = rowSquares(x2)
	}
	var cross mat.Dense
	cross.Mul(x1, x2.T())
	crossRaw := cross.RawMatrix()

	r := mat.NewDense(n1, n2, nil)
	raw := r.RawMatrix()
	for i := 0; i < n1; i++ {
		for j := 0; j < n2; j++ {
			d2 := sq1[i] + sq2[j] - 2*crossRaw.Data[i*crossRaw.Stride+j]
			if d2 < 0 {
				d2 = 0
			}
			raw.Data[i*raw.Stride+j] = math.Sqrt(d2+distJitter) / s.lengthscale
		}
	}
	s.memo.store(opDist, x1, x2, r)
	return r
}

func rowSquares(x *mat.Dense) []float64 {
	n, f := x.Dims()
	raw := x.RawMatrix()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+f]
		sum := 0.0
		for _, v := range row {
			sum += v * v
		}
		out[i] = sum
	}
	return out
}

type rbf struct{}

func (rbf) f(r float64) float64   { return math.Exp(-r * r / 2) }
func (rbf) df(r float64) float64  { return -r * math.Exp(-r*r/2) }
func (rbf) d2f(r float64) float64 { return (r*r - 1) * math.Exp(-r*r/2) }
func (rbf) d3f(r float64) float64 { return (3 - r*r) * r * math.Exp(-r*r/2) }

type matern32 struct{}

func (matern32) f(r float64) float64   { return (1 + sqrt3*r) * math.Exp(-sqrt3*r) }
func (matern32) df(r float64) float64  { return -3 * r * math.Exp(-sqrt3*r) }
func (matern32) d2f(r float64) float64 { return 3 * (sqrt3*r - 1) * math.Exp(-sqrt3*r) }
func (matern32) d3f(r float64) float64 { return 3 * (2*sqrt3 - 3*r) * math.Exp(-sqrt3*r) }

type matern52 struct{}

func (matern52) f(r float64) float64 {
	return (1 + sqrt5*r + 5*r*r/3) * math.Exp(-sqrt5*r)
}

func (matern52) df(r float64) float64 {
	return -5.0 / 3 * r * (1 + sqrt5*r) * math.Exp(-sqrt5*r)
}

func (matern52) d2f(r float64) float64 {
	return 5.0 / 3 * (5*r*r - sqrt5*r - 1) * math.Exp(-sqrt5*r)
}

func (matern52) d3f(r float64) float64 {
	return 25.0 / 3 * (3*r - sqrt5*r*r) * math.Exp(-sqrt5*r)
}
