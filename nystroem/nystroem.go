package nystroem

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Preconditioner is a partial-rank approximation M of a shifted
// covariance matrix K + σ²I, built from k landmark columns:
//
//	M = U·diag(λ+σ²)·Uᵀ + σ²·(I − U·Uᵀ)
//
// where U is the n×k orthonormal eigenbasis of the landmark core and λ
// its nonnegative eigenvalues. Off the landmark subspace the spectrum
// of M is exactly σ², so every spectral function of M, including the
// inverse square root the solver whitens with, has a closed form whose
// application costs O(n·k) per column and never materializes an n×n
// matrix.
type Preconditioner struct {
	u     *mat.Dense // n×k eigenbasis
	lam   []float64  // core eigenvalues, ascending, clipped at zero
	noise float64    // σ²
}

// New builds the preconditioner from the landmark self-covariance k11
// (k×k), the cross covariance k21 between all points and the landmarks
// (n×k) and the noise variance. The inputs are not retained.
func New(k11, k21 *mat.Dense, noise float64) (*Preconditioner, error) {
	kr, kc := k11.Dims()
	n, k := k21.Dims()
	if kr != kc {
		return nil, fmt.Errorf("nystroem: landmark block is %dx%d, want square", kr, kc)
	}
	if k != kr {
		return nil, fmt.Errorf("nystroem: cross block has %d columns, landmark block is %dx%d", k, kr, kc)
	}
	if k > n {
		return nil, fmt.Errorf("nystroem: rank %d exceeds dimension %d", k, n)
	}
	if noise <= 0 {
		return nil, fmt.Errorf("nystroem: noise must be positive, got %g", noise)
	}

	// Thin orthonormal factor of the cross block, k21 = Q·S·Vᵀ. The
	// k×k factor R = S·Vᵀ stands in for the triangular factor of a QR
	// so that M = Q·R·(K11+σ²I)⁻¹·Rᵀ·Qᵀ + σ²·(I−QQᵀ) is assembled from
	// n×k pieces only.
	var svd mat.SVD
	if ok := svd.Factorize(k21, mat.SVDThin); !ok {
		return nil, errors.New("nystroem: svd of cross block failed")
	}
	var q, v mat.Dense
	svd.UTo(&q)
	svd.VTo(&v)
	vals := svd.Values(nil)

	r := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			r.Set(i, j, vals[i]*v.At(j, i))
		}
	}

	// Core R·(K11+σ²I)⁻¹·Rᵀ through a Cholesky solve of the shifted
	// landmark system, with an adaptive jitter retry.
	shifted := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			val := (k11.At(i, j) + k11.At(j, i)) / 2
			if i == j {
				val += noise
			}
			shifted.SetSym(i, j, val)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(shifted); !ok {
		trace := 0.0
		for i := 0; i < k; i++ {
			trace += shifted.At(i, i)
		}
		eps := 1e-8 * trace / float64(k)
		for i := 0; i < k; i++ {
			shifted.SetSym(i, i, shifted.At(i, i)+eps)
		}
		if ok := chol.Factorize(shifted); !ok {
			return nil, errors.New("nystroem: landmark system not positive definite even with jitter")
		}
	}
	var t mat.Dense
	if err := chol.SolveTo(&t, r.T()); err != nil {
		return nil, fmt.Errorf("nystroem: core solve: %w", err)
	}
	var core mat.Dense
	core.Mul(r, &t)

	// Symmetrize and eigendecompose the core. Negative roundoff
	// eigenvalues are clipped so fractional powers stay real.
	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, (core.At(i, j)+core.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, errors.New("nystroem: core eigendecomposition failed")
	}
	lam := eig.Values(nil)
	for i, l := range lam {
		if l < 0 {
			lam[i] = 0
		}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	u := mat.NewDense(n, k, nil)
	u.Mul(&q, &vecs)

	return &Preconditioner{u: u, lam: lam, noise: noise}, nil
}

// Dim returns the output dimension n.
func (p *Preconditioner) Dim() int {
	n, _ := p.u.Dims()
	return n
}

// Rank returns the landmark rank k.
func (p *Preconditioner) Rank() int {
	return len(p.lam)
}

// Noise returns the σ² shift baked into the approximation.
func (p *Preconditioner) Noise() float64 {
	return p.noise
}

// Eigenvalues returns a copy of the core eigenvalues, ascending.
func (p *Preconditioner) Eigenvalues() []float64 {
	return append([]float64(nil), p.lam...)
}

// Apply returns M·v.
func (p *Preconditioner) Apply(v *mat.Dense) *mat.Dense {
	return p.applySpectral(v, func(l float64) float64 { return l + p.noise }, p.noise)
}

// ApplyInv returns M⁻¹·v.
func (p *Preconditioner) ApplyInv(v *mat.Dense) *mat.Dense {
	return p.applySpectral(v, func(l float64) float64 { return 1 / (l + p.noise) }, 1/p.noise)
}

// ApplySqrt returns M^{1/2}·v.
func (p *Preconditioner) ApplySqrt(v *mat.Dense) *mat.Dense {
	return p.applySpectral(v, func(l float64) float64 { return math.Sqrt(l + p.noise) }, math.Sqrt(p.noise))
}

// ApplyInvSqrt returns M^{-1/2}·v, the whitening transform wrapped
// around the blocked operator during solves.
func (p *Preconditioner) ApplyInvSqrt(v *mat.Dense) *mat.Dense {
	return p.applySpectral(v, func(l float64) float64 { return 1 / math.Sqrt(l+p.noise) }, 1/math.Sqrt(p.noise))
}

// applySpectral maps v through U·diag(g(λ)−base)·Uᵀ·v + base·v, the
// closed form of g(M)·v for a spectral function g with value base on
// the complement of the landmark subspace.
func (p *Preconditioner) applySpectral(v *mat.Dense, g func(lam float64) float64, base float64) *mat.Dense {
	n, s := v.Dims()
	if n != p.Dim() {
		panic("nystroem: dimension mismatch")
	}

	var c mat.Dense
	c.Mul(p.u.T(), v)
	craw := c.RawMatrix()
	for i := range p.lam {
		scale := g(p.lam[i]) - base
		row := craw.Data[i*craw.Stride : i*craw.Stride+s]
		for j := range row {
			row[j] *= scale
		}
	}

	out := mat.NewDense(n, s, nil)
	out.Mul(p.u, &c)
	oraw := out.RawMatrix()
	vraw := v.RawMatrix()
	for i := 0; i < n; i++ {
		orow := oraw.Data[i*oraw.Stride : i*oraw.Stride+s]
		vrow := vraw.Data[i*vraw.Stride : i*vraw.Stride+s]
		for j := range orow {
			orow[j] += base * vrow[j]
		}
	}
	return out
}
