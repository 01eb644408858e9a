package kern

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Range is a half-open index interval [Lo, Hi).
type Range struct {
	Lo, Hi int
}

// Len returns the number of indices in the interval.
func (r Range) Len() int {
	return r.Hi - r.Lo
}

// Kernel is the covariance operator contract the solver engine works
// against. Implementations evaluate dense cross-covariance blocks and
// their hyperparameter derivatives; the engine never asks for more than
// one block at a time, so an n×n matrix is materialized only when the
// caller passes the full input set.
//
// A kernel with m output channels produces blocks of shape
// (n1·m)×(n2·m) for n1 and n2 input points, rows ordered channel-major:
// row i + o·n1 is channel o of point i. Blocks must satisfy
// K(x1, x2) = K(x2, x1)ᵀ.
type Kernel interface {
	// K evaluates the covariance block between x1 and x2.
	// A nil x2 means x2 == x1.
	K(x1, x2 *mat.Dense) *mat.Dense

	// DKDp evaluates the elementwise derivative of K with respect to
	// hyperparameter i, indexed in Params order.
	DKDp(i int, x1, x2 *mat.Dense) *mat.Dense

	// NumParams returns the number of trainable hyperparameters.
	NumParams() int

	// Params returns the current hyperparameter values.
	Params() []float64

	// SetParams replaces all hyperparameter values and invalidates any
	// memoized intermediates.
	SetParams(ps []float64) error

	// NumOutputs returns the output-channel multiplicity per point.
	NumOutputs() int

	// LikelihoodSplit partitions n output rows into likelihood groups.
	LikelihoodSplit(n int) []Range

	// SetCaching toggles the evaluation memo table. The memo is not
	// safe for concurrent evaluation; callers enable it only on
	// single-goroutine paths.
	SetCaching(enabled bool)

	// ClearCache drops all memoized intermediates.
	ClearCache()

	// Descriptor returns a serializable identity for snapshots.
	Descriptor() Descriptor
}

// Descriptor identifies a kernel and its hyperparameters in a
// serialized model snapshot.
type Descriptor struct {
	Name   string
	Params []float64
}

// FromDescriptor reconstructs a kernel from its serialized identity.
func FromDescriptor(d Descriptor) (Kernel, error) {
	if len(d.Params) != 2 {
		return nil, fmt.Errorf("kern: descriptor %q carries %d parameters, want 2", d.Name, len(d.Params))
	}
	variance, lengthscale := d.Params[0], d.Params[1]
	switch d.Name {
	case "rbf":
		return NewRBF(variance, lengthscale)
	case "matern32":
		return NewMatern32(variance, lengthscale)
	case "matern52":
		return NewMatern52(variance, lengthscale)
	}
	return nil, fmt.Errorf("kern: unknown kernel %q", d.Name)
}
