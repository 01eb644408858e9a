package bbmm

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/gpiter/bbmm/kern"
)

const (
	snapshotVersion = 1

	// loadBatch is the block edge a loaded session is re-initialized
	// with; the partition is derived state and not serialized.
	loadBatch = 4096
)

// snapshot is the serialized model state. Only what prediction needs
// survives: the kernel identity, the training data and the solved
// weight vector. The preconditioner and solver state are derived and
// rebuilt on demand after loading.
type snapshot struct {
	Version int
	Kernel  kern.Descriptor
	Rows    int
	Cols    int
	X       []float64
	Y       []float64
	W       []float64
	Noise   float64
}

// Save writes a zstd-compressed gob snapshot of the fitted model. It
// requires a completed solve.
func (b *BBMM) Save(w io.Writer) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	if b.w == nil || b.y == nil {
		return errors.New("bbmm: no solution to save, call Solve first")
	}

	n, f := b.x.Dims()
	state := snapshot{
		Version: snapshotVersion,
		Kernel:  b.kernel.Descriptor(),
		Rows:    n,
		Cols:    f,
		X:       make([]float64, n*f),
		Y:       make([]float64, b.nOut),
		W:       make([]float64, b.nOut),
		Noise:   b.noise,
	}
	xraw := b.x.RawMatrix()
	for i := 0; i < n; i++ {
		copy(state.X[i*f:(i+1)*f], xraw.Data[i*xraw.Stride:i*xraw.Stride+f])
	}
	copy(state.Y, b.y.RawVector().Data)
	copy(state.W, b.w.RawVector().Data)

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("bbmm: snapshot compressor: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(state); err != nil {
		zw.Close()
		return fmt.Errorf("bbmm: snapshot encode: %w", err)
	}
	return zw.Close()
}

// Load reconstructs a fitted session from a snapshot written by Save.
// The kernel is rebuilt from its descriptor and the session is
// re-initialized with the stored data; Predict works immediately. The
// preconditioner is derived state and must be set again before
// further solves.
func Load(r io.Reader, opts ...Option) (*BBMM, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("bbmm: snapshot decompressor: %w", err)
	}
	defer zr.Close()

	var state snapshot
	if err := gob.NewDecoder(zr).Decode(&state); err != nil {
		return nil, fmt.Errorf("bbmm: snapshot decode: %w", err)
	}
	if state.Version != snapshotVersion {
		return nil, fmt.Errorf("bbmm: unsupported snapshot version %d", state.Version)
	}
	if len(state.X) != state.Rows*state.Cols {
		return nil, fmt.Errorf("bbmm: snapshot carries %d point values, want %d", len(state.X), state.Rows*state.Cols)
	}

	kernel, err := kern.FromDescriptor(state.Kernel)
	if err != nil {
		return nil, err
	}
	b := New(kernel, opts...)
	x := mat.NewDense(state.Rows, state.Cols, state.X)
	if err := b.Initialize(x, state.Noise, loadBatch); err != nil {
		return nil, err
	}
	if len(state.W) != b.nOut || len(state.Y) != b.nOut {
		return nil, fmt.Errorf("bbmm: snapshot solution has dimension %d, system has %d", len(state.W), b.nOut)
	}
	b.w = mat.NewVecDense(b.nOut, state.W)
	b.y = mat.NewVecDense(b.nOut, state.Y)
	return b, nil
}
