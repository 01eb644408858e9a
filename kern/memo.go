package kern

import "gonum.org/v1/gonum/mat"

type memoOp int

const (
	opDist memoOp = iota
)

type memoKey struct {
	op     memoOp
	x1, x2 *mat.Dense
}

// memo caches expensive per-argument intermediates, currently the
// scaled-distance matrix shared by a kernel and its derivatives. Keys
// are argument identities, so entries stay valid only while the caller
// reuses the same backing matrices; any hyperparameter change must go
// through clear. Not safe for concurrent use.
type memo struct {
	enabled bool
	entries map[memoKey]*mat.Dense
	hits    uint64
	misses  uint64
}

func newMemo() *memo {
	return &memo{entries: make(map[memoKey]*mat.Dense)}
}

func (m *memo) lookup(op memoOp, x1, x2 *mat.Dense) (*mat.Dense, bool) {
	if !m.enabled {
		return nil, false
	}
	if e, ok := m.entries[memoKey{op, x1, x2}]; ok {
		m.hits++
		return e, true
	}
	m.misses++
	return nil, false
}

func (m *memo) store(op memoOp, x1, x2 *mat.Dense, v *mat.Dense) {
	if !m.enabled {
		return
	}
	m.entries[memoKey{op, x1, x2}] = v
}

func (m *memo) setEnabled(on bool) {
	m.enabled = on
	if !on {
		m.clear()
	}
}

func (m *memo) clear() {
	m.entries = make(map[memoKey]*mat.Dense)
	m.hits, m.misses = 0, 0
}
