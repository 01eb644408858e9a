package kern

import (
	"math"
	"testing"
)

func TestDescriptorRoundTrip(t *testing.T) {
	for _, name := range []string{"rbf", "matern32", "matern52"} {
		orig, err := FromDescriptor(Descriptor{Name: name, Params: []float64{3.25, 0.41}})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		rebuilt, err := FromDescriptor(orig.Descriptor())
		if err != nil {
			t.Fatalf("%s: round trip: %v", name, err)
		}
		if rebuilt.Descriptor().Name != name {
			t.Errorf("%s: name became %q", name, rebuilt.Descriptor().Name)
		}
		op, rp := orig.Params(), rebuilt.Params()
		for i := range op {
			if math.Abs(op[i]-rp[i]) > 0 {
				t.Errorf("%s: parameter %d changed from %v to %v", name, i, op[i], rp[i])
			}
		}
	}
}

func TestFromDescriptorRejectsBadInput(t *testing.T) {
	if _, err := FromDescriptor(Descriptor{Name: "periodic", Params: []float64{1, 1}}); err == nil {
		t.Error("unknown kernel name accepted")
	}
	if _, err := FromDescriptor(Descriptor{Name: "rbf", Params: []float64{1}}); err == nil {
		t.Error("short parameter list accepted")
	}
	if _, err := NewRBF(-1, 1); err == nil {
		t.Error("negative variance accepted")
	}
	if _, err := NewMatern32(1, 0); err == nil {
		t.Error("zero lengthscale accepted")
	}
}

func TestLikelihoodSplit(t *testing.T) {
	k, err := NewRBF(1, 1)
	if err != nil {
		t.Fatalf("failed to create kernel: %v", err)
	}
	split := k.LikelihoodSplit(128)
	if len(split) != 1 {
		t.Fatalf("got %d groups, want 1", len(split))
	}
	if split[0].Lo != 0 || split[0].Hi != 128 || split[0].Len() != 128 {
		t.Errorf("group covers [%d,%d)", split[0].Lo, split[0].Hi)
	}
	if k.NumOutputs() != 1 {
		t.Errorf("stationary kernel reports %d outputs", k.NumOutputs())
	}
}

func TestSetParamsValidation(t *testing.T) {
	k, err := NewMatern52(2, 2)
	if err != nil {
		t.Fatalf("failed to create kernel: %v", err)
	}
	if err := k.SetParams([]float64{1, 2, 3}); err == nil {
		t.Error("wrong arity accepted")
	}
	if err := k.SetParams([]float64{0, 1}); err == nil {
		t.Error("zero variance accepted")
	}
	if err := k.SetParams([]float64{1, -2}); err == nil {
		t.Error("negative lengthscale accepted")
	}
	if got := k.Params(); got[0] != 2 || got[1] != 2 {
		t.Errorf("failed SetParams mutated state: %v", got)
	}
}
