package bbmm

import (
	"bytes"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(testSeed + 40))
	kernel := mustRBF(t, 1.3, 0.6)
	b, _, y := fitSession(t, kernel, rng, 90, 2, 16, 0.1)
	if err := b.SetPreconditioner(40, nil, 0); err != nil {
		t.Fatalf("SetPreconditioner failed: %v", err)
	}
	if _, err := b.Solve(y, WithBlockSize(8), WithThreshold(1e-9)); err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	var buf bytes.Buffer
	if err := b.Save(&buf); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Noise() != b.Noise() {
		t.Errorf("noise %v after load, want %v", loaded.Noise(), b.Noise())
	}
	gotPs := loaded.Kernel().Params()
	wantPs := kernel.Params()
	for i := range wantPs {
		if gotPs[i] != wantPs[i] {
			t.Errorf("kernel parameter %d is %v after load, want %v", i, gotPs[i], wantPs[i])
		}
	}
	if !mat.Equal(loaded.Weights(), b.Weights()) {
		t.Error("weight vector changed through the round trip")
	}

	// Prediction works immediately on the loaded session.
	x2 := randPoints(rng, 7, 2)
	want, err := b.Predict(x2, false)
	if err != nil {
		t.Fatalf("predict on original failed: %v", err)
	}
	got, err := loaded.Predict(x2, false)
	if err != nil {
		t.Fatalf("predict on loaded session failed: %v", err)
	}
	if !mat.EqualApprox(got, want, 1e-12) {
		t.Error("loaded session predicts differently")
	}

	// The preconditioner is derived state: solving again requires a
	// fresh one.
	if _, err := loaded.Solve(y); err != ErrNoPreconditioner {
		t.Errorf("Solve on loaded session returned %v, want %v", err, ErrNoPreconditioner)
	}
	if err := loaded.SetPreconditioner(40, nil, 0); err != nil {
		t.Fatalf("SetPreconditioner on loaded session failed: %v", err)
	}
	if _, err := loaded.Solve(y, WithBlockSize(8)); err != nil {
		t.Errorf("solve on loaded session failed: %v", err)
	}
}

func TestSaveRequiresSolution(t *testing.T) {
	rng := rand.New(rand.NewSource(testSeed + 41))
	b, _, _ := fitSession(t, mustRBF(t, 1, 1), rng, 30, 2, 10, 0.1)
	var buf bytes.Buffer
	if err := b.Save(&buf); err == nil {
		t.Error("saved a session without a solution")
	}

	unused := New(mustRBF(t, 1, 1))
	if err := unused.Save(&buf); err != ErrNotInitialized {
		t.Errorf("Save before Initialize returned %v, want %v", err, ErrNotInitialized)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("not a snapshot"))); err == nil {
		t.Error("garbage input accepted")
	}
}
