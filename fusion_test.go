package lattice

import "testing"

// TestFusionEquivalence checks the fusion-equivalence property directly:
// running the same expression through a Context that compiles (so
// elementwise chains fuse into one kernel) must produce the same values
// as running it unfused.
func TestFusionEquivalence(t *testing.T) {
	build := func(arena *Arena) *Tensor {
		x, err := arena.Arange(F32, []int{8}, 0, 1)
		if err != nil {
			t.Fatalf("arange: %v", err)
		}
		y, err := x.Exp()
		if err != nil {
			t.Fatalf("exp: %v", err)
		}
		z, err := y.Neg()
		if err != nil {
			t.Fatalf("neg: %v", err)
		}
		w, err := z.Sq()
		if err != nil {
			t.Fatalf("sq: %v", err)
		}
		return w
	}

	fusedArena := NewArena()
	fusedRoot := build(fusedArena)
	fusedCtx := NewContext(WithBackend(newCPUBackend()))
	fusedGraph := NewGraph(fusedCtx, fusedRoot)
	if err := fusedGraph.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	key := FusedKernelKey(fusedRoot.ID(), fusedRoot.Dtype())
	if !fusedCtx.HasFusedKernel(key) {
		t.Fatalf("expected a fused kernel to be registered for %s", key)
	}
	if err := fusedGraph.Forward(); err != nil {
		t.Fatalf("fused forward: %v", err)
	}

	unfusedArena := NewArena()
	unfusedRoot := build(unfusedArena)
	unfusedCtx := NewContext(WithBackend(newCPUBackend()))
	unfusedGraph := NewGraph(unfusedCtx, unfusedRoot)
	// No Compile call: every node dispatches through the per-op path.
	if err := unfusedGraph.Forward(); err != nil {
		t.Fatalf("unfused forward: %v", err)
	}

	got := fusedRoot.Storage().F32
	want := unfusedRoot.Storage().F32
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Fatalf("fused vs unfused mismatch at %d: fused=%v unfused=%v", i, got[i], want[i])
		}
	}
}

func TestFusionRejectsShapeMismatchedTerminals(t *testing.T) {
	arena := NewArena()
	x, err := arena.Arange(F32, []int{4}, 0, 1)
	if err != nil {
		t.Fatalf("arange: %v", err)
	}
	row := arena.Full(F32, []int{1}, 2)
	// row has a different shape than x, so adding them cannot be fused
	// purely elementwise without broadcast-aware buffer indexing, which
	// the fused kernel template does not support.
	sum, err := x.Add(row)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	scan := newFusionScan()
	if isFullyFusable(sum, sum.Shape().Dims(), scan, make(map[int]bool)) {
		t.Fatalf("x + row has a shape-mismatched terminal and must not be fusable")
	}
	// Confirm the scan only ever records terminals matching the root's
	// shape: row's shape differs from the root's and must never appear.
	for _, id := range scan.order {
		if id == row.ID() {
			t.Fatalf("fusion scan recorded a shape-mismatched terminal")
		}
	}
	y, err := x.Exp()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	if !isFullyFusable(y, y.Shape().Dims(), newFusionScan(), make(map[int]bool)) {
		t.Fatalf("exp(x) alone should still be fully fusable")
	}
}

func TestFusedKernelKeyFormat(t *testing.T) {
	if got, want := FusedKernelKey(7, F32), "kernel7_f32"; got != want {
		t.Fatalf("FusedKernelKey = %q, want %q", got, want)
	}
}

func TestRegisterFusedRejectsDuplicateKey(t *testing.T) {
	ctx := NewContext(WithBackend(newCPUBackend()))
	fused := &FusedKernel{Dtype: F32, NumInput: 1, Eval: func(terms []float32) float32 { return terms[0] }}
	if err := ctx.RegisterFused("kernel0_f32", fused, []int{0}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := ctx.RegisterFused("kernel0_f32", fused, []int{0}); err == nil {
		t.Fatalf("expected duplicate fused kernel key to be rejected")
	}
}
