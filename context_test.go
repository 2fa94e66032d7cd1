package lattice

import "testing"

func TestNewContextDefaultsToGivenBackend(t *testing.T) {
	backend := newCPUBackend()
	ctx := NewContext(WithBackend(backend))
	if ctx.Backend() != backend {
		t.Fatalf("WithBackend did not take effect")
	}
}

func TestContextRegisterFusedRejectsDuplicateAcrossCalls(t *testing.T) {
	ctx := NewContext(WithBackend(newCPUBackend()))
	fused := &FusedKernel{Dtype: F32, NumInput: 0, Eval: func(terms []float32) float32 { return 0 }}
	key := FusedKernelKey(1, F32)
	if ctx.HasFusedKernel(key) {
		t.Fatalf("fresh context must not already have %s registered", key)
	}
	if err := ctx.RegisterFused(key, fused, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !ctx.HasFusedKernel(key) {
		t.Fatalf("HasFusedKernel false immediately after RegisterFused")
	}
	if err := ctx.RegisterFused(key, fused, nil); err == nil {
		t.Fatalf("expected second RegisterFused with the same key to fail")
	}
}

func TestContextFusedTerminalsOrderPreserved(t *testing.T) {
	ctx := NewContext(WithBackend(newCPUBackend()))
	key := FusedKernelKey(9, F32)
	terminals := []int{3, 1, 2}
	fused := &FusedKernel{Dtype: F32, NumInput: len(terminals), Eval: func(terms []float32) float32 { return 0 }}
	if err := ctx.RegisterFused(key, fused, terminals); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := ctx.FusedTerminals(key)
	if !intsEqual(got, terminals) {
		t.Fatalf("FusedTerminals = %v, want %v", got, terminals)
	}
}
