package lattice

import "testing"

func TestShapeContiguousRowMajorStrides(t *testing.T) {
	s := NewShape(2, 3, 4)
	if !s.Contiguous() {
		t.Fatalf("freshly built row-major shape must be contiguous")
	}
	want := []int{12, 4, 1}
	if got := s.Strides(); !intsEqual(got, want) {
		t.Fatalf("strides = %v, want %v", got, want)
	}
	if s.Numel() != 24 {
		t.Fatalf("numel = %d, want 24", s.Numel())
	}
}

func TestShapeScalarIsOneElement(t *testing.T) {
	s := NewShape()
	if s.NDim() != 0 || s.Numel() != 1 {
		t.Fatalf("scalar shape: ndim=%d numel=%d, want 0 and 1", s.NDim(), s.Numel())
	}
}

func TestShapeBroadcastRightAligned(t *testing.T) {
	a := NewShape(3, 1, 5)
	b := NewShape(4, 5)
	out, err := a.Broadcast(b)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if want := []int{3, 4, 5}; !intsEqual(out.Dims(), want) {
		t.Fatalf("broadcast dims = %v, want %v", out.Dims(), want)
	}
}

func TestShapeBroadcastIncompatible(t *testing.T) {
	a := NewShape(3, 4)
	b := NewShape(5, 4)
	if _, err := a.Broadcast(b); err == nil {
		t.Fatalf("expected incompatible broadcast to error")
	}
}

func TestShapeBroadcastToZeroStride(t *testing.T) {
	s := NewShape(1, 5)
	out, err := s.BroadcastTo(NewShape(3, 5))
	if err != nil {
		t.Fatalf("broadcast_to: %v", err)
	}
	if out.Stride(0) != 0 {
		t.Fatalf("broadcast dim stride = %d, want 0", out.Stride(0))
	}
	if out.Stride(1) != s.Stride(1) {
		t.Fatalf("non-broadcast dim stride changed: got %d want %d", out.Stride(1), s.Stride(1))
	}
}

func TestShapeBroadcastToCannotShrinkSource(t *testing.T) {
	s := NewShape(5)
	if _, err := s.BroadcastTo(NewShape(3)); err == nil {
		t.Fatalf("broadcasting a non-1 dim to a different extent must error")
	}
}

func TestShapePermute(t *testing.T) {
	s := NewShape(2, 3, 4)
	out, err := s.Permute([]int{2, 0, 1})
	if err != nil {
		t.Fatalf("permute: %v", err)
	}
	if want := []int{4, 2, 3}; !intsEqual(out.Dims(), want) {
		t.Fatalf("permuted dims = %v, want %v", out.Dims(), want)
	}
	if out.Contiguous() {
		t.Fatalf("a non-trivial permute of a >1-extent shape must not read as contiguous")
	}
}

func TestShapePermuteRejectsDuplicateOrDegreeMismatch(t *testing.T) {
	s := NewShape(2, 3)
	if _, err := s.Permute([]int{0, 0}); err == nil {
		t.Fatalf("duplicate permute index must error")
	}
	if _, err := s.Permute([]int{0}); err == nil {
		t.Fatalf("wrong-length permute order must error")
	}
}

func TestShapeSliceBasic(t *testing.T) {
	s := NewShape(10)
	out, err := s.Slice([]Range{{Start: 2, Stop: 8, Step: 2}})
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if want := []int{3}; !intsEqual(out.Dims(), want) {
		t.Fatalf("sliced dims = %v, want %v", out.Dims(), want)
	}
	if out.ElemOffset([]int{0}) != 2 {
		t.Fatalf("slice start offset wrong: got %d want 2", out.ElemOffset([]int{0}))
	}
	if out.ElemOffset([]int{1}) != 4 {
		t.Fatalf("slice stride wrong: got %d want 4", out.ElemOffset([]int{1}))
	}
}

func TestShapeSliceNegativeStep(t *testing.T) {
	s := NewShape(5)
	out, err := s.Slice([]Range{{Start: 4, Stop: -1, Step: -1}})
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if want := 5; out.Dim(0) != want {
		t.Fatalf("reverse slice length = %d, want %d", out.Dim(0), want)
	}
	offsets := make([]int, out.Dim(0))
	for i := range offsets {
		offsets[i] = out.ElemOffset([]int{i})
	}
	want := []int{4, 3, 2, 1, 0}
	if !intsEqual(offsets, want) {
		t.Fatalf("reverse slice offsets = %v, want %v", offsets, want)
	}
}

func TestShapeReshapeRequiresCopyForNonContiguous(t *testing.T) {
	base := NewShape(2, 3)
	permuted, err := base.Permute([]int{1, 0})
	if err != nil {
		t.Fatalf("permute: %v", err)
	}
	if !permuted.ReshapeRequiresCopy([]int{6}) {
		t.Fatalf("reshaping a non-contiguous view must require a copy")
	}
	if base.ReshapeRequiresCopy([]int{6}) {
		t.Fatalf("reshaping a contiguous shape must not require a copy")
	}
}

func TestShapeMatmulCompat(t *testing.T) {
	a := NewShape(2, 3, 4)
	b := NewShape(2, 4, 5)
	out, err := a.MatmulBroadcast(b)
	if err != nil {
		t.Fatalf("matmul broadcast: %v", err)
	}
	if want := []int{2, 3, 5}; !intsEqual(out.Dims(), want) {
		t.Fatalf("matmul output dims = %v, want %v", out.Dims(), want)
	}
}

func TestShapeMatmulRejectsInnerMismatch(t *testing.T) {
	a := NewShape(3, 4)
	b := NewShape(5, 6)
	if _, err := a.MatmulBroadcast(b); err == nil {
		t.Fatalf("mismatched inner dims must error")
	}
}

func TestShapeMatmulRejects1D(t *testing.T) {
	a := NewShape(4)
	b := NewShape(4, 5)
	if _, err := a.MatmulBroadcast(b); err == nil {
		t.Fatalf("1-D operand must be rejected by matmul")
	}
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
