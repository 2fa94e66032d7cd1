package lattice

import "testing"

func TestForwardDeterministic(t *testing.T) {
	arena := NewArena()
	x, err := arena.Arange(F32, []int{5}, 0, 1)
	if err != nil {
		t.Fatalf("arange: %v", err)
	}
	y, err := x.Sq()
	if err != nil {
		t.Fatalf("sq: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, y)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward #1: %v", err)
	}
	first := append([]float32(nil), y.Storage().F32...)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward #2: %v", err)
	}
	second := y.Storage().F32
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("forward is not deterministic at %d: %v vs %v", i, first[i], second[i])
		}
	}
	want := []float32{0, 1, 4, 9, 16}
	for i := range want {
		if second[i] != want[i] {
			t.Fatalf("sq(arange(5))[%d] = %v, want %v", i, second[i], want[i])
		}
	}
}

func TestToHostBufferRoundTripsFromHostBuffer(t *testing.T) {
	arena := NewArena()
	data := f32Bytes([]float32{1.5, -2.25, 3, 0})
	x, err := arena.FromHostBuffer(F32, []int{2, 2}, data)
	if err != nil {
		t.Fatalf("from_host_buffer: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, x)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	out, err := x.ToHostBuffer()
	if err != nil {
		t.Fatalf("to_host: %v", err)
	}
	if len(out) != len(data) {
		t.Fatalf("to_host length = %d, want %d", len(out), len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("to_host byte %d = %v, want %v", i, out[i], data[i])
		}
	}
}

func TestToHostBufferHonorsNonContiguousView(t *testing.T) {
	arena := NewArena()
	data := f32Bytes([]float32{0, 1, 2, 3, 4, 5})
	x, err := arena.FromHostBuffer(F32, []int{2, 3}, data)
	if err != nil {
		t.Fatalf("from_host_buffer: %v", err)
	}
	xt, err := x.Transpose()
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, xt)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	out, err := xt.ToHostBuffer()
	if err != nil {
		t.Fatalf("to_host: %v", err)
	}
	want := f32Bytes([]float32{0, 3, 1, 4, 2, 5})
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("to_host byte %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestAsContiguousMaterializesView(t *testing.T) {
	arena := NewArena()
	data := f32Bytes([]float32{0, 1, 2, 3, 4, 5})
	x, err := arena.FromHostBuffer(F32, []int{2, 3}, data)
	if err != nil {
		t.Fatalf("from_host_buffer: %v", err)
	}
	xt, err := x.Transpose()
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	xc, err := xt.AsContiguous()
	if err != nil {
		t.Fatalf("as_contiguous: %v", err)
	}
	if !xc.Shape().Contiguous() {
		t.Fatalf("as_contiguous result must report contiguous")
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, xc)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if xc.Storage() == xt.Storage() {
		t.Fatalf("as_contiguous must materialize its own storage, not alias the view")
	}
	want := []float32{0, 3, 1, 4, 2, 5}
	for i, v := range want {
		if xc.Storage().F32[i] != v {
			t.Fatalf("as_contiguous[%d] = %v, want %v", i, xc.Storage().F32[i], v)
		}
	}
}

func TestReshapeOfContiguousIsPureView(t *testing.T) {
	arena := NewArena()
	data := f32Bytes([]float32{0, 1, 2, 3, 4, 5})
	x, err := arena.FromHostBuffer(F32, []int{2, 3}, data)
	if err != nil {
		t.Fatalf("from_host_buffer: %v", err)
	}
	flat, err := x.Reshape(6)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if !flat.IsView() {
		t.Fatalf("reshape of a contiguous tensor must be a view")
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, flat)
	if err := g.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if flat.Storage() != x.Storage() {
		t.Fatalf("a view reshape must share the source's storage")
	}
}
