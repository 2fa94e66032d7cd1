// reference_gorgonia_test.go
package lattice

import (
	"math"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// These tests build the same computation once through lattice and once
// through gorgonia.org/gorgonia's own ExprGraph/TapeMachine, and assert
// the two independently implemented engines agree. This plays the same
// role the teacher's mps tests play against tensor.StdEng: an outside
// oracle, not a second copy of lattice's own math.

func TestReferenceGorgonia_SumArangeForward(t *testing.T) {
	arena := NewArena()
	x, err := arena.Arange(F32, []int{4}, 0, 1)
	if err != nil {
		t.Fatalf("arange: %v", err)
	}
	y, err := x.Sum()
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, y)
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := g.Forward(); err != nil {
		t.Fatalf("lattice forward: %v", err)
	}
	got := y.Storage().F32[0]

	gg := gorgonia.NewGraph()
	gx := gorgonia.NewVector(gg, tensor.Float32, gorgonia.WithShape(4), gorgonia.WithName("x"))
	gy, err := gorgonia.Sum(gx)
	if err != nil {
		t.Fatalf("gorgonia.Sum: %v", err)
	}
	if err := gorgonia.Let(gx, tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{0, 1, 2, 3}))); err != nil {
		t.Fatalf("gorgonia.Let: %v", err)
	}
	vm := gorgonia.NewTapeMachine(gg)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("gorgonia run: %v", err)
	}
	want := gy.Value().Data().(float32)

	if got != want || want != 6 {
		t.Fatalf("sum(arange(4)): lattice=%v gorgonia=%v want 6", got, want)
	}
}

func TestReferenceGorgonia_MatMulForwardAndGrad(t *testing.T) {
	aData := []float32{1, 2, 3, 4}
	bData := []float32{5, 6, 7, 8}

	arena := NewArena()
	a, err := arena.FromHostBuffer(F32, []int{2, 2}, f32Bytes(aData))
	if err != nil {
		t.Fatalf("from_host_buffer a: %v", err)
	}
	b, err := arena.FromHostBuffer(F32, []int{2, 2}, f32Bytes(bData))
	if err != nil {
		t.Fatalf("from_host_buffer b: %v", err)
	}
	c, err := a.MatMul(b)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	loss, err := c.Sum()
	if err != nil {
		t.Fatalf("sum: %v", err)
	}

	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, loss)
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := g.Forward(); err != nil {
		t.Fatalf("lattice forward: %v", err)
	}
	if err := g.Backward(); err != nil {
		t.Fatalf("lattice backward: %v", err)
	}
	gotC := append([]float32(nil), c.Storage().F32...)
	gotGradA := append([]float32(nil), a.Grad().Storage().F32...)
	gotGradB := append([]float32(nil), b.Grad().Storage().F32...)

	gg := gorgonia.NewGraph()
	ga := gorgonia.NewMatrix(gg, tensor.Float32, gorgonia.WithShape(2, 2), gorgonia.WithName("a"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(append([]float32(nil), aData...)))))
	gb := gorgonia.NewMatrix(gg, tensor.Float32, gorgonia.WithShape(2, 2), gorgonia.WithName("b"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(append([]float32(nil), bData...)))))
	gc, err := gorgonia.Mul(ga, gb)
	if err != nil {
		t.Fatalf("gorgonia.Mul: %v", err)
	}
	gloss, err := gorgonia.Sum(gc)
	if err != nil {
		t.Fatalf("gorgonia.Sum: %v", err)
	}
	if _, err := gorgonia.Grad(gloss, ga, gb); err != nil {
		t.Fatalf("gorgonia.Grad: %v", err)
	}
	vm := gorgonia.NewTapeMachine(gg, gorgonia.BindDualValues(ga, gb))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("gorgonia run: %v", err)
	}

	wantC := gc.Value().Data().([]float32)
	for i := range gotC {
		if !almostEqual(gotC[i], wantC[i]) {
			t.Fatalf("matmul forward[%d]: lattice=%v gorgonia=%v", i, gotC[i], wantC[i])
		}
	}

	gaGradT, err := ga.Grad()
	if err != nil {
		t.Fatalf("ga.Grad: %v", err)
	}
	gbGradT, err := gb.Grad()
	if err != nil {
		t.Fatalf("gb.Grad: %v", err)
	}
	wantGradA := gaGradT.Data().([]float32)
	wantGradB := gbGradT.Data().([]float32)
	for i := range gotGradA {
		if !almostEqual(gotGradA[i], wantGradA[i]) {
			t.Fatalf("dL/dA[%d]: lattice=%v gorgonia=%v", i, gotGradA[i], wantGradA[i])
		}
	}
	for i := range gotGradB {
		if !almostEqual(gotGradB[i], wantGradB[i]) {
			t.Fatalf("dL/dB[%d]: lattice=%v gorgonia=%v", i, gotGradB[i], wantGradB[i])
		}
	}
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		bits := math.Float32bits(v)
		out[4*i], out[4*i+1], out[4*i+2], out[4*i+3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
	}
	return out
}

func almostEqual(a, b float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-4
}
