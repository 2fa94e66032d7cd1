package lattice

import (
	"strings"
	"testing"
)

func TestGraphDOTRendersEveryNode(t *testing.T) {
	arena := NewArena()
	x, err := arena.Arange(F32, []int{4}, 0, 1)
	if err != nil {
		t.Fatalf("arange: %v", err)
	}
	y, err := x.Exp()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, y)
	dot, err := g.DOT()
	if err != nil {
		t.Fatalf("dot: %v", err)
	}
	if !strings.Contains(dot, dotNodeName(x)) {
		t.Fatalf("dot output missing node %s:\n%s", dotNodeName(x), dot)
	}
	if !strings.Contains(dot, dotNodeName(y)) {
		t.Fatalf("dot output missing node %s:\n%s", dotNodeName(y), dot)
	}
	if !strings.Contains(dot, "digraph") {
		t.Fatalf("dot output is not a directed graph:\n%s", dot)
	}
}

func TestGraphDOTAnnotatesFusedKernelKey(t *testing.T) {
	arena := NewArena()
	x, err := arena.Arange(F32, []int{4}, 0, 1)
	if err != nil {
		t.Fatalf("arange: %v", err)
	}
	y, err := x.Exp()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	z, err := y.Sq()
	if err != nil {
		t.Fatalf("sq: %v", err)
	}
	ctx := NewContext(WithBackend(newCPUBackend()))
	g := NewGraph(ctx, z)
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	dot, err := g.DOT()
	if err != nil {
		t.Fatalf("dot: %v", err)
	}
	key := FusedKernelKey(z.ID(), z.Dtype())
	if !strings.Contains(dot, key) {
		t.Fatalf("dot output missing fused kernel annotation %q:\n%s", key, dot)
	}
}
