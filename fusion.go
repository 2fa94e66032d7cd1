// fusion.go
package lattice

import (
	"fmt"
	"strings"
)

// fusionScan accumulates the terminal Initializer nodes reached while
// checking whether a subgraph is entirely fusable, preserving first-seen
// order so buffer index k corresponds to the k-th distinct terminal.
type fusionScan struct {
	order []int
	index map[int]int
}

func newFusionScan() *fusionScan {
	return &fusionScan{index: make(map[int]int)}
}

func (s *fusionScan) addTerminal(id int) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = len(s.order)
	s.order = append(s.order, id)
}

// isFullyFusable reports whether every transitive operand of t (stopping
// at initializers) is itself Initializer/Unary/Binary, recording every
// distinct Initializer reached into scan. visited guards against
// revisiting a diamond-shaped subgraph.
//
// The generated kernel indexes every bound buffer by the flat thread id,
// so it is only correct when every terminal has exactly the fusion
// root's shape — original_source's Metal template has the same
// restriction (its kernels.py reads `inputN[id]` with no broadcast
// index math). A terminal whose shape differs from rootDims makes the
// whole subgraph ineligible for fusion; the node falls back to the
// dense/sparse per-op dispatch path instead, which does understand
// broadcasting.
func isFullyFusable(t *Tensor, rootDims []int, scan *fusionScan, visited map[int]bool) bool {
	if visited[t.ID()] {
		return true
	}
	visited[t.ID()] = true
	switch t.Op().Type() {
	case OpInitializer:
		if !dimsEqual(t.Shape().Dims(), rootDims) {
			return false
		}
		scan.addTerminal(t.ID())
		return true
	case OpUnary:
		return isFullyFusable(t.Operand(0), rootDims, scan, visited)
	case OpBinary:
		return isFullyFusable(t.Operand(0), rootDims, scan, visited) && isFullyFusable(t.Operand(1), rootDims, scan, visited)
	default:
		return false
	}
}

func dimsEqual(a, b []int) bool {
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

// fusionCompiler performs a topological scan from the root that declares
// a fusion root wherever it finds a fusable node whose whole transitive
// subgraph (short of initializers) is fusable, and otherwise recurses
// into non-fusable operands.
type fusionCompiler struct {
	ctx *Context
}

// Compile walks the DAG rooted at root, registering one fused kernel per
// maximal fusable subgraph found.
func (c *fusionCompiler) Compile(root *Tensor) error {
	return c.recur(root, make(map[int]bool))
}

func (c *fusionCompiler) recur(t *Tensor, visited map[int]bool) error {
	if visited[t.ID()] {
		return nil
	}
	visited[t.ID()] = true

	if t.Op().Type() != OpInitializer {
		scan := newFusionScan()
		if isFullyFusable(t, t.Shape().Dims(), scan, make(map[int]bool)) {
			return c.fuse(t, scan)
		}
	}

	switch t.Op().Type() {
	case OpUnary:
		return c.recur(t.Operand(0), visited)
	case OpBinary:
		if err := c.recur(t.Operand(0), visited); err != nil {
			return err
		}
		return c.recur(t.Operand(1), visited)
	case OpTransform, OpReduction:
		return c.recur(t.Operand(0), visited)
	case OpMatMul:
		if err := c.recur(t.Operand(0), visited); err != nil {
			return err
		}
		return c.recur(t.Operand(1), visited)
	}
	return nil
}

// fuse registers one fused kernel for the maximal fusable subgraph
// rooted at t, using scan's terminal order for both the generated source
// text's buffer indices and the portable CPU evaluator's input slice
// indices. There is no sharing between fused kernels: every interior
// fusable node is inlined fresh into t's kernel.
func (c *fusionCompiler) fuse(t *Tensor, scan *fusionScan) error {
	key := FusedKernelKey(t.ID(), t.Dtype())
	if c.ctx.HasFusedKernel(key) {
		return nil
	}

	src := genMetalSource(t, scan)
	eval := genEvalFunc(t, scan)
	fused := &FusedKernel{Source: src, Dtype: t.Dtype(), NumInput: len(scan.order), Eval: eval}
	return c.ctx.RegisterFused(key, fused, scan.order)
}

// genMetalSource renders the fused subgraph as Metal Shading Language
// source, structurally the same template original_source's
// MTLCompiler._fuse builds: one input buffer per terminal, one output
// buffer, a body of per-node `auto tN = expr;` assignments, specialized
// per dtype via an explicit template instantiation line.
func genMetalSource(t *Tensor, scan *fusionScan) string {
	fnName := fmt.Sprintf("kernel%d", t.ID())
	var sb strings.Builder
	sb.WriteString("#include <metal_stdlib>\n")
	sb.WriteString("using namespace metal;\n")
	sb.WriteString(fmt.Sprintf("template <class T>\n[[kernel]] void %s(\n", fnName))
	for i := range scan.order {
		sb.WriteString(fmt.Sprintf("\tdevice T *input%d [[buffer(%d)]],\n", i, i))
	}
	sb.WriteString(fmt.Sprintf("\tdevice T *output [[buffer(%d)]],\n", len(scan.order)))
	sb.WriteString("\tuint id [[thread_position_in_grid]])\n{\n")
	symbols := make(map[int]string)
	genMetalBody(t, scan, symbols, &sb)
	sb.WriteString(fmt.Sprintf("\toutput[id] = %s;\n}\n", symbols[t.ID()]))
	sb.WriteString(fmt.Sprintf(
		"template [[host_name(\"%s_%s\")]] [[kernel]] decltype(%s<%s>) %s<%s>;\n",
		fnName, t.Dtype(), fnName, metalCType(t.Dtype()), fnName, metalCType(t.Dtype()),
	))
	return sb.String()
}

func metalCType(d Dtype) string {
	switch d {
	case I32:
		return "int"
	case B8:
		return "bool"
	default:
		return "float"
	}
}

func genMetalBody(t *Tensor, scan *fusionScan, symbols map[int]string, sb *strings.Builder) {
	if _, ok := symbols[t.ID()]; ok {
		return
	}
	sym := fmt.Sprintf("t%d", t.ID())
	symbols[t.ID()] = sym
	switch t.Op().Type() {
	case OpInitializer:
		idx := scan.index[t.ID()]
		sb.WriteString(fmt.Sprintf("\tauto %s = input%d[id];\n", sym, idx))
	case OpUnary:
		operand := t.Operand(0)
		genMetalBody(operand, scan, symbols, sb)
		sb.WriteString(fmt.Sprintf("\tauto %s = %s;\n", sym, metalUnaryExpr(t.Op().Name(), symbols[operand.ID()])))
	case OpBinary:
		lhs, rhs := t.Operand(0), t.Operand(1)
		genMetalBody(lhs, scan, symbols, sb)
		genMetalBody(rhs, scan, symbols, sb)
		sb.WriteString(fmt.Sprintf("\tauto %s = %s;\n", sym, metalBinaryExpr(t.Op().Name(), symbols[lhs.ID()], symbols[rhs.ID()])))
	}
}

func metalUnaryExpr(name OpName, x string) string {
	switch name {
	case NameExp:
		return fmt.Sprintf("metal::exp(%s)", x)
	case NameLog:
		return fmt.Sprintf("metal::log(%s)", x)
	case NameNeg:
		return fmt.Sprintf("(-%s)", x)
	case NameRecip:
		return fmt.Sprintf("(1.0/%s)", x)
	case NameSqrt:
		return fmt.Sprintf("metal::sqrt(%s)", x)
	case NameSq:
		return fmt.Sprintf("(%s*%s)", x, x)
	default:
		return x
	}
}

func metalBinaryExpr(name OpName, a, b string) string {
	switch name {
	case NameAdd:
		return fmt.Sprintf("(%s + %s)", a, b)
	case NameSub:
		return fmt.Sprintf("(%s - %s)", a, b)
	case NameMul:
		return fmt.Sprintf("(%s * %s)", a, b)
	case NameDiv:
		return fmt.Sprintf("(%s / %s)", a, b)
	case NameEq:
		return fmt.Sprintf("(%s == %s)", a, b)
	case NameNeq:
		return fmt.Sprintf("(%s != %s)", a, b)
	case NameLt:
		return fmt.Sprintf("(%s < %s)", a, b)
	case NameGt:
		return fmt.Sprintf("(%s > %s)", a, b)
	case NameLeq:
		return fmt.Sprintf("(%s <= %s)", a, b)
	case NameGeq:
		return fmt.Sprintf("(%s >= %s)", a, b)
	default:
		return a
	}
}

// genEvalFunc builds the CPU-portable evaluator for the fused subgraph
// rooted at t: a tree of closures mirroring genMetalBody's recursion, so
// the CPU backend can execute a "fused kernel" without a JIT compiler.
func genEvalFunc(t *Tensor, scan *fusionScan) FusedEvalFunc {
	switch t.Op().Type() {
	case OpInitializer:
		idx := scan.index[t.ID()]
		return func(terms []float32) float32 { return terms[idx] }
	case OpUnary:
		name := t.Op().Name()
		child := genEvalFunc(t.Operand(0), scan)
		return func(terms []float32) float32 {
			v, _ := unaryF32(name, child(terms))
			return v
		}
	case OpBinary:
		name := t.Op().Name()
		left := genEvalFunc(t.Operand(0), scan)
		right := genEvalFunc(t.Operand(1), scan)
		return func(terms []float32) float32 {
			v, _ := binaryF32(name, left(terms), right(terms))
			return v
		}
	default:
		return func(terms []float32) float32 { return 0 }
	}
}
