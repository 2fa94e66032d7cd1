// autograd.go
package lattice

// Backward runs the reverse-mode pass: a reverse topological walk from
// root, invoking each node's local gradient rule and accumulating the
// result into every operand's Grad() slot, allocating that slot lazily
// on first write.
//
// root must already be materialized (Graph.Forward has run) and must be
// a scalar: Numel()==1. Autograd runs on float32 graphs only — the
// chain-rule bodies below read and write Buffer.F32 directly; requesting a
// gradient through an integer or boolean subgraph is a GradientError
// rather than a silent truncation.
func Backward(root *Tensor) error {
	if root.Numel() != 1 {
		return gradientErrorf("backward: root has %d elements, must be scalar (numel==1)", root.Numel())
	}
	if root.Dtype() != F32 {
		return gradientErrorf("backward: root dtype %s unsupported, autograd runs on float32 graphs only", root.Dtype())
	}

	order := topoOrder(root)

	// Gradients left by an earlier pass are set aside so that this pass
	// propagates only its own contributions; they are added back after.
	prev := make(map[*Tensor]*Tensor, len(order))
	for _, t := range order {
		prev[t], t.grad = t.grad, nil
	}
	defer func() {
		for t, p := range prev {
			if p == nil {
				continue
			}
			cur := t.grad
			t.grad = p
			if cur != nil {
				accumulateGrad(t, cur)
			}
		}
	}()

	seed := newGradTensor(root.Arena(), root.Shape())
	for i := range seed.storage.F32 {
		seed.storage.F32[i] = 1
	}
	accumulateGrad(root, seed)

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.grad == nil {
			continue
		}
		if err := propagate(t, t.grad); err != nil {
			return err
		}
	}
	return nil
}

// newGradTensor allocates a fresh arena node to hold a gradient value.
// It is constructed as an otherwise-inert Constant node (never itself
// executed by Graph.Forward) whose storage is populated directly here,
// allocating the gradient slot lazily on first write.
func newGradTensor(a *Arena, shape Shape) *Tensor {
	t := a.alloc(F32, shape, Op{typ: OpInitializer, name: NameConstant}, -1, false)
	t.storage = NewBuffer(F32, shape.Numel())
	return t
}

// accumulateGrad adds g into t's gradient slot, allocating on first
// write and adding on every subsequent write: calling Backward twice
// without rebuilding the graph accumulates again rather than resetting.
func accumulateGrad(t *Tensor, g *Tensor) {
	if t.grad == nil {
		t.grad = g
		return
	}
	acc := t.grad.storage.F32
	for i, v := range g.storage.F32 {
		acc[i] += v
	}
}

// propagate invokes t's local gradient rule and accumulates the
// result(s) into t's operand(s).
func propagate(t *Tensor, g *Tensor) error {
	op := t.Op()
	switch op.Type() {
	case OpInitializer:
		return nil
	case OpUnary:
		return propagateUnary(t, g)
	case OpBinary:
		return propagateBinary(t, g)
	case OpReduction:
		return propagateReduction(t, g)
	case OpTransform:
		return propagateTransform(t, g)
	case OpMatMul:
		return propagateMatMul(t, g)
	}
	return unsupportedOpErrorf("backward: unknown op type for node %d", t.ID())
}

func propagateUnary(t *Tensor, g *Tensor) error {
	a := t.Operand(0)
	out := newGradTensor(a.Arena(), a.Shape())
	aBuf := a.Storage().F32
	tBuf := t.storage.F32
	gBuf := g.storage.F32
	switch t.Op().Name() {
	case NameExp:
		for i := range out.storage.F32 {
			out.storage.F32[i] = gBuf[i] * tBuf[i] // d/dx exp(x) = exp(x) = t's own forward value
		}
	case NameLog:
		for i := range out.storage.F32 {
			out.storage.F32[i] = gBuf[i] / aBuf[i]
		}
	case NameNeg:
		for i := range out.storage.F32 {
			out.storage.F32[i] = -gBuf[i]
		}
	case NameRecip:
		for i := range out.storage.F32 {
			out.storage.F32[i] = -gBuf[i] * tBuf[i] * tBuf[i] // -g/(a^2) = -g*out^2
		}
	case NameSqrt:
		for i := range out.storage.F32 {
			out.storage.F32[i] = gBuf[i] / (2 * tBuf[i])
		}
	case NameSq:
		for i := range out.storage.F32 {
			out.storage.F32[i] = 2 * gBuf[i] * aBuf[i]
		}
	default:
		return unsupportedOpErrorf("backward: unary op %q has no gradient rule", opKernelNames[t.Op().Name()])
	}
	accumulateGrad(a, out)
	return nil
}

func propagateBinary(t *Tensor, g *Tensor) error {
	name := t.Op().Name()
	if name == NameEq || name == NameNeq || name == NameLt || name == NameGt || name == NameLeq || name == NameGeq {
		// Comparisons are not differentiable; no contribution.
		return nil
	}
	a, b := t.Operand(0), t.Operand(1)
	resultDims := t.Shape().Dims()

	gradA := newGradTensor(a.Arena(), t.Shape())
	gradB := newGradTensor(b.Arena(), t.Shape())
	aView := a.Shape().broadcastStridesFor(resultDims)
	bView := b.Shape().broadcastStridesFor(resultDims)
	aBuf, bBuf := a.Storage().F32, b.Storage().F32
	gBuf := g.storage.F32

	forEachIndex(resultDims, func(idx []int) {
		flat := flatIndex(resultDims, idx)
		av := aBuf[aView.ElemOffset(idx)]
		bv := bBuf[bView.ElemOffset(idx)]
		gv := gBuf[flat]
		switch name {
		case NameAdd:
			gradA.storage.F32[flat] = gv
			gradB.storage.F32[flat] = gv
		case NameSub:
			gradA.storage.F32[flat] = gv
			gradB.storage.F32[flat] = -gv
		case NameMul:
			gradA.storage.F32[flat] = gv * bv
			gradB.storage.F32[flat] = gv * av
		case NameDiv:
			gradA.storage.F32[flat] = gv / bv
			gradB.storage.F32[flat] = -gv * av / (bv * bv)
		}
	})

	accumulateGrad(a, reduceBroadcastGrad(gradA, a.Shape()))
	accumulateGrad(b, reduceBroadcastGrad(gradB, b.Shape()))
	return nil
}

// reduceBroadcastGrad collapses a gradient shaped like a binary op's
// broadcast result back down to operand's own shape by summing every
// padded leading axis and every axis operand held at size 1: the
// gradient of a broadcast operand must be reduced back to the operand's
// own rank/shape, never elided.
func reduceBroadcastGrad(g *Tensor, target Shape) *Tensor {
	gDims := g.Shape().Dims()
	tDims := target.Dims()
	if dimsEqual(gDims, tDims) {
		return g
	}
	pad := len(gDims) - len(tDims)
	out := newGradTensor(g.Arena(), target)
	tStrides := rowMajorStrides(tDims)
	tIdx := make([]int, len(tDims))
	forEachIndex(gDims, func(idx []int) {
		off := 0
		for i := range tDims {
			gi := idx[i+pad]
			if tDims[i] == 1 {
				tIdx[i] = 0
			} else {
				tIdx[i] = gi
			}
			off += tIdx[i] * tStrides[i]
		}
		out.storage.F32[off] += g.storage.F32[flatIndex(gDims, idx)]
	})
	return out
}

func flatIndex(dims, idx []int) int {
	strides := rowMajorStrides(dims)
	off := 0
	for i, v := range idx {
		off += v * strides[i]
	}
	return off
}

func propagateReduction(t *Tensor, g *Tensor) error {
	a := t.Operand(0)
	switch t.Op().Name() {
	case NameSum:
		// Sum(a,dims): broadcast g from the reduced (keepdim) shape back
		// to a.shape.
		out := newGradTensor(a.Arena(), a.Shape())
		view := t.Shape().broadcastStridesFor(a.Shape().Dims())
		forEachIndex(a.Shape().Dims(), func(idx []int) {
			out.storage.F32[flatIndex(a.Shape().Dims(), idx)] = g.storage.F32[view.ElemOffset(idx)]
		})
		accumulateGrad(a, out)
		return nil
	case NameMax:
		// Max(a,dims): g placed at arg-max positions, zero elsewhere;
		// ties distribute g to every tied position (documented
		// subgradient convention).
		out := newGradTensor(a.Arena(), a.Shape())
		view := t.Shape().broadcastStridesFor(a.Shape().Dims())
		aBuf := a.Storage().F32
		forEachIndex(a.Shape().Dims(), func(idx []int) {
			flat := flatIndex(a.Shape().Dims(), idx)
			if aBuf[flat] == t.storage.F32[view.ElemOffset(idx)] {
				out.storage.F32[flat] = g.storage.F32[view.ElemOffset(idx)]
			}
		})
		accumulateGrad(a, out)
		return nil
	}
	return unsupportedOpErrorf("backward: reduction op %q has no gradient rule", opKernelNames[t.Op().Name()])
}

func propagateTransform(t *Tensor, g *Tensor) error {
	a := t.Operand(0)
	switch t.Op().Name() {
	case NameReshape:
		// Both g and a's gradient are contiguous row-major buffers with
		// equal numel; reshape is a flat reinterpretation.
		out := newGradTensor(a.Arena(), a.Shape())
		copy(out.storage.F32, g.storage.F32)
		accumulateGrad(a, out)
		return nil
	case NamePermute:
		order := t.Op().PermuteOrder()
		out := newGradTensor(a.Arena(), a.Shape())
		aDims := a.Shape().Dims()
		aIdx := make([]int, len(aDims))
		forEachIndex(t.Shape().Dims(), func(idx []int) {
			for i, o := range order {
				aIdx[o] = idx[i]
			}
			out.storage.F32[flatIndex(aDims, aIdx)] += g.storage.F32[flatIndex(t.Shape().Dims(), idx)]
		})
		accumulateGrad(a, out)
		return nil
	case NameSlice:
		ranges := t.Op().SliceRanges()
		out := newGradTensor(a.Arena(), a.Shape())
		aDims := a.Shape().Dims()
		aIdx := make([]int, len(aDims))
		forEachIndex(t.Shape().Dims(), func(idx []int) {
			for i, r := range ranges {
				aIdx[i] = r.Start + idx[i]*r.Step
			}
			out.storage.F32[flatIndex(aDims, aIdx)] += g.storage.F32[flatIndex(t.Shape().Dims(), idx)]
		})
		accumulateGrad(a, out)
		return nil
	case NameAsContiguous:
		out := newGradTensor(a.Arena(), a.Shape())
		copy(out.storage.F32, g.storage.F32)
		accumulateGrad(a, out)
		return nil
	}
	return unsupportedOpErrorf("backward: transform op %q has no gradient rule", opKernelNames[t.Op().Name()])
}

// propagateMatMul implements ∂A = g·Bᵀ, ∂B = Aᵀ·g, batched over the
// broadcast batch prefix and then reduced back to each operand's own
// batch shape.
func propagateMatMul(t *Tensor, g *Tensor) error {
	a, b := t.Operand(0), t.Operand(1)
	aDims, bDims := a.Shape().Dims(), b.Shape().Dims()
	m, k, n := aDims[len(aDims)-2], aDims[len(aDims)-1], bDims[len(bDims)-1]
	batchDims := t.Shape().Dims()[:t.NDim()-2]

	aFullDims := append(append([]int(nil), batchDims...), m, k)
	bFullDims := append(append([]int(nil), batchDims...), k, n)
	gradA := newGradTensor(a.Arena(), NewShape(aFullDims...))
	gradB := newGradTensor(b.Arena(), NewShape(bFullDims...))

	aBroadcast, err := a.Shape().BroadcastTo(NewShape(aFullDims...))
	if err != nil {
		return err
	}
	bBroadcast, err := b.Shape().BroadcastTo(NewShape(bFullDims...))
	if err != nil {
		return err
	}
	aBuf, bBuf, gBuf := a.Storage().F32, b.Storage().F32, g.storage.F32

	forEachIndex(batchDims, func(batchIdx []int) {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				gv := gBuf[matmulOffset(batchIdx, i, j, batchDims, m, n)]
				for p := 0; p < k; p++ {
					av := aBuf[aBroadcast.ElemOffset(append(append([]int(nil), batchIdx...), i, p))]
					bv := bBuf[bBroadcast.ElemOffset(append(append([]int(nil), batchIdx...), p, j))]
					gradA.storage.F32[flatIndex(aFullDims, append(append([]int(nil), batchIdx...), i, p))] += gv * bv
					gradB.storage.F32[flatIndex(bFullDims, append(append([]int(nil), batchIdx...), p, j))] += gv * av
				}
			}
		}
	})

	accumulateGrad(a, reduceBroadcastGrad(gradA, a.Shape()))
	accumulateGrad(b, reduceBroadcastGrad(gradB, b.Shape()))
	return nil
}

func matmulOffset(batchIdx []int, i, j int, batchDims []int, m, n int) int {
	full := append(append([]int(nil), batchDims...), m, n)
	idx := append(append([]int(nil), batchIdx...), i, j)
	return flatIndex(full, idx)
}

// topoOrder returns every node reachable from root in dependency order
// (operands before dependents); Backward walks it in reverse.
func topoOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[int]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t.ID()] {
			return
		}
		visited[t.ID()] = true
		for _, id := range t.Op().Operands() {
			visit(t.Arena().Get(id))
		}
		order = append(order, t)
	}
	visit(root)
	return order
}
