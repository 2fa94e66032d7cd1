// exec.go
package lattice

import "math"

// executor runs the forward dispatch table against a Context's Backend:
// depth-first over dependencies with a visited set keyed by node id,
// dispatching either a fused kernel, a per-op kernel, or a view-only
// transform at each node.
type executor struct {
	ctx *Context
}

// Forward visits every node reachable from root in dependency order and
// materializes it. Re-running Forward on the same root re-executes every
// kernel into the already-allocated buffers: allocFor below is a no-op
// once t.storage is set, so only the allocation is memoized — the
// kernels themselves run again every call, which is what makes
// "forward is deterministic" a meaningfully testable property.
func (e *executor) Forward(root *Tensor) error {
	if err := e.recur(root, make(map[int]bool)); err != nil {
		return err
	}
	return e.ctx.backend.Wait()
}

func (e *executor) recur(t *Tensor, visited map[int]bool) error {
	if visited[t.ID()] {
		return nil
	}
	visited[t.ID()] = true

	key := FusedKernelKey(t.ID(), t.Dtype())
	if t.Op().Type() != OpInitializer && t.Op().Type() != OpTransform && e.ctx.HasFusedKernel(key) {
		return e.dispatchFused(t, key, visited)
	}

	switch t.Op().Type() {
	case OpInitializer:
		return e.dispatchInitializer(t)
	case OpUnary:
		if err := e.recur(t.Operand(0), visited); err != nil {
			return err
		}
		return e.dispatchUnary(t)
	case OpBinary:
		if err := e.recur(t.Operand(0), visited); err != nil {
			return err
		}
		if err := e.recur(t.Operand(1), visited); err != nil {
			return err
		}
		return e.dispatchBinary(t)
	case OpReduction:
		if err := e.recur(t.Operand(0), visited); err != nil {
			return err
		}
		return e.dispatchReduction(t)
	case OpTransform:
		if err := e.recur(t.Operand(0), visited); err != nil {
			return err
		}
		return e.dispatchTransform(t)
	case OpMatMul:
		if err := e.recur(t.Operand(0), visited); err != nil {
			return err
		}
		if err := e.recur(t.Operand(1), visited); err != nil {
			return err
		}
		return e.dispatchMatMul(t)
	}
	return unsupportedOpErrorf("forward: unknown op type for node %d", t.ID())
}

func allocFor(t *Tensor) {
	if t.storage == nil {
		t.storage = NewBuffer(t.dtype, t.Numel())
	}
}

func (e *executor) dispatchFused(t *Tensor, key string, visited map[int]bool) error {
	terminalIDs := e.ctx.FusedTerminals(key)
	inputs := make([]*Buffer, len(terminalIDs))
	for i, id := range terminalIDs {
		term := t.Arena().Get(id)
		if term.storage == nil {
			if err := e.dispatchInitializer(term); err != nil {
				return err
			}
		}
		visited[id] = true
		inputs[i] = term.storage
	}
	allocFor(t)
	inputShapes := make([]Shape, len(terminalIDs))
	for i, id := range terminalIDs {
		inputShapes[i] = t.Arena().Get(id).Shape()
	}
	job := KernelJob{Kernel: key, Dtype: t.Dtype(), Inputs: inputs, InputShapes: inputShapes, Output: t.storage, OutputShape: t.Shape()}
	e.ctx.log.Trace().Int("node", t.ID()).Str("kernel", key).Msg("lattice: dispatch fused")
	return e.ctx.backend.DispatchFused(key, job)
}

func (e *executor) dispatchInitializer(t *Tensor) error {
	allocFor(t)
	op := t.Op()
	switch op.Name() {
	case NameConstant:
		job := KernelJob{Kernel: "constant_c", Dtype: t.Dtype(), Output: t.storage, OutputShape: t.Shape(), ConstValue: op.ConstValue()}
		return e.ctx.backend.DispatchStatic(job)
	case NameArange:
		job := KernelJob{Kernel: "arange", Dtype: t.Dtype(), Output: t.storage, OutputShape: t.Shape(), Start: op.ArangeStart(), Step: op.ArangeStep()}
		return e.ctx.backend.DispatchStatic(job)
	case NameFromHostBuffer:
		copyHostBytes(op.HostBytes(), t.storage)
		return nil
	}
	return unsupportedOpErrorf("initializer: unknown op name")
}

func (e *executor) dispatchUnary(t *Tensor) error {
	operand := t.Operand(0)
	allocFor(t)
	sparse := !t.Shape().Contiguous() || !operand.Shape().Contiguous()
	job := KernelJob{
		Kernel: opKernelNames[t.Op().Name()], Dtype: t.Dtype(), Sparse: sparse,
		Inputs: []*Buffer{operand.Storage()}, InputShapes: []Shape{operand.Shape()},
		Output: t.storage, OutputShape: t.Shape(),
	}
	return e.ctx.backend.DispatchStatic(job)
}

func (e *executor) dispatchBinary(t *Tensor) error {
	lhs, rhs := t.Operand(0), t.Operand(1)
	allocFor(t)
	lhsView := lhs.Shape().broadcastStridesFor(t.Shape().Dims())
	rhsView := rhs.Shape().broadcastStridesFor(t.Shape().Dims())
	sparse := !t.Shape().Contiguous() || !lhsView.Contiguous() || !rhsView.Contiguous()
	job := KernelJob{
		Kernel: opKernelNames[t.Op().Name()], Dtype: t.Dtype(), Sparse: sparse,
		Inputs: []*Buffer{lhs.Storage(), rhs.Storage()}, InputShapes: []Shape{lhsView, rhsView},
		Output: t.storage, OutputShape: t.Shape(),
	}
	return e.ctx.backend.DispatchStatic(job)
}

func (e *executor) dispatchReduction(t *Tensor) error {
	allocFor(t)
	operand := t.Operand(0)
	dims := t.Op().ReduceDims()
	job := KernelJob{
		Kernel: "reduce", Dtype: t.Dtype(),
		Inputs: []*Buffer{operand.Storage()}, InputShapes: []Shape{operand.Shape()},
		Output: t.storage, OutputShape: t.Shape(),
		ReduceDims: dims, ReduceAll: len(dims) == 0, ReduceMax: t.Op().Name() == NameMax,
	}
	return e.ctx.backend.DispatchStatic(job)
}

func (e *executor) dispatchTransform(t *Tensor) error {
	op := t.Op()
	switch op.Name() {
	case NameReshape:
		if !op.ReshapeRequiresCopy() {
			// Pure view: t.storage stays nil, t.Storage() resolves
			// through Base() to the operand's buffer.
			return nil
		}
		return e.materializeCopy(t, t.Operand(0))
	case NamePermute, NameSlice:
		// Always views; no dispatch.
		return nil
	case NameAsContiguous:
		return e.materializeCopy(t, t.Operand(0))
	}
	return unsupportedOpErrorf("transform: unknown op name")
}

// materializeCopy runs the strided-copy kernel that both Reshape-across-
// non-contiguous-layout and AsContiguous share.
func (e *executor) materializeCopy(dst, src *Tensor) error {
	allocFor(dst)
	job := KernelJob{
		Kernel: "copy", Dtype: dst.Dtype(), Sparse: !src.Shape().Contiguous(),
		Inputs: []*Buffer{src.Storage()}, InputShapes: []Shape{src.Shape()},
		Output: dst.storage, OutputShape: dst.Shape(),
	}
	return e.ctx.backend.DispatchStatic(job)
}

func (e *executor) dispatchMatMul(t *Tensor) error {
	allocFor(t)
	a, b := t.Operand(0), t.Operand(1)
	aDims, bDims := a.Shape().Dims(), b.Shape().Dims()
	m, k, n := aDims[len(aDims)-2], aDims[len(aDims)-1], bDims[len(bDims)-1]
	batchShape, err := NewShape(aDims[:len(aDims)-2]...).Broadcast(NewShape(bDims[:len(bDims)-2]...))
	if err != nil {
		return err
	}
	job := KernelJob{
		Kernel: "matmul", Dtype: t.Dtype(),
		Inputs: []*Buffer{a.Storage(), b.Storage()}, InputShapes: []Shape{a.Shape(), b.Shape()},
		Output: t.storage, OutputShape: t.Shape(),
		BatchDims: batchShape.Dims(), M: m, K: k, N: n,
	}
	return e.ctx.backend.DispatchStatic(job)
}

// ToHostBuffer reads t's materialized storage back into a freshly
// allocated, densely packed host byte slice in row-major order,
// honoring t's Shape (so a view's strided/offset layout is linearized
// just like AsContiguous would produce). Supplements FromHostBuffer's
// no-copy upload with the symmetric readback that makes
// "from_host_buffer(x).to_host() == x" a testable property.
func (t *Tensor) ToHostBuffer() ([]byte, error) {
	storage := t.Storage()
	if storage == nil {
		return nil, backendErrorf(nil, "to_host: node %d has not been materialized", t.ID())
	}
	dims := t.Shape().Dims()
	out := make([]byte, t.Numel()*t.dtype.ByteWidth())
	i := 0
	forEachIndex(dims, func(idx []int) {
		off := t.Shape().ElemOffset(idx)
		switch storage.Dtype {
		case B8:
			out[i] = storage.B8[off]
		case I32:
			v := uint32(storage.I32[off])
			out[4*i], out[4*i+1], out[4*i+2], out[4*i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		case F32:
			v := math.Float32bits(storage.F32[off])
			out[4*i], out[4*i+1], out[4*i+2], out[4*i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		}
		i++
	})
	return out, nil
}

func copyHostBytes(src []byte, dst *Buffer) {
	switch dst.Dtype {
	case B8:
		copy(dst.B8, src)
	case I32:
		for i := range dst.I32 {
			dst.I32[i] = int32(src[4*i]) | int32(src[4*i+1])<<8 | int32(src[4*i+2])<<16 | int32(src[4*i+3])<<24
		}
	case F32:
		for i := range dst.F32 {
			bits := uint32(src[4*i]) | uint32(src[4*i+1])<<8 | uint32(src[4*i+2])<<16 | uint32(src[4*i+3])<<24
			dst.F32[i] = math.Float32frombits(bits)
		}
	}
}
