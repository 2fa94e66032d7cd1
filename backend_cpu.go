// backend_cpu.go
package lattice

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// cpuBackend is the default Backend: always correct, always available,
// the fallback when Metal is absent (non-Darwin
// hosts, or Darwin without cgo) and the reference everything else is
// numerically checked against. It has no notion of dense-vs-sparse
// dispatch variants the way the real Metal backend's pipeline cache
// does (mps/matmul_darwin.go's matmul_f32 vs sparse_matmul_f32): every
// kernel here walks its operands through their Shape's strides
// unconditionally, so a contiguous buffer is simply the special case
// where that walk happens to produce sequential offsets.
type cpuBackend struct {
	fused map[string]*FusedKernel
}

// newCPUBackend constructs the reference Backend. DefaultBackend (in
// backend_metal_darwin.go or backend_metal_other.go, selected by build
// tag) decides whether a Context falls back to this or to real Metal
// dispatch.
func newCPUBackend() Backend {
	return &cpuBackend{fused: make(map[string]*FusedKernel)}
}

func (b *cpuBackend) Name() string { return "cpu" }

func (b *cpuBackend) Wait() error { return nil }

func (b *cpuBackend) CompileFused(key string, fused *FusedKernel) error {
	if _, ok := b.fused[key]; ok {
		return backendErrorf(nil, "fused kernel %q already compiled", key)
	}
	b.fused[key] = fused
	return nil
}

func (b *cpuBackend) HasFused(key string) bool {
	_, ok := b.fused[key]
	return ok
}

func (b *cpuBackend) DispatchFused(key string, job KernelJob) error {
	fused, ok := b.fused[key]
	if !ok {
		return backendErrorf(nil, "fused kernel %q not registered", key)
	}
	dims := job.OutputShape.Dims()
	terms := make([]float32, len(job.Inputs))
	forEachIndex(dims, func(idx []int) {
		for i, in := range job.Inputs {
			off := job.InputShapes[i].ElemOffset(idx)
			terms[i] = bufferF32At(in, off)
		}
		out := fused.Eval(terms)
		setOutputAt(job.Output, job.OutputShape.ElemOffset(idx), out)
	})
	return nil
}

func (b *cpuBackend) DispatchStatic(job KernelJob) error {
	switch job.Kernel {
	case "constant_c":
		return dispatchConstant(job)
	case "arange":
		return dispatchArange(job)
	case "copy":
		return dispatchCopy(job)
	case "reduce":
		return dispatchReduce(job)
	case "matmul":
		return dispatchMatMulCPU(job)
	}
	if name, ok := kernelNameToOp[job.Kernel]; ok {
		if len(job.Inputs) == 1 {
			return dispatchUnaryCPU(name, job)
		}
		return dispatchBinaryCPU(name, job)
	}
	return unsupportedOpErrorf("cpu backend: unknown kernel %q", job.Kernel)
}

// kernelNameToOp inverts opKernelNames so the backend can recover which
// OpName a dispatched kernel token corresponds to.
var kernelNameToOp = func() map[string]OpName {
	m := make(map[string]OpName, len(opKernelNames))
	for name, tok := range opKernelNames {
		m[tok] = name
	}
	return m
}()

func dispatchConstant(job KernelJob) error {
	dims := job.OutputShape.Dims()
	forEachIndex(dims, func(idx []int) {
		setOutputAt(job.Output, job.OutputShape.ElemOffset(idx), float32(job.ConstValue))
	})
	return nil
}

func dispatchArange(job KernelJob) error {
	dims := job.OutputShape.Dims()
	i := 0
	forEachIndex(dims, func(idx []int) {
		v := job.Start + i*job.Step
		setOutputAt(job.Output, job.OutputShape.ElemOffset(idx), float32(v))
		i++
	})
	return nil
}

func dispatchCopy(job KernelJob) error {
	dims := job.OutputShape.Dims()
	in := job.Inputs[0]
	inShape := job.InputShapes[0]
	forEachIndex(dims, func(idx []int) {
		v := bufferF32At(in, inShape.ElemOffset(idx))
		setOutputAt(job.Output, job.OutputShape.ElemOffset(idx), v)
	})
	return nil
}

func dispatchUnaryCPU(name OpName, job KernelJob) error {
	dims := job.OutputShape.Dims()
	in := job.Inputs[0]
	inShape := job.InputShapes[0]
	var err error
	forEachIndex(dims, func(idx []int) {
		if err != nil {
			return
		}
		off := inShape.ElemOffset(idx)
		outOff := job.OutputShape.ElemOffset(idx)
		switch in.Dtype {
		case I32:
			var r int32
			r, err = unaryI32(name, in.I32[off])
			if err == nil {
				job.Output.I32[outOff] = r
			}
		default:
			var r float32
			r, err = unaryF32(name, bufferF32At(in, off))
			if err == nil {
				setOutputAt(job.Output, outOff, r)
			}
		}
	})
	return err
}

func dispatchBinaryCPU(name OpName, job KernelJob) error {
	dims := job.OutputShape.Dims()
	lhs, rhs := job.Inputs[0], job.Inputs[1]
	lhsShape, rhsShape := job.InputShapes[0], job.InputShapes[1]
	var err error
	forEachIndex(dims, func(idx []int) {
		if err != nil {
			return
		}
		lo, ro := lhsShape.ElemOffset(idx), rhsShape.ElemOffset(idx)
		outOff := job.OutputShape.ElemOffset(idx)
		switch lhs.Dtype {
		case I32:
			var r int32
			var isBool bool
			r, isBool, err = binaryI32(name, lhs.I32[lo], rhs.I32[ro])
			if err != nil {
				return
			}
			if job.Output.Dtype == B8 {
				job.Output.B8[outOff] = boolToByte(isBool)
			} else {
				job.Output.I32[outOff] = r
			}
		default:
			var r float32
			r, err = binaryF32(name, bufferF32At(lhs, lo), bufferF32At(rhs, ro))
			if err != nil {
				return
			}
			if job.Output.Dtype == B8 {
				job.Output.B8[outOff] = boolToByte(r != 0)
			} else {
				job.Output.F32[outOff] = r
			}
		}
	})
	return err
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func dispatchReduce(job KernelJob) error {
	in := job.Inputs[0]
	inShape := job.InputShapes[0]
	inDims := inShape.Dims()

	// job.OutputShape keeps reduced dims as size 1; broadcasting it back
	// over inDims gives, for every input coordinate, the flat output
	// offset its contribution lands on.
	outView := job.OutputShape.broadcastStridesFor(inDims)

	initial := float32(0)
	if job.ReduceMax {
		initial = -math32.MaxFloat32
	}
	forEachIndex(job.OutputShape.Dims(), func(idx []int) {
		off := job.OutputShape.ElemOffset(idx)
		setOutputAt(job.Output, off, initial)
	})

	forEachIndex(inDims, func(idx []int) {
		off := outView.ElemOffset(idx)
		v := bufferF32At(in, inShape.ElemOffset(idx))
		if job.ReduceMax {
			cur := bufferF32At(job.Output, off)
			if v > cur {
				setOutputAt(job.Output, off, v)
			}
		} else {
			cur := bufferF32At(job.Output, off)
			setOutputAt(job.Output, off, cur+v)
		}
	})
	return nil
}

// dispatchMatMulCPU is the CPU reference backend's matmul dispatch. The
// unbatched (single matrix pair), contiguous, float32 case is the exact
// shape the teacher's own MPSEng.MatMul falls back to StdEng for
// (mps/matmul_darwin.go: "For non-dense tensors, non-float32 dtypes,
// non-2D shapes ... it transparently falls back to the embedded StdEng
// implementation") — so that case is dispatched through
// gorgonia.org/tensor's tensor.StdEng{}.MatMul directly rather than
// reimplementing the same triple loop StdEng already has. Batched
// matmul (leading broadcast dims) has no StdEng equivalent, so it keeps
// the hand-rolled walk below, generalized from StdEng's 2D-only case.
func dispatchMatMulCPU(job KernelJob) error {
	if job.Output.Dtype == F32 && len(job.BatchDims) == 0 {
		if handled, err := stdEngMatMul2D(job); handled {
			return err
		}
	}
	return dispatchMatMulBatchedCPU(job)
}

// stdEngMatMul2D runs job through gorgonia.org/tensor's tensor.StdEng
// when job is eligible (unbatched, float32, both operands resolvable to
// a dense view); handled reports whether it ran at all, so the caller
// can fall back to dispatchMatMulBatchedCPU for anything StdEng's 2D-only
// MatMul doesn't cover.
func stdEngMatMul2D(job KernelJob) (handled bool, err error) {
	a, b := job.Inputs[0], job.Inputs[1]
	if a.Dtype != F32 || b.Dtype != F32 {
		return false, nil
	}
	aShape, bShape := job.InputShapes[0], job.InputShapes[1]
	m, k, n := job.M, job.K, job.N
	dt := gorgoniaDtype(job.Output.Dtype)
	da := tensor.New(tensor.Of(dt), tensor.WithShape(m, k), tensor.WithBacking(denseSliceF32(a, aShape)))
	db := tensor.New(tensor.Of(dt), tensor.WithShape(k, n), tensor.WithBacking(denseSliceF32(b, bShape)))
	dc := tensor.New(tensor.Of(dt), tensor.WithShape(m, n), tensor.WithBacking(make([]float32, m*n)))
	eng := tensor.StdEng{}
	if err := eng.MatMul(da, db, dc); err != nil {
		return true, backendErrorf(err, "matmul: tensor.StdEng.MatMul")
	}
	out, ok := dc.Data().([]float32)
	if !ok {
		return false, nil
	}
	forEachIndex(job.OutputShape.Dims(), func(idx []int) {
		flat := flatIndex(job.OutputShape.Dims(), idx)
		setOutputAt(job.Output, job.OutputShape.ElemOffset(idx), out[flat])
	})
	return true, nil
}

// denseSliceF32 linearizes operand's view (honoring Offset/strides) into
// a fresh row-major []float32, the backing slice tensor.New(WithBacking(...))
// wraps without copying again.
func denseSliceF32(buf *Buffer, shape Shape) []float32 {
	out := make([]float32, shape.Numel())
	i := 0
	forEachIndex(shape.Dims(), func(idx []int) {
		out[i] = buf.F32[shape.ElemOffset(idx)]
		i++
	})
	return out
}

func dispatchMatMulBatchedCPU(job KernelJob) error {
	a, b := job.Inputs[0], job.Inputs[1]
	aShape, bShape := job.InputShapes[0], job.InputShapes[1]
	m, k, n := job.M, job.K, job.N
	aFull := append(append([]int(nil), job.BatchDims...), m, k)
	bFull := append(append([]int(nil), job.BatchDims...), k, n)
	aBroadcast, err := aShape.BroadcastTo(NewShape(aFull...))
	if err != nil {
		return err
	}
	bBroadcast, err := bShape.BroadcastTo(NewShape(bFull...))
	if err != nil {
		return err
	}

	forEachIndex(job.BatchDims, func(batchIdx []int) {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var acc float32
				for p := 0; p < k; p++ {
					av := bufferF32At(a, aBroadcast.ElemOffset(append(append([]int(nil), batchIdx...), i, p)))
					bv := bufferF32At(b, bBroadcast.ElemOffset(append(append([]int(nil), batchIdx...), p, j)))
					acc += av * bv
				}
				outIdx := append(append([]int(nil), batchIdx...), i, j)
				setOutputAt(job.Output, job.OutputShape.ElemOffset(outIdx), acc)
			}
		}
	})
	return nil
}

// bufferF32At reads buf[off] regardless of the buffer's dtype, widening
// ints to float32 — the scalar kernels (kernelmath.go) and the fused
// evaluator both operate in float32.
func bufferF32At(buf *Buffer, off int) float32 {
	switch buf.Dtype {
	case I32:
		return float32(buf.I32[off])
	case B8:
		return boolToF32(buf.B8[off] != 0)
	default:
		return buf.F32[off]
	}
}

func setOutputAt(buf *Buffer, off int, v float32) {
	switch buf.Dtype {
	case I32:
		buf.I32[off] = int32(v)
	case B8:
		buf.B8[off] = boolToByte(v != 0)
	default:
		buf.F32[off] = v
	}
}
