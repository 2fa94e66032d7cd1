//go:build darwin && cgo

// backend_metal_darwin.go
//
// Darwin+cgo Backend: real Metal dispatch via the kernels_metal.h/.mm
// bridge, the same #cgo CFLAGS/LDFLAGS shape as the teacher's
// matmul_darwin.go/engine_darwin.go. Every dense elementwise/fused
// kernel compiles a small Metal Shading Language source string at
// registration time and dispatches it over a 1-D grid sized to the
// output's element count; contiguous float32 matmul (batched or not) is
// offloaded to MPSMatrixMultiplication via LatticeMetalMatMulFloat32,
// mirroring the teacher's MPSEng.MatMul fast path with the same
// fall-through-to-CPU behavior for anything outside that fast path
// (non-float32, strided or batch-broadcast matmul, sparse elementwise
// jobs, and every reduction — the teacher itself only accelerates
// MatMul and a narrow row-sum case; everything else defers to StdEng).
package lattice

/*
#cgo darwin CFLAGS: -fobjc-arc
#cgo darwin LDFLAGS: -framework Metal -framework MetalPerformanceShaders -framework Foundation
#include <stdlib.h>
#include "kernels_metal.h"
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type metalBackend struct {
	ctx       C.LatticeMetalContext
	compiled  map[string]bool
	fused     map[string]*FusedKernel
}

// newMetalBackend creates the Metal device/queue context. It returns nil
// if no Metal-capable device is present (e.g. inside a headless CI
// runner without a GPU) so DefaultBackend can fall back to the CPU
// reference implementation.
func newMetalBackend() Backend {
	ctx := C.LatticeMetalContextCreate()
	if ctx == nil {
		return nil
	}
	return &metalBackend{ctx: ctx, compiled: make(map[string]bool), fused: make(map[string]*FusedKernel)}
}

func (b *metalBackend) Name() string { return "metal" }

func (b *metalBackend) Wait() error { return nil } // LatticeMetalDispatch1D/MatMul block synchronously.

func (b *metalBackend) CompileFused(key string, fused *FusedKernel) error {
	if _, ok := b.fused[key]; ok {
		return backendErrorf(nil, "fused kernel %q already compiled", key)
	}
	fnName := fusedHostName(key, fused.Dtype)
	if err := b.compile(fnName, fused.Source); err != nil {
		return err
	}
	b.fused[key] = fused
	return nil
}

func (b *metalBackend) HasFused(key string) bool {
	_, ok := b.fused[key]
	return ok
}

// fusedHostName must agree with genMetalSource's [[host_name(...)]]
// attribute so LatticeMetalCompile resolves the right symbol. Both are
// "kernel<id>_<dtype>", which is already the cache key itself.
func fusedHostName(key string, dtype Dtype) string {
	return key
}

func (b *metalBackend) compile(fnName, source string) error {
	if b.compiled[fnName] {
		return nil
	}
	cFn := C.CString(fnName)
	cSrc := C.CString(source)
	defer C.free(unsafe.Pointer(cFn))
	defer C.free(unsafe.Pointer(cSrc))
	if status := C.LatticeMetalCompile(b.ctx, cFn, cSrc); status != 0 {
		return backendErrorf(nil, "metal: compiling %q failed (status %d)", fnName, int(status))
	}
	b.compiled[fnName] = true
	return nil
}

func (b *metalBackend) dispatch1D(fnName string, buffers []*Buffer, count int) error {
	cFn := C.CString(fnName)
	defer C.free(unsafe.Pointer(cFn))

	ptrs := make([]unsafe.Pointer, len(buffers))
	lengths := make([]C.long, len(buffers))
	for i, buf := range buffers {
		ptr, nbytes := bufferHostPointer(buf)
		ptrs[i] = ptr
		lengths[i] = C.long(nbytes)
	}
	status := C.LatticeMetalDispatch1D(
		b.ctx, cFn,
		(*unsafe.Pointer)(unsafe.Pointer(&ptrs[0])),
		(*C.long)(unsafe.Pointer(&lengths[0])),
		C.int(len(buffers)), C.long(count),
	)
	if status != 0 {
		return backendErrorf(nil, "metal: dispatch %q failed (status %d)", fnName, int(status))
	}
	return nil
}

// bufferHostPointer exposes buf's populated typed slice as a raw
// pointer+length pair for newBufferWithBytesNoCopy, the same
// unified-memory, no-copy binding the teacher's kernels.py relies on.
func bufferHostPointer(buf *Buffer) (unsafe.Pointer, int) {
	switch buf.Dtype {
	case I32:
		if len(buf.I32) == 0 {
			return nil, 0
		}
		return unsafe.Pointer(&buf.I32[0]), len(buf.I32) * 4
	case B8:
		if len(buf.B8) == 0 {
			return nil, 0
		}
		return unsafe.Pointer(&buf.B8[0]), len(buf.B8)
	default:
		if len(buf.F32) == 0 {
			return nil, 0
		}
		return unsafe.Pointer(&buf.F32[0]), len(buf.F32) * 4
	}
}

func (b *metalBackend) DispatchFused(key string, job KernelJob) error {
	fused, ok := b.fused[key]
	if !ok {
		return backendErrorf(nil, "fused kernel %q not registered", key)
	}
	fnName := fusedHostName(key, fused.Dtype)
	buffers := append(append([]*Buffer(nil), job.Inputs...), job.Output)
	return b.dispatch1D(fnName, buffers, job.Output.Len())
}

func (b *metalBackend) DispatchStatic(job KernelJob) error {
	switch job.Kernel {
	case "reduce":
		// Only MatMul gets a dedicated MPS path below; every reduction
		// defers to the portable CPU implementation, matching the
		// teacher's MPSEng (which accelerates only MatMul and a single
		// row-sum case and falls back to StdEng for everything else).
		return dispatchReduce(job)
	case "matmul":
		return b.dispatchMatMul(job)
	}

	// The one-thread-per-output-element kernels below index every bound
	// buffer by the raw thread id with no broadcast/stride math, just
	// like the fused kernels fusion.go generates. Sparse (broadcast or
	// otherwise non-contiguous) jobs fall back to the portable CPU
	// dispatch, the same fast-path/fallback shape as the teacher's
	// isRowMajorContiguous2D check in MatMul.
	if job.Sparse {
		return dispatchStaticCPUFallback(job)
	}

	fnName, source, err := genStaticMetalSource(job)
	if err != nil {
		return err
	}
	if err := b.compile(fnName, source); err != nil {
		return err
	}
	buffers := append(append([]*Buffer(nil), job.Inputs...), job.Output)
	return b.dispatch1D(fnName, buffers, job.Output.Len())
}

// dispatchMatMul offloads contiguous float32 batched matmul to MPS;
// anything else (non-float32, or operands that still require a
// broadcast/stride walk) falls back to the CPU implementation, the same
// "fast path or fall back to StdEng" shape as the teacher's MatMul.
func (b *metalBackend) dispatchMatMul(job KernelJob) error {
	if job.Output.Dtype != F32 || job.Inputs[0].Dtype != F32 || job.Inputs[1].Dtype != F32 {
		return dispatchMatMulCPU(job)
	}
	if !job.InputShapes[0].Contiguous() || !job.InputShapes[1].Contiguous() {
		return dispatchMatMulCPU(job)
	}
	batch := 1
	for _, d := range job.BatchDims {
		batch *= d
	}
	if job.InputShapes[0].Numel() != batch*job.M*job.K || job.InputShapes[1].Numel() != batch*job.K*job.N {
		// An operand broadcast over the batch prefix.
		return dispatchMatMulCPU(job)
	}
	a, bb, c := job.Inputs[0].F32, job.Inputs[1].F32, job.Output.F32
	if len(a) == 0 || len(bb) == 0 || len(c) == 0 {
		return nil
	}
	status := C.LatticeMetalMatMulFloat32(
		b.ctx,
		(*C.float)(unsafe.Pointer(&a[0])),
		(*C.float)(unsafe.Pointer(&bb[0])),
		(*C.float)(unsafe.Pointer(&c[0])),
		C.int(batch), C.int(job.M), C.int(job.K), C.int(job.N),
	)
	if status != 0 {
		return dispatchMatMulCPU(job)
	}
	return nil
}

// dispatchStaticCPUFallback routes a non-contiguous job to the same CPU
// kernels the pure-Go backend uses, since every Metal kernel generated
// by genStaticMetalSource assumes dense, thread-id-aligned buffers.
func dispatchStaticCPUFallback(job KernelJob) error {
	switch job.Kernel {
	case "constant_c":
		return dispatchConstant(job)
	case "arange":
		return dispatchArange(job)
	case "copy":
		return dispatchCopy(job)
	}
	if name, ok := kernelNameToOp[job.Kernel]; ok {
		if len(job.Inputs) == 1 {
			return dispatchUnaryCPU(name, job)
		}
		return dispatchBinaryCPU(name, job)
	}
	return unsupportedOpErrorf("metal backend: unknown static kernel %q", job.Kernel)
}

// genStaticMetalSource renders the one-line-body MSL kernel for a
// non-fused static op: one thread per output element, matching
// fusion.go's genMetalBody for a single node. constant_c/arange embed
// their scalar parameters directly in the generated source and mint a
// fresh function name per call (their parameters vary per dispatch, so
// there is nothing useful to cache); unary/binary/copy kernels are
// named by (kernel, dtype) and compiled once.
func genStaticMetalSource(job KernelJob) (fnName, source string, err error) {
	outCType := metalCType(job.Output.Dtype)
	switch job.Kernel {
	case "constant_c":
		metalStaticSeq++
		fnName = fmt.Sprintf("static_constant_%d", metalStaticSeq)
		source = fmt.Sprintf(
			"#include <metal_stdlib>\nusing namespace metal;\nkernel void %s(device %s *output [[buffer(0)]], uint id [[thread_position_in_grid]]) {\n\toutput[id] = (%s)(%v);\n}\n",
			fnName, outCType, outCType, job.ConstValue,
		)
		return fnName, source, nil
	case "arange":
		metalStaticSeq++
		fnName = fmt.Sprintf("static_arange_%d", metalStaticSeq)
		source = fmt.Sprintf(
			"#include <metal_stdlib>\nusing namespace metal;\nkernel void %s(device %s *output [[buffer(0)]], uint id [[thread_position_in_grid]]) {\n\toutput[id] = (%s)(%d + int(id) * %d);\n}\n",
			fnName, outCType, outCType, job.Start, job.Step,
		)
		return fnName, source, nil
	case "copy":
		fnName = fmt.Sprintf("static_copy_%s", outCType)
		source = fmt.Sprintf(
			"#include <metal_stdlib>\nusing namespace metal;\nkernel void %s(device %s *input0 [[buffer(0)]], device %s *output [[buffer(1)]], uint id [[thread_position_in_grid]]) {\n\toutput[id] = input0[id];\n}\n",
			fnName, outCType, outCType,
		)
		return fnName, source, nil
	}

	name, ok := kernelNameToOp[job.Kernel]
	if !ok {
		return "", "", unsupportedOpErrorf("metal backend: unknown static kernel %q", job.Kernel)
	}
	if len(job.Inputs) == 1 {
		inCType := metalCType(job.Inputs[0].Dtype)
		fnName = fmt.Sprintf("static_%s_%s", job.Kernel, inCType)
		expr := metalUnaryExpr(name, "input0[id]")
		source = fmt.Sprintf(
			"#include <metal_stdlib>\nusing namespace metal;\nkernel void %s(device %s *input0 [[buffer(0)]], device %s *output [[buffer(1)]], uint id [[thread_position_in_grid]]) {\n\toutput[id] = (%s)(%s);\n}\n",
			fnName, inCType, outCType, outCType, expr,
		)
		return fnName, source, nil
	}
	inCType := metalCType(job.Inputs[0].Dtype)
	fnName = fmt.Sprintf("static_%s_%s_%s", job.Kernel, inCType, outCType)
	expr := metalBinaryExpr(name, "input0[id]", "input1[id]")
	source = fmt.Sprintf(
		"#include <metal_stdlib>\nusing namespace metal;\nkernel void %s(device %s *input0 [[buffer(0)]], device %s *input1 [[buffer(1)]], device %s *output [[buffer(2)]], uint id [[thread_position_in_grid]]) {\n\toutput[id] = (%s)(%s);\n}\n",
		fnName, inCType, inCType, outCType, outCType, expr,
	)
	return fnName, source, nil
}

var metalStaticSeq int

// DefaultBackend prefers real Metal dispatch, falling back to the CPU
// reference backend when no Metal device is available.
func DefaultBackend() Backend {
	if b := newMetalBackend(); b != nil {
		return b
	}
	return newCPUBackend()
}
