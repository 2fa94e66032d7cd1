// backend.go
package lattice

// KernelJob describes one dispatch: a named kernel (or a fused-kernel
// key), its dtype, and its buffer bindings in the order the real GPU
// backend would bind them at buffer indices 0..n.
type KernelJob struct {
	// Kernel is the bare op token ("add", "exp", "constant_c", "copy",
	// ...); the backend derives the full "<op>_<dtype>" or
	// "sparse_<op>_<dtype>" name itself.
	Kernel string
	Dtype  Dtype
	Sparse bool

	Inputs      []*Buffer
	InputShapes []Shape // parallel to Inputs; each operand's view (strides, offset)
	Output      *Buffer
	OutputShape Shape

	// Initializer payload.
	ConstValue float64
	Start, Step int

	// Reduction payload.
	ReduceDims []int
	ReduceAll  bool
	ReduceMax  bool // false => Sum

	// MatMul payload: batch dims plus (m, k, n); Inputs[0]/[1] are A/B.
	BatchDims []int
	M, K, N   int
}

// FusedEvalFunc evaluates one thread's worth of a fused subgraph: given
// the terminal initializer values (in the same order as the fusion's
// terminal list) it returns the fused expression's scalar result. This is
// the CPU-portable analogue of the Metal source text the real backend
// JIT-compiles.
type FusedEvalFunc func(terminals []float32) float32

// FusedKernel is what the fusion compiler hands to a Backend to register
// under a cache key: the generated kernel source (for real GPU backends
// to compile) and a portable evaluator (for the CPU backend, and for
// fusion-equivalence tests).
type FusedKernel struct {
	Source   string
	Dtype    Dtype
	NumInput int
	Eval     FusedEvalFunc
}

// Backend is the abstract GPU collaborator: loading or compiling
// kernels, producing pipeline state, allocating buffers, and
// encoding/committing compute dispatches. lattice ships two
// implementations: backend_metal_darwin.go (cgo, Darwin-only, real
// Metal/MPS dispatch) and backend_cpu.go (the default everywhere else,
// built on gorgonia.org/tensor) — mirroring the teacher's MPSEng, which
// embeds tensor.StdEng and overrides only the accelerated paths.
type Backend interface {
	// Name identifies the backend for logging ("metal", "cpu").
	Name() string

	// DispatchStatic runs one of the kernels pre-registered at Context
	// construction, from the per-op kernel catalog.
	DispatchStatic(job KernelJob) error

	// CompileFused registers a new fused kernel under key. Real GPU
	// backends JIT-compile fused.Source into a pipeline object; the CPU
	// backend remembers fused.Eval. Must reject a key that is already
	// registered.
	CompileFused(key string, fused *FusedKernel) error

	// HasFused reports whether key was already registered, the fused
	// kernel cache lookup the execution engine performs per node.
	HasFused(key string) bool

	// DispatchFused runs the fused kernel registered under key.
	DispatchFused(key string, job KernelJob) error

	// Wait blocks until every dispatch enqueued since the last Wait has
	// completed, the terminal waitUntilCompleted.
	Wait() error
}
