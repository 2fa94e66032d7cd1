// tensor.go
package lattice

import "fmt"

// Tensor is one node in the expression graph. It is immutable in its
// op/shape once constructed; in-place elementwise ops produce a new node
// whose storage aliases an existing buffer rather than mutating this one.
type Tensor struct {
	id    int
	dtype Dtype
	shape Shape
	op    Op

	storage *Buffer // nil until materialized by the execution engine
	grad    *Tensor // nil until first gradient accumulation

	// baseID is the id of the Tensor this one is a non-materializing view
	// of (-1 when this Tensor owns its storage). Held by id, not by
	// pointer, so that the arena remains the single owner.
	baseID int

	arena *Arena
	name  string

	requiresGrad bool
}

// ID is the monotonically increasing construction-order identity used as
// the primary key for memoization, kernel caches, and topo-sort visited
// sets.
func (t *Tensor) ID() int           { return t.id }
func (t *Tensor) Dtype() Dtype      { return t.dtype }
func (t *Tensor) Shape() Shape      { return t.shape }
func (t *Tensor) Op() Op            { return t.op }
func (t *Tensor) Numel() int        { return t.shape.Numel() }
func (t *Tensor) NDim() int         { return t.shape.NDim() }
func (t *Tensor) Name() string      { return t.name }
func (t *Tensor) SetName(n string)  { t.name = n }

// Storage returns the materialized Buffer, or nil if this node (or its
// base, for a view) has not been executed yet.
func (t *Tensor) Storage() *Buffer {
	if t.storage != nil {
		return t.storage
	}
	if b := t.Base(); b != nil {
		return b.Storage()
	}
	return nil
}

// Base returns the Tensor this one is a view over, or nil if it owns its
// storage.
func (t *Tensor) Base() *Tensor {
	if t.baseID < 0 {
		return nil
	}
	return t.arena.Get(t.baseID)
}

// IsView reports whether t shares storage with another node.
func (t *Tensor) IsView() bool { return t.baseID >= 0 }

// Grad returns the accumulated gradient Tensor, or nil if Backward has not
// run or this node did not participate in the tape.
func (t *Tensor) Grad() *Tensor { return t.grad }

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Operand resolves the i-th operand id recorded on t's Op back to its
// owning Tensor via the shared Arena.
func (t *Tensor) Operand(i int) *Tensor {
	return t.arena.Get(t.op.operands[i])
}

// Arena returns the arena t was constructed against, so collaborators
// (Graph, fusion compiler, autograd) can allocate further nodes (e.g.
// gradient accumulators) sharing the same id space.
func (t *Tensor) Arena() *Arena { return t.arena }

func (t *Tensor) String() string {
	name := t.name
	if name == "" {
		name = fmt.Sprintf("t%d", t.id)
	}
	return fmt.Sprintf("%s(dtype=%s, shape=%v)", name, t.dtype, t.shape.Dims())
}

// Arena owns every Tensor constructed against it by id: a graph-wide
// arena, the single owner of every node. All factories and operator
// methods are Arena methods (or call back into the owning Arena via
// Tensor.arena) so that every node created while building one expression
// shares the same id space.
type Arena struct {
	nodes []*Tensor
}

// NewArena creates an empty node arena. Each Graph is built against
// exactly one Arena.
func NewArena() *Arena { return &Arena{} }

// Get resolves an id to its owning Tensor.
func (a *Arena) Get(id int) *Tensor { return a.nodes[id] }

// Len is the number of nodes constructed in this arena so far.
func (a *Arena) Len() int { return len(a.nodes) }

// alloc assigns the next id, appends to the arena, and enforces the
// construction-time DAG invariant: every operand must already exist in
// the arena, so its id is strictly less than the new node's id. The op
// graph is a DAG by construction, and this is where that gets checked.
func (a *Arena) alloc(dtype Dtype, shape Shape, op Op, baseID int, requiresGrad bool) *Tensor {
	id := len(a.nodes)
	for _, opnd := range op.operands {
		if opnd >= id {
			panic(fmt.Sprintf("lattice: operand id %d is not less than constructed node id %d", opnd, id))
		}
	}
	t := &Tensor{id: id, dtype: dtype, shape: shape, op: op, baseID: baseID, arena: a, requiresGrad: requiresGrad}
	a.nodes = append(a.nodes, t)
	return t
}

// ---- Initializer factories ----

// Constant creates a node that, on first materialization, fills every
// element with value (widened/narrowed to dtype by the backend's
// constant kernel).
func (a *Arena) Constant(dtype Dtype, shape Shape, value float64) *Tensor {
	op := Op{typ: OpInitializer, name: NameConstant, constVal: value}
	return a.alloc(dtype, shape, op, -1, true)
}

// Full creates a Constant-initialized tensor of the given shape.
func (a *Arena) Full(dtype Dtype, dims []int, value float64) *Tensor {
	return a.Constant(dtype, NewShape(dims...), value)
}

// Zeros and Ones are Full specialized to the two constants every caller
// needs, matching the teacher's tensor.New(tensor.WithShape(...))-adjacent
// convenience constructors.
func (a *Arena) Zeros(dtype Dtype, dims ...int) *Tensor { return a.Full(dtype, dims, 0) }
func (a *Arena) Ones(dtype Dtype, dims ...int) *Tensor  { return a.Full(dtype, dims, 1) }

// Arange creates a node whose elements are start, start+step, start+2*step, ...
// in row-major order.
func (a *Arena) Arange(dtype Dtype, dims []int, start, step int) (*Tensor, error) {
	if !dtype.Numeric() {
		return nil, dtypeErrorf("arange: dtype %s is not numeric", dtype)
	}
	op := Op{typ: OpInitializer, name: NameArange, start: start, step: step}
	return a.alloc(dtype, NewShape(dims...), op, -1, true), nil
}

// FromHostBuffer wraps a host-side contiguous byte region as an
// initializer whose materialization is a memcpy to device memory. data's
// length must equal numel*dtype.ByteWidth().
func (a *Arena) FromHostBuffer(dtype Dtype, dims []int, data []byte) (*Tensor, error) {
	shape := NewShape(dims...)
	want := shape.Numel() * dtype.ByteWidth()
	if len(data) != want {
		return nil, shapeErrorf("from_host_buffer: have %d bytes, want %d for shape %v dtype %s", len(data), want, dims, dtype)
	}
	op := Op{typ: OpInitializer, name: NameFromHostBuffer, hostPtr: data, hostNBytes: len(data)}
	return a.alloc(dtype, shape, op, -1, true), nil
}

// ---- Unary ----

func (t *Tensor) unary(name OpName) (*Tensor, error) {
	if !t.dtype.Numeric() {
		return nil, dtypeErrorf("%s: dtype %s is not numeric", opKernelNames[name], t.dtype)
	}
	op := Op{typ: OpUnary, name: name, operands: []int{t.id}}
	return t.arena.alloc(t.dtype, t.shape, op, -1, true), nil
}

func (t *Tensor) Exp() (*Tensor, error)   { return t.unary(NameExp) }
func (t *Tensor) Log() (*Tensor, error)   { return t.unary(NameLog) }
func (t *Tensor) Neg() (*Tensor, error)   { return t.unary(NameNeg) }
func (t *Tensor) Recip() (*Tensor, error) { return t.unary(NameRecip) }
func (t *Tensor) Sqrt() (*Tensor, error)  { return t.unary(NameSqrt) }
func (t *Tensor) Sq() (*Tensor, error)    { return t.unary(NameSq) }

// ---- Binary ----

// binaryResultDtype enforces that there is no implicit dtype promotion:
// both numeric operands of an arithmetic binary op must already share a
// dtype; comparisons always produce B8.
func binaryResultDtype(name OpName, a, b Dtype) (Dtype, error) {
	isCompare := name == NameEq || name == NameNeq || name == NameLt || name == NameGt || name == NameLeq || name == NameGeq
	if isCompare {
		if a != b {
			return 0, dtypeErrorf("comparison %s: dtype mismatch %s vs %s (no implicit promotion)", opKernelNames[name], a, b)
		}
		return B8, nil
	}
	if a != b {
		return 0, dtypeErrorf("binary op %s: dtype mismatch %s vs %s (no implicit promotion)", opKernelNames[name], a, b)
	}
	if !a.Numeric() {
		return 0, dtypeErrorf("binary op %s: dtype %s is not numeric", opKernelNames[name], a)
	}
	return a, nil
}

func (t *Tensor) binary(name OpName, other *Tensor) (*Tensor, error) {
	resultShape, err := t.shape.Broadcast(other.shape)
	if err != nil {
		return nil, shapeErrorf("%s: %v", opKernelNames[name], err)
	}
	dtype, err := binaryResultDtype(name, t.dtype, other.dtype)
	if err != nil {
		return nil, err
	}
	op := Op{typ: OpBinary, name: name, operands: []int{t.id, other.id}}
	return t.arena.alloc(dtype, resultShape, op, -1, true), nil
}

func (t *Tensor) Add(o *Tensor) (*Tensor, error)  { return t.binary(NameAdd, o) }
func (t *Tensor) Sub(o *Tensor) (*Tensor, error)  { return t.binary(NameSub, o) }
func (t *Tensor) Mul(o *Tensor) (*Tensor, error)  { return t.binary(NameMul, o) }
func (t *Tensor) Div(o *Tensor) (*Tensor, error)  { return t.binary(NameDiv, o) }
func (t *Tensor) Eq(o *Tensor) (*Tensor, error)   { return t.binary(NameEq, o) }
func (t *Tensor) Neq(o *Tensor) (*Tensor, error)  { return t.binary(NameNeq, o) }
func (t *Tensor) Lt(o *Tensor) (*Tensor, error)   { return t.binary(NameLt, o) }
func (t *Tensor) Gt(o *Tensor) (*Tensor, error)   { return t.binary(NameGt, o) }
func (t *Tensor) Leq(o *Tensor) (*Tensor, error)  { return t.binary(NameLeq, o) }
func (t *Tensor) Geq(o *Tensor) (*Tensor, error)  { return t.binary(NameGeq, o) }

// scalar promotes v to a 0-D Constant of t's dtype, then broadcasts it
// against t: a bare scalar combined with a tensor adopts the tensor's
// dtype rather than triggering any promotion.
func (t *Tensor) scalar(v float64) *Tensor {
	return t.arena.Constant(t.dtype, NewShape(), v)
}

func (t *Tensor) AddScalar(v float64) (*Tensor, error) { return t.Add(t.scalar(v)) }
func (t *Tensor) SubScalar(v float64) (*Tensor, error) { return t.Sub(t.scalar(v)) }
func (t *Tensor) MulScalar(v float64) (*Tensor, error) { return t.Mul(t.scalar(v)) }
func (t *Tensor) DivScalar(v float64) (*Tensor, error) { return t.Div(t.scalar(v)) }

// ---- Reduction ----

// reduceShape computes the keepdim output shape for reducing dims (empty
// means "reduce all dims to a scalar").
func reduceShape(s Shape, dims []int) Shape {
	if len(dims) == 0 {
		out := make([]int, s.NDim())
		for i := range out {
			out[i] = 1
		}
		return NewShape(out...)
	}
	reduced := make(map[int]bool, len(dims))
	for _, d := range dims {
		reduced[d] = true
	}
	out := append([]int(nil), s.Dims()...)
	for d := range reduced {
		out[d] = 1
	}
	return NewShape(out...)
}

func (t *Tensor) reduce(name OpName, dims []int) (*Tensor, error) {
	if !t.dtype.Numeric() {
		return nil, dtypeErrorf("%s: dtype %s is not numeric", opKernelNames[name], t.dtype)
	}
	for _, d := range dims {
		if d < 0 || d >= t.NDim() {
			return nil, shapeErrorf("reduce: axis %d out of range for rank %d", d, t.NDim())
		}
	}
	op := Op{typ: OpReduction, name: name, operands: []int{t.id}, dims: append([]int(nil), dims...)}
	return t.arena.alloc(t.dtype, reduceShape(t.shape, dims), op, -1, true), nil
}

// Sum reduces over dims (empty => all dims), keeping them as size-1 dims.
func (t *Tensor) Sum(dims ...int) (*Tensor, error) { return t.reduce(NameSum, dims) }

// Max reduces over dims (empty => all dims), keeping them as size-1 dims.
func (t *Tensor) Max(dims ...int) (*Tensor, error) { return t.reduce(NameMax, dims) }

// ---- Transform ----

// Reshape reinterprets t as newDims. Whether this materializes a copy is
// decided by Shape.ReshapeRequiresCopy and recorded on the Op so exec.go
// does not need to re-derive it.
func (t *Tensor) Reshape(newDims ...int) (*Tensor, error) {
	newShape, err := t.shape.Reshape(newDims...)
	if err != nil {
		return nil, err
	}
	requiresCopy := t.shape.ReshapeRequiresCopy(newDims)
	op := Op{typ: OpTransform, name: NameReshape, operands: []int{t.id}, newDims: append([]int(nil), newDims...), requiresCopy: requiresCopy}
	baseID := -1
	if !requiresCopy {
		baseID = t.id
	}
	return t.arena.alloc(t.dtype, newShape, op, baseID, true), nil
}

// Flatten reshapes t to a single dimension.
func (t *Tensor) Flatten() (*Tensor, error) { return t.Reshape(t.Numel()) }

// Permute reorders t's dims by order; always a view.
func (t *Tensor) Permute(order ...int) (*Tensor, error) {
	newShape, err := t.shape.Permute(order)
	if err != nil {
		return nil, err
	}
	op := Op{typ: OpTransform, name: NamePermute, operands: []int{t.id}, order: append([]int(nil), order...)}
	return t.arena.alloc(t.dtype, newShape, op, t.id, true), nil
}

// Transpose swaps the last two dims, the common 2-D case of Permute.
func (t *Tensor) Transpose() (*Tensor, error) {
	n := t.NDim()
	if n < 2 {
		return nil, shapeErrorf("transpose: rank %d < 2", n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	order[n-1], order[n-2] = order[n-2], order[n-1]
	return t.Permute(order...)
}

// Slice applies one Range per dimension; always a view.
func (t *Tensor) Slice(ranges ...Range) (*Tensor, error) {
	newShape, err := t.shape.Slice(ranges)
	if err != nil {
		return nil, err
	}
	op := Op{typ: OpTransform, name: NameSlice, operands: []int{t.id}, ranges: append([]Range(nil), ranges...)}
	return t.arena.alloc(t.dtype, newShape, op, t.id, true), nil
}

// AsContiguous always materializes a fresh, densely packed buffer holding
// t's logical values.
func (t *Tensor) AsContiguous() (*Tensor, error) {
	contiguous := NewShape(t.shape.Dims()...)
	op := Op{typ: OpTransform, name: NameAsContiguous, operands: []int{t.id}}
	return t.arena.alloc(t.dtype, contiguous, op, -1, true), nil
}

// ---- MatMul ----

// MatMul batches over any broadcastable leading dims and contracts the
// last two.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if t.dtype != other.dtype {
		return nil, dtypeErrorf("matmul: dtype mismatch %s vs %s", t.dtype, other.dtype)
	}
	if !t.dtype.Numeric() {
		return nil, dtypeErrorf("matmul: dtype %s is not numeric", t.dtype)
	}
	resultShape, err := t.shape.MatmulBroadcast(other.shape)
	if err != nil {
		return nil, err
	}
	op := Op{typ: OpMatMul, name: NameMatMul, operands: []int{t.id, other.id}}
	return t.arena.alloc(t.dtype, resultShape, op, -1, true), nil
}
