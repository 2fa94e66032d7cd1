// op.go
package lattice

// OpType is the coarse category used by the fusion compiler and the
// execution engine to dispatch without a vtable: Op is a tagged sum with
// one variant per op category, and dispatch is a match on the tag.
type OpType int

const (
	OpInitializer OpType = iota
	OpUnary
	OpBinary
	OpReduction
	OpTransform
	OpMatMul
)

// OpName identifies the specific operation within its OpType and is the
// other half of the (tag, dtype) key used for kernel/gradient-rule
// lookup tables.
type OpName int

const (
	// Initializers
	NameConstant OpName = iota
	NameArange
	NameFromHostBuffer

	// Unary
	NameExp
	NameLog
	NameNeg
	NameRecip
	NameSqrt
	NameSq

	// Binary
	NameAdd
	NameSub
	NameMul
	NameDiv
	NameEq
	NameNeq
	NameLt
	NameGt
	NameLeq
	NameGeq

	// Reduction
	NameSum
	NameMax

	// Transform
	NameReshape
	NamePermute
	NameSlice
	NameAsContiguous

	// MatMul
	NameMatMul
)

// opKernelNames maps every fusable/dispatchable OpName to its kernel
// token, matching the naming convention "<op>_<dtype>" and the teacher's
// MTLContext._unary_ops/_binary_ops string lists.
var opKernelNames = map[OpName]string{
	NameConstant: "constant_c",
	NameArange:   "arange",
	NameExp:      "exp",
	NameLog:      "log",
	NameNeg:      "neg",
	NameRecip:    "recip",
	NameSqrt:     "sqrt",
	NameSq:       "sq",
	NameAdd:      "add",
	NameSub:      "sub",
	NameMul:      "mul",
	NameDiv:      "div",
	NameEq:       "eq",
	NameNeq:      "neq",
	NameLt:       "lt",
	NameGt:       "gt",
	NameLeq:      "leq",
	NameGeq:      "geq",
}

// fusable reports whether t is one of the op categories the fusion
// compiler may inline into a generated kernel: Initializer, Unary, Binary.
func (t OpType) fusable() bool {
	return t == OpInitializer || t == OpUnary || t == OpBinary
}

// Op is the tagged union of every node-creating operation. Exactly one of
// the typed accessor methods below is meaningful for a given Op, selected
// by Type()/Name(); this mirrors a Rust-style sum type without requiring
// a type switch at every call site or a vtable per op.
type Op struct {
	typ  OpType
	name OpName

	// operand ids, in op-specific order (unary: operand[0]; binary:
	// operand[0], operand[1]; matmul: operand[0] (A), operand[1] (B);
	// reduction/transform: operand[0]).
	operands []int

	// Initializer payload.
	constVal   float64
	start      int
	step       int
	hostPtr    []byte // raw bytes for FromHostBuffer
	hostNBytes int

	// Reduction payload: dims is the set of reduced axes; empty means
	// "reduce all dims".
	dims []int

	// Transform payload.
	newDims      []int   // Reshape
	order        []int   // Permute
	ranges       []Range // Slice
	requiresCopy bool     // Reshape only
}

func (o Op) Type() OpType     { return o.typ }
func (o Op) Name() OpName     { return o.name }
func (o Op) Operands() []int  { return append([]int(nil), o.operands...) }

func (o Op) ConstValue() float64 { return o.constVal }
func (o Op) ArangeStart() int    { return o.start }
func (o Op) ArangeStep() int     { return o.step }
func (o Op) HostBytes() []byte   { return o.hostPtr }

func (o Op) ReduceDims() []int { return append([]int(nil), o.dims...) }

func (o Op) ReshapeDims() []int      { return append([]int(nil), o.newDims...) }
func (o Op) ReshapeRequiresCopy() bool { return o.requiresCopy }
func (o Op) PermuteOrder() []int     { return append([]int(nil), o.order...) }
func (o Op) SliceRanges() []Range    { return append([]Range(nil), o.ranges...) }

// InversePermutation returns the permutation p such that applying p after
// order undoes it: p[order[i]] = i.
func InversePermutation(order []int) []int {
	inv := make([]int, len(order))
	for i, o := range order {
		inv[o] = i
	}
	return inv
}
