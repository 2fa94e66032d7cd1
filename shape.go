// shape.go
package lattice

// Shape is an immutable view descriptor: a logical extent per dimension,
// a stride per dimension (in elements, not bytes), and an element offset
// into the owning Buffer. Two Shapes with different strides/offset can
// describe the same backing storage as different logical views.
//
// Shape values are always copied, never mutated in place: every method
// below returns a new Shape.
type Shape struct {
	dims    []int
	strides []int
	offset  int
}

// NewShape builds the canonical row-major (contiguous) Shape for dims.
// An empty dims slice describes a scalar (NDim==0, Numel==1).
func NewShape(dims ...int) Shape {
	d := append([]int(nil), dims...)
	return Shape{dims: d, strides: rowMajorStrides(d), offset: 0}
}

// newShapeWithStrides is for internal use by the algebra below, where the
// strides are not simply row-major (broadcasts, slices, permutes).
func newShapeWithStrides(dims, strides []int, offset int) Shape {
	return Shape{dims: append([]int(nil), dims...), strides: append([]int(nil), strides...), offset: offset}
}

func rowMajorStrides(dims []int) []int {
	n := len(dims)
	strides := make([]int, n)
	acc := 1
	for i := n - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= dims[i]
	}
	return strides
}

// NDim is the rank of the Shape.
func (s Shape) NDim() int { return len(s.dims) }

// Dims returns a copy of the per-dimension extents.
func (s Shape) Dims() []int { return append([]int(nil), s.dims...) }

// Dim returns the extent of dimension i.
func (s Shape) Dim(i int) int { return s.dims[i] }

// Strides returns a copy of the per-dimension element strides.
func (s Shape) Strides() []int { return append([]int(nil), s.strides...) }

// Stride returns the element stride of dimension i.
func (s Shape) Stride(i int) int { return s.strides[i] }

// Offset is the element offset into the owning Buffer that logical index
// (0,0,...,0) maps to.
func (s Shape) Offset() int { return s.offset }

// Numel is the product of all dims; a scalar's Numel is 1 by convention
// (empty product).
func (s Shape) Numel() int {
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// Contiguous reports whether strides equal the row-major strides of dims,
// i.e. whether linear storage order equals logical index order.
func (s Shape) Contiguous() bool {
	want := rowMajorStrides(s.dims)
	for i := range want {
		if s.strides[i] != want[i] && s.dims[i] > 1 {
			return false
		}
	}
	return true
}

// Broadcastable reports whether s and other can be broadcast together:
// right-aligned dims must either match or have one side equal to 1.
func (s Shape) Broadcastable(other Shape) bool {
	_, ok := tryBroadcastDims(s.dims, other.dims)
	return ok
}

func tryBroadcastDims(a, b []int) ([]int, bool) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if idx := len(a) - 1 - i; idx >= 0 {
			da = a[idx]
		}
		if idx := len(b) - 1 - i; idx >= 0 {
			db = b[idx]
		}
		switch {
		case da == db:
			out[n-1-i] = da
		case da == 1:
			out[n-1-i] = db
		case db == 1:
			out[n-1-i] = da
		default:
			return nil, false
		}
	}
	return out, true
}

// Broadcast returns the element-wise max-shape of s and other. A
// dimension whose source extent was 1 gets stride 0 in the result for
// that side (callers apply this independently to each operand — see
// broadcastStridesFor). Broadcast itself only computes the resulting
// dims; Context/exec call broadcastStridesFor(s, result.Dims()) per
// operand to get that operand's broadcast Shape.
func (s Shape) Broadcast(other Shape) (Shape, error) {
	dims, ok := tryBroadcastDims(s.dims, other.dims)
	if !ok {
		return Shape{}, shapeErrorf("cannot broadcast shapes %v and %v", s.dims, other.dims)
	}
	return NewShape(dims...), nil
}

// BroadcastableTo reports whether s can be broadcast, without growing any
// of its own dims beyond size 1, to exactly target.
func (s Shape) BroadcastableTo(target Shape) bool {
	_, err := s.BroadcastTo(target)
	return err == nil
}

// BroadcastTo returns the Shape s would have as a zero-copy view once
// broadcast to target: same rank as target, with a 0 stride inserted for
// every dim that was absent or size-1 in s. It is asymmetric: s itself
// must never need to shrink, and any dim where s disagrees with target
// must be 1 in s.
func (s Shape) BroadcastTo(target Shape) (Shape, error) {
	n := target.NDim()
	if s.NDim() > n {
		return Shape{}, shapeErrorf("cannot broadcast_to: source rank %d exceeds target rank %d", s.NDim(), n)
	}
	dims := make([]int, n)
	strides := make([]int, n)
	for i := 0; i < n; i++ {
		td := target.dims[i]
		srcIdx := i - (n - s.NDim())
		if srcIdx < 0 {
			dims[i] = td
			strides[i] = 0
			continue
		}
		sd := s.dims[srcIdx]
		switch {
		case sd == td:
			dims[i] = td
			strides[i] = s.strides[srcIdx]
		case sd == 1:
			dims[i] = td
			strides[i] = 0
		default:
			return Shape{}, shapeErrorf("cannot broadcast_to: dim %d is %d, target requires %d", srcIdx, sd, td)
		}
	}
	return newShapeWithStrides(dims, strides, s.offset), nil
}

// broadcastStridesFor returns the Shape s takes on when viewed as part of
// a binary op whose result has resultDims: s is right-aligned against
// resultDims and every dim that was size 1 in s (or absent) gets stride 0.
func (s Shape) broadcastStridesFor(resultDims []int) Shape {
	n := len(resultDims)
	dims := make([]int, n)
	strides := make([]int, n)
	pad := n - s.NDim()
	for i := 0; i < n; i++ {
		dims[i] = resultDims[i]
		srcIdx := i - pad
		if srcIdx < 0 || s.dims[srcIdx] == 1 {
			strides[i] = 0
		} else {
			strides[i] = s.strides[srcIdx]
		}
	}
	return newShapeWithStrides(dims, strides, s.offset)
}

// ElemOffset resolves a multi-index (one coordinate per dimension) to its
// linear offset into the owning Buffer, honoring strides and offset. Used
// by the CPU backend's strided ("sparse") dispatch path and by autograd's
// broadcast-reduction, both of which must walk a non-contiguous view
// element by element.
func (s Shape) ElemOffset(idx []int) int {
	off := s.offset
	for i, ix := range idx {
		off += ix * s.strides[i]
	}
	return off
}

// Permute reorders dims/strides by order, which must be a permutation of
// 0..NDim-1.
func (s Shape) Permute(order []int) (Shape, error) {
	n := s.NDim()
	if len(order) != n {
		return Shape{}, shapeErrorf("permute: order length %d does not match ndim %d", len(order), n)
	}
	seen := make([]bool, n)
	for _, o := range order {
		if o < 0 || o >= n {
			return Shape{}, shapeErrorf("permute: order index %d out of range [0,%d)", o, n)
		}
		if seen[o] {
			return Shape{}, shapeErrorf("permute: duplicate index %d in order %v", o, order)
		}
		seen[o] = true
	}
	dims := make([]int, n)
	strides := make([]int, n)
	for i, o := range order {
		dims[i] = s.dims[o]
		strides[i] = s.strides[o]
	}
	return newShapeWithStrides(dims, strides, s.offset), nil
}

// Reshape returns the Shape's logical reinterpretation as newDims, which
// must have equal Numel. The caller (tensor.go's Reshape factory) decides
// whether this is representable as a pure view (s.Contiguous()) or
// requires a materializing copy first; Reshape itself only validates
// numel and, when the source is contiguous, computes the resulting
// row-major Shape.
func (s Shape) Reshape(newDims ...int) (Shape, error) {
	want := 1
	for _, d := range newDims {
		want *= d
	}
	if want != s.Numel() {
		return Shape{}, shapeErrorf("reshape: numel mismatch: have %d (%v), want %d (%v)", s.Numel(), s.dims, want, newDims)
	}
	return NewShape(newDims...), nil
}

// ReshapeRequiresCopy reports whether reshape to newDims can be a pure
// view (contiguous source, trivially re-derivable strides) or needs a
// strided-copy materialization first.
func (s Shape) ReshapeRequiresCopy(newDims []int) bool {
	return !s.Contiguous()
}

// Range is one dimension's (start, stop, step) slice spec. Step may be
// negative; start==stop yields a valid, zero-numel dimension.
type Range struct {
	Start, Stop, Step int
}

// Slice applies one Range per dimension: new_dim_i = ceil((stop-start)/step),
// new_stride_i = old_stride_i*step, with the start contribution folded
// into the returned Shape's offset.
func (s Shape) Slice(ranges []Range) (Shape, error) {
	n := s.NDim()
	if len(ranges) != n {
		return Shape{}, shapeErrorf("slice: %d ranges given for a %d-dim shape", len(ranges), n)
	}
	dims := make([]int, n)
	strides := make([]int, n)
	offset := s.offset
	for i, r := range ranges {
		if r.Step == 0 {
			return Shape{}, shapeErrorf("slice: dim %d has zero step", i)
		}
		length := ceilDiv(r.Stop-r.Start, r.Step)
		if length < 0 {
			length = 0
		}
		dims[i] = length
		strides[i] = s.strides[i] * r.Step
		offset += r.Start * s.strides[i]
	}
	return newShapeWithStrides(dims, strides, offset), nil
}

func ceilDiv(a, b int) int {
	if b > 0 {
		if a > 0 {
			return (a + b - 1) / b
		}
		return -((-a) / b)
	}
	// b < 0: division truncates toward zero in Go for ints of opposite
	// sign, so flip both operands to reduce to the b>0 case.
	return ceilDiv(-a, -b)
}

// MatmulCompat reports whether s and other can be matrix-multiplied:
// last two dims form the (m,k)·(k,n) pair, leading dims must be
// broadcast-compatible, and 1-D operands are rejected.
func (s Shape) MatmulCompat(other Shape) error {
	if s.NDim() < 2 || other.NDim() < 2 {
		return shapeErrorf("matmul: operands must be at least 2-D, got ranks %d and %d", s.NDim(), other.NDim())
	}
	k1 := s.dims[s.NDim()-1]
	k2 := other.dims[other.NDim()-1-1]
	if k1 != k2 {
		return shapeErrorf("matmul: inner dimensions %d and %d do not match", k1, k2)
	}
	aBatch := NewShape(s.dims[:s.NDim()-2]...)
	bBatch := NewShape(other.dims[:other.NDim()-2]...)
	if !aBatch.Broadcastable(bBatch) {
		return shapeErrorf("matmul: batch dims %v and %v are not broadcast-compatible", aBatch.dims, bBatch.dims)
	}
	return nil
}

// MatmulBroadcast returns the broadcast batch dims followed by (m, n).
func (s Shape) MatmulBroadcast(other Shape) (Shape, error) {
	if err := s.MatmulCompat(other); err != nil {
		return Shape{}, err
	}
	m := s.dims[s.NDim()-2]
	n := other.dims[other.NDim()-1]
	aBatch := NewShape(s.dims[:s.NDim()-2]...)
	bBatch := NewShape(other.dims[:other.NDim()-2]...)
	batch, err := aBatch.Broadcast(bBatch)
	if err != nil {
		return Shape{}, err
	}
	return NewShape(append(batch.dims, m, n)...), nil
}
