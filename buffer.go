// buffer.go
package lattice

// Buffer is device-visible storage: on the real Metal backend it wraps
// Apple Silicon's unified memory (the same bytes the CPU and GPU both
// see, exactly as `newBufferWithBytesNoCopy` does in the teacher's
// kernels.py); on the CPU reference backend the Go kernels read and
// write its typed slice directly. Exactly one of the typed slices is
// populated, selected by Dtype.
type Buffer struct {
	Dtype Dtype
	B8    []byte
	I32   []int32
	F32   []float32
}

// NewBuffer allocates zeroed storage for n elements of dtype d.
func NewBuffer(d Dtype, n int) *Buffer {
	buf := &Buffer{Dtype: d}
	switch d {
	case B8:
		buf.B8 = make([]byte, n)
	case I32:
		buf.I32 = make([]int32, n)
	case F32:
		buf.F32 = make([]float32, n)
	}
	return buf
}

// Len returns the element count of the populated slice.
func (b *Buffer) Len() int {
	switch b.Dtype {
	case B8:
		return len(b.B8)
	case I32:
		return len(b.I32)
	case F32:
		return len(b.F32)
	default:
		return 0
	}
}

// NBytes returns the byte length of the populated slice, the quantity
// the GPU backend needs for newBufferWithBytesNoCopy/allocation calls.
func (b *Buffer) NBytes() int { return b.Len() * b.Dtype.ByteWidth() }

// GetF32/SetF32, GetI32/SetI32 and GetB8/SetB8 read or write a single
// linear element of the typed slice they name; each one touches only its
// own dtype's slice.
func (b *Buffer) GetF32(i int) float32 { return b.F32[i] }
func (b *Buffer) SetF32(i int, v float32) { b.F32[i] = v }

func (b *Buffer) GetI32(i int) int32 { return b.I32[i] }
func (b *Buffer) SetI32(i int, v int32) { b.I32[i] = v }

func (b *Buffer) GetB8(i int) byte { return b.B8[i] }
func (b *Buffer) SetB8(i int, v byte) { b.B8[i] = v }

// CloneZeros returns a fresh zero-filled Buffer with the same dtype and
// length as b.
func (b *Buffer) CloneZeros() *Buffer {
	return NewBuffer(b.Dtype, b.Len())
}
