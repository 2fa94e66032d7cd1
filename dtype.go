// dtype.go
package lattice

import "gorgonia.org/tensor"

// Dtype identifies the element type carried by a Tensor's storage.
type Dtype int

const (
	// B8 is a 1-byte boolean, the result type of every comparison op.
	B8 Dtype = iota
	// I32 is a signed 32-bit integer.
	I32
	// F32 is an IEEE-754 single precision float.
	F32
)

// String returns the kernel-naming token for d, e.g. "f32".
func (d Dtype) String() string {
	switch d {
	case B8:
		return "b8"
	case I32:
		return "i32"
	case F32:
		return "f32"
	default:
		return "unknown"
	}
}

// ByteWidth returns the size in bytes of one element of d.
func (d Dtype) ByteWidth() int {
	switch d {
	case B8:
		return 1
	case I32:
		return 4
	case F32:
		return 4
	default:
		return 0
	}
}

// Numeric reports whether d supports arithmetic ops (Add, Mul, Exp, ...).
// B8 only supports the comparison result position, never the operand
// position of a numeric unary/binary op.
func (d Dtype) Numeric() bool {
	return d == I32 || d == F32
}

// numDtypes enumerates the dtypes that numeric kernels are specialized
// for, mirroring MTLContext._init_kernel's iteration over xv.num_dtypes
// in the original implementation.
var numDtypes = []Dtype{I32, F32}

// gorgoniaDtype maps a lattice Dtype to the gorgonia.org/tensor Dtype used
// by the CPU reference backend, so that kernel bodies never need their own
// float/int math beyond what gorgonia.org/tensor and chewxy/math32 already
// provide.
func gorgoniaDtype(d Dtype) tensor.Dtype {
	switch d {
	case I32:
		return tensor.Int32
	case F32:
		return tensor.Float32
	case B8:
		return tensor.Bool
	default:
		return tensor.Float32
	}
}
