// errors.go
package lattice

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind tags the section of the pipeline that rejected a request.
type ErrorKind int

const (
	// KindShape covers rank/dim incompatibility in broadcast, matmul,
	// reshape (numel mismatch) and permute (duplicate/out-of-range).
	KindShape ErrorKind = iota
	// KindDType covers an op applied to a dtype it does not support.
	KindDType
	// KindUnsupportedOp covers a missing kernel for (op, dtype) with no
	// fused alternative.
	KindUnsupportedOp
	// KindBackend covers device allocation, kernel compilation, or
	// library load failures reported by a Backend.
	KindBackend
	// KindGradient covers calling Backward on a non-scalar root without
	// an explicit reduction.
	KindGradient
)

func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "ShapeError"
	case KindDType:
		return "DTypeError"
	case KindUnsupportedOp:
		return "UnsupportedOp"
	case KindBackend:
		return "BackendError"
	case KindGradient:
		return "GradientError"
	default:
		return "Error"
	}
}

// Error is the single error type lattice returns; Kind lets callers switch
// on the failure category without string matching the message.
type Error struct {
	Kind ErrorKind
	msg  string
	// cause, when set, is the underlying error wrapped by pkg/errors so
	// that %+v on this error still prints a stack trace from the point
	// the backend or shape algebra first failed.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.New(fmt.Sprintf(format, args...))}
}

func wrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.Wrap(cause, fmt.Sprintf(format, args...))}
}

func shapeErrorf(format string, args ...interface{}) *Error {
	return newError(KindShape, format, args...)
}

func dtypeErrorf(format string, args ...interface{}) *Error {
	return newError(KindDType, format, args...)
}

func unsupportedOpErrorf(format string, args ...interface{}) *Error {
	return newError(KindUnsupportedOp, format, args...)
}

func backendErrorf(cause error, format string, args ...interface{}) *Error {
	return wrapError(KindBackend, cause, format, args...)
}

func gradientErrorf(format string, args ...interface{}) *Error {
	return newError(KindGradient, format, args...)
}
