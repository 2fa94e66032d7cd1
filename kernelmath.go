// kernelmath.go
package lattice

import "github.com/chewxy/math32"

// These are the scalar bodies every per-element kernel reduces to: the
// strided ("sparse") dispatch path in backend_cpu.go and the fused-kernel
// evaluator built in fusion.go both bottom out here, exactly one float32
// implementation per op, the same shape the teacher's Metal source
// template has (one scalar expression per node). Float32 math runs
// through chewxy/math32 rather than math.Exp/math.Log + float64 round
// trips, matching how this pack's ML code (gorgonia, EasyRobot) does f32
// arithmetic.

func boolToF32(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func unaryF32(name OpName, x float32) (float32, error) {
	switch name {
	case NameExp:
		return math32.Exp(x), nil
	case NameLog:
		return math32.Log(x), nil
	case NameNeg:
		return -x, nil
	case NameRecip:
		return 1 / x, nil
	case NameSqrt:
		return math32.Sqrt(x), nil
	case NameSq:
		return x * x, nil
	default:
		return 0, unsupportedOpErrorf("unary kernel %q not implemented", opKernelNames[name])
	}
}

func binaryF32(name OpName, a, b float32) (float32, error) {
	switch name {
	case NameAdd:
		return a + b, nil
	case NameSub:
		return a - b, nil
	case NameMul:
		return a * b, nil
	case NameDiv:
		return a / b, nil
	case NameEq:
		return boolToF32(a == b), nil
	case NameNeq:
		return boolToF32(a != b), nil
	case NameLt:
		return boolToF32(a < b), nil
	case NameGt:
		return boolToF32(a > b), nil
	case NameLeq:
		return boolToF32(a <= b), nil
	case NameGeq:
		return boolToF32(a >= b), nil
	default:
		return 0, unsupportedOpErrorf("binary kernel %q not implemented", opKernelNames[name])
	}
}

func unaryI32(name OpName, x int32) (int32, error) {
	switch name {
	case NameNeg:
		return -x, nil
	case NameRecip:
		if x == 0 {
			return 0, unsupportedOpErrorf("recip: division by zero")
		}
		return 1 / x, nil
	case NameSq:
		return x * x, nil
	default:
		return 0, dtypeErrorf("unary op %q unsupported for i32", opKernelNames[name])
	}
}

func binaryI32(name OpName, a, b int32) (int32, bool, error) {
	switch name {
	case NameAdd:
		return a + b, false, nil
	case NameSub:
		return a - b, false, nil
	case NameMul:
		return a * b, false, nil
	case NameDiv:
		return a / b, false, nil
	case NameEq:
		return 0, a == b, nil
	case NameNeq:
		return 0, a != b, nil
	case NameLt:
		return 0, a < b, nil
	case NameGt:
		return 0, a > b, nil
	case NameLeq:
		return 0, a <= b, nil
	case NameGeq:
		return 0, a >= b, nil
	default:
		return 0, false, unsupportedOpErrorf("binary kernel %q not implemented", opKernelNames[name])
	}
}
