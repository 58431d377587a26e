package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// Precision is the numeric precision a model runs in.
type Precision string

const (
	// PrecisionFloat32 is full single precision.
	PrecisionFloat32 Precision = "fp32"

	// PrecisionFloat16 is IEEE 754 half precision.
	PrecisionFloat16 Precision = "fp16"
)

// ParsePrecision parses a precision name.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case PrecisionFloat32, "float32":
		return PrecisionFloat32, nil
	case PrecisionFloat16, "float16", "half":
		return PrecisionFloat16, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownPrecision, s)
}

// Quantize rounds every element to the nearest value representable in p, in place.
// It returns t for chaining.
func (t *Tensor) Quantize(p Precision) *Tensor {
	if p != PrecisionFloat16 {
		return t
	}

	for i, v := range t.Data {
		t.Data[i] = float16.Fromfloat32(v).Float32()
	}
	return t
}
