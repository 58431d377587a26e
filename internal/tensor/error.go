package tensor

import "errors"

// Error definitions for the tensor package.
var (
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
	ErrUnknownPrecision = errors.New("unknown precision")
	ErrInvalidShape     = errors.New("invalid tensor shape")
)
