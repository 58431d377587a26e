package tensor

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a tensor with the given shape and zeroed data.
// It panics on a negative dimension or an element count that overflows int.
func New(shape ...int) *Tensor {
	n, err := ElementCount(shape)
	if err != nil {
		panic("tensor: " + err.Error())
	}

	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// Zeros is New under the name numeric code expects.
func Zeros(shape ...int) *Tensor {
	return New(shape...)
}

// FromData wraps data with the given shape. The slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := ElementCount(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}

	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Bytes returns the size of the float32 payload in bytes.
func (t *Tensor) Bytes() uint64 {
	return uint64(len(t.Data)) * 4
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Equal reports whether both tensors have the same shape and bitwise equal values.
func (t *Tensor) Equal(o *Tensor) bool {
	return t.SameShape(o) && slices.Equal(t.Data, o.Data)
}

// Scale returns a new tensor with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// MinMax returns the smallest and largest element.
func (t *Tensor) MinMax() (lo, hi float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}

	lo, hi = t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return "tensor(" + strings.Join(dims, "x") + ")"
}

// Lerp blends a and b: (1-t)·a + t·b.
//
// t == 0 and t == 1 return exact copies of a and b, and a == b yields a for every t.
func Lerp(a, b *Tensor, t float32) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: lerp %v and %v", ErrShapeMismatch, a.Shape, b.Shape)
	}

	switch t {
	case 0:
		return a.Clone(), nil
	case 1:
		return b.Clone(), nil
	}

	out := New(a.Shape...)
	for i, av := range a.Data {
		out.Data[i] = av + t*(b.Data[i]-av)
	}
	return out, nil
}

// AffineClamp maps a [-1,1] image to [0,1] (x/2 + 0.5) and clamps the result.
func AffineClamp(t *Tensor) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = min(max(v/2+0.5, 0), 1)
	}
	return out
}

// ToChannelLast permutes an NCHW tensor to NHWC.
func ToChannelLast(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("%w: channel-last permute needs 4 dims, got %v", ErrShapeMismatch, t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(n, h, w, c)
	for b := range n {
		for ch := range c {
			src := t.Data[(b*c+ch)*h*w:]
			for y := range h {
				for x := range w {
					out.Data[((b*h+y)*w+x)*c+ch] = src[y*w+x]
				}
			}
		}
	}
	return out, nil
}

// ElementCount returns the element count of shape. Negative dimensions and counts
// that do not fit in an int are rejected with ErrInvalidShape.
func ElementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: %v overflows the element count", ErrInvalidShape, shape)
		}
		n *= d
	}
	return n, nil
}
