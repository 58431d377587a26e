package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLerp_Endpoints(t *testing.T) {
	a, err := FromData([]float32{0.1, -2.5, 3.3, 7}, 1, 4)
	require.NoError(t, err)
	b, err := FromData([]float32{1.7, 0.2, -9.1, 7.5}, 1, 4)
	require.NoError(t, err)

	start, err := Lerp(a, b, 0)
	require.NoError(t, err)
	assert.True(t, start.Equal(a))

	end, err := Lerp(a, b, 1)
	require.NoError(t, err)
	assert.True(t, end.Equal(b))

	mid, err := Lerp(a, b, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.9, -1.15, -2.9, 7.25}, mid.Data, 1e-6)
}

func TestLerp_IdenticalEndpointsIsIdentity(t *testing.T) {
	a, err := FromData([]float32{0.1, 1.0 / 3.0, -123.456, 1e-7}, 4)
	require.NoError(t, err)

	for _, tt := range []float32{0, 1.0 / 23.0, 0.3, 0.5, 22.0 / 23.0, 1} {
		got, err := Lerp(a, a.Clone(), tt)
		require.NoError(t, err)
		assert.True(t, got.Equal(a), "t=%v", tt)
	}
}

func TestLerp_ShapeMismatch(t *testing.T) {
	_, err := Lerp(New(1, 4), New(4, 1), 0.5)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAffineClamp(t *testing.T) {
	in, err := FromData([]float32{-3, -1, 0, 1, 2.5}, 5)
	require.NoError(t, err)

	out := AffineClamp(in)
	assert.Equal(t, []float32{0, 0, 0.5, 1, 1}, out.Data)
}

func TestToChannelLast(t *testing.T) {
	// 1x2x2x2: channel 0 = 0..3, channel 1 = 10..13
	in, err := FromData([]float32{0, 1, 2, 3, 10, 11, 12, 13}, 1, 2, 2, 2)
	require.NoError(t, err)

	out, err := ToChannelLast(in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2}, out.Shape)
	assert.Equal(t, []float32{0, 10, 1, 11, 2, 12, 3, 13}, out.Data)

	_, err = ToChannelLast(New(3, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestQuantize(t *testing.T) {
	in, err := FromData([]float32{0.1, 1, 65504, 1e-8}, 4)
	require.NoError(t, err)

	in.Quantize(PrecisionFloat16)
	assert.InDelta(t, 0.1, in.Data[0], 1e-4)
	assert.NotEqual(t, float32(0.1), in.Data[0])
	assert.Equal(t, float32(1), in.Data[1])
	assert.Equal(t, float32(65504), in.Data[2])
	assert.Equal(t, float32(0), in.Data[3])
}

func TestFromData_ShapeMismatch(t *testing.T) {
	_, err := FromData([]float32{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFromData_InvalidShape(t *testing.T) {
	for name, shape := range map[string][]int{
		"negative":        {1, -3, 4},
		"overflow":        {1, 3, math.MaxInt / 2, 4},
		"overflow to one": {math.MaxInt, math.MaxInt},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromData(nil, shape...)
			assert.ErrorIs(t, err, ErrInvalidShape)
			assert.Panics(t, func() { New(shape...) })
		})
	}
}

func TestElementCount(t *testing.T) {
	n, err := ElementCount([]int{1, 4, 64, 64})
	require.NoError(t, err)
	assert.Equal(t, 16384, n)

	n, err = ElementCount([]int{2, 0, 7})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = ElementCount(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("half")
	require.NoError(t, err)
	assert.Equal(t, PrecisionFloat16, p)

	_, err = ParsePrecision("int8")
	assert.ErrorIs(t, err, ErrUnknownPrecision)
}
