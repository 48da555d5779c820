package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequantize(t *testing.T) {
	cases := []struct {
		code, zp uint8
		scale    float32
		want     float32
	}{
		{200, 128, 0.5, 36},
		{0, 128, 0.5, -64},
		{128, 128, 0.25, 0},
		{255, 0, 0.1, 25.5},
	}
	for _, tc := range cases {
		got := Dequantize(tc.code, tc.zp, tc.scale)
		assert.InDelta(t, tc.want, got, 1e-5, "code=%d zp=%d scale=%f", tc.code, tc.zp, tc.scale)
		assert.Equal(t, (float32(tc.code)-float32(tc.zp))*tc.scale, got)
	}
}

func TestQuantizeSaturates(t *testing.T) {
	p := Params{Scale: 1, ZeroPoint: 10}
	require.Equal(t, uint8(255), QuantizeValue(1000, p))
	require.Equal(t, uint8(0), QuantizeValue(-1000, p))
	require.Equal(t, uint8(13), QuantizeValue(3.2, p))

	// zero scale maps everything to the zero point
	require.Equal(t, uint8(7), QuantizeValue(42, Params{ZeroPoint: 7}))
}

func TestQuantizeRoundTrip(t *testing.T) {
	p := Params{Scale: 0.5, ZeroPoint: 100}
	src := []float32{-10, -0.5, 0, 0.5, 3, 20}
	codes := make([]uint8, len(src))
	Quantize(codes, src, p)

	back := make([]float32, len(src))
	DequantizeSlice(back, codes, p)
	for i := range src {
		require.InDelta(t, src[i], back[i], 1e-6)
	}
}

func TestPercentileRange(t *testing.T) {
	data := make([]float32, 1000)
	for i := range data {
		data[len(data)-1-i] = float32(i)
	}

	lo, hi := PercentileRange(data, 1)
	require.Equal(t, float32(0), lo)
	require.Equal(t, float32(999), hi)

	lo, hi = PercentileRange(data, 0.999)
	require.Equal(t, float32(1), lo)
	require.Equal(t, float32(998), hi)

	// input is not reordered
	require.Equal(t, float32(999), data[0])

	lo, hi = PercentileRange(nil, 0.999)
	require.Zero(t, lo)
	require.Zero(t, hi)
}

func TestCalibrate(t *testing.T) {
	var p Params
	Calibrate([]float32{-1, 0, 3}, &p, 1)
	require.Equal(t, float32(-1), p.Min)
	require.Equal(t, float32(3), p.Max)
	require.InDelta(t, 4.0/255.0, p.Scale, 1e-7)
	require.Equal(t, uint8(64), p.ZeroPoint)

	// all-positive data still includes zero in the range
	Calibrate([]float32{2, 4}, &p, 1)
	require.Equal(t, float32(0), p.Min)
	require.Equal(t, uint8(0), p.ZeroPoint)
	require.Greater(t, p.Scale, float32(0))
}

func TestFakeQuantMinMax(t *testing.T) {
	data := []float32{-1, -0.3, 0, 0.7, 1.9, 3}
	orig := append([]float32(nil), data...)

	p := NewParams()
	FakeQuantMinMax(data, p, 1)
	require.Greater(t, p.Scale, float32(0))

	for i := range data {
		assert.InDelta(t, orig[i], data[i], float64(p.Scale), "element %d", i)
		// every value now sits on the quantization grid
		code := QuantizeValue(data[i], *p)
		assert.InDelta(t, data[i], Dequantize(code, p.ZeroPoint, p.Scale), 1e-5)
	}
}

func TestFakeQuantAllZero(t *testing.T) {
	data := []float32{0, 0, 0}
	p := &Params{Scale: 1, ZeroPoint: 3}
	FakeQuantMinMax(data, p, 0.999)
	require.Zero(t, p.Scale)
	require.Equal(t, []float32{0, 0, 0}, data)

	p.Reset()
	require.Equal(t, Params{}, *p)
}
