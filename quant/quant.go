// Package quant holds the 8-bit activation quantization sidecar shared by
// layers that can run in quantized inference mode.
//
// A code c represents the float value (c - ZeroPoint) * Scale.
package quant

import (
	"math"
	"slices"
)

const (
	QMin = 0
	QMax = 255
)

// Params is the per-layer quantization sidecar.
type Params struct {
	Scale     float32
	ZeroPoint uint8
	Min       float32 // lower clamp observed by the last calibration
	Max       float32 // upper clamp observed by the last calibration
}

// NewParams returns zeroed params, the state right after layer construction.
func NewParams() *Params {
	return &Params{}
}

// Reset zeroes the sidecar in place.
func (p *Params) Reset() {
	*p = Params{}
}

// Dequantize maps a single code back to float.
func Dequantize(code, zeroPoint uint8, scale float32) float32 {
	return (float32(code) - float32(zeroPoint)) * scale
}

// QuantizeValue maps v to its nearest code under p, saturating at the code range.
func QuantizeValue(v float32, p Params) uint8 {
	if p.Scale <= 0 {
		return p.ZeroPoint
	}
	q := math.Round(float64(v/p.Scale)) + float64(p.ZeroPoint)
	return uint8(clamp(q, QMin, QMax))
}

// Quantize writes the codes for src into dst. dst must be at least as long as src.
func Quantize(dst []uint8, src []float32, p Params) {
	for i, v := range src {
		dst[i] = QuantizeValue(v, p)
	}
}

// DequantizeSlice writes the float values for src into dst.
func DequantizeSlice(dst []float32, src []uint8, p Params) {
	for i, c := range src {
		dst[i] = Dequantize(c, p.ZeroPoint, p.Scale)
	}
}

// PercentileRange returns the values at the (1-q) and q quantiles of data.
// q is expected in (0.5, 1]; 1 yields the plain min and max.
func PercentileRange(data []float32, q float64) (lo, hi float32) {
	if len(data) == 0 {
		return 0, 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	n := len(sorted)
	hiIdx := int(math.Ceil(q*float64(n))) - 1
	loIdx := n - 1 - hiIdx
	hiIdx = min(max(hiIdx, 0), n-1)
	loIdx = min(max(loIdx, 0), n-1)
	return sorted[loIdx], sorted[hiIdx]
}

// Calibrate derives scale and zero point from data clamped at the q-th
// percentile. The range always includes zero so that zero is exactly
// representable. A constant-zero input leaves Scale at zero.
func Calibrate(data []float32, p *Params, q float64) {
	lo, hi := PercentileRange(data, q)
	lo = min(lo, 0)
	hi = max(hi, 0)

	p.Min, p.Max = lo, hi
	p.Scale = (hi - lo) / float32(QMax-QMin)
	if p.Scale <= 0 {
		p.Scale = 0
		p.ZeroPoint = 0
		return
	}
	zp := math.Round(float64(-lo / p.Scale))
	p.ZeroPoint = uint8(clamp(zp, QMin, QMax))
}

// FakeQuantMinMax recalibrates p from data and then rounds every element of
// data through the 8-bit grid in place, so downstream layers see the
// precision loss quantized inference will have.
func FakeQuantMinMax(data []float32, p *Params, q float64) {
	Calibrate(data, p, q)
	if p.Scale <= 0 {
		return
	}
	for i, v := range data {
		v = min(max(v, p.Min), p.Max)
		data[i] = Dequantize(QuantizeValue(v, *p), p.ZeroPoint, p.Scale)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
