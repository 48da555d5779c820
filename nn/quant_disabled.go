//go:build noquant

package nn

// QuantizationEnabled reports whether the 8-bit sidecar and forward path are compiled in.
const QuantizationEnabled = false
