//go:build !gpu

package gpu

// Enabled reports whether the WebGPU device is compiled in.
const Enabled = false

func openWebGPU() (Device, error) {
	return nil, ErrNoGPU
}
