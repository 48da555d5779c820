// Package gpu provides the device memory layer that layers mirror their
// host buffers into. A Device exposes just what the route layer needs from an
// accelerator: allocation, device-to-device copy, accumulate, and host
// transfers. The WebGPU implementation is only compiled with -tags=gpu; the
// host implementation is always available and runs the same contract on
// plain slices.
package gpu

import (
	"github.com/pkg/errors"
)

var (
	// ErrNoGPU is returned when a WebGPU device is requested from a build without the gpu tag.
	ErrNoGPU = errors.New("gpu unavailable (build with -tags=gpu to enable)")
	// ErrForeignArray is returned when an Array from one device is passed to another.
	ErrForeignArray = errors.New("array does not belong to this device")
	// ErrOutOfRange is returned when an offset/length pair exceeds an array.
	ErrOutOfRange = errors.New("device access out of range")
)

// Array is a float32 buffer resident on a Device.
type Array interface {
	Len() int
}

// Device is the call contract for device-resident buffers.
type Device interface {
	Name() string

	// MakeArray allocates an array of len(data) elements initialized from data.
	MakeArray(data []float32) (Array, error)
	Free(a Array)

	// Copy sets dst[dstOff:dstOff+n] = src[srcOff:srcOff+n].
	Copy(n int, src Array, srcOff int, dst Array, dstOff int) error
	// Axpy sets y[yOff+i] += alpha * x[xOff+i] for i in [0, n).
	Axpy(n int, alpha float32, x Array, xOff int, y Array, yOff int) error

	// Pull reads the first len(dst) elements of src.
	Pull(src Array, dst []float32) error
	// Push writes src into the first len(src) elements of dst.
	Push(dst Array, src []float32) error

	Release()
}

// Open returns the device named by kind: "none" (or empty) for no device,
// "host" for the host-emulated device, "webgpu" for the WebGPU adapter.
func Open(kind string) (Device, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "host":
		return NewHostDevice(), nil
	case "webgpu":
		return openWebGPU()
	}
	return nil, errors.Errorf("unknown device %q", kind)
}

func checkRange(a Array, off, n int) error {
	if off < 0 || n < 0 || off+n > a.Len() {
		return errors.Wrapf(ErrOutOfRange, "offset %d length %d on array of %d", off, n, a.Len())
	}
	return nil
}
