package nn

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidShape is returned for zero or negative sizes.
	ErrInvalidShape = errors.New("invalid layer shape")
	// ErrShapeMismatch marks route sources whose spatial shapes disagree.
	// It is logged, not returned: the route degrades to a flat concatenation.
	ErrShapeMismatch = errors.New("route sources disagree in spatial shape")
	// ErrLayerIndex is returned for a handle outside the network arena.
	ErrLayerIndex = errors.New("layer index out of range")
	// ErrNotQuantized is returned when the 8-bit path is used without 8-bit buffers.
	ErrNotQuantized = errors.New("layer has no quantized buffers")
	// ErrNoDevice is returned when a device path is used without device mirrors.
	ErrNoDevice = errors.New("layer has no device mirrors")
)

// QuantInvariantError is the panic value raised when recalibration yields a
// non-positive scale. Quantized inference cannot continue past it.
type QuantInvariantError struct {
	Layer int
	Scale float32
}

func (e *QuantInvariantError) Error() string {
	return fmt.Sprintf("layer %d: quantization scale must be positive, got %g", e.Layer, e.Scale)
}
