package nn

import (
	"github.com/openfluke/loomroute/gpu"
	"github.com/openfluke/loomroute/quant"
)

// LayerType defines the type of a layer in the arena
type LayerType int

const (
	LayerSource LayerType = 0 // Feature map produced outside this package (conv, pool, input)
	LayerRoute  LayerType = 1 // Channel concatenation of earlier layers
)

func (t LayerType) String() string {
	switch t {
	case LayerSource:
		return "source"
	case LayerRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Layer is one arena entry. Every field a downstream layer may read lives here
// so that layers can be addressed by handle without knowing their concrete type.
type Layer struct {
	Type  LayerType
	Index int // handle in the owning network, -1 until added

	Batch   int
	Inputs  int // per-sample input elements
	Outputs int // per-sample output elements

	// Spatial output shape; zero when undefined.
	OutW, OutH, OutC int

	Output []float32 // Outputs*Batch activations
	Delta  []float32 // Outputs*Batch gradient w.r.t. Output

	// Quantized inference sidecar. Nil when quantization is compiled out.
	OutputUint8 []uint8
	Quant       *quant.Params

	// Device mirrors of Output and Delta. Nil without a device.
	OutputDevice gpu.Array
	DeltaDevice  gpu.Array
	device       gpu.Device

	// Handles of the layers this layer reads from.
	Sources []int

	Observer LayerObserver
}

// Network is the arena that owns every layer and the training state the
// executor advances.
type Network struct {
	Batch  int
	Layers []*Layer
	Device gpu.Device // nil when running host-only

	Seen  int  // training steps seen so far
	Train bool // true while training
}

// Context is the per-call view of the network's training state.
type Context struct {
	Step  int
	Train bool
}

// Executable is implemented by layers the executor can run on the host.
type Executable interface {
	Forward(net *Network, ctx Context) error
	Backward(net *Network) error
}

// QuantizedExecutable is implemented by layers with an 8-bit forward path.
type QuantizedExecutable interface {
	ForwardQuant(net *Network) error
}

// DeviceExecutable is implemented by layers that can run on device mirrors.
type DeviceExecutable interface {
	ForwardDevice(net *Network, ctx Context) error
	BackwardDevice(net *Network) error
}
