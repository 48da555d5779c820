package nn

import (
	"github.com/openfluke/loomroute/gpu"
	"github.com/openfluke/loomroute/quant"
	"github.com/pkg/errors"
)

// NewNetwork creates an empty arena for batch samples. dev may be nil.
func NewNetwork(batch int, dev gpu.Device) *Network {
	return &Network{
		Batch:  batch,
		Device: dev,
	}
}

// Add appends l to the arena and returns its handle.
func (n *Network) Add(l *Layer) int {
	l.Index = len(n.Layers)
	n.Layers = append(n.Layers, l)
	return l.Index
}

// Layer resolves a handle.
func (n *Network) Layer(i int) (*Layer, error) {
	if i < 0 || i >= len(n.Layers) || n.Layers[i] == nil {
		return nil, errors.Wrapf(ErrLayerIndex, "handle %d, network has %d layers", i, len(n.Layers))
	}
	return n.Layers[i], nil
}

// Context snapshots the training state for one forward call.
func (n *Network) Context() Context {
	return Context{Step: n.Seen, Train: n.Train}
}

// Release frees every layer's device mirrors.
func (n *Network) Release() {
	for _, l := range n.Layers {
		if l != nil {
			l.Release()
		}
	}
}

// NewSourceLayer creates a plain feature-map layer of w*h*c elements per
// sample. It stands in for any producer a route can read from.
func NewSourceLayer(batch, w, h, c int, dev gpu.Device) (*Layer, error) {
	l := &Layer{
		Type:   LayerSource,
		Index:  -1,
		Batch:  batch,
		device: dev,
	}
	if err := l.Reshape(w, h, c); err != nil {
		return nil, err
	}
	return l, nil
}

// MustSourceLayer is NewSourceLayer that panics on error.
func MustSourceLayer(batch, w, h, c int, dev gpu.Device) *Layer {
	l, err := NewSourceLayer(batch, w, h, c, dev)
	if err != nil {
		panic(err)
	}
	return l
}

// Reshape changes a source layer's spatial shape and reallocates its buffers.
// Routes reading from it must be resized afterwards.
func (l *Layer) Reshape(w, h, c int) error {
	if w <= 0 || h <= 0 || c <= 0 {
		return errors.Wrapf(ErrInvalidShape, "source shape %dx%dx%d", w, h, c)
	}
	l.OutW, l.OutH, l.OutC = w, h, c
	l.Outputs = w * h * c
	l.Inputs = l.Outputs
	return l.allocate()
}

// allocate sizes every buffer the layer owns to Outputs*Batch, discarding
// previous contents.
func (l *Layer) allocate() error {
	size := l.Outputs * l.Batch
	if l.Outputs <= 0 || l.Batch <= 0 {
		return errors.Wrapf(ErrInvalidShape, "outputs %d batch %d", l.Outputs, l.Batch)
	}

	l.Output = make([]float32, size)
	l.Delta = make([]float32, size)

	if QuantizationEnabled {
		l.OutputUint8 = make([]uint8, size)
		if l.Quant == nil {
			l.Quant = quant.NewParams()
		}
	}

	if l.device == nil {
		return nil
	}
	l.releaseDevice()

	var err error
	if l.OutputDevice, err = l.device.MakeArray(l.Output); err != nil {
		return errors.Wrap(err, "allocate output mirror")
	}
	if l.DeltaDevice, err = l.device.MakeArray(l.Delta); err != nil {
		l.releaseDevice()
		return errors.Wrap(err, "allocate delta mirror")
	}
	return nil
}

// Device returns the device holding the layer's mirrors, or nil.
func (l *Layer) Device() gpu.Device {
	return l.device
}

func (l *Layer) releaseDevice() {
	if l.device == nil {
		return
	}
	if l.OutputDevice != nil {
		l.device.Free(l.OutputDevice)
		l.OutputDevice = nil
	}
	if l.DeltaDevice != nil {
		l.device.Free(l.DeltaDevice)
		l.DeltaDevice = nil
	}
}

// Release frees the device mirrors. Host buffers are left to the GC.
func (l *Layer) Release() {
	l.releaseDevice()
}

// PushDevice uploads Output and Delta to the device mirrors.
func (l *Layer) PushDevice() error {
	if l.OutputDevice == nil || l.DeltaDevice == nil {
		return errors.Wrapf(ErrNoDevice, "layer %d", l.Index)
	}
	if err := l.device.Push(l.OutputDevice, l.Output); err != nil {
		return err
	}
	return l.device.Push(l.DeltaDevice, l.Delta)
}

// PullDevice downloads the output mirror into Output.
func (l *Layer) PullDevice() error {
	if l.OutputDevice == nil {
		return errors.Wrapf(ErrNoDevice, "layer %d", l.Index)
	}
	return l.device.Pull(l.OutputDevice, l.Output)
}

// PullDeltaDevice downloads the gradient mirror into Delta.
func (l *Layer) PullDeltaDevice() error {
	if l.DeltaDevice == nil {
		return errors.Wrapf(ErrNoDevice, "layer %d", l.Index)
	}
	return l.device.Pull(l.DeltaDevice, l.Delta)
}

// QuantizeOutput fills OutputUint8 from Output using the layer's own params.
func (l *Layer) QuantizeOutput() error {
	if !QuantizationEnabled || l.Quant == nil || l.OutputUint8 == nil {
		return errors.Wrapf(ErrNotQuantized, "layer %d", l.Index)
	}
	quant.Quantize(l.OutputUint8, l.Output, *l.Quant)
	return nil
}

// ZeroDelta clears the host gradient before a backward pass.
func (l *Layer) ZeroDelta() {
	clear(l.Delta)
}
