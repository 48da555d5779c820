package nn

import (
	"log/slog"

	"github.com/openfluke/loomroute/gpu"
	"github.com/pkg/errors"
)

// ForwardMode is the forward strategy a route layer picks at construction.
type ForwardMode int

const (
	ForwardModeFloat     ForwardMode = 0 // float32 concatenation
	ForwardModeQuantized ForwardMode = 1 // 8-bit concatenation with optional dequantization
)

func (m ForwardMode) String() string {
	switch m {
	case ForwardModeFloat:
		return "float"
	case ForwardModeQuantized:
		return "quantized"
	default:
		return "unknown"
	}
}

// RouteConfig holds the construction parameters of a route layer.
type RouteConfig struct {
	Batch       int
	N           int   // number of sources
	InputLayers []int // source handles, in concatenation order
	InputSizes  []int // per-sample output size of each source

	LayerQuantFlag    bool // run the 8-bit forward path
	QuantStopFlag     bool // dequantize the concatenated codes back to float
	CloseQuantization bool // force the float path regardless of LayerQuantFlag
}

// RouteLayer concatenates the outputs of earlier layers along the channel axis.
type RouteLayer struct {
	Layer

	N           int
	InputLayers []int
	InputSizes  []int

	LayerQuantFlag    bool
	QuantStopFlag     bool
	CloseQuantization bool

	Mode ForwardMode

	step uint64 // step of the last host forward, reported with backward events
}

var (
	_ Executable          = (*RouteLayer)(nil)
	_ QuantizedExecutable = (*RouteLayer)(nil)
	_ DeviceExecutable    = (*RouteLayer)(nil)
)

// NewRouteLayer builds a route layer over cfg.N sources. The InputLayers and
// InputSizes slices are owned by the layer afterwards. With a non-nil dev the
// output and gradient buffers are mirrored on the device.
func NewRouteLayer(cfg RouteConfig, dev gpu.Device) (*RouteLayer, error) {
	if cfg.Batch <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "route batch %d", cfg.Batch)
	}
	if cfg.N < 1 || len(cfg.InputLayers) != cfg.N || len(cfg.InputSizes) != cfg.N {
		return nil, errors.Wrapf(ErrInvalidShape, "route n=%d with %d layers and %d sizes",
			cfg.N, len(cfg.InputLayers), len(cfg.InputSizes))
	}

	outputs := 0
	for i, size := range cfg.InputSizes {
		if size <= 0 {
			return nil, errors.Wrapf(ErrInvalidShape, "route source %d (layer %d) has size %d", i, cfg.InputLayers[i], size)
		}
		outputs += size
	}

	l := &RouteLayer{
		Layer: Layer{
			Type:    LayerRoute,
			Index:   -1,
			Batch:   cfg.Batch,
			Inputs:  outputs,
			Outputs: outputs,
			Sources: cfg.InputLayers,
			device:  dev,
		},
		N:                 cfg.N,
		InputLayers:       cfg.InputLayers,
		InputSizes:        cfg.InputSizes,
		LayerQuantFlag:    cfg.LayerQuantFlag,
		QuantStopFlag:     cfg.QuantStopFlag,
		CloseQuantization: cfg.CloseQuantization,
	}
	if err := l.allocate(); err != nil {
		return nil, err
	}

	if QuantizationEnabled && l.LayerQuantFlag && !l.CloseQuantization {
		l.Mode = ForwardModeQuantized
	}

	slog.Debug("route", "sources", cfg.InputLayers, "outputs", outputs, "batch", cfg.Batch, "mode", l.Mode)
	return l, nil
}

// Resize recomputes the per-source sizes and spatial shape from the current
// state of the network and reallocates every buffer. Sources whose width or
// height differ from the first source leave the spatial shape undefined
// (all zero); the layer still works as a flat concatenation. On error the
// layer keeps its previous sizes and buffers.
func (l *RouteLayer) Resize(net *Network) error {
	first, err := l.source(net, 0)
	if err != nil {
		return err
	}

	outW, outH, outC := first.OutW, first.OutH, first.OutC
	sizes := make([]int, len(l.InputLayers))
	outputs := 0
	degraded := false
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		if src.Outputs <= 0 {
			return errors.Wrapf(ErrInvalidShape, "route source %d (layer %d) has size %d", i, l.InputLayers[i], src.Outputs)
		}
		sizes[i] = src.Outputs
		outputs += src.Outputs

		if i == 0 {
			continue
		}
		if src.OutW == first.OutW && src.OutH == first.OutH {
			outC += src.OutC
		} else {
			degraded = true
			slog.Warn("route shape degraded to flat concatenation", "layer", l.Index,
				"error", errors.Wrapf(ErrShapeMismatch, "layer %d is %dx%d, layer %d is %dx%d",
					l.InputLayers[i], src.OutW, src.OutH, l.InputLayers[0], first.OutW, first.OutH))
		}
	}
	if degraded {
		outW, outH, outC = 0, 0, 0
	}

	copy(l.InputSizes, sizes)
	l.OutW, l.OutH, l.OutC = outW, outH, outC
	l.Outputs = outputs
	l.Inputs = outputs
	return l.allocate()
}

// source resolves the i-th source of the route.
func (l *RouteLayer) source(net *Network, i int) (*Layer, error) {
	if i >= len(l.InputLayers) {
		return nil, errors.Wrapf(ErrLayerIndex, "route source %d of %d", i, len(l.InputLayers))
	}
	idx := l.InputLayers[i]
	src, err := net.Layer(idx)
	if err != nil {
		return nil, err
	}
	if src == &l.Layer {
		return nil, errors.Wrapf(ErrLayerIndex, "route layer %d reads from itself", idx)
	}
	return src, nil
}

// Forward runs the strategy selected at construction. A quantized forward
// without QuantStopFlag leaves Output untouched and is not reported to the
// observer.
func (l *RouteLayer) Forward(net *Network, ctx Context) error {
	var err error
	switch l.Mode {
	case ForwardModeQuantized:
		err = l.ForwardQuant(net)
	default:
		err = l.ForwardFloat(net)
	}
	if err != nil {
		return err
	}
	l.step = uint64(ctx.Step)
	if l.Mode == ForwardModeQuantized && !l.QuantStopFlag {
		return nil
	}
	notifyObserver(&l.Layer, "forward", l.Output, l.step)
	return nil
}
