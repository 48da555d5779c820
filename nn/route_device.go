package nn

import (
	"github.com/openfluke/loomroute/envconfig"
	"github.com/openfluke/loomroute/logutil"
	"github.com/openfluke/loomroute/quant"
	"github.com/pkg/errors"
)

// ForwardDevice is ForwardFloat on the device mirrors. While training past
// envconfig.QuantStep it also refreshes the route's quantization params from
// the concatenated activations (see recalibrate).
func (l *RouteLayer) ForwardDevice(net *Network, ctx Context) error {
	if l.OutputDevice == nil {
		return errors.Wrapf(ErrNoDevice, "route layer %d", l.Index)
	}

	offset := 0
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		if src.OutputDevice == nil {
			return errors.Wrapf(ErrNoDevice, "route source layer %d", l.InputLayers[i])
		}
		size := l.InputSizes[i]
		for j := 0; j < l.Batch; j++ {
			if err := l.device.Copy(size, src.OutputDevice, j*size, l.OutputDevice, offset+j*l.Outputs); err != nil {
				return errors.Wrapf(err, "route layer %d copy from layer %d", l.Index, src.Index)
			}
		}
		offset += size
	}

	if l.shouldRecalibrate(ctx) {
		return l.recalibrate()
	}
	return nil
}

// BackwardDevice is Backward on the device mirrors.
func (l *RouteLayer) BackwardDevice(net *Network) error {
	if l.DeltaDevice == nil {
		return errors.Wrapf(ErrNoDevice, "route layer %d", l.Index)
	}

	offset := 0
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		if src.DeltaDevice == nil {
			return errors.Wrapf(ErrNoDevice, "route source layer %d", l.InputLayers[i])
		}
		size := l.InputSizes[i]
		for j := 0; j < l.Batch; j++ {
			if err := l.device.Axpy(size, 1, l.DeltaDevice, offset+j*l.Outputs, src.DeltaDevice, j*size); err != nil {
				return errors.Wrapf(err, "route layer %d accumulate into layer %d", l.Index, src.Index)
			}
		}
		offset += size
	}
	return nil
}

// shouldRecalibrate gates recalibration: training, quantization on, past the
// warm-up step count, and more than one source. Single-source routes keep the
// params they were calibrated with.
func (l *RouteLayer) shouldRecalibrate(ctx Context) bool {
	return QuantizationEnabled &&
		ctx.Train &&
		l.LayerQuantFlag &&
		ctx.Step > envconfig.QuantStep &&
		l.N > 1
}

// recalibrate pulls the first sample's spatial volume to the host, fake
// quantizes it (clamped at envconfig.QuantPercentile) to refresh the sidecar,
// and pushes the rounded values back. A degraded spatial shape has no volume
// and is skipped.
func (l *RouteLayer) recalibrate() error {
	count := min(l.OutC*l.OutW*l.OutH, len(l.Output))
	if count <= 0 {
		logutil.Trace("route recalibration skipped, no spatial shape", "layer", l.Index)
		return nil
	}

	buf := l.Output[:count]
	if err := l.device.Pull(l.OutputDevice, buf); err != nil {
		return errors.Wrapf(err, "route layer %d pull for recalibration", l.Index)
	}

	quant.FakeQuantMinMax(buf, l.Quant, envconfig.QuantPercentile)
	if !(l.Quant.Scale > 0) {
		panic(&QuantInvariantError{Layer: l.Index, Scale: l.Quant.Scale})
	}
	logutil.Trace("route recalibrated", "layer", l.Index, "scale", l.Quant.Scale,
		"zero_point", l.Quant.ZeroPoint, "min", l.Quant.Min, "max", l.Quant.Max)

	if err := l.device.Push(l.OutputDevice, buf); err != nil {
		return errors.Wrapf(err, "route layer %d push after recalibration", l.Index)
	}
	return nil
}
