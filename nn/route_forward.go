package nn

import (
	"github.com/openfluke/loomroute/envconfig"
	"github.com/openfluke/loomroute/quant"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ForwardFloat copies each source's per-sample output into its slot of the
// route output: Output[offset + j*Outputs : +size] = src.Output[j*size : +size].
func (l *RouteLayer) ForwardFloat(net *Network) error {
	offset := 0
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		size := l.InputSizes[i]
		if err := l.checkSource(src, len(src.Output), size); err != nil {
			return err
		}
		for j := 0; j < l.Batch; j++ {
			CopyCPU(size, src.Output[j*size:], 1, l.Output[offset+j*l.Outputs:], 1)
		}
		offset += size
	}
	return nil
}

// ForwardQuant concatenates the sources' 8-bit codes into OutputUint8. Codes
// are copied verbatim; no source's scale or zero point is reconciled with
// another's. With QuantStopFlag set, each block is also dequantized into
// Output with the owning source's params. Otherwise Output is not written.
func (l *RouteLayer) ForwardQuant(net *Network) error {
	if !QuantizationEnabled || l.OutputUint8 == nil {
		return errors.Wrapf(ErrNotQuantized, "route layer %d", l.Index)
	}

	offset := 0
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		if src.OutputUint8 == nil {
			return errors.Wrapf(ErrNotQuantized, "route source layer %d", l.InputLayers[i])
		}
		size := l.InputSizes[i]
		if err := l.checkSource(src, len(src.OutputUint8), size); err != nil {
			return err
		}
		for j := 0; j < l.Batch; j++ {
			CopyCPU(size, src.OutputUint8[j*size:], 1, l.OutputUint8[offset+j*l.Outputs:], 1)
		}

		if l.QuantStopFlag {
			if src.Quant == nil {
				return errors.Wrapf(ErrNotQuantized, "route source layer %d has no quantization params", l.InputLayers[i])
			}
			if err := l.dequantizeBlock(src, offset, size); err != nil {
				return err
			}
		}
		offset += size
	}
	return nil
}

// dequantizeBlock rewrites the float output of one source's block from its
// codes, one goroutine per output channel.
func (l *RouteLayer) dequantizeBlock(src *Layer, offset, size int) error {
	channels, plane := src.OutC, src.OutW*src.OutH
	if channels <= 0 || channels*plane != size {
		// flat source: treat the block as a single channel
		channels, plane = 1, size
	}
	scale, zp := src.Quant.Scale, src.Quant.ZeroPoint

	var g errgroup.Group
	g.SetLimit(max(envconfig.DequantWorkers, 1))
	for s := 0; s < channels; s++ {
		g.Go(func() error {
			for j := 0; j < l.Batch; j++ {
				base := offset + j*l.Outputs + s*plane
				for t := 0; t < plane; t++ {
					l.Output[base+t] = quant.Dequantize(l.OutputUint8[base+t], zp, scale)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// checkSource verifies a source buffer holds size elements for every sample.
func (l *RouteLayer) checkSource(src *Layer, have, size int) error {
	if have < size*l.Batch {
		return errors.Wrapf(ErrInvalidShape, "route source layer %d holds %d elements, need %d x %d",
			src.Index, have, size, l.Batch)
	}
	return nil
}
