package nn

// Backward accumulates the route gradient into each source's gradient:
// src.Delta[j*size : +size] += Delta[offset + j*Outputs : +size].
// Sources feeding several consumers receive the sum of all their gradients.
// Observer events carry the step of the last Forward.
func (l *RouteLayer) Backward(net *Network) error {
	offset := 0
	for i := range l.InputLayers {
		src, err := l.source(net, i)
		if err != nil {
			return err
		}
		size := l.InputSizes[i]
		if err := l.checkSource(src, len(src.Delta), size); err != nil {
			return err
		}
		for j := 0; j < l.Batch; j++ {
			AxpyCPU(size, 1, l.Delta[offset+j*l.Outputs:], 1, src.Delta[j*size:], 1)
		}
		offset += size
	}
	notifyObserver(&l.Layer, "backward", l.Delta, l.step)
	return nil
}
