// Package nn provides the layer arena and the route layer of a convolutional
// network engine.
//
// Layers live in a Network arena and refer to each other by integer handle.
// A route layer concatenates the per-sample outputs of its source layers along
// the channel axis and scatters gradients back onto them:
//
//	out[j] = src0[j] ++ src1[j] ++ ... ++ srcN-1[j]   for every batch element j
//
// Four execution paths exist:
//   - ForwardFloat: host float32 concatenation
//   - ForwardQuant: host 8-bit concatenation, optionally dequantizing back to float
//   - Backward: host scatter-add of the route gradient into each source gradient
//   - ForwardDevice/BackwardDevice: the same on device mirrors, with
//     training-time quantization recalibration
//
// Example usage:
//
//	net := nn.NewNetwork(batch, nil)
//	a := net.Add(nn.MustSourceLayer(batch, 13, 13, 256, nil))
//	b := net.Add(nn.MustSourceLayer(batch, 13, 13, 128, nil))
//	route, _ := nn.NewRouteLayer(nn.RouteConfig{
//		Batch:       batch,
//		N:           2,
//		InputLayers: []int{a, b},
//		InputSizes:  []int{13 * 13 * 256, 13 * 13 * 128},
//	}, nil)
//	net.Add(&route.Layer)
//	route.Resize(net)
//
//	route.Forward(net, net.Context())
//	route.Backward(net)
package nn
