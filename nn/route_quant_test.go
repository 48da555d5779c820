//go:build !noquant

package nn

import (
	"testing"

	"github.com/openfluke/loomroute/envconfig"
	"github.com/openfluke/loomroute/gpu"
	"github.com/openfluke/loomroute/quant"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setQuantStep overrides ROUTE_QUANT_STEP for the duration of the test.
func setQuantStep(t *testing.T, step string) {
	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("ROUTE_QUANT_STEP", step)
	envconfig.LoadConfig()
}

func TestQuantizedModeSelection(t *testing.T) {
	route, err := NewRouteLayer(RouteConfig{
		Batch: 1, N: 1, InputLayers: []int{0}, InputSizes: []int{3},
		LayerQuantFlag: true,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, ForwardModeQuantized, route.Mode)
	require.Len(t, route.OutputUint8, 3)
	require.NotNil(t, route.Quant)
	require.Equal(t, quant.Params{}, *route.Quant)
}

func TestForwardQuantConcatenatesCodes(t *testing.T) {
	net, h := newTestNetwork(t, 2, nil, shape{1, 1, 2}, shape{1, 1, 1})
	copy(net.Layers[h[0]].OutputUint8, []uint8{1, 2, 3, 4})
	copy(net.Layers[h[1]].OutputUint8, []uint8{200, 201})

	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true})
	fill(route.Output, 1000)

	require.NoError(t, route.Forward(net, net.Context()))
	require.Equal(t, []uint8{1, 2, 200, 3, 4, 201}, route.OutputUint8)

	// without QuantStopFlag the float output is not written
	want := make([]float32, 6)
	fill(want, 1000)
	require.Equal(t, want, route.Output)
}

func TestForwardQuantDequantizesWithSourceParams(t *testing.T) {
	net, h := newTestNetwork(t, 2, nil, shape{1, 1, 2}, shape{3, 1, 1})
	a, b := net.Layers[h[0]], net.Layers[h[1]]
	*a.Quant = quant.Params{Scale: 0.5, ZeroPoint: 10}
	*b.Quant = quant.Params{Scale: 2, ZeroPoint: 0}
	copy(a.OutputUint8, []uint8{10, 12, 8, 20})
	copy(b.OutputUint8, []uint8{0, 1, 2, 3, 4, 5})

	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true, QuantStopFlag: true})
	require.NoError(t, route.ForwardQuant(net))

	require.Equal(t, []uint8{10, 12, 0, 1, 2, 8, 20, 3, 4, 5}, route.OutputUint8)
	require.Equal(t, []float32{
		0, 1, 0, 2, 4,
		-1, 5, 6, 8, 10,
	}, route.Output)
}

func TestForwardQuantObserverEvents(t *testing.T) {
	net, h := newTestNetwork(t, 1, nil, shape{1, 1, 2}, shape{1, 1, 1})
	a, b := net.Layers[h[0]], net.Layers[h[1]]
	*a.Quant = quant.Params{Scale: 0.5, ZeroPoint: 1}
	*b.Quant = quant.Params{Scale: 2, ZeroPoint: 0}
	copy(a.OutputUint8, []uint8{1, 3})
	copy(b.OutputUint8, []uint8{5})

	codesOnly := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true})
	obs := NewChannelObserver(4)
	codesOnly.Observer = obs
	require.NoError(t, codesOnly.Forward(net, Context{Step: 2}))
	require.Empty(t, obs.Events, "float output was not written")

	dequant := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true, QuantStopFlag: true})
	dequant.Observer = obs
	require.NoError(t, dequant.Forward(net, Context{Step: 3}))
	require.Equal(t, []float32{0, 1, 10}, dequant.Output)

	ev := <-obs.Events
	require.Equal(t, "forward", ev.Type)
	require.Equal(t, uint64(3), ev.StepCount)
	require.Equal(t, float32(10), ev.Stats.MaxActivation)
	require.Equal(t, float32(0), ev.Stats.MinActivation)
	require.InDelta(t, 11.0/3, ev.Stats.AvgActivation, 1e-5)
}

func TestForwardQuantSingleWorker(t *testing.T) {
	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("ROUTE_DEQUANT_WORKERS", "1")
	envconfig.LoadConfig()
	require.Equal(t, 1, envconfig.DequantWorkers)

	net, h := newTestNetwork(t, 1, nil, shape{2, 2, 4})
	src := net.Layers[h[0]]
	*src.Quant = quant.Params{Scale: 1, ZeroPoint: 128}
	for i := range src.OutputUint8 {
		src.OutputUint8[i] = uint8(128 + i)
	}

	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true, QuantStopFlag: true})
	require.NoError(t, route.ForwardQuant(net))
	want := make([]float32, 16)
	fill(want, 0)
	require.Equal(t, want, route.Output)
}

func TestForwardQuantNotQuantized(t *testing.T) {
	net, h := newTestNetwork(t, 1, nil, shape{1, 1, 2})
	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true, QuantStopFlag: true})

	net.Layers[h[0]].Quant = nil
	require.True(t, errors.Is(route.ForwardQuant(net), ErrNotQuantized))

	net.Layers[h[0]].OutputUint8 = nil
	require.True(t, errors.Is(route.ForwardQuant(net), ErrNotQuantized))

	route.OutputUint8 = nil
	require.True(t, errors.Is(route.ForwardQuant(net), ErrNotQuantized))
}

func TestQuantizeOutput(t *testing.T) {
	l := MustSourceLayer(1, 1, 1, 3, nil)
	copy(l.Output, []float32{-1, 0, 2})
	*l.Quant = quant.Params{Scale: 0.5, ZeroPoint: 2}
	require.NoError(t, l.QuantizeOutput())
	require.Equal(t, []uint8{0, 2, 6}, l.OutputUint8)

	l.Quant = nil
	require.True(t, errors.Is(l.QuantizeOutput(), ErrNotQuantized))
}

// newRecalibrationRoute builds a two-source route on the host device whose
// first sample is [1 2 -1 0.5] and second sample is [3 4 5 6].
func newRecalibrationRoute(t *testing.T, cfg RouteConfig, shapes ...shape) (*Network, *RouteLayer) {
	t.Helper()
	if len(shapes) == 0 {
		shapes = []shape{{2, 1, 1}, {2, 1, 1}}
	}
	net, h := newTestNetwork(t, 2, gpu.NewHostDevice(), shapes...)
	copy(net.Layers[h[0]].Output, []float32{1, 2, 3, 4})
	copy(net.Layers[h[1]].Output, []float32{-1, 0.5, 5, 6})
	for _, idx := range h {
		require.NoError(t, net.Layers[idx].PushDevice())
	}
	return net, newTestRoute(t, net, h, cfg)
}

func TestRecalibration(t *testing.T) {
	setQuantStep(t, "5")
	net, route := newRecalibrationRoute(t, RouteConfig{LayerQuantFlag: true})
	require.Equal(t, 4, route.OutC*route.OutW*route.OutH)

	require.NoError(t, route.ForwardDevice(net, Context{Step: 6, Train: true}))
	require.Greater(t, route.Quant.Scale, float32(0))
	assert.Equal(t, float32(-1), route.Quant.Min)
	assert.Equal(t, float32(2), route.Quant.Max)
	assert.InDelta(t, 3.0/255, route.Quant.Scale, 1e-6)
	assert.Equal(t, uint8(85), route.Quant.ZeroPoint)

	require.NoError(t, route.PullDevice())
	half := float64(route.Quant.Scale) / 2
	for i, v := range []float32{1, 2, -1, 0.5} {
		assert.InDelta(t, v, route.Output[i], half+1e-6, "element %d", i)
	}
	// only the first sample is recalibrated
	require.Equal(t, []float32{3, 4, 5, 6}, route.Output[4:])
}

func TestRecalibrationGate(t *testing.T) {
	setQuantStep(t, "5")

	cases := map[string]struct {
		cfg RouteConfig
		ctx Context
	}{
		"at threshold":  {RouteConfig{LayerQuantFlag: true}, Context{Step: 5, Train: true}},
		"inference":     {RouteConfig{LayerQuantFlag: true}, Context{Step: 100}},
		"not quantized": {RouteConfig{}, Context{Step: 100, Train: true}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			net, route := newRecalibrationRoute(t, tc.cfg)
			require.NoError(t, route.ForwardDevice(net, tc.ctx))
			require.Zero(t, route.Quant.Scale)

			require.NoError(t, route.PullDevice())
			require.Equal(t, []float32{1, 2, -1, 0.5, 3, 4, 5, 6}, route.Output)
		})
	}
}

func TestRecalibrationDefaultStep(t *testing.T) {
	setQuantStep(t, "")
	require.Equal(t, envconfig.DefaultQuantStep, envconfig.QuantStep)

	net, route := newRecalibrationRoute(t, RouteConfig{LayerQuantFlag: true})
	require.NoError(t, route.ForwardDevice(net, Context{Step: envconfig.DefaultQuantStep, Train: true}))
	require.Zero(t, route.Quant.Scale)

	require.NoError(t, route.ForwardDevice(net, Context{Step: envconfig.DefaultQuantStep + 1, Train: true}))
	require.Greater(t, route.Quant.Scale, float32(0))
}

func TestRecalibrationSkipsSingleSource(t *testing.T) {
	setQuantStep(t, "0")
	net, h := newTestNetwork(t, 1, gpu.NewHostDevice(), shape{1, 1, 2})
	copy(net.Layers[h[0]].Output, []float32{1, 2})
	require.NoError(t, net.Layers[h[0]].PushDevice())
	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true})

	require.NoError(t, route.ForwardDevice(net, Context{Step: 1, Train: true}))
	require.Zero(t, route.Quant.Scale)
}

func TestRecalibrationSkipsDegradedShape(t *testing.T) {
	setQuantStep(t, "0")
	net, route := newRecalibrationRoute(t, RouteConfig{LayerQuantFlag: true}, shape{2, 1, 1}, shape{1, 2, 1})
	require.Zero(t, route.OutW)

	require.NoError(t, route.ForwardDevice(net, Context{Step: 1, Train: true}))
	require.Zero(t, route.Quant.Scale)
}

func TestRecalibrationPanicsOnZeroScale(t *testing.T) {
	setQuantStep(t, "0")
	net, h := newTestNetwork(t, 1, gpu.NewHostDevice(), shape{1, 1, 2}, shape{1, 1, 2})
	for _, idx := range h {
		require.NoError(t, net.Layers[idx].PushDevice())
	}
	route := newTestRoute(t, net, h, RouteConfig{LayerQuantFlag: true})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = route.ForwardDevice(net, Context{Step: 1, Train: true})
	}()

	require.NotNil(t, recovered)
	var qerr *QuantInvariantError
	require.ErrorAs(t, recovered.(error), &qerr)
	require.Equal(t, route.Index, qerr.Layer)
	require.Zero(t, qerr.Scale)
}
